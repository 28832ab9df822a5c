// ABOUTME: Ticket subjects and the actions that run when a ticket is resolved
// ABOUTME: Closed subject table; subjects without an entry resolve to a logged no-op

package tickets

import (
	"context"

	"github.com/2389/inbox-gateway/internal/store"
)

// Subject names the kind of work a ticket asks an agent to do.
type Subject string

const (
	SubjectCreateUser Subject = "Crear usuario"
	SubjectWithdrawal Subject = "Retiro"
	SubjectSupport    Subject = "Soporte"
)

// Valid reports whether s has an entry in the action table.
func (s Subject) Valid() bool {
	_, ok := actions[s]
	return ok
}

// action runs after a ticket reaches a terminal status. A nil hook does nothing.
type action struct {
	onComplete func(svc *Service, ctx context.Context, ticket *store.Ticket) error
}

var actions = map[Subject]action{
	SubjectCreateUser: {onComplete: (*Service).sendCredentials},
	// The real amount is recorded on the ticket by Complete itself.
	SubjectWithdrawal: {},
	SubjectSupport:    {},
}

func actionFor(subject string) (action, bool) {
	a, ok := actions[Subject(subject)]
	return a, ok
}
