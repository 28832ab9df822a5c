// Package auth provides authentication and authorization for inbox-gateway.
//
// # Tokens
//
// Every caller authenticates with an HS256 JWT signed with auth.jwt_secret.
// The "role" claim decides what the caller may do:
//
//   - agent, admin: support staff. Issued with the `inbox-gateway token`
//     command. May read every conversation and act on tickets.
//   - client: a customer using the web chat. Issued by the client login
//     endpoint and bound to one conversation through the conversation_id
//     claim.
//
// HTTP handlers receive the identity through WithAuth/FromContext. The
// WebSocket hub verifies the same token from the "token" query parameter.
//
// # Passwords
//
// Customer passwords are generated by the gateway and stored only as bcrypt
// hashes (HashPassword, CheckPassword).
package auth
