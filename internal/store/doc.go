// Package store provides persistent storage for the inbox using SQLite.
//
// # Architecture
//
// Store is composed of narrower interfaces so consumers can depend on only
// what they use:
//
//   - ConversationStore: per-customer conversation state
//   - MessageStore: message history and image retention
//   - TicketStore: internal work items
//   - PaymentStore: payment receipts awaiting review
//
// SQLiteStore implements all of them in a single struct.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The pool is limited to one connection, so read-modify-write statements
// such as RecordInbound never interleave.
//
// # Timestamps
//
// Times are stored as fixed-width UTC text with nanosecond precision. The
// fixed width keeps text comparison in ORDER BY and MAX() chronological.
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateConversation: the customer already has a conversation
package store
