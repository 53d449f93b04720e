// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The Store interface defines the persistence contract for conversations and
// messages; SQLiteStore implements it on modernc.org/sqlite. All operations
// are atomic with respect to the single conversation or message row they
// touch, which is what the lifecycle layer's claim semantics rely on.
//
// # Data Models
//
//   - Conversation: one per Telegram channel, carrying the claim/finish
//     lifecycle state and a summary of the most recent message
//   - Message: append-only rows with strictly increasing ids per
//     conversation; the id doubles as the polling cursor
//
// # Error Taxonomy
//
// Operations return sentinel errors (ErrNotFound, ErrEmptyMessage) or typed
// errors (AlreadyClaimedError) that callers match with errors.Is/errors.As.
// Anything else is a storage fault, wrapped with context and retryable by the
// caller.
package store
