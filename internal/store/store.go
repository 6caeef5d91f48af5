// Package store implements MessageStore: the only component that touches
// persistent storage. It encapsulates all SQL, matching the teacher's
// internal/outbox repository split (interface + concrete backend).
package store

import (
	"context"

	"github.com/flowcatalyst/risk-sms/internal/message"
)

// DefaultBatchLimit is the default loadPendingMessages batch size.
const DefaultBatchLimit = 100

// MessageStore is the storage-access interface every component depends on.
// All methods trap storage errors internally per spec.md §4.1/§7: none of
// them return an error the caller must branch on for control flow, mirroring
// the teacher's Repository split between "never fails the caller" outbox
// polling and explicit error returns on administrative paths.
type MessageStore interface {
	// LoadPendingMessages returns up to limit PENDING_SEND rows, joined to
	// category and filtered by carrier/classification when non-nil,
	// ordered by (category.priority asc [nulls -> 997], id asc). source is
	// not a filter; it is copied into every returned SmsMessage.Source. On
	// any query error this returns an empty slice and logs — it never
	// propagates the error.
	LoadPendingMessages(ctx context.Context, source string, carrier, classification *string, limit int) []message.SmsMessage

	// UpdateMessageStatus applies one outcome update atomically: the
	// attempt-cap promotion to ERROR_PROCESSED, the attempts increment
	// (skipped when newState is IN_PROGRESS), sent_at stamping on SENT,
	// and coalesced, length-truncated response field updates.
	UpdateMessageStatus(ctx context.Context, id string, newState message.Status, responseCode *int, responseText *string, externalID *string, maxAttempts int)

	// BulkClaim attempts a non-blocking per-row lock on each message id;
	// rows that cannot be locked are dropped from the returned slice.
	// Locked rows are set to newState and returned.
	BulkClaim(ctx context.Context, ids []string, newState message.Status) []string

	// SaveReceivedMessage inserts one inbound MO row and returns its new
	// id, or nil on error.
	SaveReceivedMessage(ctx context.Context, origin, destination, text string) *string

	// ResetStuckInProgress resets any row left in IN_PROGRESS back to
	// PENDING_SEND. Used by Supervisor's crash-recovery sweep (SPEC_FULL.md
	// §4.11) and returns the number of rows reset.
	ResetStuckInProgress(ctx context.Context) int64

	// Close releases the underlying connection pool.
	Close()
}
