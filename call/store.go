package call

import (
	"context"
)

// A CallEvent is one delivery from a call document subscription. Deliveries
// are at least once and carry the full current record; consumers must be
// idempotent.
type CallEvent struct {
	Record CallRecord
	// Expired is set when the underlying document was removed (e.g. TTL
	// cleanup) rather than updated.
	Expired bool
}

// A SignalingStore is the document database a call is exchanged through: a
// shared mutable record per call plus two append-only candidate logs, with a
// subscribe-for-changes primitive.
//
// All mutations are partial-field updates, never full-document overwrites.
// Correctness relies on each role only writing its own fields and on
// idempotent, edge-triggered consumption by readers; the store itself takes no
// locks across calls.
type SignalingStore interface {
	// CreateCall inserts the shared record for a new call attempt. It fails
	// if a record with the same id already exists.
	CreateCall(ctx context.Context, record CallRecord) error

	// GetCall fetches the current record.
	GetCall(ctx context.Context, id string) (CallRecord, error)

	// SetFields applies a partial update to the record and bumps updated_at.
	SetFields(ctx context.Context, id string, fields map[string]interface{}) error

	// SetFieldsIfAbsent applies a partial update only if none of the given
	// fields is already set. It returns true if the update was applied. Used
	// for the write-once fields (started_at, ended_at).
	SetFieldsIfAbsent(ctx context.Context, id string, fields map[string]interface{}) (bool, error)

	// ClaimAccept atomically records that the device holding deviceToken owns
	// the accepted call, guarded on the call being unclaimed and non-terminal.
	// It returns false when another device already claimed it.
	ClaimAccept(ctx context.Context, id, deviceToken string) (bool, error)

	// AppendCandidate appends to the candidate log the given role owns.
	AppendCandidate(ctx context.Context, id string, role Role, candidate ICECandidate) error

	// WatchCall subscribes to changes of the call record. The current record
	// is delivered first, then every subsequent change. The returned function
	// cancels the subscription and must be called exactly once.
	WatchCall(ctx context.Context, id string) (<-chan CallEvent, func(), error)

	// WatchCandidates subscribes to the candidate log owned by the given role,
	// delivering every existing entry followed by each new entry exactly once
	// per subscription, in log order.
	WatchCandidates(ctx context.Context, id string, role Role) (<-chan ICECandidate, func(), error)

	// Close cancels all subscriptions and waits for background workers.
	Close() error
}
