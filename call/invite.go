package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	calling "github.com/murmurtalk/calling"
)

// An Inviter places outgoing calls for the local device. Each placed call
// creates the shared record, notifies the callee's devices best effort, and
// returns the caller-side session driving the call.
type Inviter struct {
	config  Config
	logger  calling.ZapCompatibleLogger
	workers *calling.StoppableWorkers
}

// NewInviter returns an Inviter for the local device described by config.
func NewInviter(config Config) (*Inviter, error) {
	if config.Store == nil {
		return nil, errors.New("expected a signaling store")
	}
	config = config.withDefaults()
	return &Inviter{
		config:  config,
		logger:  config.Logger,
		workers: calling.NewBackgroundStoppableWorkers(),
	}, nil
}

// StartCall places a call to the given user. The returned session is already
// ringing; the caller observes acceptance through its state transitions.
//
// Push delivery of the invitation is best effort. The callee's devices also
// learn of the call through their own signaling store subscriptions, so a
// failed push degrades latency, never reachability.
func (inv *Inviter) StartCall(
	ctx context.Context,
	calleeID string,
	callType CallType,
	handlers SessionHandlers,
) (*Session, error) {
	ctx, span := trace.StartSpan(ctx, "Inviter::StartCall")
	defer span.End()

	if inv.config.LocalUserID == "" {
		return nil, ErrMissingIdentity
	}
	if calleeID == "" {
		return nil, errors.New("expected non-empty callee id")
	}
	if calleeID == inv.config.LocalUserID {
		return nil, errors.New("cannot call self")
	}
	if callType != CallTypeAudio && callType != CallTypeVideo {
		return nil, errors.Errorf("unknown call type %q", callType)
	}

	now := time.Now()
	record := CallRecord{
		ID:         uuid.NewString(),
		CallerID:   inv.config.LocalUserID,
		CalleeID:   calleeID,
		CallerName: inv.config.LocalDisplayName,
		CallType:   callType,
		Status:     StatusRinging,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := inv.config.Store.CreateCall(ctx, record); err != nil {
		return nil, errors.Wrap(err, "failed to create call")
	}

	if inv.config.Push != nil {
		invite := CallInvitePush{
			CallID:       record.ID,
			CallType:     callType,
			FromUserID:   record.CallerID,
			FromUsername: record.CallerName,
		}
		calling.UncheckedError(inv.workers.Add(func(_ context.Context) {
			// Detached from the worker context so Close waits out an
			// in-flight delivery instead of aborting it.
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := inv.config.Push.SendCallInvite(ctx, calleeID, invite); err != nil {
				inv.logger.Warnw("failed to push call invite", "id", record.ID, "error", err)
			}
		}))
	}

	session, err := startSession(ctx, inv.config, record, RoleCaller, handlers)
	if err != nil {
		inv.failCall(record.ID)
		return nil, err
	}
	return session, nil
}

// failCall marks a call that never got a working caller session.
func (inv *Inviter) failCall(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := inv.config.Store.SetFieldsIfAbsent(ctx, id, map[string]interface{}{
		callStatusField:  StatusFailed,
		callEndedAtField: time.Now(),
	}); err != nil && !IsInactiveCallError(err) {
		inv.logger.Warnw("failed to mark call failed", "id", id, "error", err)
	}
}

// UpdateStatus writes a new lifecycle status onto the call record. The write
// is fire and forget: failures are logged, never surfaced.
func (inv *Inviter) UpdateStatus(ctx context.Context, id string, status CallStatus) {
	if err := inv.config.Store.SetFields(ctx, id, map[string]interface{}{
		callStatusField: status,
	}); err != nil && !IsInactiveCallError(err) {
		inv.logger.Warnw("failed to update call status", "id", id, "status", status, "error", err)
	}
}

// Summary fetches the call and projects it for the local user.
func (inv *Inviter) Summary(ctx context.Context, id string) (CallSummary, error) {
	record, err := inv.config.Store.GetCall(ctx, id)
	if err != nil {
		return CallSummary{}, err
	}
	peerName := record.CallerName
	if record.CallerID == inv.config.LocalUserID {
		// Callee display names are resolved by the contacts layer; fall back
		// to the raw id.
		peerName = record.CalleeID
	}
	return record.Summarize(peerName), nil
}

// Close waits for any in-flight push deliveries.
func (inv *Inviter) Close() error {
	inv.workers.Stop()
	return nil
}
