package call

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	calling "github.com/murmurtalk/calling"
)

// An Arbitrator handles the callee side of call invitations on one device:
// presenting incoming calls, deciding the multi-device accept race through
// the store's claim primitive, and standing down cleanly when another device
// of the same user wins.
type Arbitrator struct {
	config  Config
	logger  calling.ZapCompatibleLogger
	workers *calling.StoppableWorkers

	mu      sync.Mutex
	ringing map[string]*ringingInvite
}

type ringingInvite struct {
	record             CallRecord
	cancelPresentation func()
	cancelled          bool
	unwatch            func()
}

// NewArbitrator returns an Arbitrator for the local device described by
// config. DeviceToken must be stable and unique among the user's devices.
func NewArbitrator(config Config) (*Arbitrator, error) {
	if config.Store == nil {
		return nil, errors.New("expected a signaling store")
	}
	if config.LocalUserID == "" {
		return nil, ErrMissingIdentity
	}
	if config.DeviceToken == "" {
		return nil, errors.New("expected non-empty device token")
	}
	config = config.withDefaults()
	return &Arbitrator{
		config:  config,
		logger:  config.Logger,
		workers: calling.NewBackgroundStoppableWorkers(),
		ringing: map[string]*ringingInvite{},
	}, nil
}

// OfferIncoming registers an incoming call on this device, typically on
// receipt of an invitation push. It validates the call is for the local user
// and still ringing, then watches it so the presentation is dismissed if the
// call ends or another device claims it before this one reacts.
//
// cancelPresentation is invoked at most once, from a background goroutine,
// when the invitation stops being actionable.
func (arb *Arbitrator) OfferIncoming(ctx context.Context, callID string, cancelPresentation func()) (CallRecord, error) {
	ctx, span := trace.StartSpan(ctx, "Arbitrator::OfferIncoming")
	defer span.End()

	record, err := arb.config.Store.GetCall(ctx, callID)
	if err != nil {
		return CallRecord{}, err
	}
	if record.CalleeID != arb.config.LocalUserID {
		return CallRecord{}, errors.Errorf("call %q is not for this user", callID)
	}
	if record.Terminal() {
		return CallRecord{}, ErrCallTerminal
	}
	if record.ActiveDeviceToken != "" && record.ActiveDeviceToken != arb.config.DeviceToken {
		return CallRecord{}, ErrAcceptLost
	}

	events, unwatch, err := arb.config.Store.WatchCall(arb.workers.Context(), callID)
	if err != nil {
		return CallRecord{}, err
	}

	invite := &ringingInvite{
		record:             record,
		cancelPresentation: cancelPresentation,
		unwatch:            unwatch,
	}
	arb.mu.Lock()
	if _, ok := arb.ringing[callID]; ok {
		arb.mu.Unlock()
		unwatch()
		return CallRecord{}, errors.Errorf("call %q already presented", callID)
	}
	arb.ringing[callID] = invite
	arb.mu.Unlock()

	if err := arb.workers.Add(func(ctx context.Context) {
		arb.watchInvite(ctx, callID, events)
	}); err != nil {
		arb.dismiss(callID, false)
		return CallRecord{}, err
	}
	return record, nil
}

// watchInvite dismisses the ringing presentation when the call stops being
// actionable on this device. Once Accept wins the claim the invite leaves the
// ringing map and this worker exits without dismissing anything.
func (arb *Arbitrator) watchInvite(ctx context.Context, callID string, events <-chan CallEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				arb.dismiss(callID, true)
				return
			}
			if event.Expired || event.Record.Terminal() {
				arb.dismiss(callID, true)
				return
			}
			if token := event.Record.ActiveDeviceToken; token != "" && token != arb.config.DeviceToken {
				arb.dismiss(callID, true)
				return
			}
			arb.mu.Lock()
			if invite, stillRinging := arb.ringing[callID]; stillRinging {
				invite.record = event.Record
			} else {
				arb.mu.Unlock()
				return
			}
			arb.mu.Unlock()
		}
	}
}

// HandleExclusion reacts to the out-of-band signal that another device of the
// same user accepted the call. The store watch catches this too; the push
// path just dismisses faster.
func (arb *Arbitrator) HandleExclusion(callID, acceptedToken string) {
	if acceptedToken == arb.config.DeviceToken {
		return
	}
	arb.dismiss(callID, true)
}

func (arb *Arbitrator) dismiss(callID string, notify bool) {
	arb.mu.Lock()
	invite, ok := arb.ringing[callID]
	if !ok {
		arb.mu.Unlock()
		return
	}
	invite.cancelled = true
	delete(arb.ringing, callID)
	arb.mu.Unlock()

	invite.unwatch()
	if notify && invite.cancelPresentation != nil {
		invite.cancelPresentation()
	}
}

// Accept claims the call for this device and, if the claim wins, starts the
// callee-side session. Losing the claim returns ErrAcceptLost; accepting an
// invitation that was already cancelled here returns ErrInviteCancelled.
func (arb *Arbitrator) Accept(ctx context.Context, callID string, handlers SessionHandlers) (*Session, error) {
	ctx, span := trace.StartSpan(ctx, "Arbitrator::Accept")
	defer span.End()

	arb.mu.Lock()
	invite, ok := arb.ringing[callID]
	if !ok || invite.cancelled {
		arb.mu.Unlock()
		return nil, ErrInviteCancelled
	}
	delete(arb.ringing, callID)
	arb.mu.Unlock()
	invite.unwatch()

	claimed, err := arb.config.Store.ClaimAccept(ctx, callID, arb.config.DeviceToken)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrAcceptLost
	}

	if arb.config.Push != nil {
		calling.UncheckedError(arb.workers.Add(func(_ context.Context) {
			// Detached from the worker context so Close waits out an
			// in-flight delivery instead of aborting it.
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := arb.config.Push.CancelOtherDevices(
				ctx, arb.config.LocalUserID, callID, arb.config.DeviceToken,
			); err != nil {
				arb.logger.Warnw("failed to push accept exclusion", "id", callID, "error", err)
			}
		}))
	}

	// Re-read so the session answers the freshest record.
	record, err := arb.config.Store.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	session, err := startSession(ctx, arb.config, record, RoleCallee, handlers)
	if err != nil {
		arb.failCall(callID)
		return nil, err
	}
	return session, nil
}

// Decline rejects the call from this device for the whole user. Declining a
// call another device already accepted is a no-op.
func (arb *Arbitrator) Decline(ctx context.Context, callID string) error {
	ctx, span := trace.StartSpan(ctx, "Arbitrator::Decline")
	defer span.End()

	arb.dismiss(callID, false)

	record, err := arb.config.Store.GetCall(ctx, callID)
	if err != nil {
		if IsInactiveCallError(err) {
			return nil
		}
		return err
	}
	if record.ActiveDeviceToken != "" {
		return nil
	}
	applied, err := arb.config.Store.SetFieldsIfAbsent(ctx, callID, map[string]interface{}{
		callStatusField:  StatusDeclined,
		callEndedAtField: time.Now(),
	})
	if err != nil {
		if IsInactiveCallError(err) {
			return nil
		}
		return err
	}
	if applied {
		if err := arb.config.Store.SetFields(ctx, callID, map[string]interface{}{
			callCalleeStatusField: StatusDeclined,
		}); err != nil && !IsInactiveCallError(err) {
			arb.logger.Warnw("failed to record callee decline detail", "id", callID, "error", err)
		}
	}
	return nil
}

func (arb *Arbitrator) failCall(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := arb.config.Store.SetFieldsIfAbsent(ctx, id, map[string]interface{}{
		callStatusField:  StatusFailed,
		callEndedAtField: time.Now(),
	}); err != nil && !IsInactiveCallError(err) {
		arb.logger.Warnw("failed to mark call failed", "id", id, "error", err)
	}
}

// Close dismisses all ringing invitations without notifying their
// presentations and stops all watches.
func (arb *Arbitrator) Close() error {
	arb.mu.Lock()
	ids := make([]string, 0, len(arb.ringing))
	for id := range arb.ringing {
		ids = append(ids, id)
	}
	arb.mu.Unlock()
	for _, id := range ids {
		arb.dismiss(id, false)
	}
	arb.workers.Stop()
	return nil
}
