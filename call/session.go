package call

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	calling "github.com/murmurtalk/calling"
)

// SessionState is the local lifecycle state of one device's participation in
// a call.
type SessionState int

// Session states. Ended and Failed are terminal; after either, the session
// emits nothing further.
const (
	SessionSignaling SessionState = iota
	SessionConnecting
	SessionActive
	SessionEnded
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionSignaling:
		return "signaling"
	case SessionConnecting:
		return "connecting"
	case SessionActive:
		return "active"
	case SessionEnded:
		return "ended"
	case SessionFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the state ends the session.
func (s SessionState) Terminal() bool {
	return s == SessionEnded || s == SessionFailed
}

// SessionHandlers are the callbacks a session invokes toward the UI layer.
// All are optional and are invoked from session goroutines; handlers must not
// block.
type SessionHandlers struct {
	// OnStateChange is invoked for every session state transition.
	OnStateChange func(state SessionState)

	// OnUpgradePrompt is invoked exactly once per peer video upgrade request;
	// the UI answers through AcceptVideoUpgrade or DeclineVideoUpgrade.
	OnUpgradePrompt func(upgrade VideoUpgrade)

	// OnUpgradeResolved is invoked exactly once per resolution of this
	// device's own upgrade request, accepted or declined.
	OnUpgradeResolved func(upgrade VideoUpgrade)
}

// A Session drives one device's side of an in-progress call: it pumps the
// local media engine's descriptions and candidates into the signaling store,
// applies the peer's as they arrive, and maintains the shared record's
// lifecycle fields it is responsible for.
//
// Record deliveries are at least once; every reaction in the event loop is
// guarded to be idempotent.
type Session struct {
	callID string
	role   Role
	config Config
	store  SignalingStore
	engine MediaEngine
	logger calling.ZapCompatibleLogger

	handlers SessionHandlers
	workers  *calling.StoppableWorkers

	mu                sync.Mutex
	state             SessionState
	record            CallRecord
	neg               *upgradeNegotiator
	remoteDescApplied bool
	videoEnabled      bool
	endErr            error

	answerApplied chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
}

// startSession brings up the media engine for the given role, publishes the
// local description, and starts the watch loop. The record must be this
// device's current view of the call.
func startSession(
	ctx context.Context,
	config Config,
	record CallRecord,
	role Role,
	handlers SessionHandlers,
) (*Session, error) {
	ctx, span := trace.StartSpan(ctx, "Session::start")
	defer span.End()

	engine, err := config.NewMediaEngine(role, record.CallType)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create media engine")
	}

	session := &Session{
		callID:        record.ID,
		role:          role,
		config:        config,
		store:         config.Store,
		engine:        engine,
		logger:        calling.AddFieldsToLogger(config.Logger, "call_id", record.ID, "role", role),
		handlers:      handlers,
		workers:       calling.NewBackgroundStoppableWorkers(),
		state:         SessionSignaling,
		record:        record,
		neg:           newUpgradeNegotiator(config.LocalUserID),
		videoEnabled:  record.CallType == CallTypeVideo,
		answerApplied: make(chan struct{}),
		done:          make(chan struct{}),
	}

	var successful bool
	defer func() {
		if !successful {
			session.shutdown(SessionFailed, err)
		}
	}()

	// Callbacks are installed before any description exists so no candidate
	// or state change is lost.
	engine.OnLocalCandidate(session.publishLocalCandidate)
	engine.OnConnectionStateChange(session.handleConnectionState)

	// Failures below assign to err so the deferred shutdown records the
	// actual cause on the discarded session.
	if err = session.publishLocalDescription(ctx, record); err != nil {
		return nil, err
	}

	events, unwatchCall, err := session.store.WatchCall(session.workers.Context(), session.callID)
	if err != nil {
		return nil, err
	}
	candidates, unwatchCands, err := session.store.WatchCandidates(
		session.workers.Context(), session.callID, role.Peer())
	if err != nil {
		unwatchCall()
		return nil, err
	}

	if err = session.workers.Add(func(ctx context.Context) {
		defer unwatchCall()
		defer unwatchCands()
		session.eventLoop(ctx, events, candidates)
	}); err != nil {
		unwatchCall()
		unwatchCands()
		return nil, err
	}

	if role == RoleCaller {
		if err = session.workers.Add(session.ringTimer); err != nil {
			return nil, err
		}
	}

	successful = true
	return session, nil
}

// publishLocalDescription writes this role's description to the shared
// record. The caller writes the offer at session start; the callee applies
// the caller's offer first and answers it.
func (s *Session) publishLocalDescription(ctx context.Context, record CallRecord) error {
	switch s.role {
	case RoleCaller:
		offer, err := s.engine.CreateOffer()
		if err != nil {
			return errors.Wrap(err, "failed to create offer")
		}
		return s.store.SetFields(ctx, s.callID, map[string]interface{}{
			callOfferField: offer,
		})
	case RoleCallee:
		if record.Offer == nil {
			return errors.New("expected offer before answering")
		}
		if err := s.engine.SetRemoteDescription(*record.Offer); err != nil {
			return errors.Wrap(err, "failed to apply remote offer")
		}
		s.mu.Lock()
		s.remoteDescApplied = true
		s.mu.Unlock()
		answer, err := s.engine.CreateAnswer()
		if err != nil {
			return errors.Wrap(err, "failed to create answer")
		}
		if err := s.store.SetFields(ctx, s.callID, map[string]interface{}{
			callAnswerField: answer,
		}); err != nil {
			return err
		}
		s.setState(SessionConnecting)
		return nil
	}
	return errors.Errorf("unknown role %q", s.role)
}

func (s *Session) publishLocalCandidate(candidate ICECandidate) {
	calling.PanicCapturingGo(func() {
		ctx, cancel := context.WithTimeout(s.workers.Context(), 10*time.Second)
		defer cancel()
		if err := s.store.AppendCandidate(ctx, s.callID, s.role, candidate); err != nil {
			if ctx.Err() != nil || IsInactiveCallError(err) {
				return
			}
			s.logger.Warnw("failed to publish local candidate", "error", err)
		}
	})
}

func (s *Session) eventLoop(ctx context.Context, events <-chan CallEvent, candidates <-chan ICECandidate) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				// The watch ended without a terminal record; treat the call
				// as lost.
				s.markEnded(StatusFailed)
				s.shutdown(SessionFailed, errors.New("call watch ended unexpectedly"))
				return
			}
			if done := s.handleCallEvent(ctx, event); done {
				return
			}
		case candidate, ok := <-candidates:
			if !ok {
				// Candidate delivery stopped; nil the channel so this case
				// never fires again. The record watch still drives the call
				// to its terminal state.
				s.logger.Warnw("candidate subscription ended early")
				candidates = nil
				continue
			}
			if err := s.engine.AddRemoteCandidate(candidate); err != nil {
				s.logger.Warnw("failed to add remote candidate", "error", err)
			}
		}
	}
}

// handleCallEvent reacts to one delivery of the shared record. It returns
// true when the session reached a terminal state and the loop must exit.
func (s *Session) handleCallEvent(ctx context.Context, event CallEvent) bool {
	if event.Expired {
		s.shutdown(SessionFailed, errors.New("call document expired"))
		return true
	}
	record := event.Record

	s.mu.Lock()
	s.record = record
	applyAnswer := s.role == RoleCaller && record.Answer != nil && !s.remoteDescApplied
	if applyAnswer {
		s.remoteDescApplied = true
	}
	upgrade := s.neg.observe(record.VideoUpgrade)
	s.mu.Unlock()

	if applyAnswer {
		if err := s.engine.SetRemoteDescription(*record.Answer); err != nil {
			s.logger.Errorw("failed to apply remote answer", "error", err)
			s.markEnded(StatusFailed)
			s.shutdown(SessionFailed, err)
			return true
		}
		close(s.answerApplied)
		s.setState(SessionConnecting)
	}

	if upgrade.prompt != nil && s.handlers.OnUpgradePrompt != nil {
		s.handlers.OnUpgradePrompt(*upgrade.prompt)
	}
	if upgrade.resolved != nil {
		if upgrade.resolved.State == VideoUpgradeAccepted {
			s.enableVideo()
		}
		if s.handlers.OnUpgradeResolved != nil {
			s.handlers.OnUpgradeResolved(*upgrade.resolved)
		}
	}

	if record.Terminal() {
		if record.Status == StatusFailed {
			s.shutdown(SessionFailed, errors.Errorf("call %q failed", s.callID))
		} else {
			s.shutdown(SessionEnded, nil)
		}
		return true
	}
	return false
}

func (s *Session) handleConnectionState(state MediaConnectionState) {
	switch state {
	case MediaConnectionConnected:
		calling.PanicCapturingGo(func() {
			ctx, cancel := context.WithTimeout(s.workers.Context(), 10*time.Second)
			defer cancel()
			// Both sides race to stamp the start; the guard keeps it a
			// single write.
			if _, err := s.store.SetFieldsIfAbsent(ctx, s.callID, map[string]interface{}{
				callStartedAtField: time.Now(),
			}); err != nil && ctx.Err() == nil && !IsInactiveCallError(err) {
				s.logger.Warnw("failed to stamp call start", "error", err)
			}
		})
		s.setState(SessionActive)
	case MediaConnectionFailed:
		calling.PanicCapturingGo(func() {
			s.markEnded(StatusFailed)
			s.shutdown(SessionFailed, errors.New("media connection failed"))
		})
	case MediaConnectionDisconnected:
		s.logger.Warnw("media connection disconnected; waiting for recovery")
	case MediaConnectionNew, MediaConnectionConnecting, MediaConnectionClosed:
	}
}

// ringTimer times out an outgoing call that nobody answered. An accepted
// claim observed before the deadline disarms it.
func (s *Session) ringTimer(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-s.answerApplied:
		return
	case <-time.After(s.config.RingTimeout):
	}

	record, err := s.store.GetCall(ctx, s.callID)
	if err != nil {
		if ctx.Err() == nil && !IsInactiveCallError(err) {
			s.logger.Warnw("failed to check call before ring timeout", "error", err)
		}
		return
	}
	if record.ActiveDeviceToken != "" || record.Terminal() {
		return
	}
	s.markEnded(StatusTimeout)
	s.shutdown(SessionEnded, nil)
}

// Hangup ends the call from this device. It is idempotent and safe against a
// concurrent remote hangup; whoever writes the terminal state first wins and
// the other write is a no-op.
func (s *Session) Hangup(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "Session::Hangup")
	defer span.End()

	applied, err := s.store.SetFieldsIfAbsent(ctx, s.callID, map[string]interface{}{
		callStatusField:  StatusEnded,
		callEndedAtField: time.Now(),
	})
	if err != nil && !IsInactiveCallError(err) {
		s.logger.Warnw("failed to write hangup", "error", err)
	}
	if !applied {
		s.logger.Debugw("call already terminal at hangup")
	}
	s.shutdown(SessionEnded, nil)
	return nil
}

// RequestVideoUpgrade asks the peer to turn the call into a video call. At
// most one request per device may be outstanding.
func (s *Session) RequestVideoUpgrade(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return ErrCallTerminal
	}
	if s.videoEnabled {
		s.mu.Unlock()
		return errors.New("video already enabled")
	}
	if s.neg.pending() {
		s.mu.Unlock()
		return errors.New("video upgrade request already outstanding")
	}
	request := s.neg.nextRequest()
	s.mu.Unlock()

	return s.store.SetFields(ctx, s.callID, map[string]interface{}{
		callVideoUpgradeField: request,
	})
}

// AcceptVideoUpgrade answers the peer's outstanding upgrade request
// positively and enables local video.
func (s *Session) AcceptVideoUpgrade(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return ErrCallTerminal
	}
	response := s.neg.response(VideoUpgradeAccepted)
	s.mu.Unlock()

	if err := s.store.SetFields(ctx, s.callID, map[string]interface{}{
		callVideoUpgradeField: response,
	}); err != nil {
		return err
	}
	s.enableVideo()
	return nil
}

// DeclineVideoUpgrade answers the peer's outstanding upgrade request
// negatively. The call continues unchanged.
func (s *Session) DeclineVideoUpgrade(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return ErrCallTerminal
	}
	response := s.neg.response(VideoUpgradeDeclined)
	s.mu.Unlock()

	return s.store.SetFields(ctx, s.callID, map[string]interface{}{
		callVideoUpgradeField: response,
	})
}

// enableVideo turns on the local video track. Failure degrades the upgrade
// while the audio call continues.
func (s *Session) enableVideo() {
	s.mu.Lock()
	if s.videoEnabled {
		s.mu.Unlock()
		return
	}
	s.videoEnabled = true
	s.mu.Unlock()

	if err := s.engine.EnableVideo(); err != nil {
		s.logger.Errorw("failed to enable video; continuing as audio", "error", err)
		s.mu.Lock()
		s.videoEnabled = false
		s.mu.Unlock()
	}
}

// markEnded writes a terminal status if no terminal state was written yet.
func (s *Session) markEnded(status CallStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.store.SetFieldsIfAbsent(ctx, s.callID, map[string]interface{}{
		callStatusField:  status,
		callEndedAtField: time.Now(),
	}); err != nil && !IsInactiveCallError(err) {
		s.logger.Warnw("failed to write terminal call state",
			"status", status, "error", err)
	}
}

// shutdown transitions to a terminal state exactly once, stops all watches,
// and only then closes the media engine so no event handler observes a closed
// transport.
func (s *Session) shutdown(state SessionState, err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.endErr = err
		s.mu.Unlock()
		s.setState(state)
		calling.PanicCapturingGo(func() {
			s.workers.Stop()
			calling.UncheckedError(s.engine.Close())
			close(s.done)
		})
	})
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	if s.state == state || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.logger.Debugw("call session state changed", "state", state)
	if s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(state)
	}
}

// ID returns the call's identifier.
func (s *Session) ID() string {
	return s.callID
}

// Role returns which side of the call this session drives.
func (s *Session) Role() Role {
	return s.role
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Record returns the most recently observed shared record.
func (s *Session) Record() CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Done returns a channel closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended, nil for a normal hangup. Only valid
// after Done is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endErr
}
