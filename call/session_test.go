package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

// fakeMediaEngine stands in for the transport so tests can drive candidate
// gathering and connection state by hand.
type fakeMediaEngine struct {
	mu           sync.Mutex
	onCandidate  func(ICECandidate)
	onState      func(MediaConnectionState)
	remoteDesc   *SessionDescription
	remoteCands  []ICECandidate
	videoEnabled bool
	failVideo    bool
	closed       bool
}

func (e *fakeMediaEngine) CreateOffer() (SessionDescription, error) {
	return SessionDescription{Type: "offer", SDP: "v=0 fake offer"}, nil
}

func (e *fakeMediaEngine) CreateAnswer() (SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remoteDesc == nil {
		return SessionDescription{}, errors.New("no remote description")
	}
	return SessionDescription{Type: "answer", SDP: "v=0 fake answer"}, nil
}

func (e *fakeMediaEngine) SetRemoteDescription(sd SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteDesc = &sd
	return nil
}

func (e *fakeMediaEngine) AddRemoteCandidate(candidate ICECandidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteCands = append(e.remoteCands, candidate)
	return nil
}

func (e *fakeMediaEngine) OnLocalCandidate(fn func(candidate ICECandidate)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCandidate = fn
}

func (e *fakeMediaEngine) OnConnectionStateChange(fn func(state MediaConnectionState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onState = fn
}

func (e *fakeMediaEngine) EnableVideo() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failVideo {
		return errors.New("no camera")
	}
	e.videoEnabled = true
	return nil
}

func (e *fakeMediaEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeMediaEngine) gatherCandidate(candidate string) {
	e.mu.Lock()
	fn := e.onCandidate
	e.mu.Unlock()
	if fn != nil {
		fn(ICECandidate{Candidate: candidate, CreatedAt: time.Now()})
	}
}

func (e *fakeMediaEngine) changeState(state MediaConnectionState) {
	e.mu.Lock()
	fn := e.onState
	e.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (e *fakeMediaEngine) getRemoteDesc() *SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteDesc
}

func (e *fakeMediaEngine) remoteCandidates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.remoteCands))
	for _, c := range e.remoteCands {
		out = append(out, c.Candidate)
	}
	return out
}

func (e *fakeMediaEngine) isVideoEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.videoEnabled
}

func (e *fakeMediaEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func fakeEngineConfig(
	t *testing.T,
	store SignalingStore,
	userID, deviceToken string,
	engines chan *fakeMediaEngine,
) Config {
	return Config{
		Store:            store,
		LocalUserID:      userID,
		LocalDisplayName: userID,
		DeviceToken:      deviceToken,
		Logger:           golog.NewTestLogger(t),
		NewMediaEngine: func(role Role, callType CallType) (MediaEngine, error) {
			engine := &fakeMediaEngine{}
			engines <- engine
			return engine, nil
		},
	}.withDefaults()
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestCallerSessionFlow(t *testing.T) {
	store := NewMemoryStore(golog.NewTestLogger(t))
	defer func() {
		test.That(t, store.Close(), test.ShouldBeNil)
	}()
	engines := make(chan *fakeMediaEngine, 2)
	config := fakeEngineConfig(t, store, "alice", "alice-phone", engines)

	record := newTestRecord(CallTypeAudio)
	test.That(t, store.CreateCall(context.Background(), record), test.ShouldBeNil)

	states := make(chan SessionState, 16)
	session, err := startSession(context.Background(), config, record, RoleCaller, SessionHandlers{
		OnStateChange: func(state SessionState) { states <- state },
	})
	test.That(t, err, test.ShouldBeNil)
	engine := <-engines

	// the offer must land in the shared record
	waitForCondition(t, func() bool {
		fetched, err := store.GetCall(context.Background(), record.ID)
		return err == nil && fetched.Offer != nil
	})

	// local candidates flow into the caller log
	engine.gatherCandidate("cand-caller-1")
	callerCands, unwatchCands, err := store.WatchCandidates(context.Background(), record.ID, RoleCaller)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, (<-callerCands).Candidate, test.ShouldEqual, "cand-caller-1")
	unwatchCands()

	// the callee answers
	test.That(t, store.SetFields(context.Background(), record.ID, map[string]interface{}{
		callAnswerField: SessionDescription{Type: "answer", SDP: "v=0 callee"},
	}), test.ShouldBeNil)
	waitForCondition(t, func() bool {
		desc := engine.getRemoteDesc()
		return desc != nil && desc.SDP == "v=0 callee"
	})
	waitForCondition(t, func() bool { return session.State() == SessionConnecting })

	// callee candidates reach the caller's engine
	test.That(t, store.AppendCandidate(context.Background(), record.ID, RoleCallee, ICECandidate{
		Candidate: "cand-callee-1", CreatedAt: time.Now(),
	}), test.ShouldBeNil)
	waitForCondition(t, func() bool {
		cands := engine.remoteCandidates()
		return len(cands) == 1 && cands[0] == "cand-callee-1"
	})

	// transport connects; the start is stamped once
	engine.changeState(MediaConnectionConnected)
	waitForCondition(t, func() bool {
		fetched, err := store.GetCall(context.Background(), record.ID)
		return err == nil && fetched.StartedAt != nil
	})
	waitForCondition(t, func() bool { return session.State() == SessionActive })

	test.That(t, session.Hangup(context.Background()), test.ShouldBeNil)
	<-session.Done()
	test.That(t, session.State(), test.ShouldEqual, SessionEnded)
	test.That(t, session.Err(), test.ShouldBeNil)
	test.That(t, engine.isClosed(), test.ShouldBeTrue)

	fetched, err := store.GetCall(context.Background(), record.ID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fetched.Status, test.ShouldEqual, StatusEnded)
	test.That(t, fetched.EndedAt, test.ShouldNotBeNil)
	endedAt := *fetched.EndedAt

	// hanging up again changes nothing
	test.That(t, session.Hangup(context.Background()), test.ShouldBeNil)
	fetched, err = store.GetCall(context.Background(), record.ID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fetched.Status, test.ShouldEqual, StatusEnded)
	test.That(t, fetched.EndedAt.Equal(endedAt), test.ShouldBeTrue)
}

func TestCalleeSessionAnswers(t *testing.T) {
	store := NewMemoryStore(golog.NewTestLogger(t))
	defer func() {
		test.That(t, store.Close(), test.ShouldBeNil)
	}()
	engines := make(chan *fakeMediaEngine, 2)
	config := fakeEngineConfig(t, store, "bob", "bob-phone", engines)

	record := newTestRecord(CallTypeAudio)
	offer := SessionDescription{Type: "offer", SDP: "v=0 caller"}
	record.Offer = &offer
	test.That(t, store.CreateCall(context.Background(), record), test.ShouldBeNil)

	session, err := startSession(context.Background(), config, record, RoleCallee, SessionHandlers{})
	test.That(t, err, test.ShouldBeNil)
	engine := <-engines

	desc := engine.getRemoteDesc()
	test.That(t, desc, test.ShouldNotBeNil)
	test.That(t, desc.SDP, test.ShouldEqual, "v=0 caller")
	test.That(t, session.State(), test.ShouldEqual, SessionConnecting)

	fetched, err := store.GetCall(context.Background(), record.ID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fetched.Answer, test.ShouldNotBeNil)

	test.That(t, session.Hangup(context.Background()), test.ShouldBeNil)
	<-session.Done()
}

func TestCalleeSessionRequiresOffer(t *testing.T) {
	store := NewMemoryStore(golog.NewTestLogger(t))
	defer func() {
		test.That(t, store.Close(), test.ShouldBeNil)
	}()
	engines := make(chan *fakeMediaEngine, 2)
	config := fakeEngineConfig(t, store, "bob", "bob-phone", engines)

	record := newTestRecord(CallTypeAudio)
	test.That(t, store.CreateCall(context.Background(), record), test.ShouldBeNil)

	_, err := startSession(context.Background(), config, record, RoleCallee, SessionHandlers{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "expected offer")
	engine := <-engines
	waitForCondition(t, engine.isClosed)
}

// closedCandidatesStore simulates a candidate subscription that already
// failed: the channel it hands out starts closed, like a store whose listener
// exhausted its retries mid-call.
type closedCandidatesStore struct {
	*MemoryStore
}

func (s *closedCandidatesStore) WatchCandidates(ctx context.Context, id string, role Role) (<-chan ICECandidate, func(), error) {
	candidates := make(chan ICECandidate)
	close(candidates)
	return candidates, func() {}, nil
}

func TestSessionSurvivesCandidateWatchClosure(t *testing.T) {
	memStore := NewMemoryStore(golog.NewTestLogger(t))
	defer func() {
		test.That(t, memStore.Close(), test.ShouldBeNil)
	}()
	store := &closedCandidatesStore{memStore}
	engines := make(chan *fakeMediaEngine, 2)
	config := fakeEngineConfig(t, store, "alice", "alice-phone", engines)

	record := newTestRecord(CallTypeAudio)
	test.That(t, store.CreateCall(context.Background(), record), test.ShouldBeNil)

	session, err := startSession(context.Background(), config, record, RoleCaller, SessionHandlers{})
	test.That(t, err, test.ShouldBeNil)
	<-engines

	// the record watch still drives the call to its end
	_, err = store.SetFieldsIfAbsent(context.Background(), record.ID, map[string]interface{}{
		callStatusField:  StatusEnded,
		callEndedAtField: time.Now(),
	})
	test.That(t, err, test.ShouldBeNil)
	<-session.Done()
	test.That(t, session.State(), test.ShouldEqual, SessionEnded)
	test.That(t, session.Err(), test.ShouldBeNil)
}

func TestRingTimeout(t *testing.T) {
	store := NewMemoryStore(golog.NewTestLogger(t))
	defer func() {
		test.That(t, store.Close(), test.ShouldBeNil)
	}()
	engines := make(chan *fakeMediaEngine, 2)
	config := fakeEngineConfig(t, store, "alice", "alice-phone", engines)
	config.RingTimeout = 50 * time.Millisecond

	record := newTestRecord(CallTypeAudio)
	test.That(t, store.CreateCall(context.Background(), record), test.ShouldBeNil)

	session, err := startSession(context.Background(), config, record, RoleCaller, SessionHandlers{})
	test.That(t, err, test.ShouldBeNil)
	<-engines

	<-session.Done()
	test.That(t, session.State(), test.ShouldEqual, SessionEnded)

	fetched, err := store.GetCall(context.Background(), record.ID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fetched.Status, test.ShouldEqual, StatusTimeout)
	test.That(t, fetched.EndedAt, test.ShouldNotBeNil)
}

func TestRemoteHangupEndsSession(t *testing.T) {
	store := NewMemoryStore(golog.NewTestLogger(t))
	defer func() {
		test.That(t, store.Close(), test.ShouldBeNil)
	}()
	engines := make(chan *fakeMediaEngine, 2)
	config := fakeEngineConfig(t, store, "alice", "alice-phone", engines)

	record := newTestRecord(CallTypeAudio)
	test.That(t, store.CreateCall(context.Background(), record), test.ShouldBeNil)

	session, err := startSession(context.Background(), config, record, RoleCaller, SessionHandlers{})
	test.That(t, err, test.ShouldBeNil)
	engine := <-engines

	_, err = store.SetFieldsIfAbsent(context.Background(), record.ID, map[string]interface{}{
		callStatusField:  StatusEnded,
		callEndedAtField: time.Now(),
	})
	test.That(t, err, test.ShouldBeNil)

	<-session.Done()
	test.That(t, session.State(), test.ShouldEqual, SessionEnded)
	test.That(t, engine.isClosed(), test.ShouldBeTrue)
}

// startConnectedPair brings up a caller and callee session over one shared
// record, answered and connected.
func startConnectedPair(
	t *testing.T,
	store SignalingStore,
	callerHandlers, calleeHandlers SessionHandlers,
) (caller, callee *Session, callerEngine, calleeEngine *fakeMediaEngine) {
	t.Helper()

	callerEngines := make(chan *fakeMediaEngine, 2)
	callerConfig := fakeEngineConfig(t, store, "alice", "alice-phone", callerEngines)
	calleeEngines := make(chan *fakeMediaEngine, 2)
	calleeConfig := fakeEngineConfig(t, store, "bob", "bob-phone", calleeEngines)

	record := newTestRecord(CallTypeAudio)
	test.That(t, store.CreateCall(context.Background(), record), test.ShouldBeNil)

	var err error
	caller, err = startSession(context.Background(), callerConfig, record, RoleCaller, callerHandlers)
	test.That(t, err, test.ShouldBeNil)
	callerEngine = <-callerEngines

	waitForCondition(t, func() bool {
		record, err = store.GetCall(context.Background(), record.ID)
		return err == nil && record.Offer != nil
	})

	callee, err = startSession(context.Background(), calleeConfig, record, RoleCallee, calleeHandlers)
	test.That(t, err, test.ShouldBeNil)
	calleeEngine = <-calleeEngines

	waitForCondition(t, func() bool { return callerEngine.getRemoteDesc() != nil })
	callerEngine.changeState(MediaConnectionConnected)
	calleeEngine.changeState(MediaConnectionConnected)
	waitForCondition(t, func() bool {
		return caller.State() == SessionActive && callee.State() == SessionActive
	})
	return caller, callee, callerEngine, calleeEngine
}

func TestVideoUpgradeAccepted(t *testing.T) {
	store := NewMemoryStore(golog.NewTestLogger(t))
	defer func() {
		test.That(t, store.Close(), test.ShouldBeNil)
	}()

	prompts := make(chan VideoUpgrade, 4)
	resolutions := make(chan VideoUpgrade, 4)
	caller, callee, callerEngine, calleeEngine := startConnectedPair(t, store,
		SessionHandlers{OnUpgradeResolved: func(u VideoUpgrade) { resolutions <- u }},
		SessionHandlers{OnUpgradePrompt: func(u VideoUpgrade) { prompts <- u }},
	)
	defer func() {
		test.That(t, caller.Hangup(context.Background()), test.ShouldBeNil)
		<-caller.Done()
		<-callee.Done()
	}()

	test.That(t, caller.RequestVideoUpgrade(context.Background()), test.ShouldBeNil)
	prompt := <-prompts
	test.That(t, prompt.From, test.ShouldEqual, "alice")

	// a second request while one is outstanding is rejected
	err := caller.RequestVideoUpgrade(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "outstanding")

	test.That(t, callee.AcceptVideoUpgrade(context.Background()), test.ShouldBeNil)
	resolution := <-resolutions
	test.That(t, resolution.State, test.ShouldEqual, VideoUpgradeAccepted)

	waitForCondition(t, callerEngine.isVideoEnabled)
	test.That(t, calleeEngine.isVideoEnabled(), test.ShouldBeTrue)

	// no further prompts arrive from redeliveries
	select {
	case extra := <-prompts:
		t.Fatalf("unexpected extra prompt seq=%d", extra.Seq)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestVideoUpgradeDeclinedThenRetried(t *testing.T) {
	store := NewMemoryStore(golog.NewTestLogger(t))
	defer func() {
		test.That(t, store.Close(), test.ShouldBeNil)
	}()

	prompts := make(chan VideoUpgrade, 4)
	resolutions := make(chan VideoUpgrade, 4)
	caller, callee, callerEngine, _ := startConnectedPair(t, store,
		SessionHandlers{OnUpgradeResolved: func(u VideoUpgrade) { resolutions <- u }},
		SessionHandlers{OnUpgradePrompt: func(u VideoUpgrade) { prompts <- u }},
	)
	defer func() {
		test.That(t, caller.Hangup(context.Background()), test.ShouldBeNil)
		<-caller.Done()
		<-callee.Done()
	}()

	test.That(t, caller.RequestVideoUpgrade(context.Background()), test.ShouldBeNil)
	first := <-prompts
	test.That(t, callee.DeclineVideoUpgrade(context.Background()), test.ShouldBeNil)
	resolution := <-resolutions
	test.That(t, resolution.State, test.ShouldEqual, VideoUpgradeDeclined)
	test.That(t, callerEngine.isVideoEnabled(), test.ShouldBeFalse)

	// the decline resolved the request, so asking again prompts the callee
	// exactly once more
	test.That(t, caller.RequestVideoUpgrade(context.Background()), test.ShouldBeNil)
	second := <-prompts
	test.That(t, second.Seq, test.ShouldBeGreaterThan, first.Seq)

	test.That(t, callee.AcceptVideoUpgrade(context.Background()), test.ShouldBeNil)
	resolution = <-resolutions
	test.That(t, resolution.State, test.ShouldEqual, VideoUpgradeAccepted)
	waitForCondition(t, callerEngine.isVideoEnabled)
}

func TestVideoEnableFailureDegrades(t *testing.T) {
	store := NewMemoryStore(golog.NewTestLogger(t))
	defer func() {
		test.That(t, store.Close(), test.ShouldBeNil)
	}()

	resolutions := make(chan VideoUpgrade, 4)
	prompts := make(chan VideoUpgrade, 4)
	caller, callee, callerEngine, _ := startConnectedPair(t, store,
		SessionHandlers{OnUpgradeResolved: func(u VideoUpgrade) { resolutions <- u }},
		SessionHandlers{OnUpgradePrompt: func(u VideoUpgrade) { prompts <- u }},
	)
	defer func() {
		test.That(t, caller.Hangup(context.Background()), test.ShouldBeNil)
		<-caller.Done()
		<-callee.Done()
	}()
	callerEngine.mu.Lock()
	callerEngine.failVideo = true
	callerEngine.mu.Unlock()

	test.That(t, caller.RequestVideoUpgrade(context.Background()), test.ShouldBeNil)
	<-prompts
	test.That(t, callee.AcceptVideoUpgrade(context.Background()), test.ShouldBeNil)
	<-resolutions

	// the call stays up as audio even though local video failed
	test.That(t, callerEngine.isVideoEnabled(), test.ShouldBeFalse)
	test.That(t, caller.State(), test.ShouldEqual, SessionActive)
}

func TestMediaFailureFailsCall(t *testing.T) {
	store := NewMemoryStore(golog.NewTestLogger(t))
	defer func() {
		test.That(t, store.Close(), test.ShouldBeNil)
	}()
	engines := make(chan *fakeMediaEngine, 2)
	config := fakeEngineConfig(t, store, "alice", "alice-phone", engines)

	record := newTestRecord(CallTypeAudio)
	test.That(t, store.CreateCall(context.Background(), record), test.ShouldBeNil)

	session, err := startSession(context.Background(), config, record, RoleCaller, SessionHandlers{})
	test.That(t, err, test.ShouldBeNil)
	engine := <-engines

	engine.changeState(MediaConnectionFailed)
	<-session.Done()
	test.That(t, session.State(), test.ShouldEqual, SessionFailed)
	test.That(t, session.Err(), test.ShouldNotBeNil)

	fetched, err := store.GetCall(context.Background(), record.ID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fetched.Status, test.ShouldEqual, StatusFailed)
}
