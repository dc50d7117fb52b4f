package call

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	calling "github.com/murmurtalk/calling"
)

// Buffer sizes for subscription channels. These are high amounts of
// undelivered events that are unlikely to happen; if a buffer fills, events
// are dropped and logged.
const (
	memoryRecordSubBuffer    = 64
	memoryCandidateSubBuffer = 256
)

// A MemoryStore is an in-memory SignalingStore designed to be used for
// testing and single-process deployments.
type MemoryStore struct {
	mu     sync.Mutex
	calls  map[string]*memoryCall
	closed bool
	logger calling.ZapCompatibleLogger
}

type memoryCall struct {
	record        CallRecord
	candidates    map[Role][]ICECandidate
	recordSubs    map[*memoryRecordSub]struct{}
	candidateSubs map[Role]map[*memoryCandidateSub]struct{}
}

type memoryRecordSub struct {
	ch chan CallEvent
}

type memoryCandidateSub struct {
	ch chan ICECandidate
}

// NewMemoryStore returns a new, empty in-memory signaling store.
func NewMemoryStore(logger calling.ZapCompatibleLogger) *MemoryStore {
	return &MemoryStore{
		calls:  map[string]*memoryCall{},
		logger: logger,
	}
}

// CreateCall inserts the record for a new call attempt.
func (store *MemoryStore) CreateCall(ctx context.Context, record CallRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.closed {
		return errors.New("store closed")
	}
	if _, ok := store.calls[record.ID]; ok {
		return errors.Errorf("call %q already exists", record.ID)
	}
	store.calls[record.ID] = &memoryCall{
		record: record,
		candidates: map[Role][]ICECandidate{
			RoleCaller: nil,
			RoleCallee: nil,
		},
		recordSubs: map[*memoryRecordSub]struct{}{},
		candidateSubs: map[Role]map[*memoryCandidateSub]struct{}{
			RoleCaller: {},
			RoleCallee: {},
		},
	}
	return nil
}

// GetCall fetches the current record.
func (store *MemoryStore) GetCall(ctx context.Context, id string) (CallRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	callDoc, ok := store.calls[id]
	if !ok {
		return CallRecord{}, newInactiveCallErr(id)
	}
	return callDoc.record, nil
}

// SetFields applies a partial update to the record and notifies subscribers.
func (store *MemoryStore) SetFields(ctx context.Context, id string, fields map[string]interface{}) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	callDoc, ok := store.calls[id]
	if !ok {
		return newInactiveCallErr(id)
	}
	for name, value := range fields {
		if err := applyRecordField(&callDoc.record, name, value); err != nil {
			return err
		}
	}
	callDoc.record.UpdatedAt = time.Now()
	store.broadcastRecordLocked(callDoc)
	return nil
}

// SetFieldsIfAbsent applies a partial update only if none of the given fields
// is already set.
func (store *MemoryStore) SetFieldsIfAbsent(ctx context.Context, id string, fields map[string]interface{}) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	callDoc, ok := store.calls[id]
	if !ok {
		return false, newInactiveCallErr(id)
	}
	for name := range fields {
		absent, err := recordFieldAbsent(&callDoc.record, name)
		if err != nil {
			return false, err
		}
		if !absent {
			return false, nil
		}
	}
	for name, value := range fields {
		if err := applyRecordField(&callDoc.record, name, value); err != nil {
			return false, err
		}
	}
	callDoc.record.UpdatedAt = time.Now()
	store.broadcastRecordLocked(callDoc)
	return true, nil
}

// ClaimAccept atomically claims the accepted call for the given device token.
func (store *MemoryStore) ClaimAccept(ctx context.Context, id, deviceToken string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	callDoc, ok := store.calls[id]
	if !ok {
		return false, newInactiveCallErr(id)
	}
	if callDoc.record.Terminal() {
		return false, ErrCallTerminal
	}
	if callDoc.record.ActiveDeviceToken != "" {
		return callDoc.record.ActiveDeviceToken == deviceToken, nil
	}
	callDoc.record.ActiveDeviceToken = deviceToken
	callDoc.record.CalleeStatus = StatusAccepted
	callDoc.record.Status = StatusAccepted
	callDoc.record.UpdatedAt = time.Now()
	store.broadcastRecordLocked(callDoc)
	return true, nil
}

// AppendCandidate appends to the candidate log the given role owns.
func (store *MemoryStore) AppendCandidate(ctx context.Context, id string, role Role, candidate ICECandidate) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	callDoc, ok := store.calls[id]
	if !ok {
		return newInactiveCallErr(id)
	}
	callDoc.candidates[role] = append(callDoc.candidates[role], candidate)
	for sub := range callDoc.candidateSubs[role] {
		select {
		case sub.ch <- candidate:
		default:
			store.logger.Warnw("candidate subscriber channel at capacity; dropping entry",
				"id", id, "role", role)
		}
	}
	return nil
}

// WatchCall subscribes to changes of the call record, delivering the current
// record first.
func (store *MemoryStore) WatchCall(ctx context.Context, id string) (<-chan CallEvent, func(), error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	callDoc, ok := store.calls[id]
	if !ok {
		return nil, nil, newInactiveCallErr(id)
	}
	sub := &memoryRecordSub{ch: make(chan CallEvent, memoryRecordSubBuffer)}
	callDoc.recordSubs[sub] = struct{}{}
	sub.ch <- CallEvent{Record: callDoc.record}
	var unsubOnce sync.Once
	return sub.ch, func() {
		unsubOnce.Do(func() {
			store.mu.Lock()
			defer store.mu.Unlock()
			delete(callDoc.recordSubs, sub)
		})
	}, nil
}

// WatchCandidates subscribes to the candidate log owned by the given role,
// delivering every existing entry first.
func (store *MemoryStore) WatchCandidates(ctx context.Context, id string, role Role) (<-chan ICECandidate, func(), error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	callDoc, ok := store.calls[id]
	if !ok {
		return nil, nil, newInactiveCallErr(id)
	}
	sub := &memoryCandidateSub{ch: make(chan ICECandidate, memoryCandidateSubBuffer)}
	for _, existing := range callDoc.candidates[role] {
		sub.ch <- existing
	}
	callDoc.candidateSubs[role][sub] = struct{}{}
	var unsubOnce sync.Once
	return sub.ch, func() {
		unsubOnce.Do(func() {
			store.mu.Lock()
			defer store.mu.Unlock()
			delete(callDoc.candidateSubs[role], sub)
		})
	}, nil
}

// Close drops all calls and subscriptions.
func (store *MemoryStore) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.closed = true
	store.calls = map[string]*memoryCall{}
	return nil
}

func (store *MemoryStore) broadcastRecordLocked(callDoc *memoryCall) {
	event := CallEvent{Record: callDoc.record}
	for sub := range callDoc.recordSubs {
		select {
		case sub.ch <- event:
		default:
			store.logger.Warnw("record subscriber channel at capacity; dropping event",
				"id", callDoc.record.ID)
		}
	}
}

func applyRecordField(record *CallRecord, name string, value interface{}) error {
	wrongType := func() error {
		return errors.Errorf("unexpected value type %T for call record field %q", value, name)
	}
	switch name {
	case callStatusField:
		v, ok := value.(CallStatus)
		if !ok {
			return wrongType()
		}
		record.Status = v
	case callCalleeStatusField:
		v, ok := value.(CallStatus)
		if !ok {
			return wrongType()
		}
		record.CalleeStatus = v
	case callOfferField:
		v, ok := value.(SessionDescription)
		if !ok {
			return wrongType()
		}
		record.Offer = &v
	case callAnswerField:
		v, ok := value.(SessionDescription)
		if !ok {
			return wrongType()
		}
		record.Answer = &v
	case callStartedAtField:
		v, ok := value.(time.Time)
		if !ok {
			return wrongType()
		}
		record.StartedAt = &v
	case callEndedAtField:
		v, ok := value.(time.Time)
		if !ok {
			return wrongType()
		}
		record.EndedAt = &v
	case callVideoUpgradeField:
		v, ok := value.(VideoUpgrade)
		if !ok {
			return wrongType()
		}
		record.VideoUpgrade = v
	case callActiveDeviceTokenField:
		v, ok := value.(string)
		if !ok {
			return wrongType()
		}
		record.ActiveDeviceToken = v
	default:
		return errors.Errorf("unknown call record field %q", name)
	}
	return nil
}

func recordFieldAbsent(record *CallRecord, name string) (bool, error) {
	switch name {
	case callStartedAtField:
		return record.StartedAt == nil, nil
	case callEndedAtField:
		return record.EndedAt == nil, nil
	case callActiveDeviceTokenField:
		return record.ActiveDeviceToken == "", nil
	case callStatusField:
		// status always has a value; treat non-terminal as absent so that a
		// terminal status is only ever written once.
		return !record.Status.Terminal(), nil
	default:
		return false, errors.Errorf("field %q does not support set-if-absent", name)
	}
}
