package call

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	calling "github.com/murmurtalk/calling"
)

// Collection names used by the FirestoreStore. Candidate logs live in per-role
// subcollections of the call document so that appends never contend with
// record updates.
var (
	firestoreCallsCollName            = "calls"
	firestoreCallerCandidatesCollName = "callerCandidates"
	firestoreCalleeCandidatesCollName = "calleeCandidates"
)

// firestoreFieldPaths maps the store-level field names to the document paths
// Firestore uses. Every field SetFields accepts must appear here.
var firestoreFieldPaths = map[string]string{
	callStatusField:            "status",
	callCalleeStatusField:      "calleeStatus",
	callOfferField:             "offer",
	callAnswerField:            "answer",
	callStartedAtField:         "startedAt",
	callEndedAtField:           "endedAt",
	callVideoUpgradeField:      "videoUpgrade",
	callActiveDeviceTokenField: "activeDeviceToken",
	callUpdatedAtField:         "updatedAt",
}

// A FirestoreStore is a SignalingStore backed by Cloud Firestore, using
// snapshot listeners for change delivery. It matches the layout mobile
// clients talk to directly.
type FirestoreStore struct {
	client                  *firestore.Client
	logger                  calling.ZapCompatibleLogger
	activeBackgroundWorkers sync.WaitGroup

	cancelCtx  context.Context
	cancelFunc func()
}

// NewFirestoreStore returns a new Firestore based signaling store.
func NewFirestoreStore(client *firestore.Client, logger calling.ZapCompatibleLogger) *FirestoreStore {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &FirestoreStore{
		client:     client,
		logger:     logger,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
}

func (store *FirestoreStore) callDoc(id string) *firestore.DocumentRef {
	return store.client.Collection(firestoreCallsCollName).Doc(id)
}

func (store *FirestoreStore) candidatesColl(id string, role Role) *firestore.CollectionRef {
	name := firestoreCalleeCandidatesCollName
	if role == RoleCaller {
		name = firestoreCallerCandidatesCollName
	}
	return store.callDoc(id).Collection(name)
}

// CreateCall inserts the shared record for a new call attempt.
func (store *FirestoreStore) CreateCall(ctx context.Context, record CallRecord) error {
	ctx, span := trace.StartSpan(ctx, "SignalingStore::CreateCall")
	defer span.End()

	if _, err := store.callDoc(record.ID).Create(ctx, record); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return errors.Errorf("call %q already exists", record.ID)
		}
		return err
	}
	return nil
}

// GetCall fetches the current record.
func (store *FirestoreStore) GetCall(ctx context.Context, id string) (CallRecord, error) {
	ctx, span := trace.StartSpan(ctx, "SignalingStore::GetCall")
	defer span.End()

	snap, err := store.callDoc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return CallRecord{}, newInactiveCallErr(id)
		}
		return CallRecord{}, err
	}
	return recordFromSnapshot(snap)
}

// SetFields applies a partial update to the record.
func (store *FirestoreStore) SetFields(ctx context.Context, id string, fields map[string]interface{}) error {
	ctx, span := trace.StartSpan(ctx, "SignalingStore::SetFields")
	defer span.End()

	updates, err := fieldsToUpdates(fields)
	if err != nil {
		return err
	}
	if _, err := store.callDoc(id).Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return newInactiveCallErr(id)
		}
		return err
	}
	return nil
}

// SetFieldsIfAbsent applies a partial update inside a transaction guarded on
// every given field being unset.
func (store *FirestoreStore) SetFieldsIfAbsent(ctx context.Context, id string, fields map[string]interface{}) (bool, error) {
	ctx, span := trace.StartSpan(ctx, "SignalingStore::SetFieldsIfAbsent")
	defer span.End()

	updates, err := fieldsToUpdates(fields)
	if err != nil {
		return false, err
	}
	var applied bool
	err = store.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		applied = false
		snap, err := tx.Get(store.callDoc(id))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return newInactiveCallErr(id)
			}
			return err
		}
		record, err := recordFromSnapshot(snap)
		if err != nil {
			return err
		}
		for name := range fields {
			absent, err := recordFieldAbsent(&record, name)
			if err != nil {
				return err
			}
			if !absent {
				return nil
			}
		}
		applied = true
		return tx.Update(store.callDoc(id), updates)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// ClaimAccept atomically claims the accepted call for the given device token
// inside a transaction. First writer wins.
func (store *FirestoreStore) ClaimAccept(ctx context.Context, id, deviceToken string) (bool, error) {
	ctx, span := trace.StartSpan(ctx, "SignalingStore::ClaimAccept")
	defer span.End()

	var claimed bool
	err := store.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		claimed = false
		snap, err := tx.Get(store.callDoc(id))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return newInactiveCallErr(id)
			}
			return err
		}
		record, err := recordFromSnapshot(snap)
		if err != nil {
			return err
		}
		if record.Terminal() {
			return ErrCallTerminal
		}
		if record.ActiveDeviceToken != "" {
			claimed = record.ActiveDeviceToken == deviceToken
			return nil
		}
		claimed = true
		return tx.Update(store.callDoc(id), []firestore.Update{
			{Path: firestoreFieldPaths[callActiveDeviceTokenField], Value: deviceToken},
			{Path: firestoreFieldPaths[callCalleeStatusField], Value: StatusAccepted},
			{Path: firestoreFieldPaths[callStatusField], Value: StatusAccepted},
			{Path: firestoreFieldPaths[callUpdatedAtField], Value: time.Now()},
		})
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// AppendCandidate appends to the candidate log the given role owns. The log
// is a subcollection ordered by creation time.
func (store *FirestoreStore) AppendCandidate(ctx context.Context, id string, role Role, candidate ICECandidate) error {
	ctx, span := trace.StartSpan(ctx, "SignalingStore::AppendCandidate")
	defer span.End()

	_, _, err := store.candidatesColl(id, role).Add(ctx, candidate)
	return err
}

// WatchCall subscribes to changes of the call record via a snapshot listener.
func (store *FirestoreStore) WatchCall(ctx context.Context, id string) (<-chan CallEvent, func(), error) {
	watchCtx, watchCtxCancel := calling.MergeContext(ctx, store.cancelCtx)
	snaps := store.callDoc(id).Snapshots(watchCtx)

	events := make(chan CallEvent)
	store.activeBackgroundWorkers.Add(1)
	calling.ManagedGo(func() {
		defer close(events)
		defer snaps.Stop()
		for {
			snap, err := snaps.Next()
			if err != nil {
				if watchCtx.Err() == nil && !errors.Is(err, iterator.Done) {
					store.logger.Errorw("call snapshot listener failed", "id", id, "error", err)
				}
				return
			}
			var event CallEvent
			if snap.Exists() {
				record, err := recordFromSnapshot(snap)
				if err != nil {
					store.logger.Errorw("failed to decode call snapshot", "id", id, "error", err)
					continue
				}
				event = CallEvent{Record: record}
			} else {
				event = CallEvent{Expired: true}
			}
			select {
			case <-watchCtx.Done():
				return
			case events <- event:
			}
			if event.Expired {
				return
			}
		}
	}, store.activeBackgroundWorkers.Done)

	var unsubOnce sync.Once
	return events, func() {
		unsubOnce.Do(watchCtxCancel)
	}, nil
}

// WatchCandidates subscribes to the candidate log owned by the given role.
// Each query snapshot redelivers prior documents, so additions are deduped by
// document ID to keep delivery exactly once per subscription.
func (store *FirestoreStore) WatchCandidates(ctx context.Context, id string, role Role) (<-chan ICECandidate, func(), error) {
	watchCtx, watchCtxCancel := calling.MergeContext(ctx, store.cancelCtx)
	snaps := store.candidatesColl(id, role).
		OrderBy("createdAt", firestore.Asc).
		Snapshots(watchCtx)

	candidates := make(chan ICECandidate)
	store.activeBackgroundWorkers.Add(1)
	calling.ManagedGo(func() {
		defer close(candidates)
		defer snaps.Stop()
		seen := calling.NewStringSet()
		for {
			snap, err := snaps.Next()
			if err != nil {
				if watchCtx.Err() == nil && !errors.Is(err, iterator.Done) {
					store.logger.Errorw("candidate snapshot listener failed",
						"id", id, "role", role, "error", err)
				}
				return
			}
			for _, change := range snap.Changes {
				if change.Kind != firestore.DocumentAdded || seen.Contains(change.Doc.Ref.ID) {
					continue
				}
				seen.Add(change.Doc.Ref.ID)
				var candidate ICECandidate
				if err := change.Doc.DataTo(&candidate); err != nil {
					store.logger.Errorw("failed to decode candidate",
						"id", id, "role", role, "error", err)
					continue
				}
				select {
				case <-watchCtx.Done():
					return
				case candidates <- candidate:
				}
			}
		}
	}, store.activeBackgroundWorkers.Done)

	var unsubOnce sync.Once
	return candidates, func() {
		unsubOnce.Do(watchCtxCancel)
	}, nil
}

// Close cancels all watches and waits to cleanly close all background workers.
func (store *FirestoreStore) Close() error {
	store.cancelFunc()
	store.activeBackgroundWorkers.Wait()
	return nil
}

func recordFromSnapshot(snap *firestore.DocumentSnapshot) (CallRecord, error) {
	var record CallRecord
	if err := snap.DataTo(&record); err != nil {
		return CallRecord{}, errors.Wrap(err, "failed to decode call record")
	}
	record.ID = snap.Ref.ID
	return record, nil
}

func fieldsToUpdates(fields map[string]interface{}) ([]firestore.Update, error) {
	updates := make([]firestore.Update, 0, len(fields)+1)
	for name, value := range fields {
		path, ok := firestoreFieldPaths[name]
		if !ok {
			return nil, errors.Errorf("unknown call record field %q", name)
		}
		updates = append(updates, firestore.Update{Path: path, Value: value})
	}
	updates = append(updates, firestore.Update{
		Path:  firestoreFieldPaths[callUpdatedAtField],
		Value: time.Now(),
	})
	return updates, nil
}
