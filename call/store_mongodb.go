package call

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opencensus.io/trace"

	calling "github.com/murmurtalk/calling"
	"github.com/murmurtalk/calling/mongoutils"
)

// Database and collection names used by the MongoDBStore.
var (
	mongodbCallsDBName   = "calling"
	mongodbCallsCollName = "calls"
	mongodbCallExpireIdx = "call_expire"
)

// How long call documents stick around before TTL cleanup. Terminal calls are
// only ever read for their status afterwards, which the history layer copies
// out before this window closes.
var mongodbCallExpireAfter = 24 * time.Hour

const mongodbWatchRetryAttempts = 5

// mongodbCallDoc is the full stored shape of a call: the shared record plus
// the two per-role candidate logs, kept as append-only arrays so that a
// single change stream covers both the record and the logs.
type mongodbCallDoc struct {
	CallRecord       `bson:",inline"`
	CallerCandidates []ICECandidate `bson:"caller_candidates,omitempty"`
	CalleeCandidates []ICECandidate `bson:"callee_candidates,omitempty"`
}

func (doc *mongodbCallDoc) candidatesForRole(role Role) []ICECandidate {
	if role == RoleCaller {
		return doc.CallerCandidates
	}
	return doc.CalleeCandidates
}

// A MongoDBStore is a SignalingStore backed by a MongoDB collection with one
// document per call, watched via change streams. Designed for multi-device,
// distributed deployments.
type MongoDBStore struct {
	coll                    *mongo.Collection
	logger                  calling.ZapCompatibleLogger
	activeBackgroundWorkers sync.WaitGroup

	cancelCtx  context.Context
	cancelFunc func()
}

// NewMongoDBStore returns a new MongoDB based signaling store where calls are
// exchanged through the given client.
func NewMongoDBStore(ctx context.Context, client *mongo.Client, logger calling.ZapCompatibleLogger) (*MongoDBStore, error) {
	coll := client.Database(mongodbCallsDBName).Collection(mongodbCallsCollName)

	expireAfter := int32(mongodbCallExpireAfter.Seconds())
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: callCreatedAtField, Value: 1},
			},
			Options: &options.IndexOptions{
				Name:               &mongodbCallExpireIdx,
				ExpireAfterSeconds: &expireAfter,
			},
		},
		{
			Keys: bson.D{
				{Key: callCalleeIDField, Value: 1},
			},
		},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, errors.Wrap(err, "failed to ensure call collection indexes")
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &MongoDBStore{
		coll:       coll,
		logger:     logger,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}, nil
}

// CreateCall inserts the shared record for a new call attempt.
func (store *MongoDBStore) CreateCall(ctx context.Context, record CallRecord) error {
	ctx, span := trace.StartSpan(ctx, "SignalingStore::CreateCall")
	defer span.End()

	_, err := store.coll.InsertOne(ctx, mongodbCallDoc{CallRecord: record})
	if mongo.IsDuplicateKeyError(err) {
		return errors.Errorf("call %q already exists", record.ID)
	}
	return err
}

// GetCall fetches the current record.
func (store *MongoDBStore) GetCall(ctx context.Context, id string) (CallRecord, error) {
	ctx, span := trace.StartSpan(ctx, "SignalingStore::GetCall")
	defer span.End()

	var doc mongodbCallDoc
	if err := store.coll.FindOne(ctx, bson.D{{Key: callIDField, Value: id}}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return CallRecord{}, newInactiveCallErr(id)
		}
		return CallRecord{}, err
	}
	return doc.CallRecord, nil
}

// SetFields applies a partial update to the record.
func (store *MongoDBStore) SetFields(ctx context.Context, id string, fields map[string]interface{}) error {
	ctx, span := trace.StartSpan(ctx, "SignalingStore::SetFields")
	defer span.End()

	result, err := store.coll.UpdateOne(ctx,
		bson.D{{Key: callIDField, Value: id}},
		bson.D{{Key: "$set", Value: setFieldsToBSON(fields)}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return newInactiveCallErr(id)
	}
	return nil
}

// SetFieldsIfAbsent applies a partial update guarded on every given field
// being unset, in a single atomic update.
func (store *MongoDBStore) SetFieldsIfAbsent(ctx context.Context, id string, fields map[string]interface{}) (bool, error) {
	ctx, span := trace.StartSpan(ctx, "SignalingStore::SetFieldsIfAbsent")
	defer span.End()

	filter := bson.D{{Key: callIDField, Value: id}}
	for name := range fields {
		filter = append(filter, fieldAbsentFilter(name))
	}
	result, err := store.coll.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: setFieldsToBSON(fields)}})
	if err != nil {
		return false, err
	}
	if result.MatchedCount == 0 {
		// distinguish a lost guard from a missing document
		if _, err := store.GetCall(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ClaimAccept atomically claims the accepted call for the given device token.
// First writer wins; a device observing another device's token loses.
func (store *MongoDBStore) ClaimAccept(ctx context.Context, id, deviceToken string) (bool, error) {
	ctx, span := trace.StartSpan(ctx, "SignalingStore::ClaimAccept")
	defer span.End()

	result, err := store.coll.UpdateOne(ctx,
		bson.D{
			{Key: callIDField, Value: id},
			{Key: callActiveDeviceTokenField, Value: bson.D{{Key: "$exists", Value: false}}},
			{Key: callEndedAtField, Value: bson.D{{Key: "$exists", Value: false}}},
			{Key: callStatusField, Value: bson.D{{Key: "$nin", Value: terminalStatusesBSON()}}},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: callActiveDeviceTokenField, Value: deviceToken},
			{Key: callCalleeStatusField, Value: StatusAccepted},
			{Key: callStatusField, Value: StatusAccepted},
			{Key: callUpdatedAtField, Value: time.Now()},
		}}},
	)
	if err != nil {
		return false, err
	}
	if result.MatchedCount == 1 {
		return true, nil
	}
	record, err := store.GetCall(ctx, id)
	if err != nil {
		return false, err
	}
	if record.Terminal() {
		return false, ErrCallTerminal
	}
	return record.ActiveDeviceToken == deviceToken, nil
}

// AppendCandidate appends to the candidate log the given role owns.
func (store *MongoDBStore) AppendCandidate(ctx context.Context, id string, role Role, candidate ICECandidate) error {
	ctx, span := trace.StartSpan(ctx, "SignalingStore::AppendCandidate")
	defer span.End()

	result, err := store.coll.UpdateOne(ctx,
		bson.D{{Key: callIDField, Value: id}},
		bson.D{{Key: "$push", Value: bson.D{{Key: candidatesFieldForRole(role), Value: candidate}}}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return newInactiveCallErr(id)
	}
	return nil
}

// WatchCall subscribes to changes of the call record.
func (store *MongoDBStore) WatchCall(ctx context.Context, id string) (<-chan CallEvent, func(), error) {
	docs, unsub, err := store.watchDoc(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	events := make(chan CallEvent)
	store.activeBackgroundWorkers.Add(1)
	calling.ManagedGo(func() {
		defer close(events)
		for doc := range docs {
			select {
			case <-ctx.Done():
				return
			case <-store.cancelCtx.Done():
				return
			case events <- CallEvent{Record: doc.CallRecord, Expired: doc.expired}:
			}
		}
	}, store.activeBackgroundWorkers.Done)
	return events, unsub, nil
}

// WatchCandidates subscribes to the candidate log owned by the given role. New
// entries are detected by diffing the append-only array length against how
// many entries have already been delivered, so redelivered documents never
// produce duplicates.
func (store *MongoDBStore) WatchCandidates(ctx context.Context, id string, role Role) (<-chan ICECandidate, func(), error) {
	docs, unsub, err := store.watchDoc(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	candidates := make(chan ICECandidate)
	store.activeBackgroundWorkers.Add(1)
	calling.ManagedGo(func() {
		defer close(candidates)
		var delivered int
		for doc := range docs {
			log := doc.candidatesForRole(role)
			for delivered < len(log) {
				select {
				case <-ctx.Done():
					return
				case <-store.cancelCtx.Done():
					return
				case candidates <- log[delivered]:
					delivered++
				}
			}
		}
	}, store.activeBackgroundWorkers.Done)
	return candidates, unsub, nil
}

type mongodbWatchedDoc struct {
	mongodbCallDoc
	expired bool
}

// watchDoc pumps full document snapshots for a single call: the current
// document first, then one per change stream event. The change stream is
// created before the initial read so that no update between the read and the
// first event is missed; the consumers are idempotent against the resulting
// redelivery.
func (store *MongoDBStore) watchDoc(ctx context.Context, id string) (<-chan mongodbWatchedDoc, func(), error) {
	watchCtx, watchCtxCancel := calling.MergeContext(ctx, store.cancelCtx)

	makeStream := func(resumeToken bson.Raw) (<-chan mongoutils.ChangeEventResult, error) {
		csOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
		if len(resumeToken) != 0 {
			csOpts.SetStartAfter(resumeToken)
		}
		cs, err := store.coll.Watch(watchCtx, []bson.D{
			{
				{Key: "$match", Value: bson.D{
					{Key: "operationType", Value: bson.D{{Key: "$in", Value: []interface{}{
						mongoutils.ChangeEventOperationTypeInsert,
						mongoutils.ChangeEventOperationTypeUpdate,
						mongoutils.ChangeEventOperationTypeReplace,
						mongoutils.ChangeEventOperationTypeDelete,
					}}}},
					{Key: "documentKey._id", Value: id},
				}},
			},
		}, csOpts)
		if err != nil {
			return nil, err
		}
		return mongoutils.ChangeStreamBackground(watchCtx, cs), nil
	}

	results, err := makeStream(nil)
	if err != nil {
		watchCtxCancel()
		return nil, nil, err
	}

	docs := make(chan mongodbWatchedDoc)
	sendDoc := func(doc mongodbWatchedDoc) bool {
		select {
		case <-watchCtx.Done():
			return false
		case docs <- doc:
			return true
		}
	}

	store.activeBackgroundWorkers.Add(1)
	calling.ManagedGo(func() {
		defer close(docs)

		var initial mongodbCallDoc
		if err := store.coll.FindOne(watchCtx, bson.D{{Key: callIDField, Value: id}}).Decode(&initial); err != nil {
			if !errors.Is(err, mongo.ErrNoDocuments) {
				store.logger.Errorw("failed to read call for watch", "id", id, "error", err)
				return
			}
		} else if !sendDoc(mongodbWatchedDoc{mongodbCallDoc: initial}) {
			return
		}

		var lastResumeToken bson.Raw
		for {
			if watchCtx.Err() != nil {
				return
			}
			var next mongoutils.ChangeEventResult
			var ok bool
			select {
			case <-watchCtx.Done():
				return
			case next, ok = <-results:
			}
			if !ok || next.Error != nil {
				if watchCtx.Err() != nil {
					return
				}
				if next.Error != nil {
					store.logger.Warnw("error getting next event in call change stream; recreating",
						"id", id, "error", next.Error)
				}
				if len(next.ResumeToken) != 0 {
					lastResumeToken = next.ResumeToken
				}
				newResults, err := calling.RetryNTimes(func() (<-chan mongoutils.ChangeEventResult, error) {
					if !calling.SelectContextOrWait(watchCtx, time.Second) {
						return nil, watchCtx.Err()
					}
					return makeStream(lastResumeToken)
				}, mongodbWatchRetryAttempts)
				if err != nil {
					store.logger.Errorw("failed to recreate call change stream", "id", id, "error", err)
					return
				}
				results = newResults
				continue
			}
			lastResumeToken = next.ResumeToken

			if next.Event.OperationType == mongoutils.ChangeEventOperationTypeDelete {
				sendDoc(mongodbWatchedDoc{expired: true})
				return
			}
			var doc mongodbCallDoc
			if err := next.Event.FullDocument.Unmarshal(&doc); err != nil {
				store.logger.Errorw("failed to unmarshal call document", "id", id, "error", err)
				continue
			}
			if !sendDoc(mongodbWatchedDoc{mongodbCallDoc: doc}) {
				return
			}
		}
	}, store.activeBackgroundWorkers.Done)

	var unsubOnce sync.Once
	return docs, func() {
		unsubOnce.Do(watchCtxCancel)
	}, nil
}

// Close cancels all watches and waits to cleanly close all background workers.
func (store *MongoDBStore) Close() error {
	store.cancelFunc()
	store.activeBackgroundWorkers.Wait()
	return nil
}

func setFieldsToBSON(fields map[string]interface{}) bson.D {
	set := make(bson.D, 0, len(fields)+1)
	for name, value := range fields {
		set = append(set, bson.E{Key: name, Value: value})
	}
	set = append(set, bson.E{Key: callUpdatedAtField, Value: time.Now()})
	return set
}

func fieldAbsentFilter(name string) bson.E {
	if name == callStatusField {
		// status always has a value; guard on it not being terminal yet so a
		// terminal status is only ever written once.
		return bson.E{Key: callStatusField, Value: bson.D{{Key: "$nin", Value: terminalStatusesBSON()}}}
	}
	return bson.E{Key: name, Value: bson.D{{Key: "$exists", Value: false}}}
}

func terminalStatusesBSON() bson.A {
	return bson.A{StatusDeclined, StatusTimeout, StatusFailed, StatusEnded}
}
