// Package mongoutils provides helpers for working with MongoDB change streams.
package mongoutils

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	calling "github.com/murmurtalk/calling"
)

// A ChangeEvent represents the fields of a change stream response document
// that we care about.
type ChangeEvent struct {
	ID            bson.RawValue            `bson:"_id"`
	OperationType ChangeEventOperationType `bson:"operationType"`
	FullDocument  bson.RawValue            `bson:"fullDocument"`
	DocumentKey   bson.D                   `bson:"documentKey"`
	ClusterTime   primitive.Timestamp      `bson:"clusterTime"`
}

// ChangeEventOperationType is the type of operation that occurred.
type ChangeEventOperationType string

// ChangeEvent operation types.
const (
	ChangeEventOperationTypeInsert     = ChangeEventOperationType("insert")
	ChangeEventOperationTypeUpdate     = ChangeEventOperationType("update")
	ChangeEventOperationTypeReplace    = ChangeEventOperationType("replace")
	ChangeEventOperationTypeDelete     = ChangeEventOperationType("delete")
	ChangeEventOperationTypeInvalidate = ChangeEventOperationType("invalidate")
)

// ErrChangeStreamInvalidateEvent is returned when the change stream has been
// invalidated and must be recreated.
var ErrChangeStreamInvalidateEvent = errors.New("change stream invalidated")

// ChangeEventResult represents either an event happening or an error that
// happened along the way. The resume token of the underlying stream is
// carried alongside so that a new stream can pick up where this one left off.
type ChangeEventResult struct {
	Event       *ChangeEvent
	Error       error
	ResumeToken bson.Raw
}

// ChangeStreamBackground pumps the given change stream in the background until
// the given context is done. It returns once at least one attempt to receive
// has been made so that callers can rely on the stream being established.
func ChangeStreamBackground(ctx context.Context, cs *mongo.ChangeStream) <-chan ChangeEventResult {
	results := make(chan ChangeEventResult, 1)
	csStarted := make(chan struct{})
	sendResult := func(result ChangeEventResult) {
		select {
		case <-ctx.Done():
			// try once more
			select {
			case results <- result:
			default:
			}
		case results <- result:
		}
	}
	calling.PanicCapturingGo(func() {
		defer close(results)
		defer func() {
			calling.UncheckedError(cs.Close(ctx))
		}()

		csStartedOnce := false
		markStarted := func() {
			if csStartedOnce {
				return
			}
			csStartedOnce = true
			close(csStarted)
		}
		defer markStarted()
		for {
			if ctx.Err() != nil {
				return
			}

			var ce ChangeEvent
			if cs.TryNext(ctx) {
				markStarted()
				if err := cs.Decode(&ce); err != nil {
					sendResult(ChangeEventResult{Error: err, ResumeToken: cs.ResumeToken()})
					return
				}
				if ce.OperationType == ChangeEventOperationTypeInvalidate {
					sendResult(ChangeEventResult{Error: ErrChangeStreamInvalidateEvent, ResumeToken: cs.ResumeToken()})
					return
				}
				sendResult(ChangeEventResult{Event: &ce, ResumeToken: cs.ResumeToken()})
				continue
			}
			markStarted()
			if cs.Next(ctx) {
				if err := cs.Decode(&ce); err != nil {
					sendResult(ChangeEventResult{Error: err, ResumeToken: cs.ResumeToken()})
					return
				}
				if ce.OperationType == ChangeEventOperationTypeInvalidate {
					sendResult(ChangeEventResult{Error: ErrChangeStreamInvalidateEvent, ResumeToken: cs.ResumeToken()})
					return
				}
				sendResult(ChangeEventResult{Event: &ce, ResumeToken: cs.ResumeToken()})
				continue
			}
			sendResult(ChangeEventResult{Error: cs.Err(), ResumeToken: cs.ResumeToken()})
			return
		}
	})
	<-csStarted
	return results
}
