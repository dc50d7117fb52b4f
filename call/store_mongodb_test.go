package call

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.viam.com/test"
)

// backingMongoDBClient connects to the MongoDB named by TEST_MONGODB_URI,
// skipping the test when none is configured. Watches require the backing
// deployment to be a replica set.
func backingMongoDBClient(t *testing.T) *mongo.Client {
	t.Helper()
	uri, ok := os.LookupEnv("TEST_MONGODB_URI")
	if !ok || uri == "" {
		t.Skip("no MongoDB URI found; set TEST_MONGODB_URI")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, client.Ping(ctx, nil), test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, client.Disconnect(context.Background()), test.ShouldBeNil)
	})
	return client
}

func TestMongoDBStore(t *testing.T) {
	client := backingMongoDBClient(t)

	// isolate this run's documents from concurrent runs
	prevDB, prevColl := mongodbCallsDBName, mongodbCallsCollName
	mongodbCallsDBName = "calling-test"
	mongodbCallsCollName = "calls-" + uuid.NewString()
	defer func() {
		mongodbCallsDBName, mongodbCallsCollName = prevDB, prevColl
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		coll := client.Database(mongodbCallsDBName).Collection(mongodbCallsCollName)
		test.That(t, coll.Drop(ctx), test.ShouldBeNil)
	}()

	testSignalingStore(t, func(t *testing.T) (SignalingStore, func()) {
		store, err := NewMongoDBStore(context.Background(), client, golog.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		return store, func() {
			test.That(t, store.Close(), test.ShouldBeNil)
		}
	})
}
