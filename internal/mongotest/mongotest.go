// Package mongotest starts a single node replica set for integration tests.
package mongotest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Start runs mongo:6 as replica set rs0, waits for a PRIMARY and returns a
// connected client. The oplog only exists on replica set members.
func Start(t *testing.T) *mongo.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	container, err := mongodb.Run(ctx,
		"mongo:6",
		mongodb.WithReplicaSet("rs0"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("Waiting for connections").
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate mongo container: %s", err)
		}
	})

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	// Direct connection: the member advertises a hostname only resolvable
	// inside the container network.
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(connStr).
		SetDirect(true))
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Disconnect(ctx)
	})

	deadline := time.Now().Add(30 * time.Second)
	var isReady bool
	for time.Now().Before(deadline) && !isReady {
		var status bson.M
		err := client.Database("admin").RunCommand(ctx, bson.D{
			{Key: "replSetGetStatus", Value: 1},
		}).Decode(&status)
		if err == nil {
			if members, ok := status["members"].(bson.A); ok {
				for _, member := range members {
					if m, ok := member.(bson.M); ok && m["stateStr"] == "PRIMARY" {
						isReady = true
					}
				}
			}
		}
		if !isReady {
			time.Sleep(100 * time.Millisecond)
		}
	}
	require.True(t, isReady, "replica set failed to elect a primary within timeout")

	return client
}
