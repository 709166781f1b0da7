package mongo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sagents-ai/sagents/runtime/agent/state"
)

var (
	testMongoClient    *mongo.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		skipMongoTests = true
	}
}

func getStore(t *testing.T) *Store {
	t.Helper()
	if skipMongoTests {
		t.Skip("docker not available, skipping mongo persistence test")
	}
	collection := testMongoClient.Database("sagents_test").Collection(t.Name())
	require.NoError(t, collection.Drop(context.Background()))
	return New(collection)
}

func TestMain(m *testing.M) {
	setupMongoDB()
	if testMongoContainer != nil {
		defer func() { _ = testMongoContainer.Terminate(context.Background()) }()
	}
	m.Run()
}

func TestPersistThenLoadRoundTrips(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	doc := &state.SerializedState{
		SchemaVersion: state.CurrentSchemaVersion,
		AgentID:       "agent-1",
		Messages: []state.Message{
			{Role: state.RoleUser, CreatedAt: time.Now().UTC().Truncate(time.Second)},
		},
		Todos:    []state.Todo{{ID: "t1", Text: "write docs"}},
		Metadata: map[string]any{"tenant": "acme"},
	}

	require.NoError(t, s.Persist(ctx, "agent-1", doc))

	loaded, err := s.Load(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, doc.AgentID, loaded.AgentID)
	assert.Equal(t, doc.SchemaVersion, loaded.SchemaVersion)
	assert.Len(t, loaded.Messages, 1)
	assert.Equal(t, "acme", loaded.Metadata["tenant"])
}

func TestLoadMissingReturnsErrNotFound(t *testing.T) {
	s := getStore(t)
	_, err := s.Load(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersistUpsertsOnSecondCall(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	first := &state.SerializedState{SchemaVersion: 1, AgentID: "agent-2", Metadata: map[string]any{"v": 1}}
	require.NoError(t, s.Persist(ctx, "agent-2", first))

	second := &state.SerializedState{SchemaVersion: 1, AgentID: "agent-2", Metadata: map[string]any{"v": 2}}
	require.NoError(t, s.Persist(ctx, "agent-2", second))

	loaded, err := s.Load(ctx, "agent-2")
	require.NoError(t, err)
	assert.EqualValues(t, 2, loaded.Metadata["v"])
}

func TestDeleteRemovesDocument(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()
	require.NoError(t, s.Persist(ctx, "agent-3", &state.SerializedState{SchemaVersion: 1, AgentID: "agent-3"}))

	require.NoError(t, s.Delete(ctx, "agent-3"))
	_, err := s.Load(ctx, "agent-3")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Delete(ctx, "agent-3")
	assert.ErrorIs(t, err, ErrNotFound)
}
