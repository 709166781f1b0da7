// Package mongo provides the reference AgentPersistence backend: a MongoDB
// collection storing one document per agent, keyed by agent id, holding the
// serialized State document described in state.SerializedState (§6).
//
// This mirrors the teacher's registry/store/mongo toolset store — upsert-by-
// id via ReplaceOne, ErrNotFound translation on FindOne, and a collection
// handed in already connected — but persists an agent's conversational
// State instead of a toolset's tool schema list. Concrete persistence
// backends are out of scope for the runtime itself (§1 Non-goals); this is
// the one reference adapter the runtime ships and tests against.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sagents-ai/sagents/runtime/agent/state"
)

// ErrNotFound is returned by Load when no document exists for the given
// agent id.
var ErrNotFound = errors.New("persistence/mongo: agent state not found")

// Store is a MongoDB-backed implementation of the worker package's
// AgentPersistence contract.
type Store struct {
	collection *mongo.Collection
}

// stateDocument is the MongoDB document representation of a
// state.SerializedState, plus the bookkeeping fields the store itself
// owns (not part of the runtime's wire schema).
type stateDocument struct {
	AgentID       string             `bson:"_id"`
	SchemaVersion int                `bson:"schema_version"`
	Messages      []state.Message    `bson:"messages"`
	Todos         []state.Todo       `bson:"todos"`
	Metadata      bson.M             `bson:"metadata"`
	InterruptData *state.InterruptData `bson:"interrupt_data,omitempty"`
	UpdatedAt     time.Time          `bson:"updated_at"`
}

// New creates a Store using the provided collection, which must come from
// an already-connected client.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// Persist implements the AgentPersistence.persist contract (§4.7): it
// upserts the full serialized State document for id. The runtime never
// assumes success; callers log failures and continue without altering
// in-memory State.
func (s *Store) Persist(ctx context.Context, id string, serialized *state.SerializedState) error {
	if serialized == nil {
		return fmt.Errorf("persistence/mongo: nil serialized state for %q", id)
	}
	metadata := bson.M{}
	for k, v := range serialized.Metadata {
		metadata[k] = v
	}
	doc := stateDocument{
		AgentID:       id,
		SchemaVersion: serialized.SchemaVersion,
		Messages:      serialized.Messages,
		Todos:         serialized.Todos,
		Metadata:      metadata,
		InterruptData: serialized.InterruptData,
		UpdatedAt:     time.Now().UTC(),
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": id}, doc, opts); err != nil {
		return fmt.Errorf("persistence/mongo: persist %q: %w", id, err)
	}
	return nil
}

// Load implements the AgentPersistence.load contract (§4.7). It returns
// ErrNotFound when no document exists, translating mongo's sentinel so
// callers don't take a driver dependency just to check for absence.
func (s *Store) Load(ctx context.Context, id string) (*state.SerializedState, error) {
	var doc stateDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("persistence/mongo: load %q: %w", id, err)
	}
	metadata := make(map[string]any, len(doc.Metadata))
	for k, v := range doc.Metadata {
		metadata[k] = v
	}
	return &state.SerializedState{
		SchemaVersion: doc.SchemaVersion,
		AgentID:       doc.AgentID,
		Messages:      doc.Messages,
		Todos:         doc.Todos,
		Metadata:      metadata,
		InterruptData: doc.InterruptData,
	}, nil
}

// Delete removes the persisted document for id, if any. It is not part of
// the AgentPersistence contract but is useful for retention/cleanup jobs.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("persistence/mongo: delete %q: %w", id, err)
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
