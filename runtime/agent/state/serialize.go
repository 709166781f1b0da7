package state

import (
	"fmt"
)

// CurrentSchemaVersion is written into every SerializedState produced by
// ToSerialized. Persistence backends dispatch on this field to upgrade
// documents written by older runtime versions before calling FromSerialized
// (§6 "Serialized state format").
const CurrentSchemaVersion = 1

// SerializedState is the on-the-wire document shape for State: a JSON
// object whose top level carries exactly agent_id, messages, todos, metadata,
// and a schema-version integer, plus the interrupt data when present. Tool-call
// arguments, display text, and provider-specific Parts are preserved
// verbatim through json.RawMessage round-tripping where the in-memory type
// is itself already JSON-safe.
type SerializedState struct {
	SchemaVersion int             `json:"schema_version"`
	AgentID       string          `json:"agent_id"`
	Messages      []Message       `json:"messages"`
	Todos         []Todo          `json:"todos"`
	Metadata      map[string]any  `json:"metadata"`
	InterruptData *InterruptData  `json:"interrupt_data,omitempty"`
}

// ToSerialized projects s into its persisted document form.
func (s *State) ToSerialized() *SerializedState {
	if s == nil {
		return nil
	}
	return &SerializedState{
		SchemaVersion: CurrentSchemaVersion,
		AgentID:       s.AgentID,
		Messages:      s.Messages,
		Todos:         s.Todos,
		Metadata:      s.Metadata,
		InterruptData: s.InterruptData,
	}
}

// FromSerialized reconstructs a State from a persisted document. It rejects
// documents from a newer schema version than this build understands, since
// silently dropping unknown fields could resume a worker with an incomplete
// interrupt or metadata shape.
func FromSerialized(doc *SerializedState) (*State, error) {
	if doc == nil {
		return nil, fmt.Errorf("state: nil serialized document")
	}
	if doc.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("state: serialized document schema version %d is newer than this runtime understands (%d)", doc.SchemaVersion, CurrentSchemaVersion)
	}
	metadata := doc.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &State{
		AgentID:       doc.AgentID,
		Messages:      doc.Messages,
		Todos:         doc.Todos,
		Metadata:      metadata,
		InterruptData: doc.InterruptData,
	}, nil
}
