// Package store accumulates streamed chunk sequences and folds them
// into finalized events.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/sessiond/sessiond/internal/common/errors"
	"github.com/sessiond/sessiond/internal/session"
	"github.com/sessiond/sessiond/internal/stream"
)

// ChunkStore buffers chunk sequences keyed by (correlation id, event id).
type ChunkStore interface {
	AddChunk(ctx context.Context, chunk stream.ChunkEvent) error
	FinalizeEvent(ctx context.Context, correlationID, eventID string) (*stream.EmittedEvent, error)
}

type chunkKey struct {
	correlationID string
	eventID       string
}

// MemoryChunkStore keeps chunk sequences in process memory.
type MemoryChunkStore struct {
	chunks map[chunkKey][]stream.ChunkEvent
	mu     sync.Mutex
}

// NewMemoryChunkStore creates an empty chunk store.
func NewMemoryChunkStore() *MemoryChunkStore {
	return &MemoryChunkStore{chunks: make(map[chunkKey][]stream.ChunkEvent)}
}

// AddChunk appends a chunk to its sequence. A chunk whose seq is not the
// next expected value is rejected with a sequence violation.
func (s *MemoryChunkStore) AddChunk(_ context.Context, chunk stream.ChunkEvent) error {
	key := chunkKey{correlationID: chunk.CorrelationID, eventID: chunk.EventID}

	s.mu.Lock()
	defer s.mu.Unlock()

	want := len(s.chunks[key])
	if chunk.Seq != want {
		return errors.SequenceViolation(chunk.CorrelationID, chunk.EventID, chunk.Seq, want)
	}
	s.chunks[key] = append(s.chunks[key], chunk)
	return nil
}

// FinalizeEvent folds the buffered patch sequence into an event, starting
// from an empty JSON document. It returns nil when no chunks were buffered.
// The entry is purged either way.
func (s *MemoryChunkStore) FinalizeEvent(_ context.Context, correlationID, eventID string) (*stream.EmittedEvent, error) {
	key := chunkKey{correlationID: correlationID, eventID: eventID}

	s.mu.Lock()
	chunks := s.chunks[key]
	delete(s.chunks, key)
	s.mu.Unlock()

	if len(chunks) == 0 {
		return nil, nil
	}

	doc := []byte("{}")
	metadata := map[string]any{}
	for _, chunk := range chunks {
		raw, err := json.Marshal(chunk.Patches)
		if err != nil {
			return nil, fmt.Errorf("marshal patches for event %s: %w", eventID, err)
		}
		patch, err := jsonpatch.DecodePatch(raw)
		if err != nil {
			return nil, fmt.Errorf("decode patch for event %s: %w", eventID, err)
		}
		doc, err = patch.Apply(doc)
		if err != nil {
			return nil, fmt.Errorf("apply patch seq %d for event %s: %w", chunk.Seq, eventID, err)
		}
		for k, v := range chunk.Metadata {
			metadata[k] = v
		}
	}

	var data map[string]any
	if err := json.Unmarshal(doc, &data); err != nil {
		return nil, fmt.Errorf("decode folded event %s: %w", eventID, err)
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	return &stream.EmittedEvent{
		ID:            eventID,
		CorrelationID: correlationID,
		Source:        session.SourceAIAgent,
		Type:          chunks[0].Kind(),
		Data:          data,
		Metadata:      metadata,
		CreatedAt:     time.Now().UTC(),
	}, nil
}
