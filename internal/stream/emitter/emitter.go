// Package emitter fans runner output out to stream subscribers.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sessiond/sessiond/internal/common/ids"
	"github.com/sessiond/sessiond/internal/common/logger"
	"github.com/sessiond/sessiond/internal/metrics"
	"github.com/sessiond/sessiond/internal/session"
	"github.com/sessiond/sessiond/internal/stream"
	"github.com/sessiond/sessiond/internal/stream/store"
)

// ProcessedCallback observes in-flight chunks for a correlation.
type ProcessedCallback func(ctx context.Context, chunk stream.ChunkEvent) error

// FinalCallback observes finalized events for a correlation.
type FinalCallback func(ctx context.Context, ev stream.EmittedEvent) error

// Subscription detaches a registered callback. Unsubscribe is safe to
// call more than once.
type Subscription interface {
	Unsubscribe()
}

// EventEmitter is the runner-facing streaming contract. A status with a
// terminal value (completed or cancelled) latches the correlation; the
// emitter emits nothing further under it.
type EventEmitter interface {
	EnqueueStatusEvent(ctx context.Context, correlationID string, data session.StatusEventData, source session.EventSource, metadata map[string]any) error
	EnqueueChunkEvent(ctx context.Context, correlationID, eventID string, patches []stream.PatchOp, metadata map[string]any) (string, error)
	Finalize(ctx context.Context, correlationID, eventID string) error
	SubscribeProcessed(correlationID string, cb ProcessedCallback) (Subscription, error)
	SubscribeFinal(correlationID string, cb FinalCallback) (Subscription, error)
	Close()
}

type seqKey struct {
	correlationID string
	eventID       string
}

// chunkState serializes chunk producers for one (correlation, event) so
// the seq a producer is assigned matches the order subscribers observe.
type chunkState struct {
	mu   sync.Mutex
	next int
}

// subscriber owns a bounded queue and a worker goroutine so a slow
// callback never delays other subscribers.
type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

func (s *subscriber[T]) stop() {
	s.once.Do(func() { close(s.done) })
}

// MemoryEventEmitter is the in-process EventEmitter.
type MemoryEventEmitter struct {
	chunks store.ChunkStore
	logger *logger.Logger
	buffer int

	mu        sync.Mutex
	processed map[string][]*subscriber[stream.ChunkEvent]
	final     map[string][]*subscriber[stream.EmittedEvent]
	seqs      map[seqKey]*chunkState
	terminal  map[string]bool
	closed    bool
}

// NewMemoryEventEmitter creates an emitter over the given chunk store.
// buffer is the per-subscriber queue depth.
func NewMemoryEventEmitter(chunks store.ChunkStore, buffer int, log *logger.Logger) *MemoryEventEmitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryEventEmitter{
		chunks:    chunks,
		logger:    log,
		buffer:    buffer,
		processed: make(map[string][]*subscriber[stream.ChunkEvent]),
		final:     make(map[string][]*subscriber[stream.EmittedEvent]),
		seqs:      make(map[seqKey]*chunkState),
		terminal:  make(map[string]bool),
	}
}

// EnqueueStatusEvent emits a finalized status event immediately. A
// terminal status latches the correlation after delivery.
func (e *MemoryEventEmitter) EnqueueStatusEvent(ctx context.Context, correlationID string, data session.StatusEventData, source session.EventSource, metadata map[string]any) error {
	if data.Type == "" {
		data.Type = string(session.TypeStatus)
	}
	if source == "" {
		source = session.SourceAIAgent
	}

	payload, err := toMap(data)
	if err != nil {
		return fmt.Errorf("encode status payload: %w", err)
	}

	ev := stream.EmittedEvent{
		ID:            ids.New(),
		CorrelationID: correlationID,
		Source:        source,
		Type:          session.TypeStatus,
		Data:          payload,
		Metadata:      metadata,
		CreatedAt:     time.Now().UTC(),
	}

	e.mu.Lock()
	if e.closed || e.terminal[correlationID] {
		e.mu.Unlock()
		e.logger.Debug("status event dropped",
			zap.String("correlation_id", correlationID),
			zap.String("status", string(data.Status)))
		return nil
	}
	if session.TerminalStatus(data.Status) {
		e.latchLocked(correlationID)
	}
	subs := append([]*subscriber[stream.EmittedEvent](nil), e.final[correlationID]...)
	e.mu.Unlock()

	e.deliverFinal(ctx, subs, ev)
	return nil
}

// EnqueueChunkEvent appends a chunk under the correlation, allocating an
// event id when none is given, and fans it out to processed subscribers.
// The event id is returned so the caller can stream further chunks and
// finalize.
func (e *MemoryEventEmitter) EnqueueChunkEvent(ctx context.Context, correlationID, eventID string, patches []stream.PatchOp, metadata map[string]any) (string, error) {
	e.mu.Lock()
	if e.closed || e.terminal[correlationID] {
		e.mu.Unlock()
		return eventID, nil
	}
	if eventID == "" {
		eventID = ids.New()
	}
	key := seqKey{correlationID: correlationID, eventID: eventID}
	st, ok := e.seqs[key]
	if !ok {
		st = &chunkState{}
		e.seqs[key] = st
	}
	subs := append([]*subscriber[stream.ChunkEvent](nil), e.processed[correlationID]...)
	e.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	chunk := stream.ChunkEvent{
		CorrelationID: correlationID,
		EventID:       eventID,
		Seq:           st.next,
		Patches:       patches,
		Metadata:      metadata,
		Timestamp:     time.Now().UTC(),
	}

	if err := e.chunks.AddChunk(ctx, chunk); err != nil {
		// An out-of-order chunk is logged and dropped; the stream goes on.
		e.logger.Warn("chunk rejected",
			zap.String("correlation_id", correlationID),
			zap.String("event_id", eventID),
			zap.Error(err))
		return eventID, nil
	}
	st.next++

	for _, sub := range subs {
		select {
		case sub.ch <- chunk:
		case <-sub.done:
		case <-ctx.Done():
			return eventID, ctx.Err()
		}
	}
	return eventID, nil
}

// Finalize folds the chunk sequence for the event and fans the result
// out to final subscribers. Finalizing an event with no chunks is a no-op.
func (e *MemoryEventEmitter) Finalize(ctx context.Context, correlationID, eventID string) error {
	e.mu.Lock()
	if e.closed || e.terminal[correlationID] {
		e.mu.Unlock()
		return nil
	}
	delete(e.seqs, seqKey{correlationID: correlationID, eventID: eventID})
	subs := append([]*subscriber[stream.EmittedEvent](nil), e.final[correlationID]...)
	e.mu.Unlock()

	ev, err := e.chunks.FinalizeEvent(ctx, correlationID, eventID)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}

	e.deliverFinal(ctx, subs, *ev)
	return nil
}

// SubscribeProcessed registers a callback for every chunk under the
// correlation.
func (e *MemoryEventEmitter) SubscribeProcessed(correlationID string, cb ProcessedCallback) (Subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("event emitter is closed")
	}

	sub := &subscriber[stream.ChunkEvent]{
		ch:   make(chan stream.ChunkEvent, e.buffer),
		done: make(chan struct{}),
	}
	e.processed[correlationID] = append(e.processed[correlationID], sub)

	detach := func() {
		sub.stop()
		e.mu.Lock()
		e.processed[correlationID] = removeSub(e.processed[correlationID], sub)
		e.pruneLocked(correlationID)
		e.mu.Unlock()
	}
	go runWorker(e.logger, correlationID, sub, detach, func(chunk stream.ChunkEvent) error {
		return cb(context.Background(), chunk)
	})
	return subscriptionFunc(detach), nil
}

// SubscribeFinal registers a callback for every finalized event under
// the correlation.
func (e *MemoryEventEmitter) SubscribeFinal(correlationID string, cb FinalCallback) (Subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("event emitter is closed")
	}

	sub := &subscriber[stream.EmittedEvent]{
		ch:   make(chan stream.EmittedEvent, e.buffer),
		done: make(chan struct{}),
	}
	e.final[correlationID] = append(e.final[correlationID], sub)

	detach := func() {
		sub.stop()
		e.mu.Lock()
		e.final[correlationID] = removeSub(e.final[correlationID], sub)
		e.pruneLocked(correlationID)
		e.mu.Unlock()
	}
	go runWorker(e.logger, correlationID, sub, detach, func(ev stream.EmittedEvent) error {
		return cb(context.Background(), ev)
	})
	return subscriptionFunc(detach), nil
}

// Close stops all subscribers and rejects further use. Pending queued
// deliveries are discarded.
func (e *MemoryEventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, subs := range e.processed {
		for _, sub := range subs {
			sub.stop()
		}
	}
	for _, subs := range e.final {
		for _, sub := range subs {
			sub.stop()
		}
	}
	e.processed = make(map[string][]*subscriber[stream.ChunkEvent])
	e.final = make(map[string][]*subscriber[stream.EmittedEvent])
	e.seqs = make(map[seqKey]*chunkState)
	e.terminal = make(map[string]bool)
}

// ActiveSubscribers reports the number of attached callbacks across all
// correlations.
func (e *MemoryEventEmitter) ActiveSubscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, subs := range e.processed {
		n += len(subs)
	}
	for _, subs := range e.final {
		n += len(subs)
	}
	return n
}

// latchLocked marks the correlation terminal and drops its chunk
// sequence state. The latch only needs to outlive the correlation's
// subscribers; with none attached there is nothing to protect and no
// entry is kept.
func (e *MemoryEventEmitter) latchLocked(correlationID string) {
	for key := range e.seqs {
		if key.correlationID == correlationID {
			delete(e.seqs, key)
		}
	}
	if len(e.processed[correlationID])+len(e.final[correlationID]) == 0 {
		return
	}
	e.terminal[correlationID] = true
}

// pruneLocked drops empty per-correlation entries once the last
// subscriber detaches, so finished turns leave no state behind.
func (e *MemoryEventEmitter) pruneLocked(correlationID string) {
	if len(e.processed[correlationID]) == 0 {
		delete(e.processed, correlationID)
	}
	if len(e.final[correlationID]) == 0 {
		delete(e.final, correlationID)
	}
	if _, ok := e.processed[correlationID]; ok {
		return
	}
	if _, ok := e.final[correlationID]; ok {
		return
	}
	delete(e.terminal, correlationID)
	for key := range e.seqs {
		if key.correlationID == correlationID {
			delete(e.seqs, key)
		}
	}
}

func (e *MemoryEventEmitter) deliverFinal(ctx context.Context, subs []*subscriber[stream.EmittedEvent], ev stream.EmittedEvent) {
	metrics.EmittedEventsTotal.WithLabelValues(string(ev.Type)).Inc()
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-ctx.Done():
			return
		}
	}
}

// runWorker drains the subscriber queue in order. A callback error drops
// the subscriber; other subscribers are unaffected.
func runWorker[T any](log *logger.Logger, correlationID string, sub *subscriber[T], detach func(), invoke func(T) error) {
	for {
		select {
		case item := <-sub.ch:
			if err := invoke(item); err != nil {
				log.Error("stream subscriber dropped",
					zap.String("correlation_id", correlationID),
					zap.Error(err))
				metrics.DroppedDeliveriesTotal.Inc()
				detach()
				return
			}
		case <-sub.done:
			return
		}
	}
}

type subscriptionFunc func()

func (f subscriptionFunc) Unsubscribe() { f() }

func removeSub[T any](subs []*subscriber[T], target *subscriber[T]) []*subscriber[T] {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
