// Package registry is the Event Registry: the per-test home for a
// test's kafkastream.Pair plus the in-memory cache of consumed records a
// scenario's step definitions poll against. It is the join point
// invariant I3 describes — the correlation id is what ties a produced
// event to its consumed counterpart — and is registered for the
// lifetime of a single test, created when the TestExecutionFSM enters
// Testing and torn down on ShuttingDown.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CrisisTextLine/kafka-harness/internal/kafkastream"
	"github.com/CrisisTextLine/kafka-harness/internal/model"
)

// consumedKey is the (topic, correlationid) join key the Event Registry indexes on.
type consumedKey struct {
	topic         string
	correlationID string
}

// Entry is one test's registered producer/consumer pair plus its
// consumed-record cache.
type Entry struct {
	TestID model.TestID
	pair   *kafkastream.Pair

	mu       sync.Mutex
	consumed map[consumedKey]model.CloudEvent
	values   map[consumedKey]interface{}

	drainDone chan struct{}
}

// Registry is the process-wide table of active per-test Entries.
type Registry struct {
	mu      sync.RWMutex
	entries map[model.TestID]*Entry
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[model.TestID]*Entry)}
}

// Register installs pair as testID's entry and starts draining its
// consumed-record channel into the lookup cache. Called once, when the
// FSM enters Testing (the Loaded -> Testing transition).
func (r *Registry) Register(testID model.TestID, pair *kafkastream.Pair) *Entry {
	e := &Entry{
		TestID:    testID,
		pair:      pair,
		consumed:  make(map[consumedKey]model.CloudEvent),
		values:    make(map[consumedKey]interface{}),
		drainDone: make(chan struct{}),
	}
	r.mu.Lock()
	r.entries[testID] = e
	r.mu.Unlock()

	go e.drain()
	return e
}

// Get looks up testID's entry.
func (r *Registry) Get(testID model.TestID) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[testID]
	return e, ok
}

// Unregister stops testID's pair and removes its entry. Called on the
// FSM's ShuttingDown -> terminal transition.
func (r *Registry) Unregister(testID model.TestID) {
	r.mu.Lock()
	e, ok := r.entries[testID]
	delete(r.entries, testID)
	r.mu.Unlock()
	if !ok {
		return
	}
	e.pair.Stop()
}

// drain indexes every consumed record before acking it, so the consumer
// streaming worker never commits a matched record's offset ahead of its
// entry in the cache fetchConsumedEvent reads.
func (e *Entry) drain() {
	defer close(e.drainDone)
	for rec := range e.pair.ConsumerRecords {
		key := consumedKey{topic: rec.Topic, correlationID: rec.CorrelationID}
		e.mu.Lock()
		e.consumed[key] = rec.Key
		e.values[key] = rec.Value
		e.mu.Unlock()
		rec.Ack()
	}
}

// ProduceEvent is the ask-pattern produceEvent operation: it
// forwards to the entry's producer and blocks for the delivery outcome.
func (e *Entry) ProduceEvent(ctx context.Context, topic string, ce model.CloudEvent, keyType model.SchemaType, value interface{}, valueType model.SchemaType, headers map[string][]byte) error {
	return e.pair.ProduceEvent(ctx, topic, ce, keyType, value, valueType, headers)
}

// ErrConsumedEventTimeout is returned by FetchConsumedEvent when no
// matching record arrives within the wait budget.
var ErrConsumedEventTimeout = fmt.Errorf("registry: no consumed event matched within wait budget")

// FetchConsumedEvent polls the consumed-record cache for a
// (topic, correlationID) pairing, retrying with a backoff that starts at
// 25ms and doubles up to 500ms until ctx is cancelled or wait elapses —
// a bounded poll-with-backoff,
// since the scenario step cannot block the consumer's own goroutine.
func (e *Entry) FetchConsumedEvent(ctx context.Context, topic, correlationID string, wait time.Duration) (model.CloudEvent, interface{}, error) {
	key := consumedKey{topic: topic, correlationID: correlationID}
	deadline := time.Now().Add(wait)
	backoff := 25 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	for {
		e.mu.Lock()
		ce, ok := e.consumed[key]
		val := e.values[key]
		e.mu.Unlock()
		if ok {
			return ce, val, nil
		}

		if time.Now().After(deadline) {
			return model.CloudEvent{}, nil, ErrConsumedEventTimeout
		}

		select {
		case <-ctx.Done():
			return model.CloudEvent{}, nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// SkippedRecords reports the underlying consumer's malformed-record
// count; Registry.SkippedRecords sums it for metrics export.
func (e *Entry) SkippedRecords() int {
	return e.pair.SkippedRecords()
}

// SkippedRecords sums the skipped-record count across every
// currently-registered test, for process-wide metrics export.
func (r *Registry) SkippedRecords() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, e := range r.entries {
		total += e.SkippedRecords()
	}
	return total
}
