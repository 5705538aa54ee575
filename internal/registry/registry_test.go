package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrisisTextLine/kafka-harness/internal/actorsys"
	"github.com/CrisisTextLine/kafka-harness/internal/kafkastream"
	"github.com/CrisisTextLine/kafka-harness/internal/model"
)

// testPair builds a kafkastream.Pair via its exported fields only, bypassing
// NewPair so no real Kafka client is ever constructed. Such a Pair must
// never have Stop (and therefore Registry.Unregister) called on it, since
// its unexported teardown fields are left nil.
func testPair(records chan kafkastream.ConsumedRecord, skipped func() int) *kafkastream.Pair {
	producerRef, _ := actorsys.Spawn[kafkastream.ProduceRequest](context.Background(), 4, func(_ context.Context, req kafkastream.ProduceRequest) error {
		req.ReplyTo <- kafkastream.ProduceReply{}
		return nil
	})
	return &kafkastream.Pair{
		Producer:        producerRef,
		ConsumerRecords: records,
		SkippedRecords:  skipped,
	}
}

func TestRegisterDrainsConsumedRecordsIntoCache(t *testing.T) {
	records := make(chan kafkastream.ConsumedRecord, 1)
	pair := testPair(records, func() int { return 0 })

	r := New()
	testID := model.NewTestID()
	entry := r.Register(testID, pair)

	records <- kafkastream.ConsumedRecord{
		Topic:         "orders",
		Key:           model.CloudEvent{CorrelationID: "corr-1"},
		Value:         map[string]interface{}{"ok": true},
		CorrelationID: "corr-1",
	}
	close(records)

	ce, val, err := entry.FetchConsumedEvent(context.Background(), "orders", "corr-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", ce.CorrelationID)
	assert.Equal(t, map[string]interface{}{"ok": true}, val)

	got, ok := r.Get(testID)
	assert.True(t, ok)
	assert.Same(t, entry, got)
}

func TestFetchConsumedEventTimesOutWhenNoMatch(t *testing.T) {
	records := make(chan kafkastream.ConsumedRecord)
	pair := testPair(records, func() int { return 0 })

	r := New()
	entry := r.Register(model.NewTestID(), pair)

	_, _, err := entry.FetchConsumedEvent(context.Background(), "orders", "missing", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrConsumedEventTimeout)
	close(records)
}

func TestFetchConsumedEventRespectsContextCancellation(t *testing.T) {
	records := make(chan kafkastream.ConsumedRecord)
	pair := testPair(records, func() int { return 0 })

	r := New()
	entry := r.Register(model.NewTestID(), pair)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := entry.FetchConsumedEvent(ctx, "orders", "corr", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	close(records)
}

func TestProduceEventForwardsToProducerRef(t *testing.T) {
	records := make(chan kafkastream.ConsumedRecord)
	pair := testPair(records, func() int { return 0 })

	r := New()
	entry := r.Register(model.NewTestID(), pair)

	err := entry.ProduceEvent(context.Background(), "orders", model.CloudEvent{CorrelationID: "corr-1"}, model.SchemaAvro, map[string]interface{}{"a": 1}, model.SchemaJSONSchema, nil)
	assert.NoError(t, err)
	close(records)
}

func TestEntrySkippedRecordsDelegatesToPair(t *testing.T) {
	records := make(chan kafkastream.ConsumedRecord)
	pair := testPair(records, func() int { return 7 })

	r := New()
	entry := r.Register(model.NewTestID(), pair)
	assert.Equal(t, 7, entry.SkippedRecords())
	close(records)
}

func TestRegistrySkippedRecordsSumsAcrossEntries(t *testing.T) {
	recordsA := make(chan kafkastream.ConsumedRecord)
	recordsB := make(chan kafkastream.ConsumedRecord)
	pairA := testPair(recordsA, func() int { return 3 })
	pairB := testPair(recordsB, func() int { return 4 })

	r := New()
	r.Register(model.NewTestID(), pairA)
	r.Register(model.NewTestID(), pairB)

	assert.Equal(t, 7, r.SkippedRecords())
	close(recordsA)
	close(recordsB)
}

func TestGetReturnsFalseForUnknownTestID(t *testing.T) {
	r := New()
	_, ok := r.Get(model.NewTestID())
	assert.False(t, ok)
}
