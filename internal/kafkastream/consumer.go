package kafkastream

import (
	"context"
	"fmt"
	"sync"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/CrisisTextLine/kafka-harness/internal/model"
	"github.com/CrisisTextLine/kafka-harness/internal/serde"
)

// ConsumedRecord is one successfully decoded, filter-matched record
// handed to the Event Registry's fetchConsumedEvent cache. The poll loop
// holds the record's offset uncommitted until the indexer calls Ack, so a
// record is always indexed before its offset can advance past it.
type ConsumedRecord struct {
	Topic         string
	Key           model.CloudEvent
	Value         interface{}
	CorrelationID string

	acked chan struct{}
}

// Ack confirms the record has been durably indexed. Safe to call exactly
// once; a no-op on a zero-value ConsumedRecord (what hand-built test
// records get, since they never flow through the poll loop's commit
// gating).
func (r ConsumedRecord) Ack() {
	if r.acked != nil {
		close(r.acked)
	}
}

// BatchConfig controls offset-commit batching: commit every
// CommitEvery records or every CommitPeriod, whichever comes first.
type BatchConfig struct {
	CommitEvery   int
	CommitPeriod  time.Duration
	QueueCapacity int
}

// ConsumerWorker owns one long-lived confluent-kafka-go Consumer, decodes
// each record through the schema registry and the CloudEvent key codec,
// checks it against the topic's EventFilters, and pushes matches onto
// Records. Malformed records (decode failure) are skipped and counted,
// never fatal to the poll loop.
type ConsumerWorker struct {
	consumer     *ck.Consumer
	serdeFactory *serde.Factory
	filtersByTopic map[string][]model.EventFilter
	keyTypeByTopic map[string]model.SchemaType
	valueTypeByTopic map[string]model.SchemaType
	batch        BatchConfig

	Records chan ConsumedRecord

	mu             sync.Mutex
	skippedRecords int
}

// NewConsumerWorker builds the underlying confluent-kafka-go consumer,
// applying the consumer-role security directives, and subscribes it to
// every entry of topics with Role == consumer.
func NewConsumerWorker(bootstrapServers, groupID string, directives []model.KafkaSecurityDirective, topics []model.TopicDirective, batch BatchConfig, factory *serde.Factory) (*ConsumerWorker, error) {
	cm := ck.ConfigMap{
		"bootstrap.servers": bootstrapServers,
		"group.id":          groupID,
		"auto.offset.reset": "earliest",
		"enable.auto.commit": false,
	}
	for _, d := range directives {
		if d.Role != model.RoleConsumer {
			continue
		}
		applySecurity(&cm, d)
	}

	consumer, err := ck.NewConsumer(&cm)
	if err != nil {
		return nil, fmt.Errorf("kafkastream: create consumer: %w", err)
	}

	var topicNames []string
	filters := map[string][]model.EventFilter{}
	keyTypes := map[string]model.SchemaType{}
	valueTypes := map[string]model.SchemaType{}
	for _, t := range topics {
		if t.Role != model.RoleConsumer {
			continue
		}
		topicNames = append(topicNames, t.Topic)
		filters[t.Topic] = t.Filters
		keyTypes[t.Topic] = t.KeySchemaType
		valueTypes[t.Topic] = t.ValueSchemaType
	}
	if len(topicNames) > 0 {
		if err := consumer.SubscribeTopics(topicNames, nil); err != nil {
			_ = consumer.Close()
			return nil, fmt.Errorf("kafkastream: subscribe: %w", err)
		}
	}

	if batch.CommitEvery <= 0 {
		batch.CommitEvery = 20
	}
	if batch.CommitPeriod <= 0 {
		batch.CommitPeriod = time.Second
	}
	if batch.QueueCapacity <= 0 {
		batch.QueueCapacity = 256
	}

	return &ConsumerWorker{
		consumer:         consumer,
		serdeFactory:     factory,
		filtersByTopic:   filters,
		keyTypeByTopic:   keyTypes,
		valueTypeByTopic: valueTypes,
		batch:            batch,
		Records:          make(chan ConsumedRecord, batch.QueueCapacity),
	}, nil
}

// SkippedRecords reports how many records failed to decode since start.
func (w *ConsumerWorker) SkippedRecords() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skippedRecords
}

func (w *ConsumerWorker) incSkipped() {
	w.mu.Lock()
	w.skippedRecords++
	w.mu.Unlock()
}

// Run polls the consumer until ctx is cancelled, decoding, filtering and
// forwarding matching records onto Records, and committing offsets in
// batches per w.batch. It runs on its own goroutine, started and stopped
// by the Pair that owns the worker.
func (w *ConsumerWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.batch.CommitPeriod)
	defer ticker.Stop()

	uncommitted := 0
	for {
		select {
		case <-ctx.Done():
			w.commitIfAny(&uncommitted)
			return
		case <-ticker.C:
			w.commitIfAny(&uncommitted)
		default:
		}

		ev := w.consumer.Poll(200)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *ck.Message:
			if w.handleMessage(ctx, e) {
				uncommitted++
				if uncommitted >= w.batch.CommitEvery {
					w.commitIfAny(&uncommitted)
				}
			}
		case ck.Error:
			// Broker-level errors are skipped and not reported: the
			// worker carries no logger reference, and the client
			// keeps polling.
			continue
		default:
			continue
		}
	}
}

func (w *ConsumerWorker) commitIfAny(uncommitted *int) {
	if *uncommitted == 0 {
		return
	}
	if _, err := w.consumer.Commit(); err != nil {
		// A commit failure keeps the count, so the batch is retried on
		// the next tick/threshold; offsets are at-least-once by design.
		return
	}
	*uncommitted = 0
}

// handleMessage decodes, filters, and (for a match) indexes m, returning
// whether its offset is now safe to count toward the next commit. A
// decode failure or filter miss is immediately committable (there is
// nothing downstream waiting on it); a match is committable only once
// the indexer downstream of Records has called ConsumedRecord.Ack —
// committing a matched offset before that would be the at-most-once
// data loss a crash between commit and index would cause.
func (w *ConsumerWorker) handleMessage(ctx context.Context, m *ck.Message) bool {
	topic := ""
	if m.TopicPartition.Topic != nil {
		topic = *m.TopicPartition.Topic
	}

	keyType := w.keyTypeByTopic[topic]
	if keyType == "" {
		keyType = model.SchemaJSONSchema
	}
	keyDeser, err := w.serdeFactory.KeyDeserializer(topic, model.RoleConsumer, keyType)
	if err != nil {
		w.incSkipped()
		return true
	}
	var keyRaw map[string]interface{}
	if err := keyDeser.Deserialize(topic, m.Key, &keyRaw); err != nil {
		w.incSkipped()
		return true
	}
	ce, err := serde.FromWireKey(keyRaw)
	if err != nil {
		w.incSkipped()
		return true
	}

	valueType := w.valueTypeByTopic[topic]
	valDeser, err := w.serdeFactory.ValueDeserializer(topic, model.RoleConsumer, valueType)
	if err != nil {
		w.incSkipped()
		return true
	}
	var value map[string]interface{}
	if err := valDeser.Deserialize(topic, m.Value, &value); err != nil {
		w.incSkipped()
		return true
	}

	filters := w.filtersByTopic[topic]
	matched := len(filters) == 0 // no filters configured means accept everything on the topic
	for _, f := range filters {
		if f.Matches(ce) {
			matched = true
			break
		}
	}
	if !matched {
		return true
	}

	acked := make(chan struct{})
	rec := ConsumedRecord{Topic: topic, Key: ce, Value: value, CorrelationID: ce.CorrelationID, acked: acked}

	select {
	case w.Records <- rec:
	case <-ctx.Done():
		return false
	}

	select {
	case <-acked:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close stops the underlying consumer. Called from the actor's onStop
// hook.
func (w *ConsumerWorker) Close() {
	_, _ = w.consumer.Commit()
	_ = w.consumer.Close()
}
