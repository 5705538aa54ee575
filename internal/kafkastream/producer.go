// Package kafkastream is the producer/consumer streaming pair: a Pair
// starts and stops two streaming workers (each a blocking Kafka client
// plus the Schema Registry HTTP client) and does not restart a worker
// that fails. It wraps
// github.com/confluentinc/confluent-kafka-go/v2/kafka, the same client
// DataDog-dd-trace-go's contrib package instruments, and dispatches
// through internal/actorsys, specialized to Kafka instead of a
// pluggable memory/NATS transport.
package kafkastream

import (
	"context"
	"fmt"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/CrisisTextLine/kafka-harness/internal/actorsys"
	"github.com/CrisisTextLine/kafka-harness/internal/model"
	"github.com/CrisisTextLine/kafka-harness/internal/serde"
)

// ProduceRequest asks the producer streaming worker to send one record.
type ProduceRequest struct {
	Topic    string
	Key      model.CloudEvent
	KeyType  model.SchemaType
	Value    interface{}
	ValueType model.SchemaType
	Headers  map[string][]byte
	ReplyTo  chan ProduceReply
}

// ProduceReply is ProducedAck/ProducedNack collapsed into one struct:
// Err is nil on ack.
type ProduceReply struct {
	Err error
}

// ErrOverloaded is the cause reported when the bounded producer queue is
// saturated.
var ErrOverloaded = fmt.Errorf("kafkastream: producer overloaded")

// ProducerWorker owns one long-lived confluent-kafka-go Producer and
// serializes ProduceEvent calls onto it one at a time. The blocking
// Produce+delivery-report round trip runs on the producer actor's own
// mailbox goroutine, so later requests wait in the mailbox until it
// completes or times out.
type ProducerWorker struct {
	producer     *ck.Producer
	serdeFactory *serde.Factory
	securityByTopic map[string]model.KafkaSecurityDirective
}

// NewProducerWorker constructs the underlying confluent-kafka-go producer
// from bootstrapServers and the resolved security directives, applying
// SASL/SSL config from directive.SecurityProtocol/JAASConfig when
// present (never logged — invariant I4).
func NewProducerWorker(bootstrapServers string, directives []model.KafkaSecurityDirective, factory *serde.Factory) (*ProducerWorker, error) {
	cm := ck.ConfigMap{"bootstrap.servers": bootstrapServers}
	bySecurity := map[string]model.KafkaSecurityDirective{}
	for _, d := range directives {
		if d.Role != model.RoleProducer {
			continue
		}
		bySecurity[d.Topic] = d
		applySecurity(&cm, d)
	}
	producer, err := ck.NewProducer(&cm)
	if err != nil {
		return nil, fmt.Errorf("kafkastream: create producer: %w", err)
	}
	return &ProducerWorker{producer: producer, serdeFactory: factory, securityByTopic: bySecurity}, nil
}

func applySecurity(cm *ck.ConfigMap, d model.KafkaSecurityDirective) {
	if d.SecurityProtocol == "" || d.SecurityProtocol == model.ProtocolPlaintext {
		return
	}
	_ = cm.SetKey("security.protocol", string(d.SecurityProtocol))
	_ = cm.SetKey("sasl.jaas.config", d.JAASConfig)
}

// Close flushes and closes the underlying producer. Called from the
// actor's onStop hook.
func (w *ProducerWorker) Close() {
	w.producer.Flush(5000)
	w.producer.Close()
}

// Handle implements actorsys.Handler[ProduceRequest]: it is the single
// entry point the producer actor's mailbox loop invokes per message.
func (w *ProducerWorker) Handle(ctx context.Context, req ProduceRequest) error {
	reply := w.produce(ctx, req)
	if req.ReplyTo != nil {
		select {
		case req.ReplyTo <- reply:
		default:
		}
	}
	return reply.Err
}

func (w *ProducerWorker) produce(ctx context.Context, req ProduceRequest) ProduceReply {
	if err := serde.ValidateEnvelope(req.Key); err != nil {
		return ProduceReply{Err: fmt.Errorf("kafkastream: %w", err)}
	}

	keySer, err := w.serdeFactory.KeySerializer(req.Topic, model.RoleProducer, req.KeyType)
	if err != nil {
		return ProduceReply{Err: fmt.Errorf("kafkastream: key serializer: %w", err)}
	}
	valSer, err := w.serdeFactory.ValueSerializer(req.Topic, model.RoleProducer, req.ValueType)
	if err != nil {
		return ProduceReply{Err: fmt.Errorf("kafkastream: value serializer: %w", err)}
	}

	keyBytes, err := keySer.Serialize(req.Topic, serde.ToWireKey(req.Key))
	if err != nil {
		return ProduceReply{Err: fmt.Errorf("kafkastream: serialize key: %w", err)}
	}
	valBytes, err := valSer.Serialize(req.Topic, req.Value)
	if err != nil {
		return ProduceReply{Err: fmt.Errorf("kafkastream: serialize value: %w", err)}
	}

	headers := make([]ck.Header, 0, len(req.Headers))
	for k, v := range req.Headers {
		headers = append(headers, ck.Header{Key: k, Value: v})
	}

	deliveryChan := make(chan ck.Event, 1)
	msg := &ck.Message{
		TopicPartition: ck.TopicPartition{Topic: &req.Topic, Partition: ck.PartitionAny},
		Key:            keyBytes,
		Value:          valBytes,
		Headers:        headers,
	}
	if err := w.producer.Produce(msg, deliveryChan); err != nil {
		return ProduceReply{Err: fmt.Errorf("kafkastream: enqueue produce: %w", err)}
	}

	select {
	case ev := <-deliveryChan:
		m, ok := ev.(*ck.Message)
		if !ok {
			return ProduceReply{Err: fmt.Errorf("kafkastream: unexpected delivery event %T", ev)}
		}
		if m.TopicPartition.Error != nil {
			return ProduceReply{Err: fmt.Errorf("kafkastream: delivery failed: %w", m.TopicPartition.Error)}
		}
		return ProduceReply{}
	case <-ctx.Done():
		return ProduceReply{Err: ctx.Err()}
	case <-time.After(30 * time.Second):
		return ProduceReply{Err: fmt.Errorf("kafkastream: delivery report timed out")}
	}
}

// NewProducerRef spawns the producer actor over worker and returns a Ref
// other components send ProduceRequest messages to, plus a stop func.
func NewProducerRef(ctx context.Context, worker *ProducerWorker, queueCapacity int) (actorsys.Ref[ProduceRequest], func()) {
	return actorsys.SpawnWithStop(ctx, queueCapacity, worker.Handle, worker.Close)
}
