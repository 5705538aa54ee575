package kafkastream

import (
	"context"
	"fmt"

	"github.com/CrisisTextLine/kafka-harness/internal/actorsys"
	"github.com/CrisisTextLine/kafka-harness/internal/model"
	"github.com/CrisisTextLine/kafka-harness/internal/serde"
)

// Pair is one test's producer+consumer streaming workers, spawned
// together and torn down together — a matched pair scoped to a single
// test run.
type Pair struct {
	Producer      actorsys.Ref[ProduceRequest]
	ConsumerRecords <-chan ConsumedRecord
	SkippedRecords func() int

	stopProducer func()
	cancelConsumer context.CancelFunc
	consumerDone chan struct{}
	consumerWorker *ConsumerWorker
}

// NewPair builds and starts a producer+consumer pair for one test from
// its resolved security directives and topic list.
func NewPair(ctx context.Context, bootstrapServers, groupID string, directives []model.KafkaSecurityDirective, topics []model.TopicDirective, batch BatchConfig, producerQueueCapacity int, factory *serde.Factory) (*Pair, error) {
	producerWorker, err := NewProducerWorker(bootstrapServers, directives, factory)
	if err != nil {
		return nil, fmt.Errorf("kafkastream: build producer: %w", err)
	}
	producerRef, stopProducer := NewProducerRef(ctx, producerWorker, producerQueueCapacity)

	consumerWorker, err := NewConsumerWorker(bootstrapServers, groupID, directives, topics, batch, factory)
	if err != nil {
		stopProducer()
		return nil, fmt.Errorf("kafkastream: build consumer: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		consumerWorker.Run(consumerCtx)
	}()

	return &Pair{
		Producer:        producerRef,
		ConsumerRecords: consumerWorker.Records,
		SkippedRecords:  consumerWorker.SkippedRecords,
		stopProducer:    stopProducer,
		cancelConsumer:  cancel,
		consumerDone:    done,
		consumerWorker:  consumerWorker,
	}, nil
}

// Stop tears down both halves of the pair, blocking until the consumer's
// poll loop has exited and the producer has flushed.
func (p *Pair) Stop() {
	p.cancelConsumer()
	<-p.consumerDone
	p.consumerWorker.Close()
	p.stopProducer()
}

// ProduceEvent is the ask-pattern entry point the Event Registry calls
// it blocks until the producer actor
// processes the request or ctx is done, returning the delivery outcome.
func (p *Pair) ProduceEvent(ctx context.Context, topic string, key model.CloudEvent, keyType model.SchemaType, value interface{}, valueType model.SchemaType, headers map[string][]byte) error {
	reply := make(chan ProduceReply, 1)
	req := ProduceRequest{
		Topic:     topic,
		Key:       key,
		KeyType:   keyType,
		Value:     value,
		ValueType: valueType,
		Headers:   headers,
		ReplyTo:   reply,
	}
	if err := p.Producer.TrySend(req); err != nil {
		if err == actorsys.ErrMailboxFull {
			return ErrOverloaded
		}
		return err
	}
	select {
	case r := <-reply:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}
