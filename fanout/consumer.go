package fanout

import (
	"go.uber.org/zap"

	"github.com/estuary-dev/estuary/engine"
	"github.com/estuary-dev/estuary/store"
	"github.com/estuary-dev/estuary/wire"
)

// Consumer drains queued fan-out batches and performs the per-subscriber
// sink appends. Each append carries idempotent producer headers derived from
// the dispatch, so a redelivered batch never duplicates messages.
type Consumer struct {
	Dispatcher *Dispatcher
	Logger     *zap.Logger
}

// NewConsumer builds a consumer over the dispatcher's engine and registry.
func NewConsumer(d *Dispatcher, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{Dispatcher: d, Logger: logger}
}

// Handle delivers one batch. Sink streams that no longer exist are pruned
// from the source's subscriber registry; other failures are logged per item
// and skipped (the producer headers make a retry of the whole batch safe).
func (c *Consumer) Handle(msg BatchMessage) {
	source := store.StreamPath{Project: msg.Project, Stream: msg.SourceStream}
	producerID := FanoutProducerID(source, msg.FanoutSeq)
	var stale []string

	for _, id := range msg.SubscriberIDs {
		// Producer state lives per sink stream and each sink receives one
		// append per dispatch, so the dedupe seq is always 0; the dispatch
		// id in the producer name is what distinguishes publishes.
		producer := &engine.ProducerInfo{ID: producerID, Epoch: 0, Seq: 0}
		err := c.Dispatcher.appendToSink(msg.Project, id, msg.Payload, msg.ContentType, producer)
		if err == nil {
			continue
		}
		if wire.IsCode(err, wire.CodeStreamNotFound) {
			stale = append(stale, id)
			continue
		}
		c.Logger.Warn("queued fanout append failed",
			zap.String("source", source.String()),
			zap.String("estuary", id),
			zap.Uint64("fanout_seq", msg.FanoutSeq),
			zap.Error(err))
	}

	if len(stale) > 0 {
		subs := NewSubscribers(c.Dispatcher.Registry, source)
		if err := subs.RemoveAll(stale); err != nil {
			c.Logger.Warn("stale subscriber prune failed",
				zap.String("source", source.String()), zap.Error(err))
		}
	}
}

// Run consumes a MemoryQueue until it closes. NATS deployments subscribe
// via NATSQueue.Subscribe with c.Handle instead.
func (c *Consumer) Run(q *MemoryQueue) {
	for msg := range q.Receive() {
		c.Handle(msg)
	}
}
