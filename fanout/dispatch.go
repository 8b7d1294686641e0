package fanout

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/estuary-dev/estuary/engine"
	"github.com/estuary-dev/estuary/store"
	"github.com/estuary-dev/estuary/wire"
)

// Dispatch defaults.
const (
	DefaultMaxInlineFanout   = 200
	DefaultQueueBatchSize    = 200
	DefaultInlineParallelism = 16
)

// PublishResult summarises one dispatch.
type PublishResult struct {
	Offset          store.Offset `json:"offset"`
	SubscriberCount int          `json:"subscriber_count"`
	InlineSuccesses int          `json:"inline_successes"`
	InlineFailures  int          `json:"inline_failures"`
	QueuedBatches   int          `json:"queued_batches"`

	// Duplicate reports an idempotent-producer duplicate: the source append
	// was skipped and no fan-out ran. ReceivedSeq echoes the accepted seq.
	Duplicate   bool  `json:"-"`
	ReceivedSeq int64 `json:"-"`

	// Meta is the source stream's metadata as committed by this append, so
	// callers echo this write's position rather than a later one.
	Meta *store.StreamMeta `json:"-"`
}

// Dispatcher owns publish fan-out: the durable source append, the inline
// delivery path, and hand-off to the queue for large subscriber sets or an
// open circuit.
type Dispatcher struct {
	Engine   *engine.Engine
	Registry store.Registry
	Queue    Queue
	Logger   *zap.Logger

	MaxInline   int
	BatchSize   int
	Parallelism int

	FailureThreshold int
	Recovery         time.Duration

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewDispatcher wires a dispatcher; zero knobs select the defaults.
func NewDispatcher(eng *engine.Engine, reg store.Registry, queue Queue, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		Engine:      eng,
		Registry:    reg,
		Queue:       queue,
		Logger:      logger,
		MaxInline:   DefaultMaxInlineFanout,
		BatchSize:   DefaultQueueBatchSize,
		Parallelism: DefaultInlineParallelism,
		breakers:    make(map[string]*Breaker),
	}
}

func (d *Dispatcher) breaker(source store.StreamPath) *Breaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[source.String()]
	if !ok {
		b = NewBreaker(d.FailureThreshold, d.Recovery)
		d.breakers[source.String()] = b
	}
	return b
}

// Publish appends the payload to the source stream, then fans it out to all
// current subscribers. The source append is the durable write; its offset is
// the publish id.
func (d *Dispatcher) Publish(in engine.AppendInput) (*PublishResult, error) {
	outcome, err := d.Engine.Append(in)
	if err != nil {
		return nil, err
	}
	res := &PublishResult{Offset: outcome.Meta.Tail, Meta: outcome.Meta}
	if outcome.Duplicate {
		// The op was already delivered by the original dispatch.
		res.Duplicate = true
		res.ReceivedSeq = outcome.ReceivedSeq
		return res, nil
	}
	if len(in.Payload) == 0 {
		return res, nil
	}

	subs := NewSubscribers(d.Registry, in.Path)
	ids, err := subs.List()
	if err != nil {
		d.Logger.Error("subscriber list failed",
			zap.String("source", in.Path.String()), zap.Error(err))
		return res, nil
	}
	res.SubscriberCount = len(ids)
	if len(ids) == 0 {
		return res, nil
	}

	fseq, err := subs.NextFanoutSeq()
	if err != nil {
		d.Logger.Error("fanout seq advance failed",
			zap.String("source", in.Path.String()), zap.Error(err))
		return res, nil
	}

	b := d.breaker(in.Path)
	if len(ids) <= d.MaxInline && b.Allow() {
		d.dispatchInline(in.Path, ids, in.Payload, in.ContentType, subs, b, res)
		return res, nil
	}
	res.QueuedBatches = d.enqueue(in.Path, ids, in.Payload, in.ContentType, fseq)
	return res, nil
}

// dispatchInline appends to every subscriber sink with bounded parallelism.
// Sinks that no longer exist are pruned from the registry.
func (d *Dispatcher) dispatchInline(source store.StreamPath, ids []string, payload []byte, contentType string, subs *Subscribers, b *Breaker, res *PublishResult) {
	sem := make(chan struct{}, d.Parallelism)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var stale []string

	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			err := d.appendToSink(source.Project, id, payload, contentType, nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				res.InlineSuccesses++
				return
			}
			res.InlineFailures++
			if wire.IsCode(err, wire.CodeStreamNotFound) {
				stale = append(stale, id)
				return
			}
			d.Logger.Warn("inline fanout append failed",
				zap.String("source", source.String()),
				zap.String("estuary", id), zap.Error(err))
		}(id)
	}
	wg.Wait()

	if res.InlineSuccesses > 0 {
		b.RecordSuccess()
	} else {
		b.RecordFailure()
	}
	if len(stale) > 0 {
		if err := subs.RemoveAll(stale); err != nil {
			d.Logger.Warn("stale subscriber prune failed",
				zap.String("source", source.String()), zap.Error(err))
		}
	}
}

// enqueue splits the subscriber list into batches and hands them to the
// queue. Returns the batch count.
func (d *Dispatcher) enqueue(source store.StreamPath, ids []string, payload []byte, contentType string, fseq uint64) int {
	batches := 0
	for start := 0; start < len(ids); start += d.BatchSize {
		end := start + d.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		msg := BatchMessage{
			Project:       source.Project,
			SourceStream:  source.Stream,
			SubscriberIDs: ids[start:end],
			Payload:       payload,
			ContentType:   contentType,
			FanoutSeq:     fseq,
			BatchIndex:    start,
		}
		if err := d.Queue.Send(msg); err != nil {
			d.Logger.Error("fanout batch enqueue failed",
				zap.String("source", source.String()), zap.Error(err))
			continue
		}
		batches++
	}
	return batches
}

// appendToSink writes one fan-out copy to an estuary's sink stream.
func (d *Dispatcher) appendToSink(project, estuaryID string, payload []byte, contentType string, producer *engine.ProducerInfo) error {
	sink := store.StreamPath{Project: project, Stream: estuaryID}
	_, err := d.Engine.Append(engine.AppendInput{
		Path:        sink,
		Payload:     payload,
		ContentType: contentType,
		Producer:    producer,
	})
	return err
}

// FanoutProducerID names the idempotent producer for one queued dispatch.
func FanoutProducerID(source store.StreamPath, fanoutSeq uint64) string {
	return fmt.Sprintf("fanout:%s:%d", source.String(), fanoutSeq)
}
