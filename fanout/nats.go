package fanout

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// DefaultNATSSubject carries fan-out batches.
	DefaultNATSSubject = "estuary.fanout.batches"

	// natsQueueGroup makes NATS deliver each batch to one worker.
	natsQueueGroup = "estuary-fanout-workers"
)

// NATSQueue sends fan-out batches over a NATS subject.
type NATSQueue struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSQueue connects to a NATS server. An empty subject selects the
// default.
func NewNATSQueue(url, subject string, logger *zap.Logger) (*NATSQueue, error) {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSQueue{conn: conn, subject: subject, logger: logger}, nil
}

func (q *NATSQueue) Send(msg BatchMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.conn.Publish(q.subject, raw)
}

func (q *NATSQueue) Close() error {
	return q.conn.Drain()
}

// Subscribe starts a queue-group consumer that feeds batches to handler.
// Handler errors are logged; redelivery safety comes from the consumer's
// idempotent producer headers, so failed batches are not re-queued here.
func (q *NATSQueue) Subscribe(handler func(BatchMessage)) (*nats.Subscription, error) {
	return q.conn.QueueSubscribe(q.subject, natsQueueGroup, func(m *nats.Msg) {
		var msg BatchMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			q.logger.Error("undecodable fanout batch", zap.Error(err))
			return
		}
		handler(msg)
	})
}
