// Package natsqueue implements queue.Transport over NATS JetStream, the
// concrete, swappable queue transport binding for orchestration and
// activity queues. A durable pull consumer per queue gives lease
// semantics: AckWait acts as the visibility timeout, explicit Ack/Nak
// stand in for complete/abandon, and JetStream's delivery-count metadata
// stands in for DequeueCount.
package natsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/jviau/durabletask-go/internal/corelog"
	"github.com/jviau/durabletask-go/internal/queue"
)

// Config holds the connection settings used to dial NATS.
type Config struct {
	URL           string
	ClientID      string
	MaxReconnects int
}

// Transport is a JetStream-backed queue.Transport.
type Transport struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *corelog.Logger

	pendingAcks ackTable
}

// ackTable tracks in-flight JetStream messages keyed by their unique
// ack-reply subject, so Complete/Abandon/RenewLock (which only see the
// RawMessage, not the original *nats.Msg) can find the message to ack.
type ackTable struct {
	mu sync.Mutex
	m  map[string]*nats.Msg
}

func (t *ackTable) store(key string, msg *nats.Msg) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		t.m = make(map[string]*nats.Msg)
	}
	t.m[key] = msg
}

func (t *ackTable) load(key string) (*nats.Msg, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.m[key]
	return m, ok
}

func (t *ackTable) delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, key)
}

var _ queue.Transport = (*Transport)(nil)

// Connect dials NATS and obtains a JetStream context, logging
// disconnect/reconnect/closed transitions through the structured logger.
func Connect(cfg Config, log *corelog.Logger) (*Transport, error) {
	log = log.WithFields(zap.String("component", "natsqueue"))

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subj := ""
			if sub != nil {
				subj = sub.Subject
			}
			log.Error("NATS error", zap.Error(err), zap.String("subject", subj))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsqueue: connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("natsqueue: jetstream context: %w", err)
	}

	log.Info("connected to NATS JetStream", zap.String("url", cfg.URL))
	return &Transport{conn: conn, js: js, log: log}, nil
}

// Close drains and closes the underlying connection.
func (t *Transport) Close() {
	if t.conn == nil {
		return
	}
	if err := t.conn.Drain(); err != nil {
		t.log.Warn("error draining NATS connection", zap.Error(err))
		t.conn.Close()
	}
}

func streamName(queueName string) string { return "DURABLETASK_" + queueName }

func (t *Transport) EnsureQueue(_ context.Context, name string) error {
	stream := streamName(name)
	_, err := t.js.StreamInfo(stream)
	if err == nil {
		return nil
	}
	_, err = t.js.AddStream(&nats.StreamConfig{
		Name:     stream,
		Subjects: []string{name},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("natsqueue: ensure queue %q: %w", name, err)
	}
	return nil
}

func (t *Transport) Send(_ context.Context, queueName string, env queue.Envelope, delay time.Duration) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("natsqueue: marshal envelope: %w", err)
	}
	if delay > 0 {
		// JetStream has no native publish-delay, so the message is
		// published immediately and the delay is only logged. Delayed
		// sends (durable timers, delayed starts) are therefore delivered
		// early on this transport; the orchestration executor re-checks a
		// TimerFired's recorded fire time when it is delivered.
		t.log.Warn("natsqueue: Send delay is not natively supported, publishing immediately",
			zap.Duration("delay", delay))
	}
	_, err = t.js.Publish(queueName, body)
	if err != nil {
		return fmt.Errorf("natsqueue: publish: %w", err)
	}
	return nil
}

func consumerName(queueName string) string { return "durabletask-" + queueName }

func (t *Transport) subscription(queueName string, visibilityTimeout time.Duration) (*nats.Subscription, error) {
	stream := streamName(queueName)
	durable := consumerName(queueName)
	return t.js.PullSubscribe(queueName, durable,
		nats.BindStream(stream),
		nats.AckWait(visibilityTimeout),
		nats.ManualAck(),
	)
}

func (t *Transport) Receive(ctx context.Context, queueName string, maxMessages int, visibilityTimeout time.Duration) ([]queue.RawMessage, error) {
	sub, err := t.subscription(queueName, visibilityTimeout)
	if err != nil {
		return nil, fmt.Errorf("natsqueue: subscribe %q: %w", queueName, err)
	}

	msgs, err := sub.Fetch(maxMessages, nats.Context(ctx))
	if err != nil {
		if err == nats.ErrTimeout {
			return nil, nil
		}
		return nil, fmt.Errorf("natsqueue: fetch: %w", err)
	}

	out := make([]queue.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		var env queue.Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			t.log.Error("natsqueue: failed to decode envelope, nak-ing", zap.Error(err))
			_ = m.Nak()
			continue
		}
		meta, _ := m.Metadata()
		dequeueCount := 1
		if meta != nil {
			dequeueCount = int(meta.NumDelivered)
		}
		out = append(out, queue.RawMessage{
			Envelope:     env,
			MessageID:    m.Reply, // JetStream ack-subject uniquely identifies this delivery
			DequeueCount: dequeueCount,
			PopReceipt:   m.Reply,
		})
		t.pendingAcks.store(m.Reply, m)
	}
	return out, nil
}

func (t *Transport) Complete(_ context.Context, _ string, msg queue.RawMessage) error {
	m, ok := t.pendingAcks.load(msg.PopReceipt)
	if !ok {
		return nil
	}
	defer t.pendingAcks.delete(msg.PopReceipt)
	return m.Ack()
}

func (t *Transport) Abandon(_ context.Context, _ string, msg queue.RawMessage, delay time.Duration) error {
	m, ok := t.pendingAcks.load(msg.PopReceipt)
	if !ok {
		return nil
	}
	defer t.pendingAcks.delete(msg.PopReceipt)
	return m.NakWithDelay(delay)
}

func (t *Transport) RenewLock(_ context.Context, _ string, msg queue.RawMessage, visibilityTimeout time.Duration) (queue.RawMessage, error) {
	m, ok := t.pendingAcks.load(msg.PopReceipt)
	if !ok {
		return msg, nil
	}
	if err := m.InProgress(); err != nil {
		return msg, fmt.Errorf("natsqueue: renew lock: %w", err)
	}
	return msg, nil
}
