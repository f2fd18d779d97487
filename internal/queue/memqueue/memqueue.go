// Package memqueue is an in-process queue.Transport for local
// development, single-process demos, and unit tests. It implements the
// full leased receive/complete/abandon shape, including visibility
// delays and dequeue counting, so poison-message and redelivery paths
// behave the same as against a real broker.
package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jviau/durabletask-go/internal/queue"
)

type pending struct {
	msg       queue.RawMessage
	visibleAt time.Time
}

// Transport is an in-memory queue.Transport. Each named queue is a slice
// of pending messages in send order, guarded by a mutex; Receive scans it
// front to back for visible messages. Not durable across process restarts.
type Transport struct {
	mu     sync.Mutex
	queues map[string][]*pending
	cond   *sync.Cond
}

// New returns an empty in-memory Transport.
func New() *Transport {
	t := &Transport{queues: make(map[string][]*pending)}
	t.cond = sync.NewCond(&t.mu)
	return t
}

var _ queue.Transport = (*Transport)(nil)

func (t *Transport) EnsureQueue(_ context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.queues[name]; !ok {
		t.queues[name] = nil
	}
	return nil
}

func (t *Transport) Send(_ context.Context, queueName string, env queue.Envelope, delay time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.queues[queueName] = append(t.queues[queueName], &pending{
		msg: queue.RawMessage{
			Envelope:  env,
			MessageID: uuid.NewString(),
		},
		visibleAt: time.Now().Add(delay),
	})
	t.cond.Broadcast()
	return nil
}

func (t *Transport) Receive(ctx context.Context, queueName string, maxMessages int, visibilityTimeout time.Duration) ([]queue.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []queue.RawMessage
	now := time.Now()
	for _, p := range t.queues[queueName] {
		if len(out) >= maxMessages {
			break
		}
		if p.visibleAt.After(now) {
			continue
		}
		p.msg.DequeueCount++
		p.visibleAt = now.Add(visibilityTimeout)
		p.msg.PopReceipt = uuid.NewString()
		out = append(out, p.msg)
	}
	return out, ctx.Err()
}

func (t *Transport) Complete(_ context.Context, queueName string, msg queue.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	items := t.queues[queueName]
	for i, p := range items {
		if p.msg.MessageID == msg.MessageID {
			t.queues[queueName] = append(items[:i], items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (t *Transport) Abandon(_ context.Context, queueName string, msg queue.RawMessage, delay time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.queues[queueName] {
		if p.msg.MessageID == msg.MessageID {
			p.visibleAt = time.Now().Add(delay)
			return nil
		}
	}
	return nil
}

func (t *Transport) RenewLock(_ context.Context, queueName string, msg queue.RawMessage, visibilityTimeout time.Duration) (queue.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.queues[queueName] {
		if p.msg.MessageID == msg.MessageID {
			p.visibleAt = time.Now().Add(visibilityTimeout)
			p.msg.PopReceipt = uuid.NewString()
			return p.msg, nil
		}
	}
	return msg, nil
}
