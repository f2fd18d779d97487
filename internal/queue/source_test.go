package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jviau/durabletask-go/internal/corelog"
	"github.com/jviau/durabletask-go/internal/history"
)

// fakeTransport scripts Receive results so the Source loop can be exercised
// without a real queue.
type fakeTransport struct {
	mu        sync.Mutex
	batches   [][]RawMessage
	abandoned []struct {
		msg   RawMessage
		delay time.Duration
	}
	receiveErr error
	errOnce    bool
}

func (f *fakeTransport) EnsureQueue(context.Context, string) error { return nil }

func (f *fakeTransport) Send(context.Context, string, Envelope, time.Duration) error { return nil }

func (f *fakeTransport) Receive(ctx context.Context, _ string, maxMessages int, _ time.Duration) ([]RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiveErr != nil {
		err := f.receiveErr
		if f.errOnce {
			f.receiveErr = nil
		}
		return nil, err
	}
	if len(f.batches) == 0 {
		return nil, ctx.Err()
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	if len(batch) > maxMessages {
		t := batch[maxMessages:]
		f.batches = append([][]RawMessage{t}, f.batches...)
		batch = batch[:maxMessages]
	}
	return batch, nil
}

func (f *fakeTransport) Complete(context.Context, string, RawMessage) error { return nil }

func (f *fakeTransport) Abandon(_ context.Context, _ string, msg RawMessage, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, struct {
		msg   RawMessage
		delay time.Duration
	}{msg, delay})
	return nil
}

func (f *fakeTransport) RenewLock(_ context.Context, _ string, msg RawMessage, _ time.Duration) (RawMessage, error) {
	msg.PopReceipt = "renewed"
	return msg, nil
}

func rawMsg(id string, dequeueCount int) RawMessage {
	return RawMessage{
		Envelope: Envelope{ID: id, Message: history.Event{
			Kind: history.KindOrchestratorStarted, Timestamp: time.Now().UTC(),
		}},
		MessageID:    id,
		DequeueCount: dequeueCount,
	}
}

func TestSourceDeliversWorkItems(t *testing.T) {
	ft := &fakeTransport{batches: [][]RawMessage{{rawMsg("m1", 1), rawMsg("m2", 1)}}}
	src := NewSource(ft, SourceConfig{
		QueueName: "q", Kind: KindOrchestration, MaxInFlight: 4, VisibilityTimeout: time.Second,
	}, corelog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = src.Run(ctx) }()

	var got []WorkItem
	for i := 0; i < 2; i++ {
		select {
		case item := <-src.Reader():
			got = append(got, item)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for work item")
		}
	}
	if got[0].InstanceID() != "m1" || got[1].InstanceID() != "m2" {
		t.Fatalf("unexpected items: %v, %v", got[0].InstanceID(), got[1].InstanceID())
	}
	if got[0].Kind != KindOrchestration {
		t.Fatalf("kind not propagated: %s", got[0].Kind)
	}
}

func TestSourcePoisonMessageAbandonedWithMaxDelay(t *testing.T) {
	ft := &fakeTransport{batches: [][]RawMessage{{rawMsg("poison", 31), rawMsg("ok", 1)}}}
	src := NewSource(ft, SourceConfig{
		QueueName: "q", Kind: KindOrchestration, MaxInFlight: 4, VisibilityTimeout: time.Second,
	}, corelog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = src.Run(ctx) }()

	select {
	case item := <-src.Reader():
		if item.InstanceID() != "ok" {
			t.Fatalf("poison message leaked to the reader: %s", item.InstanceID())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.abandoned) != 1 {
		t.Fatalf("expected 1 abandoned message, got %d", len(ft.abandoned))
	}
	if ft.abandoned[0].msg.MessageID != "poison" {
		t.Fatalf("wrong message abandoned: %s", ft.abandoned[0].msg.MessageID)
	}
	if ft.abandoned[0].delay != 10*time.Minute {
		t.Fatalf("expected max visibility delay, got %v", ft.abandoned[0].delay)
	}
}

func TestSourceRecoversFromReceiveError(t *testing.T) {
	ft := &fakeTransport{
		batches:    [][]RawMessage{{rawMsg("after-error", 1)}},
		receiveErr: errors.New("transient"),
		errOnce:    true,
	}
	src := NewSource(ft, SourceConfig{
		QueueName: "q", Kind: KindActivity, MaxInFlight: 4,
		VisibilityTimeout: time.Second,
		ReceiveBackoff:    10 * time.Millisecond,
	}, corelog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = src.Run(ctx) }()

	select {
	case item := <-src.Reader():
		if item.InstanceID() != "after-error" {
			t.Fatalf("unexpected item %s", item.InstanceID())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("source did not recover from receive error")
	}
}

func TestWorkItemRenewLock(t *testing.T) {
	ft := &fakeTransport{}
	item := NewWorkItem(KindActivity, "q", ft, rawMsg("m1", 1))

	ok, expires, err := item.TryRenewLock(context.Background(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("renew failed: ok=%v err=%v", ok, err)
	}
	if time.Until(expires) <= 0 {
		t.Fatalf("expiry not in the future: %v", expires)
	}
	if item.raw.PopReceipt != "renewed" {
		t.Fatal("renewed receipt not retained on the item")
	}
}

func TestSourceStopsCleanly(t *testing.T) {
	ft := &fakeTransport{}
	src := NewSource(ft, SourceConfig{
		QueueName: "q", Kind: KindActivity, MaxInFlight: 2, VisibilityTimeout: time.Second,
	}, corelog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error on cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("source did not stop")
	}

	if _, open := <-src.Reader(); open {
		t.Fatal("reader not closed after stop")
	}
}
