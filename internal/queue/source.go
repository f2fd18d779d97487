package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jviau/durabletask-go/internal/corelog"
)

// batchCap is the maximum messages requested per Receive call.
const batchCap = 32

// SourceConfig configures a Source's polling behavior.
type SourceConfig struct {
	// QueueName is the backing queue this source reads from.
	QueueName string
	// Kind labels the WorkItems this source produces.
	Kind Kind
	// MaxInFlight bounds how many leased-but-undelivered work items the
	// source will hold in its reader channel plus in leased-receive-flight.
	MaxInFlight int
	// VisibilityTimeout is the lease duration granted on receive.
	VisibilityTimeout time.Duration
	// PoisonThreshold is the dequeue count above which a message is
	// abandoned with MaxVisibilityDelay instead of redelivered.
	PoisonThreshold int
	// MaxVisibilityDelay is the abandon-delay applied to poison messages.
	// Default 10 minutes. It does not bound ReceiveBackoff.
	MaxVisibilityDelay time.Duration
	// ReceiveBackoff is the fixed delay after a transient receive error
	// before retrying.
	ReceiveBackoff time.Duration
}

func (c SourceConfig) receiveBackoff() time.Duration {
	if c.ReceiveBackoff > 0 {
		return c.ReceiveBackoff
	}
	return 5 * time.Second
}

func (c SourceConfig) maxVisibilityDelay() time.Duration {
	if c.MaxVisibilityDelay > 0 {
		return c.MaxVisibilityDelay
	}
	return 10 * time.Minute
}

func (c SourceConfig) poisonThreshold() int {
	if c.PoisonThreshold > 0 {
		return c.PoisonThreshold
	}
	return 30
}

// WorkItem is a leased unit of worker input decoded from a RawMessage. It
// carries the capability to complete, abandon, or renew its own lease via
// Complete, Abandon, and TryRenewLock.
type WorkItem struct {
	Kind     Kind
	Envelope Envelope

	transport Transport
	queueName string
	raw       RawMessage
}

// NewWorkItem binds a received message to the transport lease it was
// leased under, producing a WorkItem a runner can complete, abandon, or
// renew. Sources call this for every decoded message; tests use it to
// drive runners without a Source.
func NewWorkItem(kind Kind, queueName string, transport Transport, raw RawMessage) WorkItem {
	return WorkItem{
		Kind:      kind,
		Envelope:  raw.Envelope,
		transport: transport,
		queueName: queueName,
		raw:       raw,
	}
}

// InstanceID is the instance this work item targets.
func (w WorkItem) InstanceID() string { return w.Envelope.ID }

// DequeueCount is how many times this message has been delivered.
func (w WorkItem) DequeueCount() int { return w.raw.DequeueCount }

// Complete deletes the underlying message, releasing its lease; the last
// step of a turn commit.
func (w WorkItem) Complete(ctx context.Context) error {
	return w.transport.Complete(ctx, w.queueName, w.raw)
}

// Abandon makes the underlying message visible again after delay without
// deleting it, so redelivery can retry.
func (w WorkItem) Abandon(ctx context.Context, delay time.Duration) error {
	return w.transport.Abandon(ctx, w.queueName, w.raw, delay)
}

// TryRenewLock extends the work item's visibility timeout by timeout so a
// runner can keep its lease alive during long work.
func (w *WorkItem) TryRenewLock(ctx context.Context, timeout time.Duration) (bool, time.Time, error) {
	renewed, err := w.transport.RenewLock(ctx, w.queueName, w.raw, timeout)
	if err != nil {
		return false, time.Time{}, err
	}
	w.raw = renewed
	return true, time.Now().Add(timeout), nil
}

// Source polls one queue, leases messages, and exposes them on a bounded
// channel. Receive volume is throttled by the downstream reader: the
// source only asks the transport for as many messages as it has free
// in-flight slots.
type Source struct {
	transport Transport
	cfg       SourceConfig
	log       *corelog.Logger

	reader  chan WorkItem
	inFlight chan struct{}
}

// NewSource returns a Source that will read from transport once Run starts.
func NewSource(transport Transport, cfg SourceConfig, log *corelog.Logger) *Source {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = batchCap
	}
	return &Source{
		transport: transport,
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "queue_source"), zap.String("queue", cfg.QueueName)),
		reader:    make(chan WorkItem, maxInFlight),
		inFlight:  make(chan struct{}, maxInFlight),
	}
}

// Reader returns the channel WorkItems are published to.
func (s *Source) Reader() <-chan WorkItem { return s.reader }

// Run ensures the backing queue exists, then loops receiving and decoding
// messages until ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	if err := s.transport.EnsureQueue(ctx, s.cfg.QueueName); err != nil {
		return err
	}
	defer close(s.reader)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		want := cap(s.inFlight) - len(s.inFlight)
		if want <= 0 {
			// Downstream isn't accepting; wait briefly before checking again.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if want > batchCap {
			want = batchCap
		}

		msgs, err := s.transport.Receive(ctx, s.cfg.QueueName, want, s.cfg.VisibilityTimeout)
		if err != nil {
			s.log.Warn("receive failed, backing off", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.receiveBackoff()):
			}
			continue
		}

		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		for _, msg := range msgs {
			if msg.DequeueCount > s.cfg.poisonThreshold() {
				s.log.Warn("poison message, abandoning for operator intervention",
					zap.String("instance_id", msg.Envelope.ID),
					zap.Int("dequeue_count", msg.DequeueCount),
				)
				if err := s.transport.Abandon(ctx, s.cfg.QueueName, msg, s.cfg.maxVisibilityDelay()); err != nil {
					s.log.Error("failed to abandon poison message", zap.Error(err))
				}
				continue
			}

			item := NewWorkItem(s.cfg.Kind, s.cfg.QueueName, s.transport, msg)

			select {
			case s.inFlight <- struct{}{}:
			case <-ctx.Done():
				return nil
			}

			select {
			case s.reader <- item:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Release frees one in-flight slot, called by the dispatcher once a work
// item has been completed or abandoned.
func (s *Source) Release() {
	select {
	case <-s.inFlight:
	default:
	}
}
