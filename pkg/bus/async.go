package bus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
	"github.com/nmxmxh/ultrachat-gateway/pkg/metrics"
)

// DefaultPublishQueueDepth is the per-subject queue size used when none is configured.
const DefaultPublishQueueDepth = 1024

type pendingPublish struct {
	data     any
	enqueued time.Time
}

// AsyncPublisher decouples callers from the transport. Each subject gets a bounded
// queue drained by one worker, so events of one subject leave in enqueue order.
// When a queue is full the new event is dropped and ErrPublishDropped returned.
type AsyncPublisher struct {
	pub     Publisher
	depth   int
	timeout time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	queues map[string]chan pendingPublish
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncPublisher creates a publisher in front of pub.
func NewAsyncPublisher(pub Publisher, depth int, timeout time.Duration, log *zap.Logger) *AsyncPublisher {
	if depth <= 0 {
		depth = DefaultPublishQueueDepth
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AsyncPublisher{
		pub:     pub,
		depth:   depth,
		timeout: timeout,
		log:     log.With(zap.String("module", "async_publisher")),
		queues:  make(map[string]chan pendingPublish),
	}
}

// Publish enqueues data for subject without waiting for the transport.
func (p *AsyncPublisher) Publish(_ context.Context, subject string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.Wrap(errors.ErrPublishDropped, "publisher closed")
	}
	q, ok := p.queues[subject]
	if !ok {
		q = make(chan pendingPublish, p.depth)
		p.queues[subject] = q
		p.wg.Add(1)
		go p.worker(subject, q)
	}

	select {
	case q <- pendingPublish{data: data, enqueued: time.Now()}:
		metrics.PublishQueueDepth.WithLabelValues(subject).Inc()
		return nil
	default:
		metrics.PublishDropped.WithLabelValues(subject).Inc()
		p.log.Warn("Publish queue full, dropping event", zap.String("subject", subject), zap.Int("depth", p.depth))
		return errors.ErrPublishDropped
	}
}

func (p *AsyncPublisher) worker(subject string, q <-chan pendingPublish) {
	defer p.wg.Done()
	for item := range q {
		metrics.PublishQueueDepth.WithLabelValues(subject).Dec()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.pub.Publish(ctx, subject, item.data); err != nil {
			p.log.Error("Failed to publish event",
				zap.String("subject", subject),
				zap.Duration("queued_for", time.Since(item.enqueued)),
				zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to flush or ctx to end.
func (p *AsyncPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, q := range p.queues {
			close(q)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
