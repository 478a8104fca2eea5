// Package pipeline performs deduplicated, backpressure-aware fan-out of
// envelopes to matched subscribers. Each subscriber owns a FIFO queue so one
// slow or paused consumer never delays the others, and every dedup entry
// owns its own cancellable expiry timer so Close can cancel them all
// deterministically.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/doriancollier/relay/errs"
	"github.com/doriancollier/relay/internal/registry"
	"github.com/doriancollier/relay/internal/schema"
)

const (
	defaultDedupWindow = time.Minute
	defaultQueueDepth  = 64
)

// FlowController lets a streaming subscriber (e.g. an SSE bridge) signal
// backpressure. A nil readiness channel means the subscriber is accepting;
// otherwise delivery to that subscriber pauses until the channel receives or
// closes.
type FlowController interface {
	Ready() <-chan struct{}
}

// Target is one delivery destination for a dispatch.
type Target struct {
	ID      string
	Handler registry.Handler
	Flow    FlowController
}

// Config sizes the pipeline.
type Config struct {
	DedupWindow time.Duration
	QueueDepth  int
	Clock       Clock
}

func (c Config) normalize() Config {
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	return c
}

type subscriberQueue struct {
	id     string
	ch     chan *schema.Envelope
	ctx    context.Context
	cancel context.CancelFunc
}

// Pipeline owns the dedup window cache and the per-subscriber queues.
type Pipeline struct {
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu     sync.Mutex
	seen   map[string]Timer
	queues map[string]*subscriberQueue
	closed bool

	closeOnce sync.Once

	dispatchCounter   metric.Int64Counter
	dedupCounter      metric.Int64Counter
	deliveryErrors    metric.Int64Counter
	fanoutHistogram   metric.Int64Histogram
	dispatchDuration  metric.Float64Histogram
	deliveryBlockedCt metric.Int64Counter
}

// New constructs a pipeline. Close must be called to release the dedup
// timers and queue workers.
func New(cfg Config, logger zerolog.Logger) *Pipeline {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:    cfg,
		logger: logger.With().Str("component", "pipeline").Logger(),
		ctx:    ctx,
		cancel: cancel,
		seen:   make(map[string]Timer),
		queues: make(map[string]*subscriberQueue),
	}

	meter := otel.Meter("relay")
	p.dispatchCounter, _ = meter.Int64Counter("relay.envelopes.dispatched",
		metric.WithDescription("Number of envelopes accepted for fan-out"),
		metric.WithUnit("{envelope}"))
	p.dedupCounter, _ = meter.Int64Counter("relay.dedup.hits",
		metric.WithDescription("Number of envelopes suppressed inside the dedup window"),
		metric.WithUnit("{envelope}"))
	p.deliveryErrors, _ = meter.Int64Counter("relay.delivery.errors",
		metric.WithDescription("Number of subscriber delivery failures"),
		metric.WithUnit("{error}"))
	p.fanoutHistogram, _ = meter.Int64Histogram("relay.fanout.size",
		metric.WithDescription("Number of subscribers per dispatch"),
		metric.WithUnit("{subscriber}"))
	p.dispatchDuration, _ = meter.Float64Histogram("relay.dispatch.duration",
		metric.WithDescription("Latency of pipeline dispatch operations"),
		metric.WithUnit("ms"))
	p.deliveryBlockedCt, _ = meter.Int64Counter("relay.delivery.blocked",
		metric.WithDescription("Number of enqueues that waited on a full subscriber queue"),
		metric.WithUnit("{envelope}"))

	return p
}

// Dispatch fans the envelope out to every target, at most once per envelope
// id within the dedup window. Each target receives its own clone so budget
// state never aliases across subscribers.
func (p *Pipeline) Dispatch(ctx context.Context, env *schema.Envelope, targets []Target) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if env == nil {
		return nil
	}
	start := p.cfg.Clock.Now()
	defer func() {
		if p.dispatchDuration != nil {
			p.dispatchDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("subject", env.Subject)))
		}
	}()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errs.New("pipeline/dispatch", errs.CodeUnavailable, errs.WithMessage("pipeline closed"))
	}
	if _, dup := p.seen[env.ID]; dup {
		p.mu.Unlock()
		if p.dedupCounter != nil {
			p.dedupCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", env.Subject)))
		}
		return nil
	}
	id := env.ID
	p.seen[id] = p.cfg.Clock.AfterFunc(p.cfg.DedupWindow, func() {
		p.expire(id)
	})

	queues := make([]*subscriberQueue, 0, len(targets))
	for _, target := range targets {
		if target.Handler == nil {
			continue
		}
		queues = append(queues, p.queueForLocked(target))
	}
	p.mu.Unlock()

	if p.fanoutHistogram != nil {
		p.fanoutHistogram.Record(ctx, int64(len(queues)),
			metric.WithAttributes(attribute.String("subject", env.Subject)))
	}
	if p.dispatchCounter != nil {
		p.dispatchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", env.Subject)))
	}

	// Enqueue concurrently so a full queue stalls only its own subscriber's
	// hand-off, never the fan-out to the others.
	var wg conc.WaitGroup
	for _, q := range queues {
		clone := env.Clone()
		wg.Go(func() {
			p.enqueue(ctx, q, clone)
		})
	}
	wg.Wait()
	return nil
}

// Release tears down the queue for a departed subscriber. Queued envelopes
// for that subscriber are dropped.
func (p *Pipeline) Release(targetID string) {
	p.mu.Lock()
	q := p.queues[targetID]
	delete(p.queues, targetID)
	p.mu.Unlock()
	if q != nil {
		q.cancel()
	}
}

// Close cancels every outstanding dedup timer and stops all subscriber
// queues. No timer fires after Close returns. Idempotent.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		for id, timer := range p.seen {
			timer.Stop()
			delete(p.seen, id)
		}
		queues := make([]*subscriberQueue, 0, len(p.queues))
		for id, q := range p.queues {
			queues = append(queues, q)
			delete(p.queues, id)
		}
		p.mu.Unlock()

		p.cancel()
		for _, q := range queues {
			q.cancel()
		}
		p.wg.Wait()
	})
}

func (p *Pipeline) expire(id string) {
	p.mu.Lock()
	delete(p.seen, id)
	p.mu.Unlock()
}

// queueForLocked returns the target's queue, starting its worker on first
// use. Callers hold p.mu.
func (p *Pipeline) queueForLocked(target Target) *subscriberQueue {
	if q, ok := p.queues[target.ID]; ok {
		return q
	}
	qctx, qcancel := context.WithCancel(p.ctx)
	q := &subscriberQueue{
		id:     target.ID,
		ch:     make(chan *schema.Envelope, p.cfg.QueueDepth),
		ctx:    qctx,
		cancel: qcancel,
	}
	p.queues[target.ID] = q

	handler := target.Handler
	flow := target.Flow
	p.wg.Go(func() {
		p.runQueue(qctx, q, handler, flow)
	})
	return q
}

// enqueue hands the envelope to the subscriber queue. A full queue blocks
// the hand-off for this subscriber only, until the worker drains a slot, the
// queue is released, or the publisher abandons the dispatch.
func (p *Pipeline) enqueue(ctx context.Context, q *subscriberQueue, env *schema.Envelope) {
	select {
	case q.ch <- env:
		return
	default:
	}

	if p.deliveryBlockedCt != nil {
		p.deliveryBlockedCt.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber", q.id)))
	}
	select {
	case q.ch <- env:
	case <-q.ctx.Done():
	case <-ctx.Done():
		p.logger.Warn().
			Str("subscriber", q.id).
			Str("subject", env.Subject).
			Msg("publisher gone before subscriber queue drained, envelope dropped")
	}
}

// runQueue delivers envelopes to one subscriber in FIFO order, honoring its
// flow control. Delivery runs under the queue's own context: the publisher's
// context ends with its Publish call and must not cancel async delivery. A
// handler error is contained here: it is logged and counted but never
// interrupts other subscribers.
func (p *Pipeline) runQueue(ctx context.Context, q *subscriberQueue, handler registry.Handler, flow FlowController) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-q.ch:
			if flow != nil {
				if ready := flow.Ready(); ready != nil {
					select {
					case <-ctx.Done():
						return
					case <-ready:
					}
				}
			}
			if err := handler(ctx, env); err != nil {
				p.logger.Warn().
					Err(err).
					Str("subscriber", q.id).
					Str("subject", env.Subject).
					Msg("subscriber delivery failed")
				if p.deliveryErrors != nil {
					p.deliveryErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber", q.id)))
				}
			}
		}
	}
}
