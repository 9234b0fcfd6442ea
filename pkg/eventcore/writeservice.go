package eventcore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chainledger/eventcore/pkg/aggregate"
	"github.com/chainledger/eventcore/pkg/observability"
)

// DefaultTransportCapBytes is the default per-chunk delivery byte budget.
// Backends cap a single deliver(batch) call at roughly this
// size so a NATS/HTTP transport never has to buffer an unbounded payload.
const DefaultTransportCapBytes = 1 << 20 // 1 MiB

// WriteService implements the save protocol: persist, refresh
// snapshot state, then decide between an inline fast-path delivery and a
// backgrounded strict drain with exponential backoff, coalescing concurrent
// saves onto a single in-flight drain.
type WriteService struct {
	storage           StorageAdapter
	deliver           DeliverFunc
	transportCapBytes int
	logger            *slog.Logger
	retry             *RetryTimer
	metrics           *observability.Metrics

	mu            sync.Mutex
	drainInFlight bool
	drainWaiters  []chan error
}

// WriteServiceOption configures a WriteService at construction time.
type WriteServiceOption func(*WriteService)

// WithTransportCapBytes overrides DefaultTransportCapBytes.
func WithTransportCapBytes(n int) WriteServiceOption {
	return func(w *WriteService) { w.transportCapBytes = n }
}

// WithWriteLogger overrides the default logger.
func WithWriteLogger(logger *slog.Logger) WriteServiceOption {
	return func(w *WriteService) { w.logger = logger }
}

// WithRetryTimer overrides the default backoff schedule.
func WithRetryTimer(retry *RetryTimer) WriteServiceOption {
	return func(w *WriteService) { w.retry = retry }
}

// WithWriteMetrics attaches metric instruments recorded by Save and Drain,
// and wraps deliver so every outbox chunk handoff to the transport is timed
// and byte-counted. A nil m leaves the WriteService without metrics, matching
// the teacher's graceful-degradation pattern for optional telemetry.
func WithWriteMetrics(m *observability.Metrics) WriteServiceOption {
	return func(w *WriteService) {
		if m == nil {
			return
		}
		w.metrics = m
		orig := w.deliver
		w.deliver = func(ctx context.Context, batch []WireRecord) error {
			start := time.Now()
			err := orig(ctx, batch)
			byteCount := 0
			for _, rec := range batch {
				byteCount += len(rec.Payload)
			}
			m.RecordDeliver(ctx, "outbox", time.Since(start), len(batch), byteCount, err)
			return err
		}
	}
}

// NewWriteService builds a WriteService over storage, delivering batches via deliver.
func NewWriteService(storage StorageAdapter, deliver DeliverFunc, opts ...WriteServiceOption) *WriteService {
	w := &WriteService{
		storage:           storage,
		deliver:           deliver,
		transportCapBytes: DefaultTransportCapBytes,
		logger:            slog.Default(),
		retry:             NewRetryTimer(DefaultBase, DefaultMultiplier, DefaultCap),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Save implements the save protocol: persist the aggregates' unsaved events
// and outbox rows, snapshot any aggregate that asks for it, then either
// deliver inline (nothing was backlogged ahead of this write) or hand the
// backlog to a coalesced, retried drain.
func (w *WriteService) Save(ctx context.Context, aggregates []aggregate.Aggregate) (err error) {
	if w.metrics != nil {
		start := time.Now()
		eventCount := 0
		for _, agg := range aggregates {
			eventCount += len(agg.GetUnsavedEvents())
		}
		defer func() { w.metrics.RecordSave(ctx, time.Since(start), eventCount, err) }()
	}

	result, err := w.storage.PersistAggregatesAndOutbox(ctx, aggregates)
	if err != nil {
		return err
	}

	for _, agg := range aggregates {
		if !agg.CanMakeSnapshot() {
			continue
		}
		height := int64(0)
		if h := agg.LastBlockHeight(); h != nil {
			height = *h
		}
		if err := w.storage.CreateSnapshot(ctx, agg, height, SnapshotOptions{
			MinKeep:    agg.GetSnapshotRetention().MinKeep,
			KeepWindow: agg.GetSnapshotRetention().KeepWindow,
		}); err != nil {
			w.logger.Warn("snapshot write failed", "aggregate", agg.AggregateID(), "error", err)
		}
	}

	if len(result.InsertedOutboxIDs) == 0 {
		return nil
	}

	hadBacklog, err := w.storage.HasBacklogBefore(ctx, result.FirstTs, result.FirstID)
	if err != nil {
		return err
	}

	if !hadBacklog {
		if err := w.deliver(ctx, result.RawEvents); err == nil {
			if err := w.storage.DeleteOutboxByIDs(ctx, result.InsertedOutboxIDs); err == nil {
				if more, err := w.storage.HasAnyPendingAfterWatermark(ctx); err == nil && !more {
					return nil
				}
				w.logger.Debug("fast-path batch delivered, backlog remains", "delivered", len(result.InsertedOutboxIDs))
			} else {
				w.logger.Warn("fast-path ack delete failed, falling back to strict drain", "error", err)
			}
		} else {
			w.logger.Warn("fast-path delivery failed, falling back to strict drain", "error", err)
		}
	}

	return w.triggerDrain(ctx)
}

// triggerDrain coalesces concurrent callers onto a single in-flight drain
// loop.
func (w *WriteService) triggerDrain(ctx context.Context) error {
	w.mu.Lock()
	if w.drainInFlight {
		done := make(chan error, 1)
		w.drainWaiters = append(w.drainWaiters, done)
		w.mu.Unlock()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.drainInFlight = true
	w.mu.Unlock()

	err := w.drainLoop(ctx)

	w.mu.Lock()
	waiters := w.drainWaiters
	w.drainWaiters = nil
	w.drainInFlight = false
	w.mu.Unlock()
	for _, done := range waiters {
		done <- err
	}
	return err
}

// drainLoop repeatedly fetches, delivers, and ACKs chunks until the outbox
// has nothing left past the watermark, retrying failed attempts with
// exponential backoff.
func (w *WriteService) drainLoop(ctx context.Context) error {
	for {
		pending, err := w.storage.HasAnyPendingAfterWatermark(ctx)
		if err != nil {
			return err
		}
		if !pending {
			w.retry.Reset()
			return nil
		}

		n, err := w.storage.FetchDeliverAckChunk(ctx, w.transportCapBytes, w.deliver)
		if err != nil {
			w.logger.Warn("drain attempt failed, backing off", "error", err, "next_interval", w.retry.Current())
			if waitErr := w.retry.Wait(ctx); waitErr != nil {
				return waitErr
			}
			w.retry.Backoff()
			continue
		}

		w.retry.Reset()
		if n == 0 {
			return nil
		}
	}
}

// Drain forces a strict drain of the entire outbox backlog, used by callers
// (e.g. the runner.Service delivery loop) that want to retry independent of
// any write having just happened.
func (w *WriteService) Drain(ctx context.Context) error {
	return w.triggerDrain(ctx)
}

// RetryTimerSnapshot exposes the current backoff interval for health checks.
func (w *WriteService) RetryTimerSnapshot() *RetryTimer {
	return w.retry
}
