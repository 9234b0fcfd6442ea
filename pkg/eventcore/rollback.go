package eventcore

import (
	"context"
	"log/slog"

	"github.com/chainledger/eventcore/pkg/aggregate"
	"github.com/chainledger/eventcore/pkg/observability"
)

// RollbackService implements the reorg rollback protocol: clear
// the read cache, delete everything above the pivot height, restore the
// untouched aggregates at the pivot, and optionally persist aggregates that
// were rebuilt with a corrected history.
type RollbackService struct {
	storage StorageAdapter
	read    *ReadService
	write   *WriteService
	logger  *slog.Logger
	metrics *observability.Metrics
}

// RollbackServiceOption configures a RollbackService at construction time.
type RollbackServiceOption func(*RollbackService)

// WithRollbackLogger overrides the default logger.
func WithRollbackLogger(logger *slog.Logger) RollbackServiceOption {
	return func(r *RollbackService) { r.logger = logger }
}

// WithRollbackMetrics attaches metric instruments recorded by Rollback.
func WithRollbackMetrics(m *observability.Metrics) RollbackServiceOption {
	return func(r *RollbackService) { r.metrics = m }
}

// NewRollbackService builds a RollbackService wired to the same storage, read, and write services.
func NewRollbackService(storage StorageAdapter, read *ReadService, write *WriteService, opts ...RollbackServiceOption) *RollbackService {
	r := &RollbackService{storage: storage, read: read, write: write, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rollback implements reorg protocol. models is every aggregate
// affected by the reorg; modelsToSave is the subset (possibly empty) whose
// caller has already rebuilt a corrected, unsaved history on top of the
// pivot and wants it persisted in the same operation.
func (r *RollbackService) Rollback(ctx context.Context, models []aggregate.Aggregate, blockHeight int64, modelsToSave []aggregate.Aggregate) (err error) {
	if r.metrics != nil {
		defer func() { r.metrics.RecordRollback(ctx, err) }()
	}

	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.AggregateID()
		r.read.InvalidateCache(m.AggregateID())
	}

	if err := r.storage.RollbackAggregates(ctx, ids, blockHeight); err != nil {
		return err
	}

	saving := make(map[string]bool, len(modelsToSave))
	for _, m := range modelsToSave {
		saving[m.AggregateID()] = true
	}

	for _, m := range models {
		if saving[m.AggregateID()] {
			continue
		}
		if err := r.storage.RestoreExactStateAtHeight(ctx, m, blockHeight); err != nil {
			r.logger.Error("restore after rollback failed", "aggregate", m.AggregateID(), "error", err)
			return err
		}
	}

	if len(modelsToSave) == 0 {
		return nil
	}
	return r.write.Save(ctx, modelsToSave)
}
