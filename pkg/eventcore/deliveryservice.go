package eventcore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval is how often DeliveryService nudges a drain even when
// no Save call has triggered one, so a backlog left over from a prior crash
// eventually gets flushed.
const DefaultPollInterval = 5 * time.Second

// DeliveryService adapts WriteService's drain loop to the runner.Service /
// runner.HealthChecker interfaces, so the outbox drain can be managed by the
// same process lifecycle runner as every other service.
type DeliveryService struct {
	write    *WriteService
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	lastErr error
}

// DeliveryServiceOption configures a DeliveryService at construction time.
type DeliveryServiceOption func(*DeliveryService)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) DeliveryServiceOption {
	return func(s *DeliveryService) { s.interval = d }
}

// WithDeliveryLogger overrides the default logger.
func WithDeliveryLogger(logger *slog.Logger) DeliveryServiceOption {
	return func(s *DeliveryService) { s.logger = logger }
}

// NewDeliveryService builds a DeliveryService driving write's drain loop.
func NewDeliveryService(write *WriteService, opts ...DeliveryServiceOption) *DeliveryService {
	s := &DeliveryService{write: write, interval: DefaultPollInterval, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements runner.Service.
func (s *DeliveryService) Name() string { return "eventcore-outbox-delivery" }

// Start implements runner.Service: it launches the polling loop in the
// background and returns once the first drain attempt has happened, so
// callers can observe a failed initial drain without racing the ticker.
func (s *DeliveryService) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	if err := s.tick(ctx); err != nil {
		s.logger.Warn("initial outbox drain failed, retry timer will continue", "error", err)
	}

	go s.loop(runCtx)
	return nil
}

func (s *DeliveryService) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Warn("outbox drain failed", "error", err)
			}
		}
	}
}

func (s *DeliveryService) tick(ctx context.Context) error {
	err := s.write.Drain(ctx)
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	return err
}

// Stop implements runner.Service.
func (s *DeliveryService) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HealthCheck implements runner.HealthChecker: unhealthy once the retry
// timer has backed off all the way to its cap, meaning the last several
// drain attempts in a row have failed.
func (s *DeliveryService) HealthCheck(ctx context.Context) error {
	if s.write.RetryTimerSnapshot().AtCap() {
		s.mu.Lock()
		err := s.lastErr
		s.mu.Unlock()
		if err == nil {
			return fmt.Errorf("eventcore: delivery backed off to retry cap")
		}
		return fmt.Errorf("eventcore: delivery backed off to retry cap: %w", err)
	}
	return nil
}
