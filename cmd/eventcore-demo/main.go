// Command eventcore-demo wires every package in this module together end to
// end: an embedded SQLite store, the write/read/rollback services, an
// in-process NATS transport, and the runner-managed outbox delivery loop.
// It appends a handful of events to a toy chain-tip aggregate, rolls one
// back to simulate a reorg, and logs each appended block and the tip state
// before and after the rollback.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/chainledger/eventcore/pkg/aggregate"
	"github.com/chainledger/eventcore/pkg/eventcore"
	"github.com/chainledger/eventcore/pkg/idgen"
	"github.com/chainledger/eventcore/pkg/observability"
	"github.com/chainledger/eventcore/pkg/runner"
	"github.com/chainledger/eventcore/pkg/storage/embedded"
	"github.com/chainledger/eventcore/pkg/transport"
	natstransport "github.com/chainledger/eventcore/pkg/transport/nats"
)

func main() {
	if err := run(); err != nil {
		slog.Error("eventcore-demo failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()
	logger := slog.Default()

	reader := sdkmetric.NewManualReader()
	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:    "eventcore-demo",
		ServiceVersion: "0.0.0",
		Environment:    "dev",
		MetricReader:   reader,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("observability init: %w", err)
	}
	defer tel.Shutdown(ctx)

	dbPath := fmt.Sprintf("%s/eventcore-demo.db", os.TempDir())
	store, err := embedded.Open(ctx, dbPath, embedded.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open embedded store: %w", err)
	}
	defer store.Close()

	natsSrv, err := natstransport.StartEmbeddedServer()
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	defer natsSrv.Shutdown()

	stopResponder, err := natsSrv.Responder(natstransport.DefaultSubject, func(data []byte) []byte {
		return []byte(`{"ok":true}`)
	})
	if err != nil {
		return fmt.Errorf("register demo responder: %w", err)
	}
	defer stopResponder()

	pub, err := natstransport.Connect(natsSrv.URL())
	if err != nil {
		return fmt.Errorf("connect publisher: %w", err)
	}
	defer pub.Close()

	var publisher transport.Publisher = pub
	publisher = transport.Instrument(publisher, tel, natstransport.DefaultSubject)

	write := eventcore.NewWriteService(store, publisher.DeliverBatch,
		eventcore.WithWriteLogger(logger),
		eventcore.WithWriteMetrics(tel.Metrics))
	read := eventcore.NewReadService(store,
		eventcore.WithReadLogger(logger),
		eventcore.WithReadMetrics(tel.Metrics))
	rollback := eventcore.NewRollbackService(store, read, write,
		eventcore.WithRollbackLogger(logger),
		eventcore.WithRollbackMetrics(tel.Metrics))

	delivery := eventcore.NewDeliveryService(write,
		eventcore.WithPollInterval(2*time.Second),
		eventcore.WithDeliveryLogger(logger))

	rnr := runner.New([]runner.Service{delivery}, runner.WithLogger(slogRunnerLogger{logger}))
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		if err := rnr.Run(runCtx); err != nil {
			logger.Error("runner exited", "error", err)
		}
	}()
	defer cancel()

	ids := idgen.New()
	tip := newChainTip("mainnet-tip")

	for h := int64(1); h <= 3; h++ {
		height := h
		requestID := fmt.Sprintf("req-%d", ids.Next(time.Now().UnixMicro()))
		tip.Advance(requestID, height, fmt.Sprintf("0xblock%d", height))
		if err := write.Save(ctx, []aggregate.Aggregate{tip}); err != nil {
			return fmt.Errorf("save height %d: %w", height, err)
		}
		logger.Info("appended block", "height", height, "hash", tip.hash)
	}

	reorged := newChainTip("mainnet-tip")
	if err := read.GetLatest(ctx, reorged); err != nil {
		return fmt.Errorf("read latest: %w", err)
	}
	logger.Info("before rollback", "height", *reorged.LastBlockHeight(), "hash", reorged.hash)

	if err := rollback.Rollback(ctx, []aggregate.Aggregate{reorged}, 1, nil); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}

	restored := newChainTip("mainnet-tip")
	if err := read.GetAtHeight(ctx, restored, 1); err != nil {
		return fmt.Errorf("read at height 1: %w", err)
	}
	logger.Info("after rollback", "height", *restored.LastBlockHeight(), "hash", restored.hash)

	time.Sleep(3 * time.Second) // let the poll-interval delivery tick run at least once

	return nil
}

// slogRunnerLogger adapts *slog.Logger to runner.Logger.
type slogRunnerLogger struct{ l *slog.Logger }

func (s slogRunnerLogger) Info(msg string, kv ...interface{})  { s.l.Info(msg, kv...) }
func (s slogRunnerLogger) Error(msg string, kv ...interface{}) { s.l.Error(msg, kv...) }
func (s slogRunnerLogger) Debug(msg string, kv ...interface{}) { s.l.Debug(msg, kv...) }
