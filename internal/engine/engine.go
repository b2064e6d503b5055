// Package engine wires the pipeline runner to its outer surfaces: the
// control API, the intake topic and the metrics endpoint.
package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dsforge/internal/config"
	"dsforge/internal/events"
	"dsforge/internal/execution"
	"dsforge/internal/logging"
	"dsforge/internal/model"
	"dsforge/internal/spec"
	"dsforge/internal/store"
	"dsforge/internal/telemetry"
	"dsforge/internal/transport"
)

const shutdownGrace = 5 * time.Second

type Engine struct {
	cfg       config.Engine
	db        *store.SQLite
	publisher *events.Publisher
	sched     *Scheduler
	intake    *Intake
	metrics   *telemetry.Metrics

	closeOnce sync.Once
	closeErr  error
}

// Run serves until ctx is done, then drains executions and closes
// everything Bootstrap opened.
func (e *Engine) Run(ctx context.Context) error {
	defer e.Close()
	e.sched.Start()

	srv, err := transport.StartServer(e.cfg.GRPCPort, service{e.sched})
	if err != nil {
		return err
	}
	metricsSrv := telemetry.Expose(e.cfg.MetricsPort)
	logging.L().Info("engine serving", "grpc_port", e.cfg.GRPCPort, "metrics_port", e.cfg.MetricsPort)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	if e.intake != nil {
		g.Go(func() error { return e.intake.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		srv.Stop()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := metricsSrv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Warn("metrics shutdown", "err", err)
		}
		return nil
	})
	err = g.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		return nil
	}
	return err
}

// Preview builds a plan without running it.
func (e *Engine) Preview(ctx context.Context, cfg spec.Pipeline) (*model.DatasetPlan, error) {
	return e.sched.Preview(ctx, cfg)
}

// Close stops the scheduler, then flushes the sinks and closes the store.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.sched.Stop()
		e.closeErr = errors.Join(e.publisher.Close(), e.db.Close())
	})
	return e.closeErr
}

// service adapts Scheduler to the control API.
type service struct{ s *Scheduler }

func (v service) Submit(ctx context.Context, id string, cfg spec.Pipeline) (string, string, error) {
	h, err := v.s.Submit(ctx, id, cfg)
	if err != nil {
		return "", "", err
	}
	return h.Job.ExecutionID, h.Job.OutputDatasetID, nil
}

func (v service) Get(ctx context.Context, id string) (execution.Execution, error) {
	return v.s.Get(ctx, id)
}

func (v service) Cancel(ctx context.Context, id, reason string) error {
	return v.s.Cancel(ctx, id, reason)
}

func (v service) Preview(ctx context.Context, cfg spec.Pipeline) (*model.DatasetPlan, error) {
	return v.s.Preview(ctx, cfg)
}
