// Package materialize executes the ImagePlans of a DatasetPlan on a bounded
// worker pool. Plans are independent; they run in any order.
package materialize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"dsforge/internal/faults"
	"dsforge/internal/logging"
	"dsforge/internal/model"
	"dsforge/internal/telemetry"
)

// ImageExecutor performs one ImagePlan: copy, or decode, apply specs, encode.
type ImageExecutor interface {
	Execute(ctx context.Context, p model.ImagePlan) error
}

type Policy string

const (
	FailFast   Policy = "fail_fast"
	BestEffort Policy = "best_effort"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", FailFast:
		return FailFast, nil
	case BestEffort:
		return BestEffort, nil
	default:
		return "", fmt.Errorf("materialize: unknown policy %q", s)
	}
}

// Failure is one entry of the best-effort failure manifest.
type Failure struct {
	Src   string `json:"src"`
	Dst   string `json:"dst"`
	Op    string `json:"op"`
	Error string `json:"error"`
}

type Result struct {
	Written  int
	Failures []Failure
}

// Manifest renders the failures as JSON.
func (r Result) Manifest() ([]byte, error) {
	return json.MarshalIndent(r.Failures, "", "  ")
}

type Materializer struct {
	exec    ImageExecutor
	workers int
	policy  Policy
	metrics *telemetry.Metrics
	log     *slog.Logger
}

type Option func(*Materializer)

func WithWorkers(n int) Option                 { return func(m *Materializer) { m.workers = n } }
func WithPolicy(p Policy) Option               { return func(m *Materializer) { m.policy = p } }
func WithMetrics(mt *telemetry.Metrics) Option { return func(m *Materializer) { m.metrics = mt } }
func WithLogger(l *slog.Logger) Option         { return func(m *Materializer) { m.log = l } }

func New(exec ImageExecutor, opts ...Option) *Materializer {
	m := &Materializer{exec: exec, workers: 4, policy: FailFast, log: logging.L()}
	for _, o := range opts {
		o(m)
	}
	if m.workers < 1 {
		m.workers = 1
	}
	return m
}

// Run executes every plan. progress is called once per written image and
// may be called concurrently. Cancellation of ctx is observed before each
// plan is started; it yields an error matching faults.ErrCancelled.
//
// Under FailFast the first failure stops scheduling and is returned. Under
// BestEffort every plan is attempted and a summary error is returned when
// the manifest is not empty.
func (m *Materializer) Run(ctx context.Context, plans []model.ImagePlan, progress func(int)) (Result, error) {
	var (
		mu  sync.Mutex
		res Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)

	for _, ip := range plans {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if err := m.exec.Execute(gctx, ip); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				merr := &faults.MaterializationError{Src: ip.Src, Dst: ip.Dst, Op: ip.Op(), Cause: err}
				m.countFailure()
				if m.policy == FailFast {
					return merr
				}
				m.log.Warn("image failed", "src", ip.Src, "op", ip.Op(), "err", err)
				mu.Lock()
				res.Failures = append(res.Failures, Failure{Src: ip.Src, Dst: ip.Dst, Op: ip.Op(), Error: err.Error()})
				mu.Unlock()
				return nil
			}
			m.countWritten(ip)
			mu.Lock()
			res.Written++
			mu.Unlock()
			if progress != nil {
				progress(1)
			}
			return nil
		})
	}
	err := g.Wait()

	if ctx.Err() != nil {
		return res, fmt.Errorf("%w: %v after %d of %d images", faults.ErrCancelled, context.Cause(ctx), res.Written, len(plans))
	}
	if err != nil {
		return res, err
	}
	if n := len(res.Failures); n > 0 {
		f := res.Failures[0]
		return res, &faults.MaterializationError{
			Src: f.Src, Dst: f.Dst, Op: f.Op,
			Cause: fmt.Errorf("%s (%d of %d images failed)", f.Error, n, len(plans)),
		}
	}
	return res, nil
}

func (m *Materializer) countWritten(ip model.ImagePlan) {
	if m.metrics == nil {
		return
	}
	kind := "transform"
	if ip.IsCopyOnly() {
		kind = "copy"
	}
	m.metrics.Images.WithLabelValues(kind).Inc()
}

func (m *Materializer) countFailure() {
	if m.metrics != nil {
		m.metrics.ImageFailures.Inc()
	}
}
