// Package pipeline runs one submitted pipeline end to end: allocate the
// output dataset, load sources, build the plan, write annotations,
// materialize images, record lineage.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"dsforge/internal/execution"
	"dsforge/internal/faults"
	"dsforge/internal/format"
	"dsforge/internal/lineage"
	"dsforge/internal/logging"
	"dsforge/internal/materialize"
	"dsforge/internal/model"
	"dsforge/internal/plan"
	"dsforge/internal/spec"
	"dsforge/internal/storage"
	"dsforge/internal/store"
	"dsforge/internal/telemetry"
)

// FailureManifest is written next to the annotations when best-effort
// materialization skipped images.
const FailureManifest = "failures.json"

// Store is the metadata the runner reads and writes.
type Store interface {
	GetDataset(ctx context.Context, id string) (*store.Dataset, error)
	SaveDataset(ctx context.Context, d *store.Dataset) error
	SetDatasetStatus(ctx context.Context, id, status string) error
	FinishDataset(ctx context.Context, id, status string, imageCount, classCount int) error
	NextVersion(ctx context.Context, group, split string) (string, error)
	DeleteDataset(ctx context.Context, id string) error
	GetExecution(ctx context.Context, id string) (*execution.Execution, error)
	CreateExecution(ctx context.Context, e execution.Execution) error
	SaveExecution(ctx context.Context, e execution.Execution) error
	SaveLineage(ctx context.Context, edges []lineage.Edge) error
}

// Job is one accepted submission.
type Job struct {
	ExecutionID     string
	OutputDatasetID string
	Config          spec.Pipeline
	Tracker         *execution.Tracker
}

type Runner struct {
	store    Store
	st       storage.Storage
	layout   storage.Layout
	builder  *plan.Builder
	mat      *materialize.Materializer
	recorder *lineage.Recorder
	metrics  *telemetry.Metrics
	observer execution.Observer
	log      *slog.Logger
}

type Option func(*Runner)

func WithLayout(l storage.Layout) Option        { return func(r *Runner) { r.layout = l } }
func WithMetrics(m *telemetry.Metrics) Option   { return func(r *Runner) { r.metrics = m } }
func WithObserver(o execution.Observer) Option  { return func(r *Runner) { r.observer = o } }
func WithLogger(l *slog.Logger) Option          { return func(r *Runner) { r.log = l } }
func WithRecorder(rec *lineage.Recorder) Option { return func(r *Runner) { r.recorder = rec } }

func NewRunner(s Store, st storage.Storage, b *plan.Builder, m *materialize.Materializer, opts ...Option) *Runner {
	r := &Runner{
		store:    s,
		st:       st,
		layout:   storage.DefaultLayout(),
		builder:  b,
		mat:      m,
		recorder: lineage.NewRecorder(),
		log:      logging.L(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Check validates cfg against the manipulator catalog without touching
// storage.
func (r *Runner) Check(cfg spec.Pipeline) error { return r.builder.Check(cfg) }

// Prepare validates cfg, allocates the output dataset record (PENDING) and
// the PENDING execution. An empty id gets a fresh uuid; an id that was
// already used is rejected with faults.ErrDuplicateID.
func (r *Runner) Prepare(ctx context.Context, id string, cfg spec.Pipeline) (*Job, error) {
	cfg.ApplyDefaults()
	if err := r.Check(cfg); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	} else if _, err := r.store.GetExecution(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: %s", faults.ErrDuplicateID, id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	split := strings.ToUpper(cfg.OutputSplits[0])
	version, err := r.store.NextVersion(ctx, cfg.OutputGroupName, split)
	if err != nil {
		return nil, err
	}
	uri, err := storage.BuildDatasetURI(cfg.OutputDatasetType, cfg.OutputGroupName, split, version)
	if err != nil {
		return nil, err
	}
	out := &store.Dataset{
		ID:               uuid.NewString(),
		GroupName:        cfg.OutputGroupName,
		DatasetType:      cfg.OutputDatasetType,
		Split:            split,
		Version:          version,
		AnnotationFormat: cfg.OutputAnnotationFormat,
		TaskType:         cfg.TaskType,
		StorageURI:       uri,
		Status:           store.DatasetPending,
		Description:      cfg.Description,
	}
	if err := r.store.SaveDataset(ctx, out); err != nil {
		return nil, err
	}

	job := &Job{ExecutionID: id, OutputDatasetID: out.ID, Config: cfg}
	job.Tracker = execution.NewTracker(id, out.ID, cfg, execution.WithObserver(r.observe))
	if err := r.store.CreateExecution(ctx, job.Tracker.Snapshot()); err != nil {
		if derr := r.store.DeleteDataset(context.Background(), out.ID); derr != nil {
			r.log.Error("release output dataset", "output_dataset_id", out.ID, "err", derr)
		}
		if errors.Is(err, store.ErrExists) {
			return nil, fmt.Errorf("%w: %s", faults.ErrDuplicateID, id)
		}
		return nil, err
	}
	return job, nil
}

// observe persists every state change except per-image progress and
// forwards all events.
func (r *Runner) observe(ev execution.Event) {
	if ev.Kind != execution.EventProgress && ev.Kind != execution.EventCreated {
		if err := r.store.SaveExecution(context.Background(), ev.Execution); err != nil {
			r.log.Error("persist execution", "execution_id", ev.Execution.ID, "err", err)
		}
	}
	if r.observer != nil {
		r.observer(ev)
	}
}

// Run executes job to a terminal state. The returned error is the cause of
// a FAILED execution; nil means DONE.
func (r *Runner) Run(ctx context.Context, job *Job) error {
	log := logging.ForExecution(job.ExecutionID).With("output_dataset_id", job.OutputDatasetID)
	tr := job.Tracker
	if err := tr.Start(); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.Inflight.Inc()
		defer r.metrics.Inflight.Dec()
	}
	log.Info("execution started", "sources", len(job.Config.Sources))

	out, err := r.run(ctx, job, log)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, faults.ErrCancelled) {
			err = fmt.Errorf("%w: %v", errCancelled(ctx), err)
		}
		r.fail(job, err, log)
		return err
	}

	if err := tr.Complete(); err != nil {
		r.fail(job, err, log)
		return err
	}
	if err := r.finish(job, out, log); err != nil {
		return err
	}
	r.count(execution.StatusDone)
	log.Info("execution done", "images", out.ImageCount(), "classes", len(out.Categories))
	return nil
}

func (r *Runner) run(ctx context.Context, job *Job, log *slog.Logger) (*model.DatasetMeta, error) {
	tr := job.Tracker
	if err := r.store.SetDatasetStatus(ctx, job.OutputDatasetID, store.DatasetProcessing); err != nil {
		return nil, err
	}
	dst, err := r.store.GetDataset(ctx, job.OutputDatasetID)
	if err != nil {
		return nil, err
	}

	if err := tr.EnterStage(execution.StageAnnotationProcessing, 0); err != nil {
		return nil, err
	}
	started := time.Now()
	sources, err := r.load(ctx, job.Config)
	if err != nil {
		return nil, err
	}
	p, err := r.builder.Build(job.Config, sources, plan.Output{
		DatasetID:  dst.ID,
		StorageURI: dst.StorageURI,
		Format:     job.Config.OutputAnnotationFormat,
	})
	if r.metrics != nil {
		r.metrics.ObservePlanBuild(started)
	}
	if err != nil {
		return nil, err
	}
	log.Info("plan built", "images", p.TotalImages(), "copy", p.CopyOnlyCount(), "transform", p.TransformCount())
	if dst.AnnotationFormat != p.Output.Format {
		dst.AnnotationFormat = p.Output.Format
		dst.Status = store.DatasetProcessing
		if err := r.store.SaveDataset(ctx, dst); err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, errCancelled(ctx)
	}
	codec, err := format.Lookup(p.Output.Format)
	if err != nil {
		return nil, err
	}
	if err := codec.Write(ctx, r.st, p.Output, r.layout); err != nil {
		return nil, fmt.Errorf("write annotations: %w", err)
	}

	if err := tr.EnterStage(execution.StageImageWriting, p.TotalImages()); err != nil {
		return nil, err
	}
	res, err := r.mat.Run(ctx, p.Images, func(n int) {
		if aerr := tr.Advance(n); aerr != nil {
			log.Warn("progress rejected", "err", aerr)
		}
	})
	if len(res.Failures) > 0 {
		r.writeManifest(ctx, dst.StorageURI, res, log)
	}
	if err != nil {
		return nil, err
	}
	return p.Output, nil
}

// Preview builds the plan of cfg against the current sources without
// allocating an output dataset or touching image bytes.
func (r *Runner) Preview(ctx context.Context, cfg spec.Pipeline) (*model.DatasetPlan, error) {
	cfg.ApplyDefaults()
	if err := r.Check(cfg); err != nil {
		return nil, err
	}
	sources, err := r.load(ctx, cfg)
	if err != nil {
		return nil, err
	}
	split := strings.ToUpper(cfg.OutputSplits[0])
	uri, err := storage.BuildDatasetURI(cfg.OutputDatasetType, cfg.OutputGroupName, split, "preview")
	if err != nil {
		return nil, err
	}
	return r.builder.Build(cfg, sources, plan.Output{StorageURI: uri, Format: cfg.OutputAnnotationFormat})
}

// load reads every configured source through the codec of its recorded
// annotation format.
func (r *Runner) load(ctx context.Context, cfg spec.Pipeline) (map[string]*model.DatasetMeta, error) {
	out := make(map[string]*model.DatasetMeta, len(cfg.Sources))
	for _, src := range cfg.Sources {
		if _, done := out[src.DatasetID]; done {
			continue
		}
		ds, err := r.store.GetDataset(ctx, src.DatasetID)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.DatasetID, err)
		}
		codec, err := format.Lookup(ds.AnnotationFormat)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.DatasetID, err)
		}
		meta, err := codec.Read(ctx, r.st, ds.StorageURI, r.layout)
		if err != nil {
			return nil, fmt.Errorf("source %s: read %s: %w", src.DatasetID, codec.Name(), err)
		}
		meta.DatasetID = ds.ID
		out[src.DatasetID] = meta
	}
	return out, nil
}

func (r *Runner) writeManifest(ctx context.Context, uri string, res materialize.Result, log *slog.Logger) {
	raw, err := res.Manifest()
	if err == nil {
		var w io.WriteCloser
		if w, err = r.st.Create(ctx, path.Join(uri, FailureManifest)); err == nil {
			_, err = io.Copy(w, bytes.NewReader(raw))
			if cerr := w.Close(); err == nil {
				err = cerr
			}
		}
	}
	if err != nil {
		log.Warn("failure manifest not written", "err", err)
	}
}

// finish records lineage and marks the output READY. Lineage is only
// derived from a DONE snapshot.
func (r *Runner) finish(job *Job, out *model.DatasetMeta, log *slog.Logger) error {
	ctx := context.Background()
	edges, err := r.recorder.Record(job.Tracker.Snapshot())
	if err == nil {
		err = r.store.SaveLineage(ctx, edges)
	}
	if err != nil {
		log.Error("lineage not recorded", "err", err)
		if ferr := r.store.FinishDataset(ctx, job.OutputDatasetID, store.DatasetError, out.ImageCount(), len(out.Categories)); ferr != nil {
			log.Error("mark output dataset", "err", ferr)
		}
		return fmt.Errorf("lineage: %w", err)
	}
	return r.store.FinishDataset(ctx, job.OutputDatasetID, store.DatasetReady, out.ImageCount(), len(out.Categories))
}

func (r *Runner) fail(job *Job, cause error, log *slog.Logger) {
	if err := job.Tracker.Fail(cause); err != nil {
		log.Warn("fail transition rejected", "err", err)
	}
	if err := r.store.SetDatasetStatus(context.Background(), job.OutputDatasetID, store.DatasetError); err != nil {
		log.Error("mark output dataset", "err", err)
	}
	r.count(execution.StatusFailed)
	log.Error("execution failed", "err", cause)
}

func (r *Runner) count(s execution.Status) {
	if r.metrics != nil {
		r.metrics.Executions.WithLabelValues(string(s)).Inc()
	}
}

// errCancelled carries the cancel cause set by the engine, if any.
func errCancelled(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
		return fmt.Errorf("%w: %v", faults.ErrCancelled, cause)
	}
	return faults.ErrCancelled
}

// Abort moves a prepared job that will never run to FAILED.
func (r *Runner) Abort(job *Job, cause error) {
	r.fail(job, cause, logging.ForExecution(job.ExecutionID))
}
