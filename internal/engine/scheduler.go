package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"dsforge/internal/execution"
	"dsforge/internal/faults"
	"dsforge/internal/logging"
	"dsforge/internal/model"
	"dsforge/internal/pipeline"
	"dsforge/internal/spec"
	"dsforge/internal/store"
)

// Runner is the part of pipeline.Runner the scheduler drives.
type Runner interface {
	Prepare(ctx context.Context, id string, cfg spec.Pipeline) (*pipeline.Job, error)
	Run(ctx context.Context, job *pipeline.Job) error
	Abort(job *pipeline.Job, cause error)
	Preview(ctx context.Context, cfg spec.Pipeline) (*model.DatasetPlan, error)
}

// ExecutionReader answers for executions that are no longer in memory.
type ExecutionReader interface {
	GetExecution(ctx context.Context, id string) (*execution.Execution, error)
}

// Handle tracks one submitted execution. Done is closed once the execution
// reached a terminal state.
type Handle struct {
	Job  *pipeline.Job
	Done <-chan struct{}
}

type entry struct {
	job    *pipeline.Job
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Scheduler queues prepared jobs and runs them on a fixed set of workers.
// An execution id is reserved from Submit until its run returns; a second
// Submit for a reserved id is rejected. Failed runs are never retried.
type Scheduler struct {
	runner  Runner
	history ExecutionReader
	workers int
	queue   chan *entry
	log     *slog.Logger

	mu       sync.Mutex
	active   map[string]*entry
	reserved map[string]struct{}
	closed   bool
	base     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	started  sync.Once
}

func NewScheduler(r Runner, history ExecutionReader, workers, queueSize int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	base, stop := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   r,
		history:  history,
		workers:  workers,
		queue:    make(chan *entry, queueSize),
		log:      logging.L().With("component", "scheduler"),
		active:   map[string]*entry{},
		reserved: map[string]struct{}{},
		base:     base,
		stop:     stop,
	}
}

// Start launches the workers. It is safe to call more than once.
func (s *Scheduler) Start() {
	s.started.Do(func() {
		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go s.work()
		}
		s.log.Info("scheduler started", "workers", s.workers, "queue", cap(s.queue))
	})
}

func (s *Scheduler) work() {
	defer s.wg.Done()
	for {
		select {
		case <-s.base.Done():
			return
		case en := <-s.queue:
			s.run(en)
		}
	}
}

func (s *Scheduler) run(en *entry) {
	defer s.release(en)
	if en.ctx.Err() != nil {
		s.runner.Abort(en.job, fmt.Errorf("%w: %v", faults.ErrCancelled, context.Cause(en.ctx)))
		return
	}
	if err := s.runner.Run(en.ctx, en.job); err != nil {
		s.log.Debug("run finished with error", "execution_id", en.job.ExecutionID, "err", err)
	}
}

func (s *Scheduler) release(en *entry) {
	en.cancel(nil)
	s.mu.Lock()
	delete(s.active, en.job.ExecutionID)
	s.mu.Unlock()
	close(en.done)
}

// Submit prepares cfg and queues it. The execution is PENDING when Submit
// returns. The id is reserved before Prepare, so concurrent submissions of
// one id never both reach the store. A full queue fails the prepared
// execution immediately.
func (s *Scheduler) Submit(ctx context.Context, id string, cfg spec.Pipeline) (*Handle, error) {
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, faults.ErrShuttingDown
	}
	_, busy := s.active[id]
	if _, pending := s.reserved[id]; busy || pending {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", faults.ErrAlreadyActive, id)
	}
	s.reserved[id] = struct{}{}
	s.mu.Unlock()

	job, err := s.runner.Prepare(ctx, id, cfg)
	if err != nil {
		s.mu.Lock()
		delete(s.reserved, id)
		s.mu.Unlock()
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(s.base)
	en := &entry{job: job, ctx: runCtx, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	delete(s.reserved, id)
	if s.closed {
		s.mu.Unlock()
		cancel(nil)
		s.runner.Abort(job, fmt.Errorf("%w: %v", faults.ErrCancelled, faults.ErrShuttingDown))
		return nil, faults.ErrShuttingDown
	}
	select {
	case s.queue <- en:
		s.active[id] = en
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		cancel(nil)
		s.runner.Abort(job, faults.ErrQueueFull)
		return nil, faults.ErrQueueFull
	}
	s.log.Info("execution queued", "execution_id", id, "output_dataset_id", job.OutputDatasetID)
	return &Handle{Job: job, Done: en.done}, nil
}

// Get returns the live snapshot of an active execution, or the persisted
// record of a finished one.
func (s *Scheduler) Get(ctx context.Context, id string) (execution.Execution, error) {
	s.mu.Lock()
	en, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		return en.job.Tracker.Snapshot(), nil
	}
	exec, err := s.history.GetExecution(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return execution.Execution{}, fmt.Errorf("%w: %s", faults.ErrUnknownExecution, id)
	}
	if err != nil {
		return execution.Execution{}, err
	}
	return *exec, nil
}

// Cancel stops an active execution. A queued execution fails when a worker
// picks it up; a running one fails once its in-flight images return.
func (s *Scheduler) Cancel(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	en, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", faults.ErrNotActive, id)
	}
	if reason == "" {
		reason = "cancelled by request"
	}
	en.cancel(errors.New(reason))
	s.log.Info("execution cancel requested", "execution_id", id, "reason", reason)
	return nil
}

func (s *Scheduler) Preview(ctx context.Context, cfg spec.Pipeline) (*model.DatasetPlan, error) {
	return s.runner.Preview(ctx, cfg)
}

// Stop rejects new submissions, cancels every active execution and waits
// for the workers. Queued executions that never started are failed.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, en := range s.active {
		en.cancel(faults.ErrShuttingDown)
	}
	s.mu.Unlock()

	s.stop()
	s.wg.Wait()
	for {
		select {
		case en := <-s.queue:
			s.runner.Abort(en.job, fmt.Errorf("%w: %v", faults.ErrCancelled, faults.ErrShuttingDown))
			s.release(en)
		default:
			s.log.Info("scheduler stopped")
			return
		}
	}
}
