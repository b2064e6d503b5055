// Package execution tracks one pipeline run: PENDING -> RUNNING -> DONE or
// FAILED, with ordered stages and a progress counter that may be advanced
// from many workers at once.
package execution

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"dsforge/internal/spec"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
)

func (s Status) Terminal() bool { return s == StatusDone || s == StatusFailed }

type Stage string

const (
	StageAnnotationProcessing Stage = "annotation_processing"
	StageImageWriting         Stage = "image_writing"
)

// Stages is the fixed stage order of a run.
var Stages = []Stage{StageAnnotationProcessing, StageImageWriting}

var (
	ErrTransition = errors.New("execution: invalid transition")
	ErrProgress   = errors.New("execution: invalid progress")
)

// Execution is a point-in-time copy of a run's state.
type Execution struct {
	ID              string
	OutputDatasetID string
	Config          spec.Pipeline
	Status          Status
	Stage           Stage
	Processed       int
	Total           int
	ErrorMessage    string
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

type EventKind string

const (
	EventCreated  EventKind = "created"
	EventStarted  EventKind = "started"
	EventStage    EventKind = "stage"
	EventProgress EventKind = "progress"
	EventDone     EventKind = "done"
	EventFailed   EventKind = "failed"
)

type Event struct {
	Kind      EventKind
	Execution Execution
	At        time.Time
}

// Observer receives every event of a tracker in transition order. It must
// not call back into the tracker.
type Observer func(Event)

type Option func(*Tracker)

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }
func WithObserver(o Observer) Option       { return func(t *Tracker) { t.observers = append(t.observers, o) } }

// Tracker owns one Execution. All mutations go through mu; observers are
// called under notifyMu, taken before mu is released, so they see events in
// the order the transitions happened.
type Tracker struct {
	mu        sync.Mutex
	notifyMu  sync.Mutex
	exec      Execution
	observers []Observer
	now       func() time.Time
}

func NewTracker(id, outputDatasetID string, cfg spec.Pipeline, opts ...Option) *Tracker {
	t := &Tracker{now: time.Now}
	for _, o := range opts {
		o(t)
	}
	t.exec = Execution{
		ID:              id,
		OutputDatasetID: outputDatasetID,
		Config:          cfg.Clone(),
		Status:          StatusPending,
		CreatedAt:       t.now().UTC(),
	}
	t.mu.Lock()
	t.emitLocked(EventCreated)
	return t
}

func isAllowedTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusDone || to == StatusFailed
	default:
		return false
	}
}

// emitLocked releases mu and delivers an event. Callers hold mu.
func (t *Tracker) emitLocked(kind EventKind) {
	ev := Event{Kind: kind, Execution: t.snapshotLocked(), At: t.now().UTC()}
	t.notifyMu.Lock()
	t.mu.Unlock()
	defer t.notifyMu.Unlock()
	for _, o := range t.observers {
		o(ev)
	}
}

func (t *Tracker) transitionLocked(to Status) error {
	if !isAllowedTransition(t.exec.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransition, t.exec.Status, to)
	}
	t.exec.Status = to
	return nil
}

func (t *Tracker) Start() error {
	t.mu.Lock()
	if err := t.transitionLocked(StatusRunning); err != nil {
		t.mu.Unlock()
		return err
	}
	now := t.now().UTC()
	t.exec.StartedAt = &now
	t.emitLocked(EventStarted)
	return nil
}

// EnterStage moves to a later stage and resets progress to 0/total.
func (t *Tracker) EnterStage(stage Stage, total int) error {
	t.mu.Lock()
	if t.exec.Status != StatusRunning {
		t.mu.Unlock()
		return fmt.Errorf("%w: stage %s while %s", ErrTransition, stage, t.exec.Status)
	}
	next := slices.Index(Stages, stage)
	if next < 0 || next <= slices.Index(Stages, t.exec.Stage) {
		cur := t.exec.Stage
		t.mu.Unlock()
		return fmt.Errorf("%w: stage %s after %s", ErrTransition, stage, cur)
	}
	if total < 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: negative total %d", ErrProgress, total)
	}
	t.exec.Stage = stage
	t.exec.Processed, t.exec.Total = 0, total
	t.emitLocked(EventStage)
	return nil
}

// Advance adds n processed units to the current stage. It is rejected once
// the run is terminal, so a failed run's counter stays where it stopped.
func (t *Tracker) Advance(n int) error {
	t.mu.Lock()
	if t.exec.Status != StatusRunning {
		t.mu.Unlock()
		return fmt.Errorf("%w: advance while %s", ErrProgress, t.exec.Status)
	}
	if n < 0 || t.exec.Processed+n > t.exec.Total {
		p, total := t.exec.Processed, t.exec.Total
		t.mu.Unlock()
		return fmt.Errorf("%w: %d + %d exceeds %d", ErrProgress, p, n, total)
	}
	t.exec.Processed += n
	t.emitLocked(EventProgress)
	return nil
}

// Complete finishes the run. Every unit of the current stage must have been
// processed.
func (t *Tracker) Complete() error {
	t.mu.Lock()
	if t.exec.Status == StatusRunning && t.exec.Processed != t.exec.Total {
		p, total := t.exec.Processed, t.exec.Total
		t.mu.Unlock()
		return fmt.Errorf("%w: complete with %d/%d processed", ErrProgress, p, total)
	}
	if err := t.transitionLocked(StatusDone); err != nil {
		t.mu.Unlock()
		return err
	}
	now := t.now().UTC()
	t.exec.FinishedAt = &now
	t.exec.ErrorMessage = ""
	t.emitLocked(EventDone)
	return nil
}

// Fail records cause as the run's error message.
func (t *Tracker) Fail(cause error) error {
	msg := "unknown error"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	t.mu.Lock()
	if err := t.transitionLocked(StatusFailed); err != nil {
		t.mu.Unlock()
		return err
	}
	now := t.now().UTC()
	t.exec.FinishedAt = &now
	t.exec.ErrorMessage = msg
	t.emitLocked(EventFailed)
	return nil
}

func (t *Tracker) Snapshot() Execution {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Execution {
	e := t.exec
	if e.StartedAt != nil {
		v := *e.StartedAt
		e.StartedAt = &v
	}
	if e.FinishedAt != nil {
		v := *e.FinishedAt
		e.FinishedAt = &v
	}
	return e
}
