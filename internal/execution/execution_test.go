package execution

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsforge/internal/faults"
	"dsforge/internal/spec"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func cfg() spec.Pipeline {
	return spec.Pipeline{Sources: []spec.Source{{DatasetID: "a"}}, OutputGroupName: "g"}
}

func TestTracker_HappyPath(t *testing.T) {
	var kinds []EventKind
	tr := NewTracker("e1", "out", cfg(), WithClock(fixedClock()), WithObserver(func(ev Event) { kinds = append(kinds, ev.Kind) }))

	s := tr.Snapshot()
	assert.Equal(t, StatusPending, s.Status)
	assert.Nil(t, s.StartedAt)
	assert.Equal(t, 0, s.Total)

	require.NoError(t, tr.Start())
	require.NoError(t, tr.EnterStage(StageAnnotationProcessing, 0))
	require.NoError(t, tr.EnterStage(StageImageWriting, 3))
	for i := 0; i < 3; i++ {
		require.NoError(t, tr.Advance(1))
	}
	require.NoError(t, tr.Complete())

	s = tr.Snapshot()
	assert.Equal(t, StatusDone, s.Status)
	assert.Equal(t, s.Total, s.Processed)
	assert.Empty(t, s.ErrorMessage)
	require.NotNil(t, s.StartedAt)
	require.NotNil(t, s.FinishedAt)
	assert.True(t, s.FinishedAt.After(*s.StartedAt))
	assert.Equal(t, []EventKind{EventCreated, EventStarted, EventStage, EventStage, EventProgress, EventProgress, EventProgress, EventDone}, kinds)
}

func TestTracker_FailDuringImageWritingFreezesProgress(t *testing.T) {
	tr := NewTracker("e1", "out", cfg())
	require.NoError(t, tr.Start())
	require.NoError(t, tr.EnterStage(StageImageWriting, 10))
	require.NoError(t, tr.Advance(4))
	require.NoError(t, tr.Fail(errors.New("image a.jpg op=copy: disk full")))

	assert.ErrorIs(t, tr.Advance(1), ErrProgress)
	s := tr.Snapshot()
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, 4, s.Processed)
	assert.Contains(t, s.ErrorMessage, "a.jpg")
	assert.NotNil(t, s.FinishedAt)
}

func TestTracker_TerminalStatesAreFinal(t *testing.T) {
	done := NewTracker("e1", "out", cfg())
	require.NoError(t, done.Start())
	require.NoError(t, done.Complete())
	assert.ErrorIs(t, done.Fail(errors.New("late")), ErrTransition)
	assert.ErrorIs(t, done.Start(), ErrTransition)
	assert.ErrorIs(t, done.EnterStage(StageImageWriting, 1), ErrTransition)

	failed := NewTracker("e2", "out", cfg())
	require.NoError(t, failed.Fail(faults.ErrCancelled))
	assert.ErrorIs(t, failed.Start(), ErrTransition)
	assert.ErrorIs(t, failed.Complete(), ErrTransition)
	assert.Equal(t, "execution cancelled", failed.Snapshot().ErrorMessage)
	assert.Nil(t, failed.Snapshot().StartedAt)
}

func TestTracker_StagesAreMonotonic(t *testing.T) {
	tr := NewTracker("e1", "out", cfg())
	require.NoError(t, tr.Start())
	require.NoError(t, tr.EnterStage(StageImageWriting, 1))
	assert.ErrorIs(t, tr.EnterStage(StageAnnotationProcessing, 1), ErrTransition)
	assert.ErrorIs(t, tr.EnterStage(StageImageWriting, 1), ErrTransition)
	assert.ErrorIs(t, tr.EnterStage("exporting", 1), ErrTransition)
}

func TestTracker_ProgressBounds(t *testing.T) {
	tr := NewTracker("e1", "out", cfg())
	require.NoError(t, tr.Start())
	require.NoError(t, tr.EnterStage(StageImageWriting, 2))
	assert.ErrorIs(t, tr.Advance(3), ErrProgress)
	assert.ErrorIs(t, tr.Advance(-1), ErrProgress)
	assert.ErrorIs(t, tr.Complete(), ErrProgress)
	assert.Equal(t, StatusRunning, tr.Snapshot().Status)
}

func TestTracker_ConcurrentAdvanceLosesNothing(t *testing.T) {
	const workers, per = 16, 250
	var mu sync.Mutex
	last := -1
	monotonic := true
	tr := NewTracker("e1", "out", cfg(), WithObserver(func(ev Event) {
		if ev.Kind != EventProgress {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if ev.Execution.Processed <= last {
			monotonic = false
		}
		last = ev.Execution.Processed
	}))
	require.NoError(t, tr.Start())
	require.NoError(t, tr.EnterStage(StageImageWriting, workers*per))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				_ = tr.Advance(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, workers*per, tr.Snapshot().Processed)
	assert.True(t, monotonic, "observers must see progress in order")
	require.NoError(t, tr.Complete())
}

func TestTracker_ConfigIsSnapshotted(t *testing.T) {
	c := cfg()
	c.Sources[0].Manipulators = []spec.ManipulatorStep{{Name: "sample_n_images", Params: map[string]any{"n": 3}}}
	tr := NewTracker("e1", "out", c)
	c.Sources[0].Manipulators[0].Params["n"] = 99
	assert.Equal(t, 3, tr.Snapshot().Config.Sources[0].Manipulators[0].Params["n"])
}
