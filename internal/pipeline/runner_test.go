package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsforge/internal/execution"
	"dsforge/internal/faults"
	"dsforge/internal/lineage"
	"dsforge/internal/logging"
	"dsforge/internal/manipulator"
	"dsforge/internal/materialize"
	"dsforge/internal/model"
	"dsforge/internal/plan"
	"dsforge/internal/spec"
	"dsforge/internal/storage"
	"dsforge/internal/store"
	"dsforge/internal/telemetry"
)

const (
	testTimeout = 5 * time.Second
	testTick    = 10 * time.Millisecond
)

type recordingExec struct {
	mu    sync.Mutex
	seen  []model.ImagePlan
	fail  string
	block chan struct{}
}

func (e *recordingExec) Execute(ctx context.Context, ip model.ImagePlan) error {
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail != "" && strings.HasSuffix(ip.Src, e.fail) {
		return errors.New("decode failed")
	}
	e.seen = append(e.seen, ip)
	return nil
}

type harness struct {
	db     *store.SQLite
	st     *storage.Local
	exec   *recordingExec
	runner *Runner
	events []execution.Event
	mu     sync.Mutex
}

func newHarness(t *testing.T, policy materialize.Policy) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	h := &harness{db: db, st: st, exec: &recordingExec{}}
	b := plan.NewBuilder(manipulator.BuiltinCatalog(), manipulator.Builtins())
	m := materialize.New(h.exec, materialize.WithWorkers(2), materialize.WithPolicy(policy))
	h.runner = NewRunner(db, st, b, m,
		WithMetrics(telemetry.NewMetrics(nil)),
		WithObserver(func(ev execution.Event) {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		}))
	return h
}

func (h *harness) kinds() []execution.EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []execution.EventKind
	for _, ev := range h.events {
		if ev.Kind != execution.EventProgress {
			out = append(out, ev.Kind)
		}
	}
	return out
}

// seed registers a READY COCO source with n images whose categories are
// classes, image i carrying one box of classes[i%len(classes)].
func (h *harness) seed(t *testing.T, id, group string, n int, classes ...string) {
	t.Helper()
	ctx := context.Background()
	uri := "raw/" + group + "/none/v1.0.0"

	var imgs, anns, cats []string
	for i, c := range classes {
		cats = append(cats, fmt.Sprintf(`{"id": %d, "name": %q}`, i+1, c))
	}
	for i := 1; i <= n; i++ {
		imgs = append(imgs, fmt.Sprintf(`{"id": %d, "file_name": "img_%03d.jpg", "width": 100, "height": 80}`, i, i))
		anns = append(anns, fmt.Sprintf(`{"id": %d, "image_id": %d, "category_id": %d, "bbox": [1, 1, 10, 10]}`,
			i, i, (i-1)%len(classes)+1))
	}
	doc := fmt.Sprintf(`{"images": [%s], "annotations": [%s], "categories": [%s]}`,
		strings.Join(imgs, ","), strings.Join(anns, ","), strings.Join(cats, ","))

	w, err := h.st.Create(ctx, storage.DefaultLayout().Annotation(uri))
	require.NoError(t, err)
	_, err = io.WriteString(w, doc)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, h.db.SaveDataset(ctx, &store.Dataset{
		ID: id, GroupName: group, DatasetType: "RAW", Split: "NONE", Version: "v1.0.0",
		AnnotationFormat: model.FormatCOCO, StorageURI: uri, Status: store.DatasetReady,
		ImageCount: n, ClassCount: len(classes),
	}))
}

func scenario() spec.Pipeline {
	return spec.Pipeline{
		SchemaVersion: "v1",
		Sources: []spec.Source{
			{DatasetID: "s1", Manipulators: []spec.ManipulatorStep{
				{Name: manipulator.RemapName, Params: map[string]any{"mapping": map[string]any{"car": "vehicle"}}},
			}},
			{DatasetID: "s2"},
		},
		PostMergeManipulators: []spec.ManipulatorStep{
			{Name: manipulator.FinalClassesName, Params: map[string]any{"class_names": []any{"vehicle"}}},
		},
		OutputGroupName: "vehicles",
	}
}

func TestRunner_ScenarioEndsDoneWithLineage(t *testing.T) {
	h := newHarness(t, materialize.FailFast)
	ctx := context.Background()
	h.seed(t, "s1", "alpha", 4, "car", "person")
	h.seed(t, "s2", "beta", 3, "vehicle", "bike")

	job, err := h.runner.Prepare(ctx, "", scenario())
	require.NoError(t, err)
	require.NotEmpty(t, job.ExecutionID)

	out, err := h.db.GetDataset(ctx, job.OutputDatasetID)
	require.NoError(t, err)
	assert.Equal(t, store.DatasetPending, out.Status)
	assert.Equal(t, "v1.0.0", out.Version)
	assert.Equal(t, "processed/vehicles/none/v1.0.0", out.StorageURI)

	require.NoError(t, h.runner.Run(ctx, job))

	snap := job.Tracker.Snapshot()
	assert.Equal(t, execution.StatusDone, snap.Status)
	assert.Equal(t, snap.Total, snap.Processed)
	assert.Equal(t, []execution.EventKind{
		execution.EventCreated, execution.EventStarted, execution.EventStage, execution.EventStage, execution.EventDone,
	}, h.kinds())

	out, err = h.db.GetDataset(ctx, job.OutputDatasetID)
	require.NoError(t, err)
	assert.Equal(t, store.DatasetReady, out.Status)
	assert.Equal(t, model.FormatCOCO, out.AnnotationFormat)
	assert.Equal(t, 1, out.ClassCount)
	assert.Equal(t, len(h.exec.seen), out.ImageCount)
	assert.LessOrEqual(t, out.ImageCount, 7)

	persisted, err := h.db.GetExecution(ctx, job.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusDone, persisted.Status)

	parents, err := h.db.Parents(ctx, job.OutputDatasetID)
	require.NoError(t, err)
	require.Len(t, parents, 2)
	ids := []string{parents[0].ParentID, parents[1].ParentID}
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)
	for _, e := range parents {
		assert.Equal(t, job.ExecutionID, e.Transform.ExecutionID)
		assert.Len(t, e.Transform.PostMergeManipulators, 1)
	}

	ok, err := h.st.Exists(ctx, storage.DefaultLayout().Annotation(out.StorageURI))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunner_VersionsBumpPerGroup(t *testing.T) {
	h := newHarness(t, materialize.FailFast)
	ctx := context.Background()
	h.seed(t, "s1", "alpha", 2, "car")
	h.seed(t, "s2", "beta", 2, "vehicle")

	first, err := h.runner.Prepare(ctx, "e1", scenario())
	require.NoError(t, err)
	second, err := h.runner.Prepare(ctx, "e2", scenario())
	require.NoError(t, err)

	a, err := h.db.GetDataset(ctx, first.OutputDatasetID)
	require.NoError(t, err)
	b, err := h.db.GetDataset(ctx, second.OutputDatasetID)
	require.NoError(t, err)
	assert.Equal(t, "v1.0.0", a.Version)
	assert.Equal(t, "v1.0.1", b.Version)
}

func TestRunner_PrepareRejectsBadConfig(t *testing.T) {
	h := newHarness(t, materialize.FailFast)
	cfg := scenario()
	cfg.Sources[1].Manipulators = []spec.ManipulatorStep{{Name: "does_not_exist"}}

	_, err := h.runner.Prepare(context.Background(), "", cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
	assert.Empty(t, h.kinds())
}

func TestRunner_MaterializationFailureFailsRunWithoutLineage(t *testing.T) {
	h := newHarness(t, materialize.FailFast)
	ctx := context.Background()
	h.seed(t, "s1", "alpha", 3, "car")
	h.seed(t, "s2", "beta", 3, "vehicle")
	h.exec.fail = "img_002.jpg"

	job, err := h.runner.Prepare(ctx, "", scenario())
	require.NoError(t, err)
	err = h.runner.Run(ctx, job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrMaterialization))

	snap := job.Tracker.Snapshot()
	assert.Equal(t, execution.StatusFailed, snap.Status)
	assert.Contains(t, snap.ErrorMessage, "img_002.jpg")
	assert.Contains(t, snap.ErrorMessage, "copy")

	out, err := h.db.GetDataset(ctx, job.OutputDatasetID)
	require.NoError(t, err)
	assert.Equal(t, store.DatasetError, out.Status)

	parents, err := h.db.Parents(ctx, job.OutputDatasetID)
	require.NoError(t, err)
	assert.Empty(t, parents)
}

func TestRunner_BestEffortWritesManifestAndFails(t *testing.T) {
	h := newHarness(t, materialize.BestEffort)
	ctx := context.Background()
	h.seed(t, "s1", "alpha", 3, "car")
	h.seed(t, "s2", "beta", 3, "vehicle")
	h.exec.fail = "img_003.jpg"

	job, err := h.runner.Prepare(ctx, "", scenario())
	require.NoError(t, err)
	require.Error(t, h.runner.Run(ctx, job))
	assert.Len(t, h.exec.seen, 4)

	out, err := h.db.GetDataset(ctx, job.OutputDatasetID)
	require.NoError(t, err)
	ok, err := h.st.Exists(ctx, out.StorageURI+"/"+FailureManifest)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunner_MissingSourceFails(t *testing.T) {
	h := newHarness(t, materialize.FailFast)
	ctx := context.Background()
	h.seed(t, "s1", "alpha", 2, "car")

	job, err := h.runner.Prepare(ctx, "", scenario())
	require.NoError(t, err)
	err = h.runner.Run(ctx, job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.Equal(t, execution.StatusFailed, job.Tracker.Snapshot().Status)
}

func TestRunner_CancelledRunIsFailed(t *testing.T) {
	h := newHarness(t, materialize.FailFast)
	h.seed(t, "s1", "alpha", 3, "car")
	h.seed(t, "s2", "beta", 3, "vehicle")
	h.exec.block = make(chan struct{})

	ctx, cancel := context.WithCancelCause(context.Background())
	job, err := h.runner.Prepare(ctx, "", scenario())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.runner.Run(ctx, job) }()
	require.Eventually(t, func() bool {
		return job.Tracker.Snapshot().Stage == execution.StageImageWriting
	}, testTimeout, testTick)
	cancel(errors.New("operator request"))

	err = <-done
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrCancelled))
	snap := job.Tracker.Snapshot()
	assert.Equal(t, execution.StatusFailed, snap.Status)
	assert.Contains(t, snap.ErrorMessage, "operator request")
}

func TestRunner_PreviewDoesNotAllocate(t *testing.T) {
	h := newHarness(t, materialize.FailFast)
	ctx := context.Background()
	h.seed(t, "s1", "alpha", 4, "car", "person")
	h.seed(t, "s2", "beta", 3, "vehicle")

	p, err := h.runner.Preview(ctx, scenario())
	require.NoError(t, err)
	assert.Positive(t, p.TotalImages())
	assert.Equal(t, p.TotalImages(), p.CopyOnlyCount())
	assert.Empty(t, h.exec.seen)

	v, err := h.db.NextVersion(ctx, "vehicles", "NONE")
	require.NoError(t, err)
	assert.Equal(t, "v1.0.0", v)
}

func TestRunner_ReusedExecutionIDKeepsTerminalRecord(t *testing.T) {
	h := newHarness(t, materialize.FailFast)
	ctx := context.Background()
	h.seed(t, "s1", "alpha", 2, "car")
	h.seed(t, "s2", "beta", 2, "vehicle")

	job, err := h.runner.Prepare(ctx, "x", scenario())
	require.NoError(t, err)
	require.NoError(t, h.runner.Run(ctx, job))

	_, err = h.runner.Prepare(ctx, "x", scenario())
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrDuplicateID), "got %v", err)

	persisted, err := h.db.GetExecution(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusDone, persisted.Status)
	assert.Equal(t, job.OutputDatasetID, persisted.OutputDatasetID)

	v, err := h.db.NextVersion(ctx, "vehicles", "NONE")
	require.NoError(t, err)
	assert.Equal(t, "v1.0.1", v, "no second output dataset allocated")
}

// racingStore reports an id as unused, then loses the insert to another
// Prepare of the same id.
type racingStore struct {
	*store.SQLite
}

func (s racingStore) GetExecution(ctx context.Context, id string) (*execution.Execution, error) {
	return nil, fmt.Errorf("%w: execution %s", store.ErrNotFound, id)
}

func TestRunner_LostCreateReleasesOutputDataset(t *testing.T) {
	h := newHarness(t, materialize.FailFast)
	ctx := context.Background()
	h.seed(t, "s1", "alpha", 2, "car")
	h.seed(t, "s2", "beta", 2, "vehicle")

	first, err := h.runner.Prepare(ctx, "x", scenario())
	require.NoError(t, err)

	b := plan.NewBuilder(manipulator.BuiltinCatalog(), manipulator.Builtins())
	loser := NewRunner(racingStore{h.db}, h.st, b, materialize.New(h.exec))
	_, err = loser.Prepare(ctx, "x", scenario())
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrDuplicateID), "got %v", err)

	persisted, err := h.db.GetExecution(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusPending, persisted.Status)
	assert.Equal(t, first.OutputDatasetID, persisted.OutputDatasetID)

	v, err := h.db.NextVersion(ctx, "vehicles", "NONE")
	require.NoError(t, err)
	assert.Equal(t, "v1.0.1", v)
}

// lineageDownStore fails every lineage and dataset-finish write.
type lineageDownStore struct {
	*store.SQLite
}

func (lineageDownStore) SaveLineage(context.Context, []lineage.Edge) error {
	return errors.New("disk full")
}

func (lineageDownStore) FinishDataset(context.Context, string, string, int, int) error {
	return errors.New("disk full")
}

func TestRunner_LineageFailureLogsUnmarkedOutput(t *testing.T) {
	var buf bytes.Buffer
	logging.Configure(logging.Options{Output: &buf})
	t.Cleanup(func() { logging.Configure(logging.Options{}) })

	h := newHarness(t, materialize.FailFast)
	ctx := context.Background()
	h.seed(t, "s1", "alpha", 2, "car")
	h.seed(t, "s2", "beta", 2, "vehicle")

	b := plan.NewBuilder(manipulator.BuiltinCatalog(), manipulator.Builtins())
	r := NewRunner(lineageDownStore{h.db}, h.st, b, materialize.New(h.exec))
	job, err := r.Prepare(ctx, "", scenario())
	require.NoError(t, err)

	err = r.Run(ctx, job)
	require.Error(t, err)
	assert.ErrorContains(t, err, "lineage")
	assert.Equal(t, execution.StatusDone, job.Tracker.Snapshot().Status)
	assert.Contains(t, buf.String(), "lineage not recorded")
	assert.Contains(t, buf.String(), "mark output dataset")
}
