// Package lineage derives the parent -> child edges recorded once a run has
// materialized its output.
package lineage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dsforge/internal/execution"
	"dsforge/internal/spec"
)

var ErrNotDone = errors.New("lineage: execution did not finish successfully")

// TransformConfig is what was applied to one parent to produce the child: its
// own chain plus the shared post-merge chain.
type TransformConfig struct {
	SourceDatasetID        string                 `json:"source_dataset_id"`
	Manipulators           []spec.ManipulatorStep `json:"manipulators"`
	PostMergeManipulators  []spec.ManipulatorStep `json:"post_merge_manipulators"`
	MergeStrategy          string                 `json:"merge_strategy,omitempty"`
	OutputAnnotationFormat string                 `json:"output_annotation_format,omitempty"`
	ExecutionID            string                 `json:"execution_id"`
}

// Edge is immutable once created.
type Edge struct {
	ID        string
	ParentID  string
	ChildID   string
	Transform TransformConfig
	CreatedAt time.Time
}

// TransformJSON serializes the snapshot for persistence.
func (e Edge) TransformJSON() ([]byte, error) { return json.Marshal(e.Transform) }

type Recorder struct {
	now   func() time.Time
	newID func() string
}

func NewRecorder() *Recorder {
	return &Recorder{now: time.Now, newID: func() string { return uuid.NewString() }}
}

// Record emits one edge per source of a DONE execution. Nothing is emitted
// for any other status.
func (r *Recorder) Record(exec execution.Execution) ([]Edge, error) {
	if exec.Status != execution.StatusDone {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotDone, exec.ID, exec.Status)
	}
	if exec.OutputDatasetID == "" {
		return nil, fmt.Errorf("lineage: execution %s has no output dataset", exec.ID)
	}
	at := r.now().UTC()
	edges := make([]Edge, 0, len(exec.Config.Sources))
	for _, src := range exec.Config.Sources {
		edges = append(edges, Edge{
			ID:       r.newID(),
			ParentID: src.DatasetID,
			ChildID:  exec.OutputDatasetID,
			Transform: TransformConfig{
				SourceDatasetID:        src.DatasetID,
				Manipulators:           nonNil(spec.CloneSteps(src.Manipulators)),
				PostMergeManipulators:  nonNil(spec.CloneSteps(exec.Config.PostMergeManipulators)),
				MergeStrategy:          exec.Config.MergeStrategy,
				OutputAnnotationFormat: exec.Config.OutputAnnotationFormat,
				ExecutionID:            exec.ID,
			},
			CreatedAt: at,
		})
	}
	return edges, nil
}

func nonNil(steps []spec.ManipulatorStep) []spec.ManipulatorStep {
	if steps == nil {
		return []spec.ManipulatorStep{}
	}
	return steps
}
