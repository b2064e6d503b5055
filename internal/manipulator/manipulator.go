// Package manipulator defines the unit-of-work contract every dataset
// transform implements, the catalog that declares each transform's scope and
// parameters, and the built-in transforms.
//
// A manipulator has two phases. The annotation phase rewrites DatasetMeta
// values and never sees storage. The optional image phase, exposed through
// ImageStage, turns the decisions already recorded on an image into image
// operation specs.
package manipulator

import (
	"errors"
	"log/slog"

	"dsforge/internal/model"
)

type Scope string

const (
	PerSource Scope = "PER_SOURCE"
	PostMerge Scope = "POST_MERGE"
)

// Input is either one source dataset (per-source) or a list of datasets
// (post-merge). A one-element list is still a post-merge input.
type Input struct {
	scope Scope
	metas []*model.DatasetMeta
}

func Single(m *model.DatasetMeta) Input {
	return Input{scope: PerSource, metas: []*model.DatasetMeta{m}}
}

func List(ms ...*model.DatasetMeta) Input {
	return Input{scope: PostMerge, metas: ms}
}

func (in Input) Scope() Scope { return in.scope }

// Single returns the per-source dataset, or nil for a list input.
func (in Input) Single() *model.DatasetMeta {
	if in.scope != PerSource || len(in.metas) == 0 {
		return nil
	}
	return in.metas[0]
}

func (in Input) List() []*model.DatasetMeta {
	if in.scope != PostMerge {
		return nil
	}
	return in.metas
}

// Formats lists the annotation formats carried by the input.
func (in Input) Formats() []string {
	out := make([]string, 0, len(in.metas))
	for _, m := range in.metas {
		out = append(out, m.Format)
	}
	return out
}

// Context is handed to the annotation phase. It deliberately carries no
// storage handle.
type Context struct {
	SourceID string
	Log      *slog.Logger
}

func (c Context) logger() *slog.Logger {
	if c.Log == nil {
		return slog.Default()
	}
	return c.Log
}

// Manipulator is the annotation phase. Implementations may modify the
// datasets they receive and return one of them; callers never reuse an input
// after passing it. Any randomness must be seeded from params.
type Manipulator interface {
	Name() string
	TransformAnnotation(in Input, params Params, ctx Context) (*model.DatasetMeta, error)
}

// ImageStage is implemented only by manipulators that touch pixel data. It
// must be a pure function of the already-updated record and params.
type ImageStage interface {
	BuildImageManipulation(img *model.ImageRecord, params Params) ([]model.ImageManipulationSpec, error)
}

var ErrNoInput = errors.New("manipulator: empty input")

// collapse reduces an input to the single dataset a filter-style manipulator
// operates on. A list of several datasets is merged first.
func collapse(in Input) (*model.DatasetMeta, error) {
	switch {
	case in.scope == PerSource && len(in.metas) == 1 && in.metas[0] != nil:
		return in.metas[0], nil
	case in.scope == PostMerge && len(in.metas) == 1 && in.metas[0] != nil:
		return in.metas[0], nil
	case in.scope == PostMerge && len(in.metas) > 1:
		merged, _, err := Merge(in.metas, MergeBySourceName)
		return merged, err
	default:
		return nil, ErrNoInput
	}
}
