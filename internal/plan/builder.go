// Package plan turns a pipeline configuration and the loaded source datasets
// into a DatasetPlan: each source's chain runs in declared order, the
// results are merged, the post-merge chain runs, and one ImagePlan is derived
// per surviving image.
//
// Building is pure. It never touches storage and can be recomputed from the
// same inputs.
package plan

import (
	"errors"
	"fmt"
	"log/slog"
	"path"

	"dsforge/internal/faults"
	"dsforge/internal/logging"
	"dsforge/internal/manipulator"
	"dsforge/internal/model"
	"dsforge/internal/spec"
	"dsforge/internal/storage"
)

const (
	PhasePerSource = "per-source"
	PhasePostMerge = "post-merge"
	PhaseImageSpec = "image-spec"
)

// Output names the dataset the plan produces.
type Output struct {
	DatasetID  string
	StorageURI string
	// Format overrides the annotation format of the result when set.
	Format string
}

type Builder struct {
	catalog  manipulator.Catalog
	registry *manipulator.Registry
	layout   storage.Layout
	log      *slog.Logger
}

type Option func(*Builder)

func WithLayout(l storage.Layout) Option { return func(b *Builder) { b.layout = l } }
func WithLogger(l *slog.Logger) Option   { return func(b *Builder) { b.log = l } }

func NewBuilder(catalog manipulator.Catalog, registry *manipulator.Registry, opts ...Option) *Builder {
	b := &Builder{catalog: catalog, registry: registry, layout: storage.DefaultLayout(), log: logging.L()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// step is a chain entry after catalog and schema checks.
type step struct {
	name   string
	source string
	desc   manipulator.Descriptor
	impl   manipulator.Manipulator
	params manipulator.Params
}

type chains struct {
	perSource [][]step
	postMerge []step
	strategy  manipulator.MergeStrategy
}

// Check validates a configuration without any dataset: every step must be
// known to the catalog and the registry, allowed in its position, compatible
// with the task type and carry params matching its schema.
func (b *Builder) Check(cfg spec.Pipeline) error {
	_, err := b.resolve(cfg)
	return err
}

func (b *Builder) resolve(cfg spec.Pipeline) (*chains, error) {
	if len(cfg.Sources) == 0 {
		return nil, faults.Configf("", "", "at least one source is required")
	}
	strategy, err := manipulator.ParseMergeStrategy(cfg.MergeStrategy)
	if err != nil {
		return nil, &faults.ConfigError{Msg: "merge_strategy", Cause: err}
	}
	c := &chains{strategy: strategy, perSource: make([][]step, len(cfg.Sources))}
	seen := map[string]bool{}
	for i, src := range cfg.Sources {
		if src.DatasetID == "" {
			return nil, faults.Configf("", "", "source %d has no dataset_id", i)
		}
		if seen[src.DatasetID] {
			return nil, faults.Configf("", src.DatasetID, "source listed twice")
		}
		seen[src.DatasetID] = true
		for _, st := range src.Manipulators {
			s, err := b.resolveStep(st, manipulator.PerSource, src.DatasetID, cfg.TaskType)
			if err != nil {
				return nil, err
			}
			c.perSource[i] = append(c.perSource[i], s)
		}
	}
	for _, st := range cfg.PostMergeManipulators {
		s, err := b.resolveStep(st, manipulator.PostMerge, "", cfg.TaskType)
		if err != nil {
			return nil, err
		}
		c.postMerge = append(c.postMerge, s)
	}
	return c, nil
}

func (b *Builder) resolveStep(st spec.ManipulatorStep, scope manipulator.Scope, source, task string) (step, error) {
	desc, ok := b.catalog.Lookup(st.Name)
	if !ok {
		return step{}, faults.Configf(st.Name, source, "unknown manipulator")
	}
	if !desc.Allows(scope) {
		return step{}, faults.Configf(st.Name, source, "declared scope %v does not include %s", desc.Scope, scope)
	}
	if desc.Status == manipulator.StatusDeprecated {
		return step{}, faults.Configf(st.Name, source, "manipulator is deprecated")
	}
	if !desc.SupportsTask(task) {
		return step{}, faults.Configf(st.Name, source, "task type %s not in %v", task, desc.TaskTypes)
	}
	impl, err := b.registry.New(st.Name)
	if err != nil {
		return step{}, &faults.ConfigError{Manipulator: st.Name, Source: source, Msg: "no implementation", Cause: err}
	}
	params, err := desc.Resolve(st.Params)
	if err != nil {
		return step{}, &faults.ConfigError{Manipulator: st.Name, Source: source, Msg: "invalid params", Cause: err}
	}
	if desc.Status == manipulator.StatusExperimental {
		b.log.Warn("experimental manipulator in chain", "manipulator", st.Name, "source", source)
	}
	return step{name: st.Name, source: source, desc: desc, impl: impl, params: params}, nil
}

// Build runs the whole planning algorithm. sources holds the loaded dataset
// of every configured source id; the builder works on copies.
func (b *Builder) Build(cfg spec.Pipeline, sources map[string]*model.DatasetMeta, out Output) (*model.DatasetPlan, error) {
	c, err := b.resolve(cfg)
	if err != nil {
		return nil, err
	}
	if out.StorageURI == "" {
		return nil, faults.Configf("", "", "output storage location is required")
	}

	run := &buildRun{b: b, specs: map[string][]model.ImageManipulationSpec{}}
	branches := make([]*model.DatasetMeta, len(cfg.Sources))
	for i, src := range cfg.Sources {
		loaded, ok := sources[src.DatasetID]
		if !ok || loaded == nil {
			return nil, faults.Configf("", src.DatasetID, "source dataset not loaded")
		}
		meta, err := run.branch(i, src.DatasetID, loaded, c.perSource[i])
		if err != nil {
			return nil, err
		}
		branches[i] = meta
	}

	merged, rekey, err := manipulator.Merge(branches, c.strategy)
	if err != nil {
		return nil, err
	}
	b.log.Debug("sources merged", "sources", len(branches), "images", merged.ImageCount(), "rekeyed", len(rekey))

	// The output format settles a mixed merge before the post-merge chain
	// is format-checked.
	if out.Format != "" {
		merged.Format = out.Format
	}
	for _, s := range c.postMerge {
		merged, err = run.apply(s, manipulator.List(merged), merged.Format, PhasePostMerge)
		if err != nil {
			return nil, err
		}
	}

	merged.DatasetID = out.DatasetID
	merged.StorageURI = out.StorageURI
	if out.Format != "" {
		merged.Format = out.Format
	}
	if merged.Format == "" {
		return nil, faults.Configf("", "", "sources have different annotation formats; output_annotation_format is required")
	}
	return run.plans(merged)
}

// buildRun carries the per-image spec accumulator of one Build call, keyed
// by image origin.
type buildRun struct {
	b     *Builder
	specs map[string][]model.ImageManipulationSpec
}

func (r *buildRun) branch(idx int, id string, loaded *model.DatasetMeta, steps []step) (*model.DatasetMeta, error) {
	meta := loaded.Clone()
	if meta.DatasetID == "" {
		meta.DatasetID = id
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	for i := range meta.Images {
		img := &meta.Images[i]
		img.Origin = &model.Origin{
			SourceIndex: idx,
			DatasetID:   id,
			StorageURI:  meta.StorageURI,
			ImageID:     img.ID,
			FileName:    img.FileName,
		}
	}
	var err error
	for _, s := range steps {
		if meta, err = r.apply(s, manipulator.Single(meta), meta.Format, PhasePerSource); err != nil {
			return nil, err
		}
	}
	return meta, nil
}

// apply runs one step: format check, annotation phase, integrity check, then
// the image phase for every surviving image.
func (r *buildRun) apply(s step, in manipulator.Input, format, phase string) (*model.DatasetMeta, error) {
	if !s.desc.SupportsFormat(format) {
		return nil, faults.Configf(s.name, s.source, "annotation format %q not in %v", format, s.desc.Formats)
	}
	log := logging.ForStep(r.b.log, s.source, s.name)
	out, err := invoke(s, in, manipulator.Context{SourceID: s.source, Log: log}, phase)
	if err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("after %s: %w", s.name, err)
	}

	stage, hasImagePhase := s.impl.(manipulator.ImageStage)
	for i := range out.Images {
		img := &out.Images[i]
		if hasImagePhase {
			if img.Origin == nil {
				return nil, faults.Integrityf("%s produced image %s without origin", s.name, img.ID)
			}
			specs, err := stage.BuildImageManipulation(img, s.params)
			if err != nil {
				return nil, &faults.ManipulatorError{Manipulator: s.name, Source: s.source, Phase: PhaseImageSpec, Cause: err}
			}
			key := img.Origin.Key()
			r.specs[key] = append(r.specs[key], specs...)
		}
		img.Hints = nil
	}
	log.Debug("step applied", "images", out.ImageCount(), "categories", len(out.Categories))
	return out, nil
}

func invoke(s step, in manipulator.Input, ctx manipulator.Context, phase string) (out *model.DatasetMeta, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, &faults.ManipulatorError{Manipulator: s.name, Source: s.source, Phase: phase, Cause: fmt.Errorf("panic: %v", rec)}
		}
	}()
	out, err = s.impl.TransformAnnotation(in, s.params, ctx)
	if err != nil {
		return nil, &faults.ManipulatorError{Manipulator: s.name, Source: s.source, Phase: phase, Cause: err}
	}
	if out == nil {
		return nil, &faults.ManipulatorError{Manipulator: s.name, Source: s.source, Phase: phase, Cause: errors.New("returned no dataset")}
	}
	return out, nil
}

func (r *buildRun) plans(final *model.DatasetMeta) (*model.DatasetPlan, error) {
	layout := r.b.layout
	p := &model.DatasetPlan{Output: final, Images: make([]model.ImagePlan, 0, final.ImageCount())}
	dst := make(map[string]model.ImageID, final.ImageCount())
	for i := range final.Images {
		img := &final.Images[i]
		if img.Origin == nil {
			return nil, faults.Integrityf("image %s has no origin", img.ID)
		}
		ip := model.ImagePlan{
			Src: layout.ImagePath(img.Origin.StorageURI, img.Origin.FileName),
			Dst: layout.ImagePath(final.StorageURI, img.FileName),
		}
		if prev, dup := dst[ip.Dst]; dup {
			return nil, faults.Integrityf("destination %s written by images %s and %s", ip.Dst, prev, img.ID)
		}
		dst[ip.Dst] = img.ID
		if specs := r.specs[img.Origin.Key()]; len(specs) > 0 {
			if ext := path.Ext(ip.Dst); !model.CanEncode(ext) {
				return nil, faults.Configf("", img.Origin.DatasetID,
					"image %s is transformed but %q cannot be encoded; add change_compression with output_format jpg or png", img.ID, ext)
			}
			ip.Specs = append([]model.ImageManipulationSpec(nil), specs...)
		}
		p.Images = append(p.Images, ip)
	}
	return p, nil
}
