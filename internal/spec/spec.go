package spec

// ManipulatorStep is one entry of a manipulator chain.
type ManipulatorStep struct {
	Name   string         `yaml:"manipulator_name" json:"manipulator_name"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

type Source struct {
	DatasetID string `yaml:"dataset_id" json:"dataset_id"`
	// Ordered; applied as declared, never re-sorted.
	Manipulators []ManipulatorStep `yaml:"manipulators,omitempty" json:"manipulators,omitempty"`
}

const (
	MergePrefixSourceName = "prefix_source_name"
	MergePrefixIndex      = "prefix_index"
)

// Pipeline is the declarative run configuration. It is also the literal
// snapshot stored on the execution and on every lineage edge.
type Pipeline struct {
	SchemaVersion string `yaml:"schema_version,omitempty" json:"schema_version,omitempty"`

	Sources               []Source          `yaml:"sources" json:"sources"`
	PostMergeManipulators []ManipulatorStep `yaml:"post_merge_manipulators,omitempty" json:"post_merge_manipulators,omitempty"`
	MergeStrategy         string            `yaml:"merge_strategy,omitempty" json:"merge_strategy,omitempty"`
	TaskType              string            `yaml:"task_type,omitempty" json:"task_type,omitempty"`

	OutputGroupName        string   `yaml:"output_group_name" json:"output_group_name"`
	OutputDatasetType      string   `yaml:"output_dataset_type,omitempty" json:"output_dataset_type,omitempty"`
	OutputAnnotationFormat string   `yaml:"output_annotation_format,omitempty" json:"output_annotation_format,omitempty"`
	OutputSplits           []string `yaml:"output_splits,omitempty" json:"output_splits,omitempty"`
	Description            string   `yaml:"description,omitempty" json:"description,omitempty"`
}

// ApplyDefaults fills the optional output descriptors.
func (p *Pipeline) ApplyDefaults() {
	if p.OutputDatasetType == "" {
		p.OutputDatasetType = "PROCESSED"
	}
	if len(p.OutputSplits) == 0 {
		p.OutputSplits = []string{"NONE"}
	}
	if p.MergeStrategy == "" {
		p.MergeStrategy = MergePrefixSourceName
	}
}

// SourceIDs lists the source dataset ids in declaration order.
func (p *Pipeline) SourceIDs() []string {
	ids := make([]string, len(p.Sources))
	for i, s := range p.Sources {
		ids[i] = s.DatasetID
	}
	return ids
}

// Clone deep-copies the pipeline, params included, so snapshots taken from it
// cannot be changed through the original.
func (p Pipeline) Clone() Pipeline {
	out := p
	out.Sources = make([]Source, len(p.Sources))
	for i, s := range p.Sources {
		out.Sources[i] = Source{DatasetID: s.DatasetID, Manipulators: CloneSteps(s.Manipulators)}
	}
	out.PostMergeManipulators = CloneSteps(p.PostMergeManipulators)
	out.OutputSplits = append([]string(nil), p.OutputSplits...)
	return out
}

func CloneSteps(steps []ManipulatorStep) []ManipulatorStep {
	if steps == nil {
		return nil
	}
	out := make([]ManipulatorStep, len(steps))
	for i, st := range steps {
		out[i] = ManipulatorStep{Name: st.Name}
		if st.Params != nil {
			out[i].Params = deepCopy(st.Params).(map[string]any)
		}
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, e := range t {
			cp[k] = deepCopy(e)
		}
		return cp
	case map[string]string:
		cp := make(map[string]string, len(t))
		for k, e := range t {
			cp[k] = e
		}
		return cp
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = deepCopy(e)
		}
		return cp
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
