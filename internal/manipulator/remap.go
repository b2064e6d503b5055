package manipulator

import (
	"dsforge/internal/model"
)

const RemapName = "remap_class_name"

// remapClassName renames categories. Two categories ending up with the same
// name are folded: the first keeps its id and annotations of the other are
// rewritten onto it.
type remapClassName struct{}

func (remapClassName) Name() string { return RemapName }

func (remapClassName) TransformAnnotation(in Input, params Params, ctx Context) (*model.DatasetMeta, error) {
	meta, err := collapse(in)
	if err != nil {
		return nil, err
	}
	mapping, err := params.StringMap("mapping")
	if err != nil {
		return nil, err
	}

	byName := map[string]int{}
	fold := map[int]int{}
	cats := make([]model.Category, 0, len(meta.Categories))
	for _, c := range meta.Categories {
		if to, ok := mapping[c.Name]; ok && to != "" {
			c.Name = to
		}
		if id, ok := byName[c.Name]; ok {
			fold[c.ID] = id
			continue
		}
		byName[c.Name] = c.ID
		cats = append(cats, c)
	}
	meta.Categories = cats

	if len(fold) > 0 {
		for i := range meta.Images {
			anns := meta.Images[i].Annotations
			for k := range anns {
				if id, ok := fold[anns[k].CategoryID]; ok {
					anns[k].CategoryID = id
				}
			}
		}
	}
	ctx.logger().Debug("classes remapped", "renamed", len(mapping), "folded", len(fold))
	return meta, nil
}
