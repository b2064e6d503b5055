package manipulator

import (
	"fmt"
	"path"
	"strconv"

	"dsforge/internal/faults"
	"dsforge/internal/model"
)

const MergeName = "merge_datasets"

// MergeStrategy decides how image ids and file names are re-keyed.
type MergeStrategy string

const (
	// MergeBySourceName prefixes ids and file names with the source dataset id.
	MergeBySourceName MergeStrategy = "prefix_source_name"
	// MergeByIndex renumbers ids 1..N and prefixes file names with the
	// source position.
	MergeByIndex MergeStrategy = "prefix_index"
)

func ParseMergeStrategy(s string) (MergeStrategy, error) {
	switch MergeStrategy(s) {
	case "", MergeBySourceName:
		return MergeBySourceName, nil
	case MergeByIndex:
		return MergeByIndex, nil
	default:
		return "", fmt.Errorf("unknown merge strategy %q", s)
	}
}

// SourceImage identifies an image by source position and its id before merge.
type SourceImage struct {
	Source int
	ID     model.ImageID
}

// Rekey maps every merged image back from its pre-merge identity.
type Rekey map[SourceImage]model.ImageID

// Merge unions several datasets into one. Categories are unioned by name:
// the first occurrence of a name gets the next dense id and later duplicates
// fold into it. Inputs are consumed; a single input is returned unchanged.
func Merge(metas []*model.DatasetMeta, strategy MergeStrategy) (*model.DatasetMeta, Rekey, error) {
	if len(metas) == 0 {
		return nil, nil, ErrNoInput
	}
	if len(metas) == 1 {
		m := metas[0]
		rk := make(Rekey, len(m.Images))
		for _, img := range m.Images {
			rk[SourceImage{ID: img.ID}] = img.ID
		}
		return m, rk, nil
	}

	out := &model.DatasetMeta{Format: metas[0].Format}
	canonical := map[string]int{}
	rk := Rekey{}
	seen := map[model.ImageID]struct{}{}
	next := 1

	for i, m := range metas {
		if m == nil {
			return nil, nil, ErrNoInput
		}
		if m.Format != out.Format {
			out.Format = ""
		}
		local := make(map[int]int, len(m.Categories))
		for _, c := range m.Categories {
			id, ok := canonical[c.Name]
			if !ok {
				id = len(out.Categories) + 1
				canonical[c.Name] = id
				out.Categories = append(out.Categories, model.Category{ID: id, Name: c.Name, Supercategory: c.Supercategory})
			}
			local[c.ID] = id
		}

		prefix := m.DatasetID
		if prefix == "" {
			prefix = "src" + strconv.Itoa(i)
		}
		for _, img := range m.Images {
			for k := range img.Annotations {
				id, ok := local[img.Annotations[k].CategoryID]
				if !ok {
					return nil, nil, faults.Integrityf("merge: source %s image %s references unknown category %d",
						prefix, img.ID, img.Annotations[k].CategoryID)
				}
				img.Annotations[k].CategoryID = id
			}

			oldID := img.ID
			switch strategy {
			case MergeByIndex:
				img.ID = model.ImageID(strconv.Itoa(next))
				img.FileName = prefixBase(strconv.Itoa(i), img.FileName)
			default:
				img.ID = model.ImageID(prefix + "_" + string(oldID))
				img.FileName = prefixBase(prefix, img.FileName)
			}
			next++
			if _, dup := seen[img.ID]; dup {
				return nil, nil, faults.Integrityf("merge: image id %s is not unique after re-keying", img.ID)
			}
			seen[img.ID] = struct{}{}
			rk[SourceImage{Source: i, ID: oldID}] = img.ID
			out.Images = append(out.Images, img)
		}
	}
	return out, rk, nil
}

func prefixBase(prefix, file string) string {
	dir, base := path.Split(file)
	return dir + prefix + "_" + base
}

type mergeDatasets struct{}

func (mergeDatasets) Name() string { return MergeName }

func (mergeDatasets) TransformAnnotation(in Input, params Params, ctx Context) (*model.DatasetMeta, error) {
	if in.Scope() != PostMerge {
		return nil, fmt.Errorf("%s: needs a list of datasets", MergeName)
	}
	strategy, err := ParseMergeStrategy(params.String("duplicate_strategy"))
	if err != nil {
		return nil, err
	}
	merged, _, err := Merge(in.List(), strategy)
	if err != nil {
		return nil, err
	}
	ctx.logger().Debug("datasets merged", "inputs", len(in.List()), "images", merged.ImageCount(), "categories", len(merged.Categories))
	return merged, nil
}
