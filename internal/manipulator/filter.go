package manipulator

import (
	"fmt"
	"regexp"

	"dsforge/internal/model"
)

const (
	KeepByClassName      = "filter_keep_by_class"
	RemoveByClassName    = "filter_remove_by_class"
	InvalidClassNameName = "filter_invalid_class_name"
	FinalClassesName     = "filter_final_classes"
)

// hasClass reports whether any annotation of img belongs to a category whose
// name is in names.
func hasClass(img *model.ImageRecord, index map[int]string, names map[string]struct{}) bool {
	for _, a := range img.Annotations {
		if _, ok := names[index[a.CategoryID]]; ok {
			return true
		}
	}
	return false
}

type keepByClass struct{}

func (keepByClass) Name() string { return KeepByClassName }

func (keepByClass) TransformAnnotation(in Input, params Params, ctx Context) (*model.DatasetMeta, error) {
	meta, err := collapse(in)
	if err != nil {
		return nil, err
	}
	classes, err := params.Strings("class_names")
	if err != nil {
		return nil, err
	}
	names, index := stringSet(classes), meta.CategoryIndex()
	removed := meta.KeepImages(func(img *model.ImageRecord) bool { return hasClass(img, index, names) })
	ctx.logger().Debug("images filtered", "kept", meta.ImageCount(), "removed", removed)
	return meta, nil
}

type removeByClass struct{}

func (removeByClass) Name() string { return RemoveByClassName }

func (removeByClass) TransformAnnotation(in Input, params Params, ctx Context) (*model.DatasetMeta, error) {
	meta, err := collapse(in)
	if err != nil {
		return nil, err
	}
	classes, err := params.Strings("class_names")
	if err != nil {
		return nil, err
	}
	names, index := stringSet(classes), meta.CategoryIndex()
	removed := meta.KeepImages(func(img *model.ImageRecord) bool { return !hasClass(img, index, names) })
	ctx.logger().Debug("images filtered", "kept", meta.ImageCount(), "removed", removed)
	return meta, nil
}

// invalidClassName drops images carrying a class whose name matches one of
// the patterns, then drops the matching categories themselves.
type invalidClassName struct{}

func (invalidClassName) Name() string { return InvalidClassNameName }

func (invalidClassName) TransformAnnotation(in Input, params Params, ctx Context) (*model.DatasetMeta, error) {
	meta, err := collapse(in)
	if err != nil {
		return nil, err
	}
	patterns, err := params.Strings("patterns")
	if err != nil {
		return nil, err
	}

	var match func(string) bool
	switch mode := params.String("mode"); mode {
	case "blacklist":
		set := stringSet(patterns)
		match = func(name string) bool { _, ok := set[name]; return ok }
	case "regex":
		res := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %w", p, err)
			}
			res = append(res, re)
		}
		match = func(name string) bool {
			for _, re := range res {
				if re.MatchString(name) {
					return true
				}
			}
			return false
		}
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}

	bad := map[string]struct{}{}
	for _, c := range meta.Categories {
		if match(c.Name) {
			bad[c.Name] = struct{}{}
		}
	}
	if len(bad) == 0 {
		return meta, nil
	}
	index := meta.CategoryIndex()
	removed := meta.KeepImages(func(img *model.ImageRecord) bool { return !hasClass(img, index, bad) })
	cats := meta.Categories[:0]
	for _, c := range meta.Categories {
		if _, drop := bad[c.Name]; !drop {
			cats = append(cats, c)
		}
	}
	meta.Categories = cats
	ctx.logger().Debug("invalid class names removed", "classes", len(bad), "images_removed", removed)
	return meta, nil
}

// finalClasses prunes annotations and categories to the listed names. Images
// are kept even when they end up without annotations.
type finalClasses struct{}

func (finalClasses) Name() string { return FinalClassesName }

func (finalClasses) TransformAnnotation(in Input, params Params, ctx Context) (*model.DatasetMeta, error) {
	meta, err := collapse(in)
	if err != nil {
		return nil, err
	}
	classes, err := params.Strings("class_names")
	if err != nil {
		return nil, err
	}
	names := stringSet(classes)
	keep := map[int]bool{}
	cats := meta.Categories[:0]
	for _, c := range meta.Categories {
		if _, ok := names[c.Name]; ok {
			keep[c.ID] = true
			cats = append(cats, c)
		}
	}
	meta.Categories = cats

	dropped := 0
	for i := range meta.Images {
		img := &meta.Images[i]
		anns := img.Annotations[:0]
		for _, a := range img.Annotations {
			if keep[a.CategoryID] {
				anns = append(anns, a)
			} else {
				dropped++
			}
		}
		img.Annotations = anns
	}
	ctx.logger().Debug("final classes applied", "categories", len(meta.Categories), "annotations_dropped", dropped)
	return meta, nil
}
