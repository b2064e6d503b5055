package manipulator

import (
	"fmt"

	"dsforge/internal/format"
	"dsforge/internal/model"
)

const (
	ToYOLOName         = "format_convert_to_yolo"
	ToCOCOName         = "format_convert_to_coco"
	VisDroneToCOCOName = "format_convert_visdrone_to_coco"
	VisDroneToYOLOName = "format_convert_visdrone_to_yolo"
)

func requireFormat(meta *model.DatasetMeta, want string) error {
	if meta.Format != want {
		return fmt.Errorf("want %s annotations, got %q", want, meta.Format)
	}
	return nil
}

// toDetection reduces annotations to plain boxes: polygons become their
// bounds, labels and attributes are dropped. YOLO needs image dimensions for
// normalisation, so images with boxes must carry them.
func toDetection(meta *model.DatasetMeta) (dropped int, err error) {
	for i := range meta.Images {
		img := &meta.Images[i]
		anns := img.Annotations[:0]
		for _, a := range img.Annotations {
			switch a.Kind {
			case model.KindBBox:
			case model.KindSegmentation:
				a.BBox = model.PolygonBounds(a.Segmentation)
				a.Segmentation = nil
				a.Kind = model.KindBBox
			default:
				dropped++
				continue
			}
			a.Extra = nil
			anns = append(anns, a)
		}
		img.Annotations = anns
		if len(anns) > 0 && (img.Width <= 0 || img.Height <= 0) {
			return dropped, fmt.Errorf("image %s: width/height unknown", img.ID)
		}
	}
	return dropped, nil
}

type toYOLO struct{}

func (toYOLO) Name() string { return ToYOLOName }

func (toYOLO) TransformAnnotation(in Input, _ Params, ctx Context) (*model.DatasetMeta, error) {
	meta := in.Single()
	if meta == nil {
		return nil, ErrNoInput
	}
	if err := requireFormat(meta, model.FormatCOCO); err != nil {
		return nil, err
	}
	dropped, err := toDetection(meta)
	if err != nil {
		return nil, err
	}
	meta.Format = model.FormatYOLO
	meta.Extra = nil
	ctx.logger().Debug("converted to YOLO", "images", meta.ImageCount(), "dropped_annotations", dropped)
	return meta, nil
}

// toCOCO names YOLO classes. YOLO class k is the k-th category of the list;
// it becomes COCO category k+1 named category_names[k].
type toCOCO struct{}

func (toCOCO) Name() string { return ToCOCOName }

func (toCOCO) TransformAnnotation(in Input, params Params, ctx Context) (*model.DatasetMeta, error) {
	meta := in.Single()
	if meta == nil {
		return nil, ErrNoInput
	}
	if err := requireFormat(meta, model.FormatYOLO); err != nil {
		return nil, err
	}
	names, err := params.Strings("category_names")
	if err != nil {
		return nil, err
	}
	pos := make(map[int]int, len(meta.Categories))
	for k, c := range meta.Categories {
		pos[c.ID] = k
	}
	for i := range meta.Images {
		anns := meta.Images[i].Annotations
		for k := range anns {
			p, ok := pos[anns[k].CategoryID]
			if !ok || p >= len(names) {
				return nil, fmt.Errorf("image %s: category %d has no entry in category_names (%d given)",
					meta.Images[i].ID, anns[k].CategoryID, len(names))
			}
			anns[k].CategoryID = p + 1
		}
	}
	cats := make([]model.Category, len(names))
	for k, n := range names {
		cats[k] = model.Category{ID: k + 1, Name: n}
	}
	meta.Categories = cats
	meta.Format = model.FormatCOCO
	ctx.logger().Debug("converted to COCO", "images", meta.ImageCount(), "categories", len(cats))
	return meta, nil
}

// visDroneConvert drops the "ignored regions" and "others" classes and keeps
// the ten object classes with their VisDrone ids.
type visDroneConvert struct {
	name   string
	target string
}

func (v visDroneConvert) Name() string { return v.name }

func (v visDroneConvert) TransformAnnotation(in Input, _ Params, ctx Context) (*model.DatasetMeta, error) {
	meta := in.Single()
	if meta == nil {
		return nil, ErrNoInput
	}
	if err := requireFormat(meta, model.FormatCustom); err != nil {
		return nil, err
	}
	skipped := 0
	for i := range meta.Images {
		img := &meta.Images[i]
		anns := img.Annotations[:0]
		for _, a := range img.Annotations {
			if a.CategoryID < 0 || a.CategoryID >= len(format.VisDroneClasses) {
				return nil, fmt.Errorf("image %s: %d is not a VisDrone class", img.ID, a.CategoryID)
			}
			if !format.VisDroneObject(a.CategoryID) {
				skipped++
				continue
			}
			anns = append(anns, a)
		}
		img.Annotations = anns
	}
	var cats []model.Category
	for id, name := range format.VisDroneClasses {
		if format.VisDroneObject(id) {
			cats = append(cats, model.Category{ID: id, Name: name})
		}
	}
	meta.Categories = cats
	meta.Format = v.target
	if v.target == model.FormatYOLO {
		if _, err := toDetection(meta); err != nil {
			return nil, err
		}
	}
	ctx.logger().Debug("converted VisDrone", "target", v.target, "skipped_annotations", skipped)
	return meta, nil
}
