package manipulator

import (
	"fmt"
	"path"
	"strings"

	"dsforge/internal/model"
)

const (
	Rotate180Name   = "rotate_180"
	CompressionName = "change_compression"
	MaskRegionName  = "mask_region_by_class"
)

// rotate180 flips geometry around the image centre. Every surviving image is
// rotated, so each gets a rotate spec.
type rotate180 struct{}

func (rotate180) Name() string { return Rotate180Name }

func (rotate180) TransformAnnotation(in Input, _ Params, ctx Context) (*model.DatasetMeta, error) {
	meta := in.Single()
	if meta == nil {
		return nil, ErrNoInput
	}
	for i := range meta.Images {
		img := &meta.Images[i]
		w, h := float64(img.Width), float64(img.Height)
		for k := range img.Annotations {
			a := &img.Annotations[k]
			if len(a.BBox) == 0 && len(a.Segmentation) == 0 {
				continue
			}
			if img.Width <= 0 || img.Height <= 0 {
				return nil, fmt.Errorf("image %s: width/height unknown, cannot rotate geometry", img.ID)
			}
			if len(a.BBox) == 4 {
				a.BBox[0] = w - a.BBox[0] - a.BBox[2]
				a.BBox[1] = h - a.BBox[1] - a.BBox[3]
			}
			for _, poly := range a.Segmentation {
				for j := 0; j+1 < len(poly); j += 2 {
					poly[j] = w - poly[j]
					poly[j+1] = h - poly[j+1]
				}
			}
		}
	}
	ctx.logger().Debug("geometry rotated", "images", meta.ImageCount())
	return meta, nil
}

func (rotate180) BuildImageManipulation(*model.ImageRecord, Params) ([]model.ImageManipulationSpec, error) {
	return []model.ImageManipulationSpec{{Operation: model.OpRotate180}}, nil
}

// changeCompression only renames files in the annotation phase; the pixel
// work happens in the image phase.
type changeCompression struct{}

func (changeCompression) Name() string { return CompressionName }

func compressionExt(params Params) (string, error) {
	switch f := params.String("output_format"); f {
	case "", "jpg":
		return ".jpg", nil
	case "png":
		return ".png", nil
	default:
		return "", fmt.Errorf("unsupported output_format %q", f)
	}
}

func (changeCompression) TransformAnnotation(in Input, params Params, ctx Context) (*model.DatasetMeta, error) {
	meta := in.Single()
	if meta == nil {
		return nil, ErrNoInput
	}
	ext, err := compressionExt(params)
	if err != nil {
		return nil, err
	}
	for i := range meta.Images {
		img := &meta.Images[i]
		img.FileName = strings.TrimSuffix(img.FileName, path.Ext(img.FileName)) + ext
	}
	ctx.logger().Debug("file extensions rewritten", "ext", ext, "images", meta.ImageCount())
	return meta, nil
}

func (changeCompression) BuildImageManipulation(_ *model.ImageRecord, params Params) ([]model.ImageManipulationSpec, error) {
	quality, err := params.Int("quality")
	if err != nil {
		return nil, err
	}
	ext, err := compressionExt(params)
	if err != nil {
		return nil, err
	}
	return []model.ImageManipulationSpec{{
		Operation: model.OpCompression,
		Params:    map[string]any{"quality": quality, "output_format": strings.TrimPrefix(ext, ".")},
	}}, nil
}

// MaskHint is what mask_region_by_class leaves on an image for its image
// phase: the boxes and polygons to paint over.
type MaskHint struct {
	Regions  [][]float64
	Polygons [][]float64
}

type maskRegion struct{}

func (maskRegion) Name() string { return MaskRegionName }

func (maskRegion) TransformAnnotation(in Input, params Params, ctx Context) (*model.DatasetMeta, error) {
	meta := in.Single()
	if meta == nil {
		return nil, ErrNoInput
	}
	if meta.Format != model.FormatCOCO {
		return nil, fmt.Errorf("mask needs COCO annotations, got %q", meta.Format)
	}
	classes, err := params.Strings("class_names")
	if err != nil {
		return nil, err
	}
	names, index := stringSet(classes), meta.CategoryIndex()

	masked := 0
	for i := range meta.Images {
		img := &meta.Images[i]
		var hint MaskHint
		anns := img.Annotations[:0]
		for _, a := range img.Annotations {
			if _, ok := names[index[a.CategoryID]]; !ok {
				anns = append(anns, a)
				continue
			}
			if len(a.BBox) == 4 {
				hint.Regions = append(hint.Regions, a.BBox)
			}
			hint.Polygons = append(hint.Polygons, a.Segmentation...)
		}
		img.Annotations = anns
		if len(hint.Regions) == 0 && len(hint.Polygons) == 0 {
			continue
		}
		if img.Hints == nil {
			img.Hints = map[string]any{}
		}
		img.Hints[MaskRegionName] = hint
		masked++
	}
	ctx.logger().Debug("regions masked", "images", masked)
	return meta, nil
}

// BuildImageManipulation emits a spec only for images that had a region
// removed in the annotation phase.
func (maskRegion) BuildImageManipulation(img *model.ImageRecord, params Params) ([]model.ImageManipulationSpec, error) {
	hint, ok := img.Hints[MaskRegionName].(MaskHint)
	if !ok {
		return nil, nil
	}
	fill := params.String("fill_color")
	if fill == "" {
		fill = "#000000"
	}
	return []model.ImageManipulationSpec{{
		Operation: model.OpMaskRegion,
		Params: map[string]any{
			"regions":    hint.Regions,
			"polygons":   hint.Polygons,
			"fill_color": fill,
		},
	}}, nil
}
