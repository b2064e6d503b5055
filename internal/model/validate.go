package model

import (
	"dsforge/internal/faults"
)

// Validate checks the structural invariants every loader and manipulator must
// uphold: unique category ids, unique image ids, geometry consistent with
// the annotation kind, and category references that resolve.
func (d *DatasetMeta) Validate() error {
	cats := make(map[int]struct{}, len(d.Categories))
	for _, c := range d.Categories {
		if _, dup := cats[c.ID]; dup {
			return faults.Integrityf("dataset %s: duplicate category id %d", d.DatasetID, c.ID)
		}
		cats[c.ID] = struct{}{}
	}

	ids := make(map[ImageID]struct{}, len(d.Images))
	for i := range d.Images {
		img := &d.Images[i]
		if _, dup := ids[img.ID]; dup {
			return faults.Integrityf("dataset %s: duplicate image id %q", d.DatasetID, img.ID)
		}
		ids[img.ID] = struct{}{}

		for j, a := range img.Annotations {
			if err := a.checkGeometry(); err != nil {
				return faults.Integrityf("dataset %s: image %q annotation %d: %s", d.DatasetID, img.ID, j, err)
			}
			if _, ok := cats[a.CategoryID]; !ok {
				return faults.Integrityf("dataset %s: image %q annotation %d references missing category %d",
					d.DatasetID, img.ID, j, a.CategoryID)
			}
		}
	}
	return nil
}

type geometryError string

func (e geometryError) Error() string { return string(e) }

func (a Annotation) checkGeometry() error {
	switch a.Kind {
	case KindBBox:
		if len(a.BBox) != 4 {
			return geometryError("bbox annotation needs [x, y, w, h]")
		}
		if len(a.Segmentation) != 0 {
			return geometryError("bbox annotation carries a polygon")
		}
	case KindSegmentation:
		if len(a.Segmentation) == 0 {
			return geometryError("segmentation annotation has no polygon")
		}
		if a.BBox != nil {
			return geometryError("segmentation annotation carries a bbox")
		}
		for _, poly := range a.Segmentation {
			if len(poly) < 6 || len(poly)%2 != 0 {
				return geometryError("polygon needs at least three x,y points")
			}
		}
	case KindLabel:
		if a.BBox != nil || len(a.Segmentation) != 0 {
			return geometryError("label annotation carries geometry")
		}
	case KindAttribute:
		if a.BBox != nil || len(a.Segmentation) != 0 {
			return geometryError("attribute annotation carries geometry")
		}
	default:
		return geometryError("unknown annotation kind " + string(a.Kind))
	}
	return nil
}

// PolygonBounds returns the [x, y, w, h] extent of a set of polygons.
func PolygonBounds(polys [][]float64) []float64 {
	first := true
	var minX, minY, maxX, maxY float64
	for _, p := range polys {
		for i := 0; i+1 < len(p); i += 2 {
			x, y := p[i], p[i+1]
			if first {
				minX, maxX, minY, maxY = x, x, y, y
				first = false
				continue
			}
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}
	if first {
		return nil
	}
	return []float64{minX, minY, maxX - minX, maxY - minY}
}
