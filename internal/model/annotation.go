// Package model is the format-neutral in-memory representation of a dataset
// and of the plan derived from it. Codecs build it, manipulators rewrite it,
// the plan builder consumes it. Nothing here touches storage.
package model

import (
	"maps"
	"slices"
)

// Annotation format tags.
const (
	FormatCOCO   = "COCO"
	FormatYOLO   = "YOLO"
	FormatCustom = "CUSTOM"
)

type Kind string

const (
	KindBBox         Kind = "BBOX"
	KindSegmentation Kind = "SEGMENTATION"
	KindLabel        Kind = "LABEL"
	KindAttribute    Kind = "ATTRIBUTE"
)

// Annotation is one object or region. Geometry is absolute pixels: BBox is
// [x, y, w, h]; Segmentation is a list of flat [x0, y0, x1, y1, ...] polygons.
type Annotation struct {
	Kind         Kind
	CategoryID   int
	BBox         []float64
	Segmentation [][]float64
	Label        string
	Attributes   map[string]any
	// Extra holds format-specific fields that are round-tripped untouched.
	Extra map[string]any
}

type Category struct {
	ID            int    `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	Supercategory string `json:"supercategory,omitempty" yaml:"supercategory,omitempty"`
}

// ImageID is unique within one DatasetMeta. Integer ids from a source file
// are kept in their decimal form.
type ImageID string

// Origin pins an image to the source file it was loaded from. It is set once
// by the plan builder and survives every rewrite of the record.
type Origin struct {
	SourceIndex int
	DatasetID   string
	StorageURI  string
	ImageID     ImageID
	FileName    string
}

func (o *Origin) Key() string {
	return o.DatasetID + "\x00" + string(o.ImageID)
}

type ImageRecord struct {
	ID       ImageID
	FileName string
	// Width and Height are 0 when unknown.
	Width       int
	Height      int
	Annotations []Annotation
	Extra       map[string]any

	Origin *Origin
	// Hints carries decisions taken in the annotation phase that the image
	// phase of the same manipulator translates into specs. Never serialized.
	Hints map[string]any
}

type DatasetMeta struct {
	DatasetID  string
	StorageURI string
	Format     string
	Categories []Category
	Images     []ImageRecord
	Extra      map[string]any
}

func (d *DatasetMeta) ImageCount() int { return len(d.Images) }

func (d *DatasetMeta) CategoryNames() []string {
	names := make([]string, len(d.Categories))
	for i, c := range d.Categories {
		names[i] = c.Name
	}
	return names
}

// CategoryIndex maps category id to name.
func (d *DatasetMeta) CategoryIndex() map[int]string {
	idx := make(map[int]string, len(d.Categories))
	for _, c := range d.Categories {
		idx[c.ID] = c.Name
	}
	return idx
}

func (d *DatasetMeta) CategoryByName(name string) (Category, bool) {
	for _, c := range d.Categories {
		if c.Name == name {
			return c, true
		}
	}
	return Category{}, false
}

// NextCategoryID returns one past the largest category id in use.
func (d *DatasetMeta) NextCategoryID() int {
	next := 1
	for _, c := range d.Categories {
		if c.ID >= next {
			next = c.ID + 1
		}
	}
	return next
}

// KeepImages drops every image for which keep returns false. Annotations go
// with their image.
func (d *DatasetMeta) KeepImages(keep func(*ImageRecord) bool) (removed int) {
	kept := d.Images[:0]
	for i := range d.Images {
		if keep(&d.Images[i]) {
			kept = append(kept, d.Images[i])
		}
	}
	removed = len(d.Images) - len(kept)
	clear(d.Images[len(kept):])
	d.Images = kept
	return removed
}

// AnnotationCount sums annotations over all images.
func (d *DatasetMeta) AnnotationCount() int {
	n := 0
	for _, img := range d.Images {
		n += len(img.Annotations)
	}
	return n
}

func (a Annotation) Clone() Annotation {
	out := a
	out.BBox = slices.Clone(a.BBox)
	if a.Segmentation != nil {
		out.Segmentation = make([][]float64, len(a.Segmentation))
		for i, poly := range a.Segmentation {
			out.Segmentation[i] = slices.Clone(poly)
		}
	}
	out.Attributes = cloneMap(a.Attributes)
	out.Extra = cloneMap(a.Extra)
	return out
}

// Clone deep-copies the record. Origin is shared since it is never mutated.
func (r ImageRecord) Clone() ImageRecord {
	out := r
	if r.Annotations != nil {
		out.Annotations = make([]Annotation, len(r.Annotations))
		for i, a := range r.Annotations {
			out.Annotations[i] = a.Clone()
		}
	}
	out.Extra = cloneMap(r.Extra)
	out.Hints = cloneMap(r.Hints)
	return out
}

func (d *DatasetMeta) Clone() *DatasetMeta {
	if d == nil {
		return nil
	}
	out := *d
	out.Categories = slices.Clone(d.Categories)
	if d.Images != nil {
		out.Images = make([]ImageRecord, len(d.Images))
		for i, img := range d.Images {
			out.Images[i] = img.Clone()
		}
	}
	out.Extra = cloneMap(d.Extra)
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = cloneValue(e)
		}
		return cp
	case []float64:
		return slices.Clone(t)
	case [][]float64:
		cp := make([][]float64, len(t))
		for i, e := range t {
			cp[i] = slices.Clone(e)
		}
		return cp
	default:
		return v
	}
}

// CloneValue deep-copies JSON-like values (maps, slices, scalars).
func CloneValue(v any) any { return cloneValue(v) }
