package model

import "strings"

// Image operations understood by the image executor.
const (
	OpRotate180   = "rotate_180"
	OpCompression = "change_compression"
	OpMaskRegion  = "mask_region"
)

// ImageManipulationSpec is one declared image-level operation. An empty list
// of specs means the image is copied unchanged.
type ImageManipulationSpec struct {
	Operation string         `json:"operation" yaml:"operation"`
	Params    map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// ImagePlan is the materialization instruction for one output image. Paths
// are storage-relative tokens.
type ImagePlan struct {
	Src   string
	Dst   string
	Specs []ImageManipulationSpec
}

func (p ImagePlan) IsCopyOnly() bool { return len(p.Specs) == 0 }

// CanEncode reports whether the image executor can write a transformed image
// with extension ext. An empty extension is written as JPEG.
func CanEncode(ext string) bool {
	switch strings.ToLower(ext) {
	case "", ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// Op names the operation for error reporting.
func (p ImagePlan) Op() string {
	if p.IsCopyOnly() {
		return "copy"
	}
	ops := p.Specs[0].Operation
	for _, s := range p.Specs[1:] {
		ops += "+" + s.Operation
	}
	return ops
}

// DatasetPlan is the only artifact handed to the image executor. One plan
// corresponds to exactly one execution attempt.
type DatasetPlan struct {
	Output *DatasetMeta
	Images []ImagePlan
}

func (p *DatasetPlan) TotalImages() int { return len(p.Images) }

func (p *DatasetPlan) CopyOnlyCount() int {
	n := 0
	for _, img := range p.Images {
		if img.IsCopyOnly() {
			n++
		}
	}
	return n
}

func (p *DatasetPlan) TransformCount() int { return p.TotalImages() - p.CopyOnlyCount() }
