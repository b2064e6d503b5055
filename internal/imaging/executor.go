// Package imaging applies ImageManipulationSpecs to image bytes with OpenCV.
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"path"
	"strings"

	"gocv.io/x/gocv"

	"dsforge/internal/model"
	"dsforge/internal/storage"
)

// Executor materializes ImagePlans against one storage backend. Copy-only
// plans never decode the image.
type Executor struct {
	st storage.Storage
}

func NewExecutor(st storage.Storage) *Executor { return &Executor{st: st} }

func (e *Executor) Execute(ctx context.Context, p model.ImagePlan) error {
	if p.IsCopyOnly() {
		return e.st.Copy(ctx, p.Src, p.Dst)
	}
	raw, err := e.read(ctx, p.Src)
	if err != nil {
		return err
	}
	out, err := Apply(raw, p.Specs, path.Ext(p.Dst))
	if err != nil {
		return err
	}
	return e.write(ctx, p.Dst, out)
}

func (e *Executor) read(ctx context.Context, rel string) ([]byte, error) {
	rc, err := e.st.Open(ctx, rel)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (e *Executor) write(ctx context.Context, rel string, data []byte) error {
	w, err := e.st.Create(ctx, rel)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Apply decodes raw, runs specs in order and encodes the result for the
// extension ext.
func Apply(raw []byte, specs []model.ImageManipulationSpec, ext string) ([]byte, error) {
	mat, err := gocv.IMDecode(raw, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	defer func() { mat.Close() }()
	if mat.Empty() {
		return nil, fmt.Errorf("decode: not an image")
	}

	enc := encoding{ext: strings.ToLower(ext), quality: 95}
	for _, s := range specs {
		switch s.Operation {
		case model.OpRotate180:
			dst := gocv.NewMat()
			gocv.Rotate(mat, &dst, gocv.Rotate180Clockwise)
			mat.Close()
			mat = dst
		case model.OpMaskRegion:
			if err := mask(&mat, s.Params); err != nil {
				return nil, err
			}
		case model.OpCompression:
			q, err := intParam(s.Params, "quality", 80)
			if err != nil {
				return nil, err
			}
			enc.quality = q
			if f, ok := s.Params["output_format"].(string); ok && f != "" {
				enc.ext = "." + strings.ToLower(f)
			}
		default:
			return nil, fmt.Errorf("unknown image operation %q", s.Operation)
		}
	}
	return enc.encode(mat)
}

type encoding struct {
	ext     string
	quality int
}

func (e encoding) encode(mat gocv.Mat) ([]byte, error) {
	var (
		ext    gocv.FileExt
		params []int
	)
	switch e.ext {
	case ".png":
		ext = gocv.PNGFileExt
		// 0..9, 9 smallest.
		params = []int{int(gocv.IMWritePngCompression), (100 - e.quality) * 9 / 100}
	case ".jpg", ".jpeg", "":
		ext = gocv.JPEGFileExt
		params = []int{int(gocv.IMWriteJpegQuality), e.quality}
	default:
		return nil, fmt.Errorf("encode: unsupported extension %q", e.ext)
	}
	buf, err := gocv.IMEncodeWithParams(ext, mat, params)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

func mask(mat *gocv.Mat, params map[string]any) error {
	fill, err := ParseColor(stringParam(params, "fill_color", "#000000"))
	if err != nil {
		return err
	}
	regions, err := floatRows(params["regions"])
	if err != nil {
		return fmt.Errorf("regions: %w", err)
	}
	for _, r := range regions {
		if len(r) != 4 {
			return fmt.Errorf("region needs 4 values, got %d", len(r))
		}
		rect := image.Rect(int(r[0]), int(r[1]), int(r[0]+r[2]), int(r[1]+r[3]))
		gocv.Rectangle(mat, rect, fill, -1)
	}

	polys, err := floatRows(params["polygons"])
	if err != nil {
		return fmt.Errorf("polygons: %w", err)
	}
	var pts [][]image.Point
	for _, p := range polys {
		if len(p) < 6 || len(p)%2 != 0 {
			continue
		}
		ring := make([]image.Point, 0, len(p)/2)
		for i := 0; i < len(p); i += 2 {
			ring = append(ring, image.Pt(int(p[i]), int(p[i+1])))
		}
		pts = append(pts, ring)
	}
	if len(pts) == 0 {
		return nil
	}
	pv := gocv.NewPointsVectorFromPoints(pts)
	defer pv.Close()
	gocv.FillPoly(mat, pv, fill)
	return nil
}
