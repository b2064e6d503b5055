package format

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"dsforge/internal/model"
	"dsforge/internal/storage"
)

const (
	yoloLabelsDir  = "labels"
	yoloClassesTxt = "classes.txt"
	yoloDataYAML   = "data.yaml"
)

// YOLO stores one labels/<stem>.txt per image with "class cx cy w h" rows in
// normalised coordinates, plus classes.txt naming the classes in order.
// Category ids in the model are the 0-based class indexes.
type YOLO struct{}

func (YOLO) Name() string { return model.FormatYOLO }

func labelPath(uri, file string) string {
	return path.Join(uri, yoloLabelsDir, stem(file)+".txt")
}

func (YOLO) Read(ctx context.Context, st storage.Storage, uri string, layout storage.Layout) (*model.DatasetMeta, error) {
	files, err := imageFiles(ctx, st, uri, layout)
	if err != nil {
		return nil, fmt.Errorf("yolo: %w", err)
	}
	names, err := readLines(ctx, st, path.Join(uri, yoloClassesTxt))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("yolo: classes: %w", err)
	}

	meta := &model.DatasetMeta{StorageURI: uri, Format: model.FormatYOLO}
	maxClass := len(names) - 1
	for i, file := range files {
		w, h, err := imageDims(ctx, st, layout.ImagePath(uri, file))
		if err != nil {
			return nil, fmt.Errorf("yolo: %w", err)
		}
		rec := model.ImageRecord{ID: model.ImageID(strconv.Itoa(i + 1)), FileName: file, Width: w, Height: h}
		rows, err := readLines(ctx, st, labelPath(uri, file))
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("yolo: labels of %s: %w", file, err)
		}
		for n, row := range rows {
			a, err := parseYOLORow(row, w, h)
			if err != nil {
				return nil, fmt.Errorf("yolo: %s line %d: %w", file, n+1, err)
			}
			if a.CategoryID > maxClass {
				maxClass = a.CategoryID
			}
			rec.Annotations = append(rec.Annotations, a)
		}
		meta.Images = append(meta.Images, rec)
	}

	for k := 0; k <= maxClass; k++ {
		name := "class_" + strconv.Itoa(k)
		if k < len(names) {
			name = names[k]
		}
		meta.Categories = append(meta.Categories, model.Category{ID: k, Name: name})
	}
	return meta, nil
}

func parseYOLORow(row string, w, h int) (model.Annotation, error) {
	f := strings.Fields(row)
	if len(f) != 5 {
		return model.Annotation{}, fmt.Errorf("want 5 fields, got %d", len(f))
	}
	cls, err := strconv.Atoi(f[0])
	if err != nil || cls < 0 {
		return model.Annotation{}, fmt.Errorf("bad class %q", f[0])
	}
	var v [4]float64
	for i := range v {
		if v[i], err = strconv.ParseFloat(f[i+1], 64); err != nil {
			return model.Annotation{}, fmt.Errorf("bad coordinate %q", f[i+1])
		}
	}
	if w <= 0 || h <= 0 {
		return model.Annotation{}, fmt.Errorf("image size unknown")
	}
	fw, fh := float64(w), float64(h)
	bw, bh := v[2]*fw, v[3]*fh
	return model.Annotation{
		Kind:       model.KindBBox,
		CategoryID: cls,
		BBox:       []float64{v[0]*fw - bw/2, v[1]*fh - bh/2, bw, bh},
	}, nil
}

func (YOLO) Write(ctx context.Context, st storage.Storage, meta *model.DatasetMeta, _ storage.Layout) error {
	classOf := make(map[int]int, len(meta.Categories))
	names := make([]string, len(meta.Categories))
	for k, c := range meta.Categories {
		classOf[c.ID] = k
		names[k] = c.Name
	}

	for _, img := range meta.Images {
		var b strings.Builder
		for _, a := range img.Annotations {
			box := a.BBox
			if a.Kind == model.KindSegmentation {
				box = model.PolygonBounds(a.Segmentation)
			}
			if len(box) != 4 {
				continue
			}
			if img.Width <= 0 || img.Height <= 0 {
				return fmt.Errorf("yolo: image %s: size unknown", img.ID)
			}
			cls, ok := classOf[a.CategoryID]
			if !ok {
				return fmt.Errorf("yolo: image %s: unknown category %d", img.ID, a.CategoryID)
			}
			fw, fh := float64(img.Width), float64(img.Height)
			fmt.Fprintf(&b, "%d %.6f %.6f %.6f %.6f\n", cls,
				(box[0]+box[2]/2)/fw, (box[1]+box[3]/2)/fh, box[2]/fw, box[3]/fh)
		}
		if err := writeText(ctx, st, labelPath(meta.StorageURI, img.FileName), b.String()); err != nil {
			return fmt.Errorf("yolo: %w", err)
		}
	}

	classes := strings.Join(names, "\n")
	if classes != "" {
		classes += "\n"
	}
	if err := writeText(ctx, st, path.Join(meta.StorageURI, yoloClassesTxt), classes); err != nil {
		return fmt.Errorf("yolo: %w", err)
	}
	data, err := yaml.Marshal(struct {
		Path  string   `yaml:"path"`
		NC    int      `yaml:"nc"`
		Names []string `yaml:"names"`
	}{Path: meta.StorageURI, NC: len(names), Names: names})
	if err != nil {
		return fmt.Errorf("yolo: data.yaml: %w", err)
	}
	return writeText(ctx, st, path.Join(meta.StorageURI, yoloDataYAML), string(data))
}

func readLines(ctx context.Context, st storage.Storage, rel string) ([]string, error) {
	r, err := st.Open(ctx, rel)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

func writeText(ctx context.Context, st storage.Storage, rel, body string) error {
	w, err := st.Create(ctx, rel)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
