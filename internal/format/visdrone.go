package format

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"dsforge/internal/model"
	"dsforge/internal/storage"
)

// VisDroneClasses is indexed by the VisDrone object category.
var VisDroneClasses = []string{
	"ignored_regions", "pedestrian", "people", "bicycle", "car", "van",
	"truck", "tricycle", "awning-tricycle", "bus", "motor", "others",
}

// VisDroneObject reports whether id is one of the ten real object classes.
func VisDroneObject(id int) bool { return id >= 1 && id <= 10 }

const visDroneAnnotationsDir = "annotations"

// VisDrone reads the DET txt layout: annotations/<stem>.txt with rows
// "left,top,width,height,score,category,truncation,occlusion". Its format
// tag is CUSTOM; it has no writer.
type VisDrone struct{}

func (VisDrone) Name() string { return model.FormatCustom }

func (VisDrone) Read(ctx context.Context, st storage.Storage, uri string, layout storage.Layout) (*model.DatasetMeta, error) {
	files, err := imageFiles(ctx, st, uri, layout)
	if err != nil {
		return nil, fmt.Errorf("visdrone: %w", err)
	}
	meta := &model.DatasetMeta{StorageURI: uri, Format: model.FormatCustom}
	for id, name := range VisDroneClasses {
		meta.Categories = append(meta.Categories, model.Category{ID: id, Name: name})
	}
	for i, file := range files {
		w, h, err := imageDims(ctx, st, layout.ImagePath(uri, file))
		if err != nil {
			return nil, fmt.Errorf("visdrone: %w", err)
		}
		rec := model.ImageRecord{ID: model.ImageID(strconv.Itoa(i + 1)), FileName: file, Width: w, Height: h}
		rows, err := readLines(ctx, st, path.Join(uri, visDroneAnnotationsDir, stem(file)+".txt"))
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("visdrone: %s: %w", file, err)
		}
		for n, row := range rows {
			a, err := parseVisDroneRow(row)
			if err != nil {
				return nil, fmt.Errorf("visdrone: %s line %d: %w", file, n+1, err)
			}
			rec.Annotations = append(rec.Annotations, a)
		}
		meta.Images = append(meta.Images, rec)
	}
	return meta, nil
}

func parseVisDroneRow(row string) (model.Annotation, error) {
	f := strings.Split(strings.TrimSuffix(row, ","), ",")
	if len(f) < 6 {
		return model.Annotation{}, fmt.Errorf("want at least 6 fields, got %d", len(f))
	}
	nums := make([]int, len(f))
	for i, s := range f {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return model.Annotation{}, fmt.Errorf("field %d: %q is not an integer", i+1, s)
		}
		nums[i] = n
	}
	if nums[5] < 0 || nums[5] >= len(VisDroneClasses) {
		return model.Annotation{}, fmt.Errorf("unknown category %d", nums[5])
	}
	a := model.Annotation{
		Kind:       model.KindBBox,
		CategoryID: nums[5],
		BBox:       []float64{float64(nums[0]), float64(nums[1]), float64(nums[2]), float64(nums[3])},
		Extra:      map[string]any{"score": nums[4]},
	}
	if len(nums) > 6 {
		a.Extra["truncation"] = nums[6]
	}
	if len(nums) > 7 {
		a.Extra["occlusion"] = nums[7]
	}
	return a, nil
}

func (VisDrone) Write(context.Context, storage.Storage, *model.DatasetMeta, storage.Layout) error {
	return errors.New("visdrone: writing is not supported, convert to COCO or YOLO first")
}
