package manipulator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsforge/internal/model"
)

func box(cat int, x, y, w, h float64) model.Annotation {
	return model.Annotation{Kind: model.KindBBox, CategoryID: cat, BBox: []float64{x, y, w, h}}
}

// fixture: a.jpg has a car, b.jpg a person, c.jpg both, d.jpg nothing.
func fixture() *model.DatasetMeta {
	return &model.DatasetMeta{
		DatasetID:  "src",
		StorageURI: "raw/src/none/v1",
		Format:     model.FormatCOCO,
		Categories: []model.Category{{ID: 1, Name: "car"}, {ID: 2, Name: "person"}, {ID: 3, Name: "vehicle"}},
		Images: []model.ImageRecord{
			{ID: "1", FileName: "a.jpg", Width: 100, Height: 80, Annotations: []model.Annotation{box(1, 10, 10, 20, 20)}},
			{ID: "2", FileName: "b.jpg", Width: 100, Height: 80, Annotations: []model.Annotation{box(2, 0, 0, 5, 5)}},
			{ID: "3", FileName: "c.jpg", Width: 100, Height: 80, Annotations: []model.Annotation{box(1, 1, 1, 1, 1), box(2, 2, 2, 2, 2)}},
			{ID: "4", FileName: "d.jpg", Width: 100, Height: 80},
		},
	}
}

func ids(m *model.DatasetMeta) []model.ImageID {
	out := make([]model.ImageID, len(m.Images))
	for i, img := range m.Images {
		out[i] = img.ID
	}
	return out
}

func run(t *testing.T, name string, in Input, raw map[string]any) *model.DatasetMeta {
	t.Helper()
	out, err := runErr(name, in, raw)
	require.NoError(t, err)
	return out
}

func runErr(name string, in Input, raw map[string]any) (*model.DatasetMeta, error) {
	desc, ok := BuiltinCatalog().Lookup(name)
	if !ok {
		return nil, errors.New("no descriptor " + name)
	}
	params, err := desc.Resolve(raw)
	if err != nil {
		return nil, err
	}
	m, err := Builtins().New(name)
	if err != nil {
		return nil, err
	}
	return m.TransformAnnotation(in, params, Context{SourceID: "src"})
}

func TestCatalogMatchesRegistry(t *testing.T) {
	cat := BuiltinCatalog()
	reg := Builtins()
	assert.Equal(t, cat.Names(), reg.Names())
	for _, n := range reg.Names() {
		m, err := reg.New(n)
		require.NoError(t, err)
		assert.Equal(t, n, m.Name())
	}
	d, ok := cat.Lookup(MaskRegionName)
	require.True(t, ok)
	assert.Equal(t, StatusExperimental, d.Status)
	assert.True(t, d.Allows(PerSource))
	assert.False(t, d.Allows(PostMerge))
}

func TestResolveParams(t *testing.T) {
	cat := BuiltinCatalog()
	compression, _ := cat.Lookup(CompressionName)

	p, err := compression.Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, 80, p["quality"])
	assert.Equal(t, "jpg", p["output_format"])

	_, err = compression.Resolve(map[string]any{"quality": 5})
	assert.ErrorContains(t, err, "below minimum")
	_, err = compression.Resolve(map[string]any{"output_format": "gif"})
	assert.ErrorContains(t, err, "not one of")
	_, err = compression.Resolve(map[string]any{"speed": 1})
	assert.ErrorContains(t, err, "unknown param")

	keep, _ := cat.Lookup(KeepByClassName)
	_, err = keep.Resolve(map[string]any{})
	assert.ErrorContains(t, err, "required")
	_, err = keep.Resolve(map[string]any{"class_names": []any{"car", 3}})
	assert.Error(t, err)

	mask, _ := cat.Lookup(MaskRegionName)
	_, err = mask.Resolve(map[string]any{"class_names": []any{"car"}, "fill_color": "red"})
	assert.ErrorContains(t, err, "#RRGGBB")

	raw := map[string]any{"class_names": []any{"car"}}
	p, err = mask.Resolve(raw)
	require.NoError(t, err)
	assert.Equal(t, "#000000", p["fill_color"])
	assert.NotContains(t, raw, "fill_color")
}

func TestKeepByClass_Idempotent(t *testing.T) {
	params := map[string]any{"class_names": []any{"car"}}
	once := run(t, KeepByClassName, Single(fixture()), params)
	twice := run(t, KeepByClassName, Single(run(t, KeepByClassName, Single(fixture()), params)), params)
	assert.Equal(t, []model.ImageID{"1", "3"}, ids(once))
	assert.Equal(t, ids(once), ids(twice))
}

func TestFilters_RemovalConsistency(t *testing.T) {
	cases := map[string]map[string]any{
		RemoveByClassName:    {"class_names": []any{"person"}},
		KeepByClassName:      {"class_names": "person"},
		InvalidClassNameName: {"mode": "blacklist", "patterns": "car"},
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			out := run(t, name, Single(fixture()), params)
			require.NoError(t, out.Validate())
			kept := map[model.ImageID]bool{}
			for _, img := range out.Images {
				kept[img.ID] = true
			}
			total := 0
			for _, img := range fixture().Images {
				if kept[img.ID] {
					total += len(img.Annotations)
				}
			}
			assert.Equal(t, total, out.AnnotationCount())
		})
	}
}

func TestRemoveByClass(t *testing.T) {
	out := run(t, RemoveByClassName, Single(fixture()), map[string]any{"class_names": []any{"person"}})
	assert.Equal(t, []model.ImageID{"1", "4"}, ids(out))
}

func TestInvalidClassName_Regex(t *testing.T) {
	m := fixture()
	m.Categories = append(m.Categories, model.Category{ID: 9, Name: "unknown_42"})
	m.Images[3].Annotations = []model.Annotation{box(9, 0, 0, 1, 1)}

	out := run(t, InvalidClassNameName, Single(m), map[string]any{"mode": "regex", "patterns": []any{`^unknown_\d+$`}})
	assert.Equal(t, []model.ImageID{"1", "2", "3"}, ids(out))
	assert.Equal(t, []string{"car", "person", "vehicle"}, out.CategoryNames())
	require.NoError(t, out.Validate())

	_, err := runErr(InvalidClassNameName, Single(fixture()), map[string]any{"mode": "regex", "patterns": "(["})
	assert.Error(t, err)
}

func TestFinalClasses_PrunesAnnotationsKeepsImages(t *testing.T) {
	out := run(t, FinalClassesName, List(fixture()), map[string]any{"class_names": []any{"person"}})
	assert.Len(t, out.Images, 4)
	assert.Equal(t, []string{"person"}, out.CategoryNames())
	assert.Equal(t, 2, out.AnnotationCount())
	require.NoError(t, out.Validate())
}

func TestRemap_FoldsOntoExistingName(t *testing.T) {
	out := run(t, RemapName, Single(fixture()), map[string]any{"mapping": map[string]any{"car": "vehicle"}})
	require.NoError(t, out.Validate())
	assert.Equal(t, []string{"vehicle", "person"}, out.CategoryNames())
	v, _ := out.CategoryByName("vehicle")
	assert.Equal(t, 1, v.ID)
	assert.Equal(t, 1, out.Images[0].Annotations[0].CategoryID)

	m := fixture()
	m.Images[1].Annotations = append(m.Images[1].Annotations, box(3, 1, 1, 1, 1))
	out = run(t, RemapName, Single(m), map[string]any{"mapping": map[string]any{"car": "vehicle"}})
	require.NoError(t, out.Validate())
	assert.Equal(t, 1, out.Images[1].Annotations[1].CategoryID)
}

func TestRotate180_PairsGeometryWithImageSpec(t *testing.T) {
	m := fixture()
	m.Images[1].Annotations = []model.Annotation{{
		Kind: model.KindSegmentation, CategoryID: 2, Segmentation: [][]float64{{0, 0, 10, 0, 10, 10}},
	}}
	out := run(t, Rotate180Name, Single(m), nil)
	assert.Equal(t, []float64{70, 50, 20, 20}, out.Images[0].Annotations[0].BBox)
	assert.Equal(t, []float64{100, 80, 90, 80, 90, 70}, out.Images[1].Annotations[0].Segmentation[0])

	stage, ok := any(rotate180{}).(ImageStage)
	require.True(t, ok)
	for i := range out.Images {
		specs, err := stage.BuildImageManipulation(&out.Images[i], nil)
		require.NoError(t, err)
		assert.Equal(t, []model.ImageManipulationSpec{{Operation: model.OpRotate180}}, specs)
	}

	back := run(t, Rotate180Name, Single(out), nil)
	assert.Equal(t, fixture().Images[0].Annotations[0].BBox, back.Images[0].Annotations[0].BBox)
}

func TestRotate180_NeedsDimensions(t *testing.T) {
	m := fixture()
	m.Images[0].Width = 0
	_, err := runErr(Rotate180Name, Single(m), nil)
	assert.ErrorContains(t, err, "width/height unknown")
}

func TestChangeCompression(t *testing.T) {
	out := run(t, CompressionName, Single(fixture()), map[string]any{"quality": 55, "output_format": "png"})
	assert.Equal(t, "a.png", out.Images[0].FileName)

	desc, _ := BuiltinCatalog().Lookup(CompressionName)
	params, err := desc.Resolve(map[string]any{"quality": 55.0, "output_format": "png"})
	require.NoError(t, err)
	specs, err := changeCompression{}.BuildImageManipulation(&out.Images[0], params)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, model.OpCompression, specs[0].Operation)
	assert.Equal(t, 55, specs[0].Params["quality"])
	assert.Equal(t, "png", specs[0].Params["output_format"])
}

func TestMaskRegion(t *testing.T) {
	params := map[string]any{"class_names": []any{"person"}, "fill_color": "#ff0000"}
	out := run(t, MaskRegionName, Single(fixture()), params)
	require.NoError(t, out.Validate())
	assert.Empty(t, out.Images[1].Annotations)
	assert.Len(t, out.Images[2].Annotations, 1)

	desc, _ := BuiltinCatalog().Lookup(MaskRegionName)
	p, _ := desc.Resolve(params)
	specs, err := maskRegion{}.BuildImageManipulation(&out.Images[1], p)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, model.OpMaskRegion, specs[0].Operation)
	assert.Equal(t, [][]float64{{0, 0, 5, 5}}, specs[0].Params["regions"])
	assert.Equal(t, "#ff0000", specs[0].Params["fill_color"])

	specs, err = maskRegion{}.BuildImageManipulation(&out.Images[0], p)
	require.NoError(t, err)
	assert.Empty(t, specs)

	yolo := fixture()
	yolo.Format = model.FormatYOLO
	_, err = runErr(MaskRegionName, Single(yolo), params)
	assert.Error(t, err)
}

func TestFormatConversions(t *testing.T) {
	m := fixture()
	m.Images[1].Annotations = append(m.Images[1].Annotations,
		model.Annotation{Kind: model.KindSegmentation, CategoryID: 2, Segmentation: [][]float64{{1, 1, 5, 1, 5, 4}}},
		model.Annotation{Kind: model.KindLabel, CategoryID: 2, Label: "walking"})

	y := run(t, ToYOLOName, Single(m), nil)
	assert.Equal(t, model.FormatYOLO, y.Format)
	require.Len(t, y.Images[1].Annotations, 2)
	assert.Equal(t, []float64{1, 1, 4, 3}, y.Images[1].Annotations[1].BBox)
	require.NoError(t, y.Validate())

	_, err := runErr(ToYOLOName, Single(y), nil)
	assert.Error(t, err, "already YOLO")

	c := run(t, ToCOCOName, Single(y), map[string]any{"category_names": "auto\nhuman\nvan"})
	assert.Equal(t, model.FormatCOCO, c.Format)
	assert.Equal(t, []string{"auto", "human", "van"}, c.CategoryNames())
	require.NoError(t, c.Validate())

	_, err = runErr(ToCOCOName, Single(run(t, ToYOLOName, Single(fixture()), nil)), map[string]any{"category_names": "one"})
	assert.ErrorContains(t, err, "category_names")
}

func TestVisDroneConversion(t *testing.T) {
	vd := &model.DatasetMeta{
		DatasetID: "vd", Format: model.FormatCustom,
		Images: []model.ImageRecord{{ID: "1", FileName: "0001.jpg", Width: 50, Height: 50, Annotations: []model.Annotation{
			box(4, 1, 1, 5, 5), box(0, 0, 0, 50, 50), box(11, 2, 2, 2, 2),
		}}},
	}
	for id, n := range []string{"ignored_regions", "pedestrian", "people", "bicycle", "car", "van", "truck", "tricycle", "awning-tricycle", "bus", "motor", "others"} {
		vd.Categories = append(vd.Categories, model.Category{ID: id, Name: n})
	}
	out := run(t, VisDroneToCOCOName, Single(vd.Clone()), nil)
	assert.Equal(t, model.FormatCOCO, out.Format)
	assert.Len(t, out.Categories, 10)
	assert.Len(t, out.Images[0].Annotations, 1)
	require.NoError(t, out.Validate())

	out = run(t, VisDroneToYOLOName, Single(vd.Clone()), nil)
	assert.Equal(t, model.FormatYOLO, out.Format)
}

func TestSampleN_Deterministic(t *testing.T) {
	big := fixture()
	for i := 5; i <= 40; i++ {
		big.Images = append(big.Images, model.ImageRecord{ID: model.ImageID(string(rune('a' + i%26)) + string(rune('0'+i/26))), FileName: "x.jpg"})
	}
	params := map[string]any{"n": 7, "seed": 1234}
	first := ids(run(t, SampleName, Single(big.Clone()), params))
	second := ids(run(t, SampleName, Single(big.Clone()), params))
	assert.Len(t, first, 7)
	assert.Equal(t, first, second)

	other := ids(run(t, SampleName, Single(big.Clone()), map[string]any{"n": 7, "seed": 99}))
	assert.NotEqual(t, first, other)

	all := run(t, SampleName, Single(fixture()), map[string]any{"n": 10})
	assert.Len(t, all.Images, 4)
}

func TestMerge_UniqueIDsAndCategoryUnion(t *testing.T) {
	a := fixture()
	a.DatasetID = "a"
	b := fixture()
	b.DatasetID = "b"
	b.Categories = []model.Category{{ID: 7, Name: "person"}, {ID: 8, Name: "bike"}}
	b.Images = []model.ImageRecord{{ID: "1", FileName: "a.jpg", Annotations: []model.Annotation{box(7, 0, 0, 1, 1), box(8, 0, 0, 1, 1)}}}

	merged, rk, err := Merge([]*model.DatasetMeta{a, b}, MergeBySourceName)
	require.NoError(t, err)
	require.NoError(t, merged.Validate())
	assert.Equal(t, []string{"car", "person", "vehicle", "bike"}, merged.CategoryNames())
	assert.Equal(t, []int{1, 2, 3, 4}, []int{merged.Categories[0].ID, merged.Categories[1].ID, merged.Categories[2].ID, merged.Categories[3].ID})

	last := merged.Images[len(merged.Images)-1]
	assert.Equal(t, model.ImageID("b_1"), last.ID)
	assert.Equal(t, "b_a.jpg", last.FileName)
	assert.Equal(t, []int{2, 4}, []int{last.Annotations[0].CategoryID, last.Annotations[1].CategoryID})
	assert.Equal(t, model.ImageID("b_1"), rk[SourceImage{Source: 1, ID: "1"}])
	assert.Equal(t, model.ImageID("a_1"), rk[SourceImage{Source: 0, ID: "1"}])

	files := map[string]bool{}
	for _, img := range merged.Images {
		assert.False(t, files[img.FileName], "duplicate file %s", img.FileName)
		files[img.FileName] = true
	}
}

func TestMerge_ByIndex(t *testing.T) {
	a, b := fixture(), fixture()
	merged, _, err := Merge([]*model.DatasetMeta{a, b}, MergeByIndex)
	require.NoError(t, err)
	assert.Len(t, merged.Images, 8)
	assert.Equal(t, model.ImageID("5"), merged.Images[4].ID)
	assert.Equal(t, "1_a.jpg", merged.Images[4].FileName)
	assert.Equal(t, model.FormatCOCO, merged.Format)
}

func TestMergeDatasets_Manipulator(t *testing.T) {
	a, b := fixture(), fixture()
	b.DatasetID = "other"
	b.Format = model.FormatYOLO
	out := run(t, MergeName, List(a, b), map[string]any{"duplicate_strategy": "prefix_source_name"})
	assert.Len(t, out.Images, 8)
	assert.Equal(t, "", out.Format)

	_, err := runErr(MergeName, Single(fixture()), nil)
	assert.Error(t, err)
}

func TestShuffleImageIDs(t *testing.T) {
	out := run(t, ShuffleName, List(fixture()), map[string]any{"seed": 7})
	assert.Equal(t, []model.ImageID{"1", "2", "3", "4"}, ids(out))
	again := run(t, ShuffleName, List(fixture()), map[string]any{"seed": 7})
	for i := range out.Images {
		assert.Equal(t, out.Images[i].FileName, again.Images[i].FileName)
	}
}

func TestCollapse_EmptyInput(t *testing.T) {
	_, err := keepByClass{}.TransformAnnotation(List(), Params{"class_names": []any{"car"}}, Context{})
	assert.ErrorIs(t, err, ErrNoInput)
}
