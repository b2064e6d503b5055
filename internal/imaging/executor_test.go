package imaging

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsforge/internal/model"
	"dsforge/internal/storage"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 200, B: 200, A: 255})
		}
	}
	// Marker in the top-left corner to detect rotation.
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func writeFile(t *testing.T, st storage.Storage, rel string, data []byte) {
	t.Helper()
	w, err := st.Create(context.Background(), rel)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func readFile(t *testing.T, st storage.Storage, rel string) []byte {
	t.Helper()
	rc, err := st.Open(context.Background(), rel)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b
}

func TestExecute_CopyOnlyKeepsBytes(t *testing.T) {
	st, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	writeFile(t, st, "in/a.jpg", []byte("not even an image"))

	ex := NewExecutor(st)
	require.NoError(t, ex.Execute(context.Background(), model.ImagePlan{Src: "in/a.jpg", Dst: "out/a.jpg"}))
	assert.Equal(t, []byte("not even an image"), readFile(t, st, "out/a.jpg"))
}

func TestExecute_RotateMovesMarker(t *testing.T) {
	st, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	writeFile(t, st, "in/a.png", pngBytes(t, 8, 4))

	ex := NewExecutor(st)
	require.NoError(t, ex.Execute(context.Background(), model.ImagePlan{
		Src: "in/a.png", Dst: "out/a.png",
		Specs: []model.ImageManipulationSpec{{Operation: model.OpRotate180}},
	}))

	img, err := png.Decode(bytes.NewReader(readFile(t, st, "out/a.png")))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(8, 4), img.Bounds().Size())
	r, _, _, _ := img.At(7, 3).RGBA()
	assert.Equal(t, uint32(0xffff), r)
}

func TestApply_MaskPaintsRegion(t *testing.T) {
	var params map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"regions":[[2,1,3,2]],"polygons":[],"fill_color":"#00ff00"}`), &params))

	out, err := Apply(pngBytes(t, 8, 4), []model.ImageManipulationSpec{{Operation: model.OpMaskRegion, Params: params}}, ".png")
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	r, g, b, _ := img.At(3, 2).RGBA()
	assert.Equal(t, [3]uint32{0, 0xffff, 0}, [3]uint32{r, g, b})
}

func TestApply_CompressionSwitchesEncoder(t *testing.T) {
	out, err := Apply(pngBytes(t, 4, 4), []model.ImageManipulationSpec{{
		Operation: model.OpCompression,
		Params:    map[string]any{"quality": 50, "output_format": "jpg"},
	}}, ".jpg")
	require.NoError(t, err)
	_, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
}

func TestApply_Errors(t *testing.T) {
	_, err := Apply([]byte("garbage"), []model.ImageManipulationSpec{{Operation: model.OpRotate180}}, ".jpg")
	assert.Error(t, err)

	_, err = Apply(pngBytes(t, 2, 2), []model.ImageManipulationSpec{{Operation: "sharpen"}}, ".jpg")
	assert.ErrorContains(t, err, "sharpen")
}

func TestParseColor(t *testing.T) {
	c, err := ParseColor("#102030")
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 255}, c)

	_, err = ParseColor("red")
	assert.Error(t, err)
}

func TestFloatRows(t *testing.T) {
	rows, err := floatRows([]any{[]any{1.0, json.Number("2"), 3}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2, 3}}, rows)

	rows, err = floatRows([][]float64{{4}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{4}}, rows)

	_, err = floatRows("x")
	assert.Error(t, err)
}
