package manipulator

import (
	"math/rand"
	"strconv"

	"dsforge/internal/model"
)

const (
	SampleName  = "sample_n_images"
	ShuffleName = "shuffle_image_ids"
)

func seeded(params Params) (*rand.Rand, error) {
	seed := 42
	if _, ok := params["seed"]; ok {
		s, err := params.Int("seed")
		if err != nil {
			return nil, err
		}
		seed = s
	}
	return rand.New(rand.NewSource(int64(seed))), nil
}

// sampleN keeps n images chosen by a seeded permutation. Survivors stay in
// their original order.
type sampleN struct{}

func (sampleN) Name() string { return SampleName }

func (sampleN) TransformAnnotation(in Input, params Params, ctx Context) (*model.DatasetMeta, error) {
	meta, err := collapse(in)
	if err != nil {
		return nil, err
	}
	n, err := params.Int("n")
	if err != nil {
		return nil, err
	}
	if n >= meta.ImageCount() {
		return meta, nil
	}
	r, err := seeded(params)
	if err != nil {
		return nil, err
	}
	chosen := make(map[int]bool, n)
	for _, idx := range r.Perm(meta.ImageCount())[:n] {
		chosen[idx] = true
	}
	pos := 0
	meta.KeepImages(func(*model.ImageRecord) bool {
		keep := chosen[pos]
		pos++
		return keep
	})
	ctx.logger().Debug("images sampled", "n", n)
	return meta, nil
}

// shuffleIDs permutes image order and renumbers ids 1..N. File names and
// origins are untouched.
type shuffleIDs struct{}

func (shuffleIDs) Name() string { return ShuffleName }

func (shuffleIDs) TransformAnnotation(in Input, params Params, ctx Context) (*model.DatasetMeta, error) {
	meta, err := collapse(in)
	if err != nil {
		return nil, err
	}
	r, err := seeded(params)
	if err != nil {
		return nil, err
	}
	r.Shuffle(len(meta.Images), func(i, j int) { meta.Images[i], meta.Images[j] = meta.Images[j], meta.Images[i] })
	for i := range meta.Images {
		meta.Images[i].ID = model.ImageID(strconv.Itoa(i + 1))
	}
	ctx.logger().Debug("image ids shuffled", "images", meta.ImageCount())
	return meta, nil
}
