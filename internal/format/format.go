// Package format converts between on-disk annotation formats and the
// in-memory model. Codecs read and write through storage tokens only.
package format

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"path"
	"strings"
	"sync"

	"dsforge/internal/model"
	"dsforge/internal/storage"
)

// Codec loads a dataset stored at uri and writes a dataset to uri.
type Codec interface {
	Name() string
	Read(ctx context.Context, st storage.Storage, uri string, layout storage.Layout) (*model.DatasetMeta, error)
	Write(ctx context.Context, st storage.Storage, meta *model.DatasetMeta, layout storage.Layout) error
}

var (
	mu  sync.RWMutex
	reg = map[string]Codec{}
)

func Register(c Codec) {
	mu.Lock()
	defer mu.Unlock()
	reg[strings.ToUpper(c.Name())] = c
}

// Lookup returns the codec for an annotation format tag.
func Lookup(name string) (Codec, error) {
	mu.RLock()
	defer mu.RUnlock()
	if c, ok := reg[strings.ToUpper(name)]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("format: unsupported annotation format %q", name)
}

func init() {
	Register(COCO{})
	Register(YOLO{})
	Register(VisDrone{})
}

// imageDims decodes only the header of an image. Unknown encodings yield 0x0.
func imageDims(ctx context.Context, st storage.Storage, rel string) (int, int, error) {
	r, err := st.Open(ctx, rel)
	if err != nil {
		return 0, 0, err
	}
	defer r.Close()
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0, nil
	}
	return cfg.Width, cfg.Height, nil
}

// imageFiles lists the images of a dataset relative to its images dir.
func imageFiles(ctx context.Context, st storage.Storage, uri string, layout storage.Layout) ([]string, error) {
	dir := layout.Images(uri)
	files, err := st.List(ctx, dir, storage.ImageExtensions...)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = strings.TrimPrefix(f, dir+"/")
	}
	return out, nil
}

func stem(file string) string {
	return strings.TrimSuffix(file, path.Ext(file))
}
