// Package storage resolves the opaque relative path tokens used throughout
// dsforge to bytes. Callers never build absolute paths; a backend decides
// where a token lives.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned by Open and Copy for a missing token.
var ErrNotFound = errors.New("storage: not found")

// Storage is the file collaborator shared by codecs and image executors.
// Tokens are slash separated and relative to the backend root.
type Storage interface {
	Exists(ctx context.Context, rel string) (bool, error)
	// List walks rel recursively and returns tokens of regular files, sorted.
	// With exts set only files whose lower-cased extension is listed are
	// returned.
	List(ctx context.Context, rel string, exts ...string) ([]string, error)
	Open(ctx context.Context, rel string) (io.ReadCloser, error)
	// Create truncates or creates rel; the data is visible after Close.
	Create(ctx context.Context, rel string) (io.WriteCloser, error)
	Copy(ctx context.Context, src, dst string) error
}

// ImageExtensions are the extensions counted as images.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp"}

// Layout names the fixed parts of a dataset directory.
type Layout struct {
	ImagesDir      string
	AnnotationFile string
}

func DefaultLayout() Layout {
	return Layout{ImagesDir: "images", AnnotationFile: "annotation.json"}
}

func (l Layout) Images(uri string) string     { return path.Join(uri, l.ImagesDir) }
func (l Layout) Annotation(uri string) string { return path.Join(uri, l.AnnotationFile) }

// ImagePath is the token of one image file of a dataset.
func (l Layout) ImagePath(uri, file string) string { return path.Join(uri, l.ImagesDir, file) }

var typeDirs = map[string]string{
	"RAW":       "raw",
	"SOURCE":    "source",
	"PROCESSED": "processed",
	"FUSION":    "fusion",
}

// BuildDatasetURI returns the canonical token <type_dir>/<group>/<split>/<version>.
func BuildDatasetURI(datasetType, group, split, version string) (string, error) {
	if group == "" || version == "" {
		return "", fmt.Errorf("storage: group and version are required")
	}
	if strings.ContainsAny(group, `/\`) || strings.Contains(group, "..") {
		return "", fmt.Errorf("storage: invalid group name %q", group)
	}
	dir, ok := typeDirs[strings.ToUpper(datasetType)]
	if !ok {
		dir = strings.ToLower(datasetType)
	}
	splitDir := strings.ToLower(split)
	if splitDir == "" {
		splitDir = "none"
	}
	return path.Join(dir, group, splitDir, version), nil
}

// clean normalises a token and keeps it from escaping the root.
func clean(rel string) string {
	return strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(rel, `\`, "/")), "/")
}

func matchExt(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := strings.ToLower(path.Ext(name))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}
