package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Local stores tokens as files below a base directory.
type Local struct {
	base string
}

func NewLocal(base string) (*Local, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("storage: base path: %w", err)
	}
	return &Local{base: abs}, nil
}

func (l *Local) resolve(rel string) string {
	return filepath.Join(l.base, filepath.FromSlash(clean(rel)))
}

func (l *Local) Exists(_ context.Context, rel string) (bool, error) {
	_, err := os.Stat(l.resolve(rel))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (l *Local) List(ctx context.Context, rel string, exts ...string) ([]string, error) {
	root := l.resolve(rel)
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == root {
				return fs.SkipAll
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() || !matchExt(d.Name(), exts) {
			return nil
		}
		r, err := filepath.Rel(l.base, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(r))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", rel, err)
	}
	sort.Strings(out)
	return out, nil
}

func (l *Local) Open(_ context.Context, rel string) (io.ReadCloser, error) {
	f, err := os.Open(l.resolve(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	return f, err
}

func (l *Local) Create(_ context.Context, rel string) (io.WriteCloser, error) {
	p := l.resolve(rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	return os.Create(p)
}

func (l *Local) Copy(ctx context.Context, src, dst string) error {
	in, err := l.Open(ctx, src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := l.Create(ctx, dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
