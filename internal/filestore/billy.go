package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// BillyTree is a Tree on a billy filesystem.
type BillyTree struct {
	fs billy.Filesystem
}

// NewBillyTree wraps fs. Names are resolved from the filesystem root.
func NewBillyTree(fs billy.Filesystem) *BillyTree {
	return &BillyTree{fs: fs}
}

// NewLocalTree returns a tree rooted at dir on the local disk.
func NewLocalTree(dir string) (*BillyTree, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return NewBillyTree(osfs.New(dir)), nil
}

// abs turns a tree name into the absolute form used for billy calls.
func abs(name string) (string, error) {
	cleaned, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return "/" + cleaned, nil
}

func (t *BillyTree) Lookup(_ context.Context, name string) (Kind, error) {
	p, err := abs(name)
	if err != nil {
		return KindMissing, err
	}
	fi, err := t.fs.Lstat(p)
	if errors.Is(err, os.ErrNotExist) {
		return KindMissing, nil
	}
	if err != nil {
		return KindMissing, fmt.Errorf("stat %s: %w", name, err)
	}
	if fi.Mode().IsRegular() {
		return KindRegular, nil
	}
	return KindOther, nil
}

func (t *BillyTree) Remove(_ context.Context, name string) error {
	p, err := abs(name)
	if err != nil {
		return err
	}
	if err := t.fs.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", name, ErrNotExist)
		}
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

func (t *BillyTree) ListFiles(ctx context.Context) ([]string, error) {
	var files []string
	if err := t.walk(ctx, "/", &files); err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (t *BillyTree) walk(ctx context.Context, dir string, files *[]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := t.fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read dir %s: %w", dir, err)
	}
	for _, fi := range entries {
		p := t.fs.Join(dir, fi.Name())
		switch {
		case fi.IsDir():
			if err := t.walk(ctx, p, files); err != nil {
				return err
			}
		case fi.Mode().IsRegular():
			*files = append(*files, strings.TrimPrefix(p, "/"))
		}
	}
	return nil
}

func (t *BillyTree) Put(_ context.Context, name string, r io.Reader) error {
	p, err := abs(name)
	if err != nil {
		return err
	}
	f, err := t.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return nil
}

func (t *BillyTree) Open(_ context.Context, name string) (io.ReadCloser, error) {
	p, err := abs(name)
	if err != nil {
		return nil, err
	}
	f, err := t.fs.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", name, ErrNotExist)
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

var _ Tree = (*BillyTree)(nil)
