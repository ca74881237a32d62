// Package filestore stores document files in a tree keyed by owner and
// filename. Trees are backed by a local directory, memory, or an S3 bucket.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// Sentinel errors for file tree operations.
var (
	ErrNotExist    = errors.New("file does not exist")
	ErrInvalidPath = errors.New("invalid file path")
)

// Kind classifies what is stored at a path.
type Kind int

const (
	KindMissing Kind = iota
	KindRegular
	KindOther // directory, symlink or device
)

func (k Kind) String() string {
	switch k {
	case KindMissing:
		return "missing"
	case KindRegular:
		return "regular"
	default:
		return "other"
	}
}

// Tree is a file tree. Names are slash-separated and relative to the root.
type Tree interface {
	// Lookup reports what is stored at name.
	Lookup(ctx context.Context, name string) (Kind, error)
	// Remove deletes name. Removing a missing file returns ErrNotExist.
	Remove(ctx context.Context, name string) error
	// ListFiles returns every regular file under the root.
	ListFiles(ctx context.Context) ([]string, error)
	// Put writes r to name, creating parent directories.
	Put(ctx context.Context, name string, r io.Reader) error
	// Open returns the content of name.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// PathFor returns the tree name of an owner's file.
func PathFor(ownerID, filename string) (string, error) {
	if err := validSegment(ownerID); err != nil {
		return "", fmt.Errorf("%w: owner %q: %w", ErrInvalidPath, ownerID, err)
	}
	if err := validSegment(filename); err != nil {
		return "", fmt.Errorf("%w: filename %q: %w", ErrInvalidPath, filename, err)
	}
	return path.Join(ownerID, filename), nil
}

func validSegment(s string) error {
	switch {
	case s == "":
		return errors.New("empty")
	case s == "." || s == "..":
		return errors.New("relative reference")
	case strings.ContainsAny(s, `/\`):
		return errors.New("contains separator")
	case strings.ContainsRune(s, 0):
		return errors.New("contains NUL")
	}
	return nil
}

// cleanName normalizes a tree name and rejects names escaping the root.
func cleanName(name string) (string, error) {
	cleaned := path.Clean("/" + strings.ReplaceAll(name, `\`, "/"))
	if cleaned == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}
