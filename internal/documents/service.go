// Package documents implements the tracked write paths for documents.
//
// Every mutation holds a writegate.Lease for its external writes, so a
// reconciliation cycle either sees the whole write or none of it. The owner's
// company and category sets are maintained incrementally here and rebuilt
// from scratch by reconciliation.
package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/documentd/documentd/internal/filestore"
	"github.com/documentd/documentd/internal/index"
	"github.com/documentd/documentd/internal/writegate"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrExists is returned by Store when the document ID or its file path is
// already taken.
var ErrExists = errors.New("document already exists")

// defaultFilename names uploads that carry no filename.
const defaultFilename = "document.pdf"

// Index is the part of the index client used for document writes.
type Index interface {
	GetOwner(ctx context.Context, id string) (*index.Owner, error)
	GetDocument(ctx context.Context, id string) (*index.Document, error)
	PutOwner(ctx context.Context, owner *index.Owner) error
	PutDocument(ctx context.Context, doc *index.Document) error
	DeleteDocument(ctx context.Context, id string) error
	CountDocuments(ctx context.Context, ownerID, field, value string) (int, error)
}

// Facet fields holding the owner's derived sets.
const (
	fieldCompany  = "company"
	fieldCategory = "category"
)

// Service performs tracked document writes.
type Service struct {
	index Index
	tree  filestore.Tree
	gate  *writegate.Gate
}

// NewService creates a document service. gate must be the instance shared
// with maintenance.
func NewService(idx Index, tree filestore.Tree, gate *writegate.Gate) *Service {
	return &Service{index: idx, tree: tree, gate: gate}
}

// Get returns an owner's document. A document of another owner is reported
// as not found.
func (s *Service) Get(ctx context.Context, ownerID, documentID string) (*index.Document, error) {
	doc, err := s.index.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", documentID, err)
	}
	if doc.OwnerID != ownerID {
		return nil, fmt.Errorf("get document %s: %w", documentID, index.ErrNotFound)
	}
	return doc, nil
}

// Store writes a new document's file and record, then adds its company and
// category to the owner. An empty ID is generated. The stored filename is
// always "<id>-<name>", where name is the supplied filename (default
// document.pdf), so uploads sharing a name never share a file. Store never
// replaces an existing file.
func (s *Service) Store(ctx context.Context, doc *index.Document, content io.Reader) error {
	if doc.ID == "" {
		doc.ID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	doc.Filename = storedFilename(doc.ID, doc.Filename)
	name, err := filestore.PathFor(doc.OwnerID, doc.Filename)
	if err != nil {
		return err
	}

	return s.gate.Do(ctx, func(ctx context.Context) error {
		owner, err := s.index.GetOwner(ctx, doc.OwnerID)
		if err != nil {
			return fmt.Errorf("get owner %s: %w", doc.OwnerID, err)
		}

		kind, err := s.tree.Lookup(ctx, name)
		if err != nil {
			return err
		}
		if kind != filestore.KindMissing {
			return fmt.Errorf("store document %s: %s: %w", doc.ID, name, ErrExists)
		}
		if _, err := s.index.GetDocument(ctx, doc.ID); err == nil {
			return fmt.Errorf("store document %s: %w", doc.ID, ErrExists)
		} else if !errors.Is(err, index.ErrNotFound) {
			return fmt.Errorf("get document %s: %w", doc.ID, err)
		}

		if err := s.tree.Put(ctx, name, content); err != nil {
			if rmErr := s.tree.Remove(ctx, name); rmErr != nil && !errors.Is(rmErr, filestore.ErrNotExist) {
				log.Warn().Err(rmErr).Str("path", name).Msg("failed to remove partial file")
			}
			return err
		}
		if err := s.index.PutDocument(ctx, doc); err != nil {
			if rmErr := s.tree.Remove(ctx, name); rmErr != nil {
				log.Warn().Err(rmErr).Str("path", name).Msg("failed to remove file after index write failed")
			}
			return fmt.Errorf("put document %s: %w", doc.ID, err)
		}

		owner.EnsureSets()
		changed := owner.Companies.Add(doc.Company)
		changed = owner.Categories.Add(doc.Category) || changed
		if changed {
			if err := s.index.PutOwner(ctx, owner); err != nil {
				return fmt.Errorf("put owner %s: %w", owner.ID, err)
			}
		}

		log.Debug().Str("document_id", doc.ID).Str("owner_id", doc.OwnerID).Msg("stored document")
		return nil
	})
}

func storedFilename(id, name string) string {
	if name == "" {
		name = defaultFilename
	}
	if !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		name += ".pdf"
	}
	return id + "-" + name
}

// Update replaces an owner's document metadata. The owner, the filename and
// the fields extracted from the file (pages, text, PDF title) of the stored
// document are kept. Returns the owner as written.
func (s *Service) Update(ctx context.Context, ownerID string, doc *index.Document) (*index.Owner, error) {
	var owner *index.Owner
	err := s.gate.Do(ctx, func(ctx context.Context) error {
		old, err := s.Get(ctx, ownerID, doc.ID)
		if err != nil {
			return err
		}
		owner, err = s.index.GetOwner(ctx, ownerID)
		if err != nil {
			return fmt.Errorf("get owner %s: %w", ownerID, err)
		}
		owner.EnsureSets()

		doc.OwnerID = old.OwnerID
		doc.Filename = old.Filename
		doc.Pages = old.Pages
		doc.TextContent = old.TextContent
		doc.PDFTitle = old.PDFTitle

		changed := false
		if old.Company != doc.Company {
			dropped, err := s.dropIfLast(ctx, owner, owner.Companies, fieldCompany, old.Company)
			if err != nil {
				return err
			}
			changed = owner.Companies.Add(doc.Company) || dropped
		}
		if old.Category != doc.Category {
			dropped, err := s.dropIfLast(ctx, owner, owner.Categories, fieldCategory, old.Category)
			if err != nil {
				return err
			}
			changed = owner.Categories.Add(doc.Category) || dropped || changed
		}

		if changed {
			if err := s.index.PutOwner(ctx, owner); err != nil {
				return fmt.Errorf("put owner %s: %w", owner.ID, err)
			}
		}
		if err := s.index.PutDocument(ctx, doc); err != nil {
			return fmt.Errorf("put document %s: %w", doc.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return owner, nil
}

// Delete removes an owner's document.
func (s *Service) Delete(ctx context.Context, ownerID, documentID string) error {
	return s.gate.Do(ctx, func(ctx context.Context) error {
		doc, err := s.Get(ctx, ownerID, documentID)
		if err != nil {
			return err
		}
		owner, err := s.index.GetOwner(ctx, ownerID)
		if err != nil {
			return fmt.Errorf("get owner %s: %w", ownerID, err)
		}
		return s.remove(ctx, owner, doc)
	})
}

// Remove deletes doc, which belongs to owner, from the index and the file
// tree and drops its company and category from the owner when no other
// document uses them.
func (s *Service) Remove(ctx context.Context, owner *index.Owner, doc *index.Document) error {
	return s.gate.Do(ctx, func(ctx context.Context) error {
		return s.remove(ctx, owner, doc)
	})
}

func (s *Service) remove(ctx context.Context, owner *index.Owner, doc *index.Document) error {
	owner.EnsureSets()
	dropCompany, err := s.dropIfLast(ctx, owner, owner.Companies, fieldCompany, doc.Company)
	if err != nil {
		return err
	}
	dropCategory, err := s.dropIfLast(ctx, owner, owner.Categories, fieldCategory, doc.Category)
	if err != nil {
		return err
	}

	if err := s.index.DeleteDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("delete document %s: %w", doc.ID, err)
	}

	if name, err := filestore.PathFor(doc.OwnerID, doc.Filename); err == nil {
		if err := s.tree.Remove(ctx, name); err != nil && !errors.Is(err, filestore.ErrNotExist) {
			log.Warn().Err(err).Str("document_id", doc.ID).Str("path", name).Msg("failed to remove document file")
		}
	}

	if dropCompany || dropCategory {
		if err := s.index.PutOwner(ctx, owner); err != nil {
			return fmt.Errorf("put owner %s: %w", owner.ID, err)
		}
	}

	log.Debug().Str("document_id", doc.ID).Str("owner_id", owner.ID).Msg("deleted document")
	return nil
}

// dropIfLast removes value from set when at most one of the owner's
// documents (the one being changed) still carries it.
func (s *Service) dropIfLast(ctx context.Context, owner *index.Owner, set index.Set, field, value string) (bool, error) {
	if value == "" || !set.Has(value) {
		return false, nil
	}
	n, err := s.index.CountDocuments(ctx, owner.ID, field, value)
	if err != nil {
		return false, fmt.Errorf("count documents with %s %q: %w", field, value, err)
	}
	if n > 1 {
		return false, nil
	}
	return set.Remove(value), nil
}

// Open returns a document and its file content for reading.
func (s *Service) Open(ctx context.Context, documentID string) (*index.Document, io.ReadCloser, error) {
	doc, err := s.index.GetDocument(ctx, documentID)
	if err != nil {
		return nil, nil, fmt.Errorf("get document %s: %w", documentID, err)
	}
	name, err := filestore.PathFor(doc.OwnerID, doc.Filename)
	if err != nil {
		return nil, nil, err
	}
	kind, err := s.tree.Lookup(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if kind != filestore.KindRegular {
		return nil, nil, fmt.Errorf("document %s file %s is %s: %w", documentID, name, kind, filestore.ErrNotExist)
	}
	rc, err := s.tree.Open(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return doc, rc, nil
}
