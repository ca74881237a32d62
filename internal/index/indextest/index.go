// Package indextest provides an in-memory index for tests.
package indextest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/documentd/documentd/internal/index"
)

// Index is an in-memory stand-in for the index client. Writes are applied
// immediately; pending operations are scripted through SetPending.
type Index struct {
	mu        sync.Mutex
	owners    map[string]index.Owner
	documents map[string]index.Document
	pending   map[index.Collection][][]index.UpdateStatus

	// Errors returned by the matching operation, keyed by record id.
	DeleteErrors   map[string]error
	PutOwnerErrors map[string]error
	GetOwnerErrors map[string]error

	// PendingErr, when set, is returned by every PendingUpdates call.
	PendingErr error

	OwnerWrites    []string
	DocumentWrites []string
	Deletes        []string
}

// New creates an empty index.
func New() *Index {
	return &Index{
		owners:         make(map[string]index.Owner),
		documents:      make(map[string]index.Document),
		pending:        make(map[index.Collection][][]index.UpdateStatus),
		DeleteErrors:   make(map[string]error),
		PutOwnerErrors: make(map[string]error),
		GetOwnerErrors: make(map[string]error),
	}
}

// AddOwner stores an owner without recording a write.
func (x *Index) AddOwner(o index.Owner) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.owners[o.ID] = cloneOwner(o)
}

// AddDocument stores a document without recording a write.
func (x *Index) AddDocument(d index.Document) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.documents[d.ID] = d
}

// SetPending scripts successive PendingUpdates responses for coll. Once the
// script is used up the collection reports no pending operations.
func (x *Index) SetPending(coll index.Collection, responses ...[]index.UpdateStatus) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.pending[coll] = responses
}

// Owner returns a stored owner.
func (x *Index) Owner(id string) (index.Owner, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	o, ok := x.owners[id]
	return cloneOwner(o), ok
}

// Document returns a stored document.
func (x *Index) Document(id string) (index.Document, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	d, ok := x.documents[id]
	return d, ok
}

// DocumentIDs returns the ids of all stored documents, sorted.
func (x *Index) DocumentIDs() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := make([]string, 0, len(x.documents))
	for id := range x.documents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResetCounters clears the recorded writes and deletes.
func (x *Index) ResetCounters() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.OwnerWrites = nil
	x.DocumentWrites = nil
	x.Deletes = nil
}

func (x *Index) ListOwners(_ context.Context, offset, limit int) ([]index.Owner, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := sortedKeys(x.owners)
	var page []index.Owner
	for _, id := range window(ids, offset, limit) {
		page = append(page, cloneOwner(x.owners[id]))
	}
	return page, nil
}

func (x *Index) ListDocuments(_ context.Context, offset, limit int, _ ...string) ([]index.Document, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := sortedKeys(x.documents)
	var page []index.Document
	for _, id := range window(ids, offset, limit) {
		page = append(page, x.documents[id])
	}
	return page, nil
}

func (x *Index) GetOwner(_ context.Context, id string) (*index.Owner, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.GetOwnerErrors[id]; err != nil {
		return nil, err
	}
	o, ok := x.owners[id]
	if !ok {
		return nil, fmt.Errorf("owner %s: %w", id, index.ErrNotFound)
	}
	o = cloneOwner(o)
	return &o, nil
}

func (x *Index) GetDocument(_ context.Context, id string) (*index.Document, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	d, ok := x.documents[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, index.ErrNotFound)
	}
	return &d, nil
}

func (x *Index) PutOwner(_ context.Context, o *index.Owner) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.PutOwnerErrors[o.ID]; err != nil {
		return err
	}
	x.owners[o.ID] = cloneOwner(*o)
	x.OwnerWrites = append(x.OwnerWrites, o.ID)
	return nil
}

func (x *Index) PutDocument(_ context.Context, d *index.Document) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.documents[d.ID] = *d
	x.DocumentWrites = append(x.DocumentWrites, d.ID)
	return nil
}

func (x *Index) DeleteDocument(_ context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.DeleteErrors[id]; err != nil {
		return err
	}
	delete(x.documents, id)
	x.Deletes = append(x.Deletes, id)
	return nil
}

func (x *Index) PendingUpdates(_ context.Context, coll index.Collection) ([]index.UpdateStatus, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.PendingErr != nil {
		return nil, x.PendingErr
	}
	script := x.pending[coll]
	if len(script) == 0 {
		return []index.UpdateStatus{{Status: index.StatusProcessed}}, nil
	}
	x.pending[coll] = script[1:]
	return script[0], nil
}

func (x *Index) DocumentsByDeleteDates(_ context.Context, dates []string) ([]index.Document, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	want := index.NewSet(dates...)
	var out []index.Document
	for _, id := range sortedKeys(x.documents) {
		d := x.documents[id]
		if want.Has(d.DeleteDate) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (x *Index) CountDocuments(_ context.Context, ownerID, field, value string) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for _, d := range x.documents {
		if d.OwnerID != ownerID {
			continue
		}
		switch field {
		case "company":
			if d.Company == value {
				n++
			}
		case "category":
			if d.Category == value {
				n++
			}
		default:
			return 0, fmt.Errorf("unsupported filter field %q", field)
		}
	}
	return n, nil
}

func cloneOwner(o index.Owner) index.Owner {
	o.MailAddresses = o.MailAddresses.Clone()
	o.Companies = o.Companies.Clone()
	o.Categories = o.Categories.Clone()
	return o
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func window(ids []string, offset, limit int) []string {
	if offset >= len(ids) {
		return nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	return ids[offset:end]
}
