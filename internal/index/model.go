package index

import (
	"encoding/json"
	"sort"
)

// Collection names a logical record collection in the index.
type Collection string

// Collections held in the index. The index uid is the configured prefix
// followed by the collection name.
const (
	Owners    Collection = "users"
	Documents Collection = "documents"
)

// NullCompany is stored in place of an absent company so the index can facet on it.
const NullCompany = "null"

// DateLayout is the format of document and deletion dates.
const DateLayout = "2006-01-02"

// SnapshotFields are the document attributes needed to reconcile the index
// against the file tree.
var SnapshotFields = []string{"documentid", "userid", "filename", "company", "category"}

// Owner is a user record. Companies and Categories are derived from the
// owner's documents and are kept as separate sets.
type Owner struct {
	ID                  string `json:"userid"`
	Username            string `json:"username,omitempty"`
	ModifyDate          int64  `json:"modifydate,omitempty"` // Unix milliseconds
	PasswordHash        string `json:"passwordhash,omitempty"`
	ConnectPasswordHash string `json:"connectpasswordhash,omitempty"`
	MailAddresses       Set    `json:"mailaddresses"`
	Companies           Set    `json:"companies"`
	Categories          Set    `json:"categories"`
}

// EnsureSets allocates any nil set so the owner can be mutated in place.
func (o *Owner) EnsureSets() {
	if o.MailAddresses == nil {
		o.MailAddresses = NewSet()
	}
	if o.Companies == nil {
		o.Companies = NewSet()
	}
	if o.Categories == nil {
		o.Categories = NewSet()
	}
}

// Document is a stored PDF's metadata record.
type Document struct {
	ID           string   `json:"documentid"`
	Title        string   `json:"title,omitempty"`
	DocumentDate string   `json:"documentdate,omitempty"`
	DeleteDate   string   `json:"deletedate,omitempty"`
	Filename     string   `json:"filename"`
	Pages        int      `json:"pages,omitempty"`
	TextContent  string   `json:"textcontent,omitempty"`
	PDFTitle     string   `json:"pdftitle,omitempty"`
	OwnerID      string   `json:"userid"`
	Company      string   `json:"company"`
	Category     string   `json:"category,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

type documentJSON Document

// MarshalJSON writes an empty company as NullCompany.
func (d Document) MarshalJSON() ([]byte, error) {
	out := documentJSON(d)
	if out.Company == "" {
		out.Company = NullCompany
	}
	return json.Marshal(out)
}

// UnmarshalJSON maps NullCompany back to an empty company.
func (d *Document) UnmarshalJSON(data []byte) error {
	var in documentJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Company == NullCompany {
		in.Company = ""
	}
	*d = Document(in)
	return nil
}

// UpdateStatus is the state of one queued index operation.
type UpdateStatus struct {
	UpdateID int    `json:"updateId,omitempty"`
	Status   string `json:"status"`
}

// Update statuses reported by the index.
const (
	StatusEnqueued   = "enqueued"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// Pending reports whether the operation has not been applied yet.
func (u UpdateStatus) Pending() bool {
	return u.Status == StatusEnqueued || u.Status == StatusProcessing
}

// Set is an unordered set of strings, serialized as a sorted JSON array.
type Set map[string]struct{}

// NewSet returns a set holding values. Empty strings are skipped.
func NewSet(values ...string) Set {
	s := make(Set, len(values))
	for _, v := range values {
		s.Add(v)
	}
	return s
}

// Add inserts v and reports whether it was new.
func (s Set) Add(v string) bool {
	if v == "" {
		return false
	}
	if _, ok := s[v]; ok {
		return false
	}
	s[v] = struct{}{}
	return true
}

// Remove deletes v and reports whether it was present.
func (s Set) Remove(v string) bool {
	if _, ok := s[v]; !ok {
		return false
	}
	delete(s, v)
	return true
}

// Has reports whether v is in the set.
func (s Set) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Equal reports whether both sets hold the same values. A nil set equals an empty one.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for v := range s {
		if !other.Has(v) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for v := range s {
		out[v] = struct{}{}
	}
	return out
}

// Sorted returns the values in ascending order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array. null decodes to an empty set.
func (s *Set) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*s = NewSet(values...)
	return nil
}
