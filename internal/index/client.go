// Package index is a client for the search index that holds owner and
// document records. The index speaks the Meilisearch HTTP API and applies
// writes asynchronously; see Poller for waiting on convergence.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// DefaultTimeout is the HTTP timeout for index requests.
const DefaultTimeout = 30 * time.Second

// Client talks to the index over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	prefix  string
	gzip    bool
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithPrefix sets the prefix prepended to every collection uid.
func WithPrefix(prefix string) Option {
	return func(c *Client) { c.prefix = prefix }
}

// WithGzip compresses request bodies.
func WithGzip(enabled bool) Option {
	return func(c *Client) { c.gzip = enabled }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// NewClient creates a client for the index at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UID returns the index uid of a collection.
func (c *Client) UID(coll Collection) string {
	return c.prefix + string(coll)
}

func primaryKey(coll Collection) string {
	if coll == Owners {
		return "userid"
	}
	return "documentid"
}

// ListOwners returns one page of owner records.
func (c *Client) ListOwners(ctx context.Context, offset, limit int) ([]Owner, error) {
	var owners []Owner
	if err := c.listRecords(ctx, Owners, offset, limit, nil, &owners); err != nil {
		return nil, err
	}
	for i := range owners {
		owners[i].EnsureSets()
	}
	return owners, nil
}

// ListDocuments returns one page of document records. When fields is not
// empty only those attributes are retrieved.
func (c *Client) ListDocuments(ctx context.Context, offset, limit int, fields ...string) ([]Document, error) {
	var docs []Document
	if err := c.listRecords(ctx, Documents, offset, limit, fields, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c *Client) listRecords(ctx context.Context, coll Collection, offset, limit int, fields []string, out any) error {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	if len(fields) > 0 {
		q.Set("attributesToRetrieve", strings.Join(fields, ","))
	}

	resp, err := c.doRequest(ctx, http.MethodGet, "/indexes/"+c.UID(coll)+"/documents?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s page: %w", coll, err)
	}
	return nil
}

// GetOwner fetches one owner. A missing owner returns an error matching ErrNotFound.
func (c *Client) GetOwner(ctx context.Context, id string) (*Owner, error) {
	var owner Owner
	if err := c.getRecord(ctx, Owners, id, &owner); err != nil {
		return nil, err
	}
	owner.EnsureSets()
	return &owner, nil
}

// GetDocument fetches one document. A missing document returns an error matching ErrNotFound.
func (c *Client) GetDocument(ctx context.Context, id string) (*Document, error) {
	var doc Document
	if err := c.getRecord(ctx, Documents, id, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *Client) getRecord(ctx context.Context, coll Collection, id string, out any) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/indexes/"+c.UID(coll)+"/documents/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s record: %w", coll, err)
	}
	return nil
}

// PutOwner creates or replaces an owner record.
func (c *Client) PutOwner(ctx context.Context, owner *Owner) error {
	return c.putRecords(ctx, Owners, []*Owner{owner})
}

// PutDocument creates or replaces a document record.
func (c *Client) PutDocument(ctx context.Context, doc *Document) error {
	return c.putRecords(ctx, Documents, []*Document{doc})
}

func (c *Client) putRecords(ctx context.Context, coll Collection, records any) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/indexes/"+c.UID(coll)+"/documents", records)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		return c.parseError(resp)
	}
	return nil
}

// DeleteDocument removes a document record.
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/indexes/"+c.UID(Documents)+"/documents/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		return c.parseError(resp)
	}
	return nil
}

// PendingUpdates returns the queued operations of a collection.
func (c *Client) PendingUpdates(ctx context.Context, coll Collection) ([]UpdateStatus, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/indexes/"+c.UID(coll)+"/updates", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var updates []UpdateStatus
	if err := json.NewDecoder(resp.Body).Decode(&updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

// SearchRequest is a document search.
type SearchRequest struct {
	Query        string `json:"q,omitempty"`
	Filters      string `json:"filters,omitempty"`
	FacetFilters []any  `json:"facetFilters,omitempty"`
	Offset       int    `json:"offset"`
	Limit        int    `json:"limit"`
}

// SearchResult is one page of search hits.
type SearchResult struct {
	Hits   []Document `json:"hits"`
	Offset int        `json:"offset"`
	Limit  int        `json:"limit"`
	NbHits int        `json:"nbHits"`
}

// SearchDocuments runs a search against the document collection.
func (c *Client) SearchDocuments(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/indexes/"+c.UID(Documents)+"/search", req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result SearchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode search result: %w", err)
	}
	return &result, nil
}

// DocumentsByDeleteDates returns every document whose deletion date is one
// of dates (formatted with DateLayout).
func (c *Client) DocumentsByDeleteDates(ctx context.Context, dates []string) ([]Document, error) {
	if len(dates) == 0 {
		return nil, nil
	}
	// One inner array ORs the dates together.
	anyDate := make([]string, len(dates))
	for i, d := range dates {
		anyDate[i] = "deletedate:" + d
	}

	var docs []Document
	offset := 0
	for {
		result, err := c.SearchDocuments(ctx, SearchRequest{
			FacetFilters: []any{anyDate},
			Offset:       offset,
			Limit:        DefaultPageSize,
		})
		if err != nil {
			return nil, err
		}
		docs = append(docs, result.Hits...)
		offset += len(result.Hits)
		if len(result.Hits) == 0 || offset >= result.NbHits {
			return docs, nil
		}
	}
}

// CountDocuments returns how many of an owner's documents have field equal
// to value.
func (c *Client) CountDocuments(ctx context.Context, ownerID, field, value string) (int, error) {
	result, err := c.SearchDocuments(ctx, SearchRequest{
		Filters:      fmt.Sprintf("%s = %q", field, value),
		FacetFilters: []any{"userid:" + ownerID},
		Limit:        1,
	})
	if err != nil {
		return 0, err
	}
	return result.NbHits, nil
}

// EnsureIndexes creates both collections and their facet settings. Existing
// indexes are left as they are.
func (c *Client) EnsureIndexes(ctx context.Context) error {
	settings := map[Collection]map[string]any{
		Owners: {
			"attributesForFaceting": []string{"username", "connectpasswordhash", "mailaddresses"},
			"searchableAttributes":  []string{},
		},
		Documents: {
			"attributesForFaceting": []string{"company", "category", "userid", "deletedate"},
			"searchableAttributes": []string{
				"documentid", "title", "documentdate", "deletedate", "tags",
				"pdftitle", "company", "category", "textcontent", "filename",
			},
		},
	}

	for _, coll := range []Collection{Owners, Documents} {
		created, err := c.createIndex(ctx, coll)
		if err != nil {
			return err
		}
		if !created {
			continue
		}
		if err := c.updateSettings(ctx, coll, settings[coll]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) createIndex(ctx context.Context, coll Collection) (bool, error) {
	body := map[string]string{"uid": c.UID(coll), "primaryKey": primaryKey(coll)}
	resp, err := c.doRequest(ctx, http.MethodPost, "/indexes", body)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusAccepted:
		return true, nil
	case http.StatusConflict:
		return false, nil
	default:
		return false, c.parseError(resp)
	}
}

func (c *Client) updateSettings(ctx context.Context, coll Collection, settings map[string]any) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/indexes/"+c.UID(coll)+"/settings", settings)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	return nil
}

// Health checks that the index is reachable.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return c.parseError(resp)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	var encoding string
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		if c.gzip {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			if _, err := zw.Write(data); err != nil {
				return nil, fmt.Errorf("compress request: %w", err)
			}
			if err := zw.Close(); err != nil {
				return nil, fmt.Errorf("compress request: %w", err)
			}
			data = buf.Bytes()
			encoding = "gzip"
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("X-Meili-API-Key", c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var errResp struct {
		Message   string `json:"message"`
		ErrorCode string `json:"errorCode"`
		Code      string `json:"code"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		apiErr.Message = errResp.Message
		apiErr.Code = errResp.ErrorCode
		if apiErr.Code == "" {
			apiErr.Code = errResp.Code
		}
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(body))
	return apiErr
}
