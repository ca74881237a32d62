package index

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "master-key", append([]Option{WithPrefix("test_")}, opts...)...)
}

func TestClient_ListDocuments(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/indexes/test_documents/documents", r.URL.Path)
		assert.Equal(t, "200", r.URL.Query().Get("offset"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		assert.Equal(t, "documentid,userid,filename,company,category", r.URL.Query().Get("attributesToRetrieve"))
		assert.Equal(t, "master-key", r.Header.Get("X-Meili-API-Key"))

		_, _ = w.Write([]byte(`[
			{"documentid":"d1","userid":"u1","filename":"a.pdf","company":"null"},
			{"documentid":"d2","userid":"u1","filename":"b.pdf","company":"ACME","category":"tax"}
		]`))
	})

	docs, err := c.ListDocuments(context.Background(), 200, 100, SnapshotFields...)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "", docs[0].Company)
	assert.Equal(t, "ACME", docs[1].Company)
	assert.Equal(t, "tax", docs[1].Category)
}

func TestClient_ListOwnersAllocatesSets(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/indexes/test_users/documents", r.URL.Path)
		_, _ = w.Write([]byte(`[{"userid":"u1","companies":["b","a"]},{"userid":"u2"}]`))
	})

	owners, err := c.ListOwners(context.Background(), 0, 100)
	require.NoError(t, err)
	require.Len(t, owners, 2)
	assert.Equal(t, []string{"a", "b"}, owners[0].Companies.Sorted())
	assert.NotNil(t, owners[1].Companies)
	assert.NotNil(t, owners[1].Categories)
}

func TestClient_GetDocumentNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Document d9 not found","errorCode":"document_not_found"}`))
	})

	_, err := c.GetDocument(context.Background(), "d9")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "document_not_found", apiErr.Code)
}

func TestClient_PutDocumentGzip(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/indexes/test_documents/documents", r.URL.Path)
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))

		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		data, err := io.ReadAll(zr)
		require.NoError(t, err)

		var records []map[string]any
		require.NoError(t, json.Unmarshal(data, &records))
		require.Len(t, records, 1)
		assert.Equal(t, "d1", records[0]["documentid"])
		assert.Equal(t, "null", records[0]["company"])

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"updateId":7}`))
	}, WithGzip(true))

	err := c.PutDocument(context.Background(), &Document{ID: "d1", OwnerID: "u1", Filename: "a.pdf"})
	require.NoError(t, err)
}

func TestClient_PutRequiresAccepted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"invalid primary key"}`))
	})

	err := c.PutOwner(context.Background(), &Owner{ID: "u1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid primary key")
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestClient_DeleteDocument(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	})

	require.NoError(t, c.DeleteDocument(context.Background(), "d1"))
	assert.Equal(t, "/indexes/test_documents/documents/d1", gotPath)
}

func TestClient_PendingUpdates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/indexes/test_users/updates", r.URL.Path)
		_, _ = w.Write([]byte(`[{"updateId":1,"status":"processed"},{"updateId":2,"status":"enqueued"}]`))
	})

	updates, err := c.PendingUpdates(context.Background(), Owners)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.False(t, updates[0].Pending())
	assert.True(t, updates[1].Pending())
}

func TestClient_DocumentsByDeleteDates(t *testing.T) {
	var requests []SearchRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/indexes/test_documents/search", r.URL.Path)
		var req SearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests = append(requests, req)

		hits := []Document{{ID: "d1"}, {ID: "d2"}}
		if req.Offset > 0 {
			hits = []Document{{ID: "d3"}}
		}
		_ = json.NewEncoder(w).Encode(SearchResult{Hits: hits, Offset: req.Offset, Limit: req.Limit, NbHits: 3})
	})

	docs, err := c.DocumentsByDeleteDates(context.Background(), []string{"2024-03-01", "2024-03-02"})
	require.NoError(t, err)
	assert.Len(t, docs, 3)
	require.Len(t, requests, 2)
	assert.Equal(t, 2, requests[1].Offset)

	filters, ok := requests[0].FacetFilters[0].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"deletedate:2024-03-01", "deletedate:2024-03-02"}, filters)
}

func TestClient_DocumentsByDeleteDatesEmpty(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", "")
	docs, err := c.DocumentsByDeleteDates(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestClient_CountDocuments(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, `company = "ACME"`, req.Filters)
		assert.Equal(t, []any{"userid:u1"}, req.FacetFilters)
		_, _ = w.Write([]byte(`{"hits":[{"documentid":"d1"}],"nbHits":4}`))
	})

	n, err := c.CountDocuments(context.Background(), "u1", "company", "ACME")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestClient_EnsureIndexes(t *testing.T) {
	var created, settings []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/indexes":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			created = append(created, body["uid"]+"/"+body["primaryKey"])
			if body["uid"] == "test_users" {
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusCreated)
		default:
			settings = append(settings, r.URL.Path)
			w.WriteHeader(http.StatusAccepted)
		}
	})

	require.NoError(t, c.EnsureIndexes(context.Background()))
	assert.Equal(t, []string{"test_users/userid", "test_documents/documentid"}, created)
	assert.Equal(t, []string{"/indexes/test_documents/settings"}, settings)
}
