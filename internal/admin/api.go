package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/documentd/documentd/internal/accesstoken"
	"github.com/documentd/documentd/internal/auth"
	"github.com/documentd/documentd/internal/documents"
	"github.com/documentd/documentd/internal/filestore"
	"github.com/documentd/documentd/internal/index"
	"github.com/documentd/documentd/internal/journal"
	"github.com/documentd/documentd/internal/maintenance"
	"github.com/documentd/documentd/internal/writegate"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
)

// QRCodeSize is the edge length in pixels of generated QR codes.
const QRCodeSize = 256

// MaxUploadSize bounds the body of a document upload.
const MaxUploadSize = 64 << 20

// ErrorResponse is the body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// JobStatus is the last known run of a job.
type JobStatus struct {
	Name    string       `json:"name"`
	LastRun *journal.Run `json:"lastRun,omitempty"`
}

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Version        string      `json:"version"`
	GateClosed     bool        `json:"gateClosed"`
	WritesInFlight int         `json:"writesInFlight"`
	AccessTokens   int         `json:"accessTokens"`
	Jobs           []JobStatus `json:"jobs"`
}

// TokenResponse is returned when an access token is issued.
type TokenResponse struct {
	accesstoken.Grant
	URL   string `json:"url,omitempty"`
	QRURL string `json:"qrUrl,omitempty"`
}

// DocumentMetadata is the client-editable part of a document.
type DocumentMetadata struct {
	Title        string   `json:"title"`
	DocumentDate string   `json:"documentdate"`
	DeleteDate   string   `json:"deletedate"`
	Company      string   `json:"company"`
	Category     string   `json:"category"`
	Tags         []string `json:"tags"`
}

func (m DocumentMetadata) validate() error {
	for field, v := range map[string]string{"documentdate": m.DocumentDate, "deletedate": m.DeleteDate} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(index.DateLayout, v); err != nil {
			return fmt.Errorf("%s must be formatted as %s", field, index.DateLayout)
		}
	}
	return nil
}

func (m DocumentMetadata) apply(doc *index.Document) {
	doc.Title = m.Title
	doc.DocumentDate = m.DocumentDate
	doc.DeleteDate = m.DeleteDate
	doc.Company = m.Company
	doc.Category = m.Category
	doc.Tags = m.Tags
}

// DocumentResponse is returned by document writes. It carries the owner's
// rebuilt company and category lists.
type DocumentResponse struct {
	Document   index.Document `json:"document"`
	Companies  []string       `json:"companies,omitempty"`
	Categories []string       `json:"categories,omitempty"`
}

type claimsKey struct{}

func claimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return c
}

// require wraps next with bearer token verification and a role check.
func (s *AdminServer) require(verb, resource string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.audit.LogAuth("", "bearer", "denied", "missing bearer token", ip)
			jsonError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		claims, err := auth.ParseToken(parts[1], s.cfg.JWTSecret)
		if err != nil {
			log.Debug().Err(err).Msg("admin auth failed")
			s.audit.LogAuth("", "bearer", "denied", "invalid token", ip)
			jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if !auth.Allowed(claims.Role, verb, resource) {
			s.audit.LogAuth(claims.UserID, "bearer", "denied", fmt.Sprintf("role %q may not %s %s", claims.Role, verb, resource), ip)
			jsonError(w, "forbidden", http.StatusForbidden)
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Version: s.cfg.Version, Jobs: []JobStatus{}}
	if s.cfg.Gate != nil {
		resp.GateClosed = s.cfg.Gate.Closed()
		resp.WritesInFlight = s.cfg.Gate.InFlight()
	}
	if s.cfg.Tokens != nil {
		resp.AccessTokens = s.cfg.Tokens.Len()
	}
	if s.cfg.Scheduler != nil {
		for _, name := range s.cfg.Scheduler.Jobs() {
			js := JobStatus{Name: name}
			if s.cfg.Runs != nil {
				runs, err := s.cfg.Runs.List(r.Context(), name, 1)
				if err != nil {
					log.Warn().Err(err).Str("job", name).Msg("failed to load last run")
				} else if len(runs) > 0 {
					js.LastRun = &runs[0]
				}
			}
			resp.Jobs = append(resp.Jobs, js)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *AdminServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		jsonError(w, "maintenance is not enabled", http.StatusServiceUnavailable)
		return
	}
	job := r.PathValue("job")

	res, err := s.cfg.Scheduler.Trigger(r.Context(), job)
	switch {
	case errors.Is(err, maintenance.ErrUnknownJob):
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, maintenance.ErrRunInProgress):
		jsonError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	log.Info().Str("job", job).Str("user_id", claimsFrom(r.Context()).UserID).Msg("maintenance job triggered")
	writeJSON(w, http.StatusOK, res)
}

func (s *AdminServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Runs == nil {
		jsonError(w, "run history is not enabled", http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			jsonError(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.cfg.Runs.List(r.Context(), r.URL.Query().Get("job"), limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []journal.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *AdminServer) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Documents == nil || s.cfg.Tokens == nil {
		jsonError(w, "access tokens are not enabled", http.StatusServiceUnavailable)
		return
	}
	claims := claimsFrom(r.Context())
	id := r.PathValue("id")
	ip := clientIP(r)

	if _, err := s.cfg.Documents.Get(r.Context(), claims.UserID, id); err != nil {
		s.audit.LogToken("issue", claims.UserID, id, "denied", time.Time{}, ip)
		writeDocumentError(w, err)
		return
	}

	grant, err := s.cfg.Tokens.Issue(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.cfg.Metrics.TokenIssued()
	s.audit.LogToken("issue", claims.UserID, id, "allowed", grant.Expire, ip)

	resp := TokenResponse{Grant: grant}
	if base := strings.TrimSuffix(s.cfg.PublicURL, "/"); base != "" {
		resp.URL = base + "/open/" + grant.Token
		resp.QRURL = resp.URL + "/qr.png"
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleUploadDocument stores a PDF for the caller. The file is either the
// "file" part of a multipart form or the raw request body; metadata comes
// from form fields or query parameters.
func (s *AdminServer) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Documents == nil {
		jsonError(w, "documents are not enabled", http.StatusServiceUnavailable)
		return
	}
	claims := claimsFrom(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)

	var content io.Reader = r.Body
	filename := r.URL.Query().Get("filename")
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			jsonError(w, "multipart upload needs a file part: "+err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = file.Close() }()
		content = file
		if filename == "" {
			filename = header.Filename
		}
	}

	meta := DocumentMetadata{
		Title:        r.FormValue("title"),
		DocumentDate: r.FormValue("documentdate"),
		DeleteDate:   r.FormValue("deletedate"),
		Company:      r.FormValue("company"),
		Category:     r.FormValue("category"),
	}
	meta.Tags = r.Form["tags"]
	if err := meta.validate(); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	doc := &index.Document{OwnerID: claims.UserID, Filename: filename}
	meta.apply(doc)

	if err := s.cfg.Documents.Store(r.Context(), doc, content); err != nil {
		log.Warn().Err(err).Str("user_id", claims.UserID).Msg("document upload failed")
		writeDocumentError(w, err)
		return
	}
	log.Info().Str("document_id", doc.ID).Str("user_id", claims.UserID).Msg("document uploaded")
	writeJSON(w, http.StatusCreated, DocumentResponse{Document: *doc})
}

func (s *AdminServer) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Documents == nil {
		jsonError(w, "documents are not enabled", http.StatusServiceUnavailable)
		return
	}
	claims := claimsFrom(r.Context())

	var meta DocumentMetadata
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&meta); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := meta.validate(); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	doc := &index.Document{ID: r.PathValue("id")}
	meta.apply(doc)

	owner, err := s.cfg.Documents.Update(r.Context(), claims.UserID, doc)
	if err != nil {
		writeDocumentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DocumentResponse{
		Document:   *doc,
		Companies:  owner.Companies.Sorted(),
		Categories: owner.Categories.Sorted(),
	})
}

func (s *AdminServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Documents == nil {
		jsonError(w, "documents are not enabled", http.StatusServiceUnavailable)
		return
	}
	claims := claimsFrom(r.Context())
	id := r.PathValue("id")

	if err := s.cfg.Documents.Delete(r.Context(), claims.UserID, id); err != nil {
		if !errors.Is(err, index.ErrNotFound) {
			s.audit.LogDeletion(claims.UserID, "index", "requested", claims.UserID, id, "", "failed", err.Error())
		}
		writeDocumentError(w, err)
		return
	}
	s.audit.LogDeletion(claims.UserID, "index", "requested", claims.UserID, id, "", "deleted", "")
	w.WriteHeader(http.StatusNoContent)
}

// redeem resolves the token in the request path, writing an error response
// when it is not valid.
func (s *AdminServer) redeem(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.cfg.Tokens == nil {
		jsonError(w, "access tokens are not enabled", http.StatusServiceUnavailable)
		return "", false
	}
	token := r.PathValue("token")
	documentID, err := s.cfg.Tokens.Redeem(token)
	if err != nil {
		s.audit.LogToken("redeem", "", "", "denied", time.Time{}, clientIP(r))
		switch {
		case errors.Is(err, accesstoken.ErrTokenExpired):
			jsonError(w, "access token expired", http.StatusGone)
		default:
			jsonError(w, "access token not found", http.StatusNotFound)
		}
		return "", false
	}
	return documentID, true
}

func (s *AdminServer) handleOpen(w http.ResponseWriter, r *http.Request) {
	documentID, ok := s.redeem(w, r)
	if !ok {
		return
	}
	if s.cfg.Documents == nil {
		jsonError(w, "documents are not enabled", http.StatusServiceUnavailable)
		return
	}

	doc, rc, err := s.cfg.Documents.Open(r.Context(), documentID)
	if err != nil {
		writeDocumentError(w, err)
		return
	}
	defer func() { _ = rc.Close() }()

	s.audit.LogToken("redeem", "", documentID, "allowed", time.Time{}, clientIP(r))
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", doc.Filename))
	if _, err := io.Copy(w, rc); err != nil {
		log.Debug().Err(err).Str("document_id", documentID).Msg("document download interrupted")
	}
}

func (s *AdminServer) handleQRCode(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.redeem(w, r); !ok {
		return
	}
	base := strings.TrimSuffix(s.cfg.PublicURL, "/")
	if base == "" {
		jsonError(w, "public url is not configured", http.StatusServiceUnavailable)
		return
	}

	png, err := qrcode.Encode(base+"/open/"+r.PathValue("token"), qrcode.Medium, QRCodeSize)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func writeDocumentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, index.ErrNotFound), errors.Is(err, filestore.ErrNotExist):
		jsonError(w, "document not found", http.StatusNotFound)
	case errors.Is(err, filestore.ErrInvalidPath):
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, documents.ErrExists):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.As(err, new(*http.MaxBytesError)):
		jsonError(w, "document too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, writegate.ErrAdmissionTimeout):
		w.Header().Set("Retry-After", "30")
		jsonError(w, "maintenance in progress, retry later", http.StatusServiceUnavailable)
	default:
		jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
