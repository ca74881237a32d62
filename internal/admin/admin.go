// Package admin serves the documentd admin API: health, metrics, status,
// maintenance triggers, run history, document writes and access tokens.
package admin

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"time"

	"github.com/documentd/documentd/internal/accesstoken"
	"github.com/documentd/documentd/internal/auth"
	"github.com/documentd/documentd/internal/index"
	"github.com/documentd/documentd/internal/journal"
	"github.com/documentd/documentd/internal/logging/audit"
	"github.com/documentd/documentd/internal/maintenance"
	"github.com/documentd/documentd/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const healthTimeout = 2 * time.Second

// Scheduler runs maintenance jobs on demand.
type Scheduler interface {
	Trigger(ctx context.Context, job string) (*maintenance.Result, error)
	Jobs() []string
}

// RunHistory lists recorded maintenance runs.
type RunHistory interface {
	List(ctx context.Context, job string, limit int) ([]journal.Run, error)
}

// Documents is the document service used by the API.
type Documents interface {
	Get(ctx context.Context, ownerID, documentID string) (*index.Document, error)
	Store(ctx context.Context, doc *index.Document, content io.Reader) error
	Update(ctx context.Context, ownerID string, doc *index.Document) (*index.Owner, error)
	Delete(ctx context.Context, ownerID, documentID string) error
	Open(ctx context.Context, documentID string) (*index.Document, io.ReadCloser, error)
}

// Tokens issues and redeems document access tokens.
type Tokens interface {
	Issue(documentID string) (accesstoken.Grant, error)
	Redeem(token string) (string, error)
	Len() int
}

// HealthChecker reports whether a dependency is ready to serve.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// GateStatus reports the state of the write gate.
type GateStatus interface {
	InFlight() int
	Closed() bool
}

// Config holds the collaborators of the admin server. Nil collaborators
// disable the routes that need them.
type Config struct {
	JWTSecret []byte
	PublicURL string // Base URL for links to /open/{token}
	Version   string

	Scheduler Scheduler
	Runs      RunHistory
	Documents Documents
	Tokens    Tokens
	Gate      GateStatus
	Index     HealthChecker // Checked by /health when set
	Audit     *audit.Logger
	Metrics   *metrics.DaemonMetrics
}

// AdminServer provides the HTTP admin interface.
type AdminServer struct {
	cfg    Config
	audit  *audit.Logger
	server *http.Server
	mux    *http.ServeMux
}

// NewAdminServer creates an admin server and registers its routes.
func NewAdminServer(cfg Config) *AdminServer {
	s := &AdminServer{
		cfg:   cfg,
		audit: cfg.Audit,
		mux:   http.NewServeMux(),
	}
	if s.audit == nil {
		s.audit = audit.NewLogger(zerolog.Nop())
	}
	s.routes()
	return s
}

// Handler returns the server's request router.
func (s *AdminServer) Handler() http.Handler {
	return s.mux
}

// Start starts the admin server with TLS on the given address.
func (s *AdminServer) Start(addr string, cert *tls.Certificate) error {
	s.server = s.newHTTPServer(addr)
	s.server.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}

	go func() {
		// Certificates are in TLSConfig; shutdown errors are expected.
		_ = s.server.ListenAndServeTLS("", "")
	}()
	return nil
}

// StartInsecure starts the admin server without TLS.
func (s *AdminServer) StartInsecure(addr string) error {
	s.server = s.newHTTPServer(addr)

	go func() {
		_ = s.server.ListenAndServe()
	}()
	return nil
}

func (s *AdminServer) newHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute, // maintenance triggers wait for the run
		IdleTimeout:  60 * time.Second,
	}
}

// Stop gracefully stops the admin server.
func (s *AdminServer) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *AdminServer) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.Handle("GET /api/v1/status", s.require("get", auth.ResourceStatus, s.handleStatus))
	s.mux.Handle("POST /api/v1/maintenance/{job}", s.require("create", auth.ResourceMaintenance, s.handleTrigger))
	s.mux.Handle("GET /api/v1/maintenance/runs", s.require("get", auth.ResourceRuns, s.handleRuns))
	s.mux.Handle("POST /api/v1/documents/{id}/token", s.require("create", auth.ResourceTokens, s.handleIssueToken))
	s.mux.Handle("POST /api/v1/documents", s.require("create", auth.ResourceDocuments, s.handleUploadDocument))
	s.mux.Handle("PUT /api/v1/documents/{id}", s.require("update", auth.ResourceDocuments, s.handleUpdateDocument))
	s.mux.Handle("DELETE /api/v1/documents/{id}", s.require("delete", auth.ResourceDocuments, s.handleDeleteDocument))

	s.mux.HandleFunc("GET /open/{token}", s.handleOpen)
	s.mux.HandleFunc("GET /open/{token}/qr.png", s.handleQRCode)
}

// handleHealth answers ok, or 503 when the index is not reachable.
func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.cfg.Index != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.cfg.Index.Health(ctx); err != nil {
			log.Debug().Err(err).Msg("index health check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("index unavailable\n"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
