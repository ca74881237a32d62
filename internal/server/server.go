// Package server assembles the documentd daemon from its configuration.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/documentd/documentd/internal/accesstoken"
	"github.com/documentd/documentd/internal/admin"
	"github.com/documentd/documentd/internal/config"
	"github.com/documentd/documentd/internal/documents"
	"github.com/documentd/documentd/internal/filestore"
	"github.com/documentd/documentd/internal/index"
	"github.com/documentd/documentd/internal/journal"
	"github.com/documentd/documentd/internal/logging/audit"
	"github.com/documentd/documentd/internal/maintenance"
	"github.com/documentd/documentd/internal/metrics"
	"github.com/documentd/documentd/internal/retry"
	"github.com/documentd/documentd/internal/writegate"
	"github.com/rs/zerolog/log"
)

const (
	metricsInterval = 15 * time.Second
	pruneInterval   = time.Hour
)

// Daemon holds the wired components of a running documentd.
type Daemon struct {
	cfg *config.ServerConfig

	Index      *index.Client
	Tree       filestore.Tree
	Gate       *writegate.Gate
	Documents  *documents.Service
	Journal    *journal.Journal
	Reconciler *maintenance.Reconciler
	Sweeper    *maintenance.Sweeper
	Scheduler  *maintenance.Scheduler
	Tokens     *accesstoken.Service
	Metrics    *metrics.DaemonMetrics
	Audit      *audit.Logger

	admin *admin.AdminServer
}

// New builds a daemon from a validated configuration. Nothing runs until
// Run is called; Close releases what New opened.
func New(ctx context.Context, cfg *config.ServerConfig, version string) (*Daemon, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:     cfg,
		Metrics: metrics.InitMetrics(nil, version),
		Audit:   audit.NewLogger(log.Logger),
	}

	d.Index = index.NewClient(cfg.Index.URL, cfg.Index.APIKey,
		index.WithPrefix(cfg.Index.Prefix),
		index.WithGzip(cfg.Index.Gzip),
		index.WithHTTPClient(&http.Client{Timeout: cfg.Index.Timeout.Std()}),
	)

	d.Tree, err = openTree(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	d.Journal, err = journal.Open(cfg.JournalPath())
	if err != nil {
		return nil, err
	}

	m := cfg.Maintenance
	d.Gate = writegate.New(writegate.WithAdmissionTimeout(m.AdmissionTimeout.Std()))
	d.Documents = documents.NewService(d.Index, d.Tree, d.Gate)
	d.Tokens = accesstoken.NewService(accesstoken.WithTTL(cfg.Tokens.TTL.Std()))

	convergence := retry.Policy{
		MaxAttempts:    m.ConvergenceAttempts,
		InitialBackoff: m.ConvergenceInterval.Std(),
	}
	d.Reconciler = maintenance.NewReconciler(d.Index, d.Tree, d.Gate, maintenance.ReconcilerConfig{
		DrainTimeout: m.DrainTimeout.Std(),
		PageSize:     m.PageSize,
		Convergence:  &convergence,
		Audit:        d.Audit,
		Metrics:      d.Metrics,
	})
	d.Sweeper = maintenance.NewSweeper(d.Index, d.Documents, maintenance.SweeperConfig{
		RetentionDays: m.RetentionDays,
		Location:      loc,
		Audit:         d.Audit,
		Metrics:       d.Metrics,
	})
	d.Scheduler = maintenance.NewScheduler(d.Journal, d.Metrics,
		maintenance.ReconcileJob(d.Reconciler, m.ReconcileInterval.Std(), m.ReconcileDelay.Std()),
		maintenance.SweepJob(d.Sweeper, m.SweepInterval.Std(), m.SweepDelay.Std()),
	)

	if cfg.IsAdminEnabled() {
		d.admin = admin.NewAdminServer(admin.Config{
			JWTSecret: []byte(cfg.Admin.JWTSecret),
			PublicURL: cfg.Tokens.PublicURL,
			Version:   version,
			Scheduler: d.Scheduler,
			Runs:      d.Journal,
			Documents: d.Documents,
			Tokens:    d.Tokens,
			Gate:      d.Gate,
			Index:     d.Index,
			Audit:     d.Audit,
			Metrics:   d.Metrics,
		})
	}
	return d, nil
}

func openTree(ctx context.Context, cfg config.StorageConfig) (filestore.Tree, error) {
	switch cfg.Backend {
	case config.BackendS3:
		tree, err := filestore.DialS3(ctx, filestore.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			PathStyle: cfg.S3.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 storage: %w", err)
		}
		return tree, nil
	case config.BackendLocal, "":
		tree, err := filestore.NewLocalTree(cfg.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("open local storage: %w", err)
		}
		return tree, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Handler returns the admin API handler, or nil when the API is disabled.
func (d *Daemon) Handler() http.Handler {
	if d.admin == nil {
		return nil
	}
	return d.admin.Handler()
}

// Run serves the admin API and runs the maintenance schedule until ctx is
// done, then shuts everything down. The index being unreachable at startup
// is logged, not fatal: the first reconciliation records the failure.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Index.EnsureIndexes(ctx); err != nil {
		log.Warn().Err(err).Str("url", d.cfg.Index.URL).Msg("failed to ensure indexes")
	}

	if d.admin != nil {
		var err error
		if d.cfg.Admin.TLSCert != "" {
			cert, certErr := tls.LoadX509KeyPair(d.cfg.Admin.TLSCert, d.cfg.Admin.TLSKey)
			if certErr != nil {
				return fmt.Errorf("load admin certificate: %w", certErr)
			}
			err = d.admin.Start(d.cfg.Listen, &cert)
		} else {
			err = d.admin.StartInsecure(d.cfg.Listen)
		}
		if err != nil {
			return fmt.Errorf("start admin server: %w", err)
		}
		log.Info().Str("listen", d.cfg.Listen).Bool("tls", d.cfg.Admin.TLSCert != "").Msg("admin API listening")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		metrics.NewCollector(d.Metrics, metrics.CollectorConfig{Gate: d.Gate, Tokens: d.Tokens}).Run(ctx, metricsInterval)
	}()
	go func() {
		defer wg.Done()
		d.pruneLoop(ctx)
	}()

	d.Scheduler.Start(ctx)
	log.Info().Strs("jobs", d.Scheduler.Jobs()).Msg("maintenance scheduled")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	var errs []error
	if d.admin != nil {
		if err := d.admin.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop admin server: %w", err))
		}
	}
	d.Scheduler.Wait()
	wg.Wait()
	return errors.Join(errs...)
}

func (d *Daemon) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		d.prune(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Daemon) prune(ctx context.Context) {
	retention := d.cfg.Maintenance.JournalRetention.Std()
	if retention <= 0 {
		return
	}
	n, err := d.Journal.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("failed to prune maintenance journal")
		}
		return
	}
	if n > 0 {
		log.Debug().Int64("runs", n).Msg("pruned maintenance journal")
	}
}

// Close releases the journal.
func (d *Daemon) Close() error {
	if d.Journal == nil {
		return nil
	}
	return d.Journal.Close()
}
