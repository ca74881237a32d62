package maintenance

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
	_ "time/tzdata" // Europe/Berlin must resolve on hosts without zoneinfo

	"github.com/documentd/documentd/internal/index"
	"github.com/documentd/documentd/internal/logging/audit"
	"github.com/documentd/documentd/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Retention defaults.
const (
	DefaultRetentionDays = 7
	DefaultTimezone      = "Europe/Berlin"
	actorRetention       = "retention"
)

// ExpiryIndex is the part of the index used by the retention sweep.
type ExpiryIndex interface {
	DocumentsByDeleteDates(ctx context.Context, dates []string) ([]index.Document, error)
	GetOwner(ctx context.Context, id string) (*index.Owner, error)
}

// Remover deletes a document through the tracked write path.
type Remover interface {
	Remove(ctx context.Context, owner *index.Owner, doc *index.Document) error
}

// SweeperConfig holds retention settings. Zero values use defaults.
type SweeperConfig struct {
	RetentionDays int
	Location      *time.Location
	Now           func() time.Time
	Audit         *audit.Logger
	Metrics       *metrics.DaemonMetrics
}

// SweepStats holds statistics from a retention sweep.
type SweepStats struct {
	Dates        []string      `json:"dates"`
	Expired      int           `json:"expired"`      // Documents matching a deletion date
	Deleted      int           `json:"deleted"`      // Documents removed
	OwnerMissing int           `json:"ownerMissing"` // Skipped, owner unresolved
	Failures     int           `json:"failures"`     // Tracked deletes that failed
	Duration     time.Duration `json:"duration"`
}

// Sweeper deletes documents whose deletion date has been reached.
type Sweeper struct {
	index   ExpiryIndex
	remover Remover
	cfg     SweeperConfig
	audit   *audit.Logger
	running atomic.Bool
}

// NewSweeper creates a retention sweeper. Deletes go through remover so
// they are tracked by the write gate like interactive deletes.
func NewSweeper(idx ExpiryIndex, remover Remover, cfg SweeperConfig) *Sweeper {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.Location == nil {
		loc, err := time.LoadLocation(DefaultTimezone)
		if err != nil {
			loc = time.UTC
		}
		cfg.Location = loc
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	auditLog := cfg.Audit
	if auditLog == nil {
		auditLog = audit.NewLogger(zerolog.Nop())
	}
	return &Sweeper{index: idx, remover: remover, cfg: cfg, audit: auditLog}
}

// Dates returns the deletion dates covered by a sweep at now: the day of
// now in the sweeper's location and the preceding days of the window.
func (s *Sweeper) Dates(now time.Time) []string {
	local := now.In(s.cfg.Location)
	dates := make([]string, 0, s.cfg.RetentionDays)
	for i := 0; i < s.cfg.RetentionDays; i++ {
		dates = append(dates, local.AddDate(0, 0, -i).Format(index.DateLayout))
	}
	return dates
}

// Run deletes every document whose deletion date lies in the window.
// Documents whose owner cannot be loaded are skipped; failed deletes are
// counted and the sweep continues.
func (s *Sweeper) Run(ctx context.Context) (*SweepStats, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("sweep: %w", ErrRunInProgress)
	}
	defer s.running.Store(false)

	start := time.Now()
	stats := &SweepStats{Dates: s.Dates(s.cfg.Now())}
	defer func() { stats.Duration = time.Since(start) }()

	docs, err := s.index.DocumentsByDeleteDates(ctx, stats.Dates)
	if err != nil {
		return stats, fmt.Errorf("sweep: find expired documents: %w", err)
	}
	stats.Expired = len(docs)

	owners := make(map[string]*index.Owner)
	for i := range docs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		doc := &docs[i]

		owner, err := s.resolveOwner(ctx, owners, doc.OwnerID)
		if err != nil {
			stats.OwnerMissing++
			log.Warn().Err(err).Str("document_id", doc.ID).Str("owner_id", doc.OwnerID).Msg("skipping expired document")
			continue
		}

		if err := s.remover.Remove(ctx, owner, doc); err != nil {
			stats.Failures++
			log.Warn().Err(err).Str("document_id", doc.ID).Msg("failed to delete expired document")
			s.audit.LogDeletion(actorRetention, "index", "expired", doc.OwnerID, doc.ID, "", "failed", err.Error())
			continue
		}
		stats.Deleted++
		s.audit.LogDeletion(actorRetention, "index", "expired", doc.OwnerID, doc.ID, "", "deleted", doc.DeleteDate)
	}

	s.cfg.Metrics.RecordSweep(stats.Deleted, stats.OwnerMissing, stats.Failures)

	log.Info().
		Strs("dates", stats.Dates).
		Int("expired", stats.Expired).
		Int("deleted", stats.Deleted).
		Int("owner_missing", stats.OwnerMissing).
		Int("failures", stats.Failures).
		Msg("retention sweep complete")

	if stats.Failures > 0 {
		return stats, fmt.Errorf("sweep: %d deletes: %w", stats.Failures, ErrOrphanRepair)
	}
	return stats, nil
}

// resolveOwner loads an owner once per sweep. The cached owner is mutated by
// the deletes so later documents of the same owner see its current sets.
func (s *Sweeper) resolveOwner(ctx context.Context, cache map[string]*index.Owner, id string) (*index.Owner, error) {
	if owner, ok := cache[id]; ok {
		return owner, nil
	}
	owner, err := s.index.GetOwner(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOwnerResolution, id, err)
	}
	cache[id] = owner
	return owner, nil
}
