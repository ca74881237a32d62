// Package maintenance runs the background jobs that keep the index and the
// file tree consistent: reconciliation, the retention sweep, and the
// scheduler driving both.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/documentd/documentd/internal/filestore"
	"github.com/documentd/documentd/internal/index"
	"github.com/documentd/documentd/internal/logging/audit"
	"github.com/documentd/documentd/internal/metrics"
	"github.com/documentd/documentd/internal/retry"
	"github.com/documentd/documentd/internal/writegate"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Defaults for reconciliation.
const (
	DefaultDrainTimeout = 30 * time.Second
	actorReconcile      = "reconcile"
)

// SnapshotIndex is the part of the index used by reconciliation.
type SnapshotIndex interface {
	index.PendingSource
	ListOwners(ctx context.Context, offset, limit int) ([]index.Owner, error)
	ListDocuments(ctx context.Context, offset, limit int, fields ...string) ([]index.Document, error)
	DeleteDocument(ctx context.Context, id string) error
	PutOwner(ctx context.Context, owner *index.Owner) error
}

// ReconcilerConfig holds reconciliation settings. Zero values use defaults.
type ReconcilerConfig struct {
	DrainTimeout time.Duration
	PageSize     int
	Convergence  *retry.Policy // nil uses retry.ConvergencePolicy
	Audit        *audit.Logger
	Metrics      *metrics.DaemonMetrics
}

// ReconcileStats holds statistics from a reconciliation cycle.
type ReconcileStats struct {
	Owners         int           `json:"owners"`         // Owners in the snapshot
	Documents      int           `json:"documents"`      // Documents in the snapshot
	Files          int           `json:"files"`          // Regular files in the tree
	IndexOrphans   int           `json:"indexOrphans"`   // Documents deleted from the index
	FileOrphans    int           `json:"fileOrphans"`    // Files deleted from the tree
	OwnersUpdated  int           `json:"ownersUpdated"`  // Owners whose sets were rewritten
	RepairFailures int           `json:"repairFailures"` // Deletes or owner writes that failed
	Duration       time.Duration `json:"duration"`
}

// Reconciler repairs divergence between the index and the file tree.
type Reconciler struct {
	index   SnapshotIndex
	tree    filestore.Tree
	gate    *writegate.Gate
	poller  *index.Poller
	cfg     ReconcilerConfig
	audit   *audit.Logger
	running atomic.Bool
}

// NewReconciler creates a reconciler. gate must be the instance shared with
// every writer.
func NewReconciler(idx SnapshotIndex, tree filestore.Tree, gate *writegate.Gate, cfg ReconcilerConfig) *Reconciler {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = index.DefaultPageSize
	}
	policy := retry.ConvergencePolicy()
	if cfg.Convergence != nil {
		policy = *cfg.Convergence
	}
	auditLog := cfg.Audit
	if auditLog == nil {
		auditLog = audit.NewLogger(zerolog.Nop())
	}
	return &Reconciler{
		index:  idx,
		tree:   tree,
		gate:   gate,
		poller: index.NewPoller(idx, policy),
		cfg:    cfg,
		audit:  auditLog,
	}
}

// snapshot is the state read from the index once it has converged.
type snapshot struct {
	owners    map[string]*index.Owner
	ownerIDs  []string
	documents []index.Document
}

// Run performs one reconciliation cycle:
//   - freeze the write gate and drain in-flight writes
//   - wait for both collections to converge
//   - delete documents without a file and files without a document
//   - rewrite owners whose company or category sets are stale
//
// The gate is reopened on every return path. A cycle that could not drain
// or converge changes nothing.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileStats, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("reconcile: %w", ErrRunInProgress)
	}
	defer r.running.Store(false)

	start := time.Now()
	stats := &ReconcileStats{}
	defer func() { stats.Duration = time.Since(start) }()

	reopen, err := r.gate.Freeze(ctx, r.cfg.DrainTimeout)
	if err != nil {
		return stats, fmt.Errorf("reconcile: %w", err)
	}
	defer reopen()

	for _, coll := range []index.Collection{index.Owners, index.Documents} {
		if err := r.poller.AwaitConvergence(ctx, coll); err != nil {
			return stats, fmt.Errorf("reconcile: %w", err)
		}
	}

	snap, err := r.takeSnapshot(ctx)
	if err != nil {
		return stats, fmt.Errorf("reconcile: %w", err)
	}
	stats.Owners = len(snap.owners)
	stats.Documents = len(snap.documents)

	survivors, accounted, orphans, err := r.classify(ctx, snap)
	if err != nil {
		return stats, fmt.Errorf("reconcile: %w", err)
	}

	// Index entries go first so no document is advertised whose file is gone.
	r.deleteIndexOrphans(ctx, orphans, stats)
	r.deleteFileOrphans(ctx, accounted, stats)
	r.repairOwners(ctx, snap, survivors, stats)

	r.cfg.Metrics.RecordReconcile(stats.IndexOrphans, stats.FileOrphans, stats.OwnersUpdated, stats.RepairFailures)

	log.Info().
		Int("owners", stats.Owners).
		Int("documents", stats.Documents).
		Int("index_orphans", stats.IndexOrphans).
		Int("file_orphans", stats.FileOrphans).
		Int("owners_updated", stats.OwnersUpdated).
		Int("repair_failures", stats.RepairFailures).
		Dur("duration", time.Since(start)).
		Msg("reconciliation complete")

	if stats.RepairFailures > 0 {
		return stats, fmt.Errorf("reconcile: %d repairs: %w", stats.RepairFailures, ErrOrphanRepair)
	}
	return stats, nil
}

func (r *Reconciler) takeSnapshot(ctx context.Context) (*snapshot, error) {
	owners, err := index.PageAll(ctx, r.cfg.PageSize, func(ctx context.Context, offset, limit int) ([]index.Owner, error) {
		return r.index.ListOwners(ctx, offset, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	documents, err := index.PageAll(ctx, r.cfg.PageSize, func(ctx context.Context, offset, limit int) ([]index.Document, error) {
		return r.index.ListDocuments(ctx, offset, limit, index.SnapshotFields...)
	})
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	snap := &snapshot{
		owners:    make(map[string]*index.Owner, len(owners)),
		ownerIDs:  make([]string, 0, len(owners)),
		documents: documents,
	}
	for i := range owners {
		o := &owners[i]
		if _, dup := snap.owners[o.ID]; dup {
			continue
		}
		snap.owners[o.ID] = o
		snap.ownerIDs = append(snap.ownerIDs, o.ID)
	}
	return snap, nil
}

type indexOrphan struct {
	doc    index.Document
	reason string
}

// classify splits the snapshot's documents into survivors and index orphans
// and returns the set of file names the survivors account for.
func (r *Reconciler) classify(ctx context.Context, snap *snapshot) ([]index.Document, map[string]struct{}, []indexOrphan, error) {
	var (
		survivors []index.Document
		orphans   []indexOrphan
	)
	accounted := make(map[string]struct{}, len(snap.documents))

	for _, doc := range snap.documents {
		if err := ctx.Err(); err != nil {
			return nil, nil, nil, err
		}

		if _, ok := snap.owners[doc.OwnerID]; !ok {
			orphans = append(orphans, indexOrphan{doc: doc, reason: "unknown_owner"})
			continue
		}
		name, err := filestore.PathFor(doc.OwnerID, doc.Filename)
		if err != nil {
			orphans = append(orphans, indexOrphan{doc: doc, reason: "invalid_path"})
			continue
		}
		kind, err := r.tree.Lookup(ctx, name)
		if err != nil {
			// An unreadable tree must not be mistaken for missing files.
			return nil, nil, nil, fmt.Errorf("lookup %s: %w", name, err)
		}
		switch kind {
		case filestore.KindMissing:
			orphans = append(orphans, indexOrphan{doc: doc, reason: "file_missing"})
		case filestore.KindOther:
			orphans = append(orphans, indexOrphan{doc: doc, reason: "not_regular_file"})
		default:
			accounted[name] = struct{}{}
			survivors = append(survivors, doc)
		}
	}
	return survivors, accounted, orphans, nil
}

func (r *Reconciler) deleteIndexOrphans(ctx context.Context, orphans []indexOrphan, stats *ReconcileStats) {
	for _, o := range orphans {
		if err := r.index.DeleteDocument(ctx, o.doc.ID); err != nil {
			stats.RepairFailures++
			log.Warn().Err(err).Str("document_id", o.doc.ID).Str("reason", o.reason).Msg("failed to delete index orphan")
			r.audit.LogDeletion(actorReconcile, "index", o.reason, o.doc.OwnerID, o.doc.ID, "", "failed", err.Error())
			continue
		}
		stats.IndexOrphans++
		r.audit.LogDeletion(actorReconcile, "index", o.reason, o.doc.OwnerID, o.doc.ID, "", "deleted", "")
	}
}

// deleteFileOrphans removes files no surviving document accounts for. A
// tree that cannot be listed skips file orphans for this cycle and counts
// as one repair failure.
func (r *Reconciler) deleteFileOrphans(ctx context.Context, accounted map[string]struct{}, stats *ReconcileStats) {
	files, err := r.tree.ListFiles(ctx)
	if err != nil {
		stats.RepairFailures++
		log.Warn().Err(err).Msg("failed to list files, skipping orphan files")
		return
	}
	stats.Files = len(files)

	for _, name := range files {
		if _, ok := accounted[name]; ok {
			continue
		}
		if err := r.tree.Remove(ctx, name); err != nil && !errors.Is(err, filestore.ErrNotExist) {
			stats.RepairFailures++
			log.Warn().Err(err).Str("path", name).Msg("failed to delete orphan file")
			r.audit.LogDeletion(actorReconcile, "file", "orphan_file", "", "", name, "failed", err.Error())
			continue
		}
		stats.FileOrphans++
		r.audit.LogDeletion(actorReconcile, "file", "orphan_file", "", "", name, "deleted", "")
	}
}

// repairOwners recomputes every owner's companies and categories from the
// surviving documents. The two sets are built independently; an owner is
// written when either differs from what is stored.
func (r *Reconciler) repairOwners(ctx context.Context, snap *snapshot, survivors []index.Document, stats *ReconcileStats) {
	companies := make(map[string]index.Set, len(snap.owners))
	categories := make(map[string]index.Set, len(snap.owners))
	for _, id := range snap.ownerIDs {
		companies[id] = index.NewSet()
		categories[id] = index.NewSet()
	}
	for _, doc := range survivors {
		companies[doc.OwnerID].Add(doc.Company)
		categories[doc.OwnerID].Add(doc.Category)
	}

	for _, id := range snap.ownerIDs {
		owner := snap.owners[id]
		if owner.Companies.Equal(companies[id]) && owner.Categories.Equal(categories[id]) {
			continue
		}
		owner.Companies = companies[id]
		owner.Categories = categories[id]
		owner.EnsureSets()

		if err := r.index.PutOwner(ctx, owner); err != nil {
			stats.RepairFailures++
			log.Warn().Err(err).Str("owner_id", id).Msg("failed to rewrite owner aggregates")
			continue
		}
		stats.OwnersUpdated++
		r.audit.LogOwnerRepair(id, owner.Companies.Sorted(), owner.Categories.Sorted())
	}
}
