package maintenance

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/documentd/documentd/internal/filestore"
	"github.com/documentd/documentd/internal/index"
	"github.com/documentd/documentd/internal/index/indextest"
	"github.com/documentd/documentd/internal/retry"
	"github.com/documentd/documentd/internal/writegate"
	"github.com/documentd/documentd/testutil"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reconcileFixture struct {
	idx     *indextest.Index
	fs      billy.Filesystem
	tree    *filestore.BillyTree
	gate    *writegate.Gate
	elapsed time.Duration
	rec     *Reconciler
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	f := &reconcileFixture{
		idx:  indextest.New(),
		fs:   memfs.New(),
		gate: writegate.New(writegate.WithAdmissionTimeout(time.Second)),
	}
	f.tree = filestore.NewBillyTree(f.fs)
	policy := retry.ConvergencePolicy()
	policy.Sleep = func(_ context.Context, d time.Duration) error {
		f.elapsed += d
		return nil
	}
	f.rec = NewReconciler(f.idx, f.tree, f.gate, ReconcilerConfig{
		DrainTimeout: 200 * time.Millisecond,
		PageSize:     2,
		Convergence:  &policy,
	})
	return f
}

func (f *reconcileFixture) file(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, f.tree.Put(context.Background(), name, strings.NewReader("%PDF")))
}

func (f *reconcileFixture) files(t *testing.T) []string {
	t.Helper()
	files, err := f.tree.ListFiles(context.Background())
	require.NoError(t, err)
	return files
}

func TestReconcile_RemovesOrphansOnBothSides(t *testing.T) {
	f := newReconcileFixture(t)
	f.idx.AddOwner(index.Owner{ID: "U1"})
	f.idx.AddDocument(index.Document{ID: "A", OwnerID: "U1", Filename: "A.pdf"})
	f.idx.AddDocument(index.Document{ID: "B", OwnerID: "U1", Filename: "B.pdf"})
	f.file(t, "U1/A.pdf")
	f.file(t, "U1/C.pdf")

	stats, err := f.rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, f.idx.DocumentIDs())
	assert.Equal(t, []string{"U1/A.pdf"}, f.files(t))
	assert.Equal(t, 1, stats.IndexOrphans)
	assert.Equal(t, 1, stats.FileOrphans)
	assert.Equal(t, 2, stats.Documents)
	assert.False(t, f.gate.Closed())
}

func TestReconcile_SecondRunIsNoOp(t *testing.T) {
	f := newReconcileFixture(t)
	f.idx.AddOwner(index.Owner{ID: "U1", Companies: index.NewSet("stale")})
	f.idx.AddDocument(index.Document{ID: "A", OwnerID: "U1", Filename: "A.pdf", Company: "ACME", Category: "tax"})
	f.idx.AddDocument(index.Document{ID: "B", OwnerID: "U1", Filename: "B.pdf"})
	f.file(t, "U1/A.pdf")
	f.file(t, "U1/orphan.pdf")

	_, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	f.idx.ResetCounters()

	stats, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.IndexOrphans)
	assert.Zero(t, stats.FileOrphans)
	assert.Zero(t, stats.OwnersUpdated)
	assert.Empty(t, f.idx.Deletes)
	assert.Empty(t, f.idx.OwnerWrites)
}

func TestReconcile_RecomputesAggregates(t *testing.T) {
	f := newReconcileFixture(t)
	f.idx.AddOwner(index.Owner{ID: "U1", Companies: index.NewSet("Old"), Categories: index.NewSet("tax")})
	f.idx.AddOwner(index.Owner{ID: "U2", Companies: index.NewSet("Gone"), Categories: index.NewSet("gone")})
	f.idx.AddOwner(index.Owner{ID: "U3", Companies: index.NewSet("ACME"), Categories: index.NewSet("bank")})

	f.idx.AddDocument(index.Document{ID: "d1", OwnerID: "U1", Filename: "d1.pdf", Company: "ACME", Category: "tax"})
	f.idx.AddDocument(index.Document{ID: "d2", OwnerID: "U1", Filename: "d2.pdf", Category: "rent"})
	f.idx.AddDocument(index.Document{ID: "d3", OwnerID: "U1", Filename: "d3.pdf", Company: "Missing", Category: "x"})
	f.idx.AddDocument(index.Document{ID: "d4", OwnerID: "U3", Filename: "d4.pdf", Company: "ACME", Category: "bank"})
	f.file(t, "U1/d1.pdf")
	f.file(t, "U1/d2.pdf")
	f.file(t, "U3/d4.pdf")

	stats, err := f.rec.Run(context.Background())
	require.NoError(t, err)

	u1, _ := f.idx.Owner("U1")
	assert.Equal(t, []string{"ACME"}, u1.Companies.Sorted())
	assert.Equal(t, []string{"rent", "tax"}, u1.Categories.Sorted())

	u2, _ := f.idx.Owner("U2")
	assert.Empty(t, u2.Companies)
	assert.Empty(t, u2.Categories)

	assert.ElementsMatch(t, []string{"U1", "U2"}, f.idx.OwnerWrites, "U3 was already correct")
	assert.Equal(t, 2, stats.OwnersUpdated)
}

func TestReconcile_CategoryDeltaKeepsCompanies(t *testing.T) {
	f := newReconcileFixture(t)
	f.idx.AddOwner(index.Owner{ID: "U1", Companies: index.NewSet("ACME"), Categories: index.NewSet("tax", "old")})
	f.idx.AddDocument(index.Document{ID: "d1", OwnerID: "U1", Filename: "d1.pdf", Company: "ACME", Category: "tax"})
	f.file(t, "U1/d1.pdf")

	_, err := f.rec.Run(context.Background())
	require.NoError(t, err)

	u1, _ := f.idx.Owner("U1")
	assert.Equal(t, []string{"ACME"}, u1.Companies.Sorted())
	assert.Equal(t, []string{"tax"}, u1.Categories.Sorted())
	assert.Equal(t, []string{"U1"}, f.idx.OwnerWrites)
}

func TestReconcile_UnknownOwnerIsAlwaysOrphan(t *testing.T) {
	f := newReconcileFixture(t)
	f.idx.AddDocument(index.Document{ID: "d1", OwnerID: "ghost", Filename: "d1.pdf"})
	f.file(t, "ghost/d1.pdf")

	stats, err := f.rec.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, f.idx.DocumentIDs())
	assert.Empty(t, f.files(t))
	assert.Equal(t, 1, stats.IndexOrphans)
	assert.Equal(t, 1, stats.FileOrphans)
}

func TestReconcile_NonRegularAndInvalidPaths(t *testing.T) {
	f := newReconcileFixture(t)
	f.idx.AddOwner(index.Owner{ID: "U1"})
	f.idx.AddDocument(index.Document{ID: "dir", OwnerID: "U1", Filename: "dir.pdf"})
	f.idx.AddDocument(index.Document{ID: "escape", OwnerID: "U1", Filename: "../U2/x.pdf"})
	require.NoError(t, f.fs.MkdirAll("/U1/dir.pdf", 0o755))
	f.file(t, "U2/x.pdf")

	stats, err := f.rec.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, f.idx.DocumentIDs())
	assert.Equal(t, 2, stats.IndexOrphans)
	assert.Empty(t, f.files(t))
}

func TestReconcile_EmptyCorpus(t *testing.T) {
	f := newReconcileFixture(t)

	stats, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileStats{Duration: stats.Duration}, *stats)
	assert.Empty(t, f.idx.Deletes)
	assert.Empty(t, f.idx.OwnerWrites)
}

func TestReconcile_RepairFailureContinues(t *testing.T) {
	f := newReconcileFixture(t)
	f.idx.AddOwner(index.Owner{ID: "U1"})
	f.idx.AddDocument(index.Document{ID: "B", OwnerID: "U1", Filename: "B.pdf"})
	f.idx.AddDocument(index.Document{ID: "D", OwnerID: "U1", Filename: "D.pdf"})
	f.idx.DeleteErrors["B"] = errors.New("index unavailable")
	f.file(t, "U1/C.pdf")

	stats, err := f.rec.Run(context.Background())
	require.ErrorIs(t, err, ErrOrphanRepair)

	assert.Equal(t, []string{"B"}, f.idx.DocumentIDs())
	assert.Empty(t, f.files(t))
	assert.Equal(t, 1, stats.RepairFailures)
	assert.Equal(t, 1, stats.IndexOrphans)
	assert.Equal(t, 1, stats.FileOrphans)
	assert.False(t, f.gate.Closed())
}

// unlistableTree is a tree whose ListFiles always fails.
type unlistableTree struct {
	*filestore.BillyTree
}

func (unlistableTree) ListFiles(context.Context) ([]string, error) {
	return nil, errors.New("permission denied")
}

func TestReconcile_ListFailureStillRepairsOwners(t *testing.T) {
	f := newReconcileFixture(t)
	f.idx.AddOwner(index.Owner{ID: "U1", Companies: index.NewSet("Stale")})
	f.idx.AddDocument(index.Document{ID: "A", OwnerID: "U1", Filename: "A.pdf", Company: "ACME"})
	f.file(t, "U1/A.pdf")
	f.file(t, "U1/orphan.pdf")
	rec := NewReconciler(f.idx, unlistableTree{f.tree}, f.gate, f.rec.cfg)

	stats, err := rec.Run(context.Background())
	require.ErrorIs(t, err, ErrOrphanRepair)

	u1, _ := f.idx.Owner("U1")
	assert.Equal(t, []string{"ACME"}, u1.Companies.Sorted())
	assert.Equal(t, 1, stats.OwnersUpdated)
	assert.Equal(t, 1, stats.RepairFailures)
	assert.Zero(t, stats.FileOrphans)
	assert.Equal(t, []string{"U1/A.pdf", "U1/orphan.pdf"}, f.files(t), "nothing is deleted from an unlisted tree")
	assert.False(t, f.gate.Closed())
}

func TestReconcile_ConvergenceTimeout(t *testing.T) {
	f := newReconcileFixture(t)
	f.idx.AddOwner(index.Owner{ID: "U1"})
	f.idx.AddDocument(index.Document{ID: "B", OwnerID: "U1", Filename: "B.pdf"})
	enqueued := []index.UpdateStatus{{Status: index.StatusEnqueued}}
	f.idx.SetPending(index.Documents, enqueued, enqueued, enqueued, enqueued, enqueued)

	_, err := f.rec.Run(context.Background())
	require.ErrorIs(t, err, index.ErrConvergenceTimeout)

	assert.Equal(t, 5*time.Second, f.elapsed)
	assert.Equal(t, []string{"B"}, f.idx.DocumentIDs(), "nothing is repaired without convergence")
	assert.False(t, f.gate.Closed())
}

func TestReconcile_ConvergenceQueryFailure(t *testing.T) {
	f := newReconcileFixture(t)
	f.idx.PendingErr = errors.New("502 bad gateway")

	_, err := f.rec.Run(context.Background())
	require.ErrorIs(t, err, index.ErrConvergenceTimeout)
	assert.False(t, f.gate.Closed())
}

func TestReconcile_DrainTimeoutAborts(t *testing.T) {
	f := newReconcileFixture(t)
	f.idx.AddOwner(index.Owner{ID: "U1"})
	f.idx.AddDocument(index.Document{ID: "B", OwnerID: "U1", Filename: "B.pdf"})

	lease, err := f.gate.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	_, err = f.rec.Run(context.Background())
	require.ErrorIs(t, err, writegate.ErrDrainTimeout)
	assert.Equal(t, []string{"B"}, f.idx.DocumentIDs())
	assert.False(t, f.gate.Closed())
}

func TestReconcile_SeesWritesCompletedBeforeDrain(t *testing.T) {
	f := newReconcileFixture(t)
	f.rec.cfg.DrainTimeout = 5 * time.Second
	f.idx.AddOwner(index.Owner{ID: "U1"})
	ctx := context.Background()

	// A writer registered before the freeze finishes both halves of its
	// write while reconciliation waits for it.
	lease, err := f.gate.Acquire(ctx)
	require.NoError(t, err)

	type outcome struct {
		stats *ReconcileStats
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		stats, err := f.rec.Run(ctx)
		done <- outcome{stats, err}
	}()

	require.True(t, testutil.WaitFor(t, time.Second, time.Millisecond, f.gate.Closed))
	f.file(t, "U1/new.pdf")
	f.idx.AddDocument(index.Document{ID: "new", OwnerID: "U1", Filename: "new.pdf", Company: "ACME"})
	lease.Release()

	res := <-done
	require.NoError(t, res.err)
	assert.Zero(t, res.stats.IndexOrphans)
	assert.Zero(t, res.stats.FileOrphans)
	assert.Equal(t, []string{"new"}, f.idx.DocumentIDs())
	assert.Equal(t, []string{"U1/new.pdf"}, f.files(t))

	u1, _ := f.idx.Owner("U1")
	assert.Equal(t, []string{"ACME"}, u1.Companies.Sorted())
}

func TestReconcile_RejectsOverlappingRun(t *testing.T) {
	f := newReconcileFixture(t)
	f.rec.cfg.DrainTimeout = 5 * time.Second
	ctx := context.Background()

	lease, err := f.gate.Acquire(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.rec.Run(ctx)
		done <- err
	}()
	require.True(t, testutil.WaitFor(t, time.Second, time.Millisecond, f.gate.Closed))

	_, err = f.rec.Run(ctx)
	assert.ErrorIs(t, err, ErrRunInProgress)

	lease.Release()
	require.NoError(t, <-done)
}
