package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vantus-tm/vantus/core/resource"
	"github.com/vantus-tm/vantus/core/txn"
	"github.com/vantus-tm/vantus/core/xid"
)

// --- Test Helpers ---

func setupRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	cfg.Logger = zap.NewNop()
	r := New(cfg)
	t.Cleanup(r.Close)
	return r
}

// stubParticipant is a minimal participant whose phase-2 behavior is
// programmable; the registry tests only care about outcomes, not call logs.
type stubParticipant struct {
	rmID      string
	commitErr error
}

func (s *stubParticipant) ResourceManagerID() string { return s.rmID }
func (s *stubParticipant) Start(context.Context, xid.Xid, resource.StartFlags) error {
	return nil
}
func (s *stubParticipant) End(context.Context, xid.Xid, resource.EndFlags) error { return nil }
func (s *stubParticipant) Prepare(context.Context, xid.Xid) (resource.Vote, error) {
	return resource.VotePrepared, nil
}
func (s *stubParticipant) Commit(context.Context, xid.Xid, bool) error { return s.commitErr }
func (s *stubParticipant) Rollback(context.Context, xid.Xid) error     { return nil }
func (s *stubParticipant) Forget(context.Context, xid.Xid) error       { return nil }
func (s *stubParticipant) Recover(context.Context, resource.RecoverFlags) ([]xid.Xid, error) {
	return nil, nil
}

// --- Test Cases ---

// TestBegin_RegistersAndReleasesOnCompletion verifies a begun transaction is
// findable until it completes cleanly, after which the entry is released.
func TestBegin_RegistersAndReleasesOnCompletion(t *testing.T) {
	r := setupRegistry(t, Config{})

	tx, err := r.Begin(0)
	require.NoError(t, err)
	require.Equal(t, txn.DefaultTimeout, tx.Timeout())
	require.False(t, tx.Imported())

	got, ok := r.Get(tx.ID())
	require.True(t, ok)
	require.Same(t, tx, got)

	require.NoError(t, tx.Commit(context.Background()))
	_, ok = r.Get(tx.ID())
	require.False(t, ok, "cleanly completed transactions must leave the registry")
}

// TestFindOrImport_Idempotent checks repeated imports of one Xid return the
// same object with created reported only on the first call.
func TestFindOrImport_Idempotent(t *testing.T) {
	r := setupRegistry(t, Config{})
	x := xid.New(xid.DefaultFormatID)

	tx1, created, err := r.FindOrImport(x, 0, true)
	require.NoError(t, err)
	require.True(t, created)
	require.True(t, tx1.Imported())

	tx2, created, err := r.FindOrImport(x, time.Minute, true)
	require.NoError(t, err)
	require.False(t, created)
	require.Same(t, tx1, tx2)
	require.Equal(t, txn.DefaultTimeout, tx2.Timeout(), "existing transaction keeps its original timeout")
}

// TestFindOrImport_ConcurrentSameXid hammers find-or-import from many
// goroutines and verifies exactly one creation happened and every caller got
// the same object.
func TestFindOrImport_ConcurrentSameXid(t *testing.T) {
	r := setupRegistry(t, Config{})
	x := xid.New(xid.DefaultFormatID)

	const workers = 32
	var wg sync.WaitGroup
	results := make([]*txn.Transaction, workers)
	createds := make([]bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, created, err := r.FindOrImport(x, 0, true)
			require.NoError(t, err)
			results[i] = tx
			createds[i] = created
		}(i)
	}
	wg.Wait()

	creations := 0
	for i := 0; i < workers; i++ {
		require.Same(t, results[0], results[i])
		if createds[i] {
			creations++
		}
	}
	require.Equal(t, 1, creations)
}

// TestReaper_ReclaimsExpiredImport verifies an imported transaction whose
// coordinator never came back is rolled back by the expiry scan and released.
func TestReaper_ReclaimsExpiredImport(t *testing.T) {
	r := setupRegistry(t, Config{ReapInterval: 10 * time.Millisecond})
	x := xid.New(xid.DefaultFormatID)

	tx, created, err := r.FindOrImport(x, 30*time.Millisecond, true)
	require.NoError(t, err)
	require.True(t, created)

	require.Eventually(t, func() bool {
		return tx.State() == txn.StateRolledBack
	}, 2*time.Second, 10*time.Millisecond, "reaper should force a timeout rollback")
	require.True(t, tx.TimedOut())

	_, ok := r.Get(x)
	require.False(t, ok, "reclaimed transaction must be released")
}

// TestReaper_LeavesPreparedAlone verifies the expiry scan never touches a
// prepared transaction: its outcome belongs to the remote coordinator.
func TestReaper_LeavesPreparedAlone(t *testing.T) {
	r := setupRegistry(t, Config{ReapInterval: 10 * time.Millisecond})
	x := xid.New(xid.DefaultFormatID)
	ctx := context.Background()

	tx, _, err := r.FindOrImport(x, 20*time.Millisecond, true)
	require.NoError(t, err)
	require.NoError(t, tx.EnlistResource(ctx, &stubParticipant{rmID: "rm-1"}))

	vote, err := tx.SubordinatePrepare(ctx)
	require.NoError(t, err)
	require.Equal(t, resource.VotePrepared, vote)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, txn.StatePrepared, tx.State())

	require.NoError(t, tx.SubordinateCommit(ctx, false))
}

// TestHeuristicOutcomeRetainedUntilForget verifies a heuristic completion
// keeps its entry for recovery reporting and that Forget releases it.
func TestHeuristicOutcomeRetainedUntilForget(t *testing.T) {
	r := setupRegistry(t, Config{})
	x := xid.New(xid.DefaultFormatID)
	ctx := context.Background()

	tx, _, err := r.FindOrImport(x, 0, true)
	require.NoError(t, err)
	require.NoError(t, tx.EnlistResource(ctx, &stubParticipant{rmID: "rm-ok"}))
	require.NoError(t, tx.EnlistResource(ctx, &stubParticipant{
		rmID:      "rm-broken",
		commitErr: errors.New("commit lost"),
	}))

	_, err = tx.SubordinatePrepare(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, tx.SubordinateCommit(ctx, false), txn.ErrHeuristicMixed)

	got, ok := r.Get(x)
	require.True(t, ok, "heuristic outcomes are retained")
	require.Same(t, tx, got)
	require.Contains(t, r.InDoubt(), x)

	require.NoError(t, r.Forget(ctx, x))
	_, ok = r.Get(x)
	require.False(t, ok)
	require.ErrorIs(t, r.Forget(ctx, x), ErrNotFound)
}

// TestInDoubt_ReportsPrepared lists prepared transactions awaiting their
// coordinator's decision.
func TestInDoubt_ReportsPrepared(t *testing.T) {
	r := setupRegistry(t, Config{})
	ctx := context.Background()

	active, err := r.Begin(0)
	require.NoError(t, err)
	defer active.Rollback(ctx)

	x := xid.New(xid.DefaultFormatID)
	prepared, _, err := r.FindOrImport(x, 0, true)
	require.NoError(t, err)
	require.NoError(t, prepared.EnlistResource(ctx, &stubParticipant{rmID: "rm-1"}))
	_, err = prepared.SubordinatePrepare(ctx)
	require.NoError(t, err)

	inDoubt := r.InDoubt()
	require.Contains(t, inDoubt, x)
	require.NotContains(t, inDoubt, active.ID())
}

// TestClose_RejectsNewWork verifies that a closed registry refuses Begin and
// FindOrImport.
func TestClose_RejectsNewWork(t *testing.T) {
	r := New(Config{Logger: zap.NewNop()})
	r.Close()

	_, err := r.Begin(0)
	require.ErrorIs(t, err, ErrClosed)

	_, _, err = r.FindOrImport(xid.New(xid.DefaultFormatID), 0, true)
	require.ErrorIs(t, err, ErrClosed)
}
