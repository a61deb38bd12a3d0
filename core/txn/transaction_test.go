package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vantus-tm/vantus/core/resource"
	"github.com/vantus-tm/vantus/core/xid"
)

// --- Test Helpers ---

// fakeParticipant records every call made against it and can be programmed to
// veto prepare, fail phase 2, or answer read-only.
type fakeParticipant struct {
	mu    sync.Mutex
	rmID  string
	calls []string
	xids  []xid.Xid

	prepareVote resource.Vote
	prepareErr  error
	commitErr   error
	rollbackErr error
	startErr    error
}

func newFakeParticipant(rmID string) *fakeParticipant {
	return &fakeParticipant{rmID: rmID, prepareVote: resource.VotePrepared}
}

func (f *fakeParticipant) record(call string, x xid.Xid) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.xids = append(f.xids, x)
}

func (f *fakeParticipant) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeParticipant) ResourceManagerID() string { return f.rmID }

func (f *fakeParticipant) Start(_ context.Context, x xid.Xid, flags resource.StartFlags) error {
	if flags == resource.StartJoin {
		f.record("start-join", x)
	} else {
		f.record("start", x)
	}
	return f.startErr
}

func (f *fakeParticipant) End(_ context.Context, x xid.Xid, flags resource.EndFlags) error {
	if flags == resource.EndFail {
		f.record("end-fail", x)
	} else {
		f.record("end", x)
	}
	return nil
}

func (f *fakeParticipant) Prepare(_ context.Context, x xid.Xid) (resource.Vote, error) {
	f.record("prepare", x)
	return f.prepareVote, f.prepareErr
}

func (f *fakeParticipant) Commit(_ context.Context, x xid.Xid, onePhase bool) error {
	if onePhase {
		f.record("commit-1pc", x)
	} else {
		f.record("commit", x)
	}
	return f.commitErr
}

func (f *fakeParticipant) Rollback(_ context.Context, x xid.Xid) error {
	f.record("rollback", x)
	return f.rollbackErr
}

func (f *fakeParticipant) Forget(_ context.Context, x xid.Xid) error {
	f.record("forget", x)
	return nil
}

func (f *fakeParticipant) Recover(_ context.Context, _ resource.RecoverFlags) ([]xid.Xid, error) {
	return nil, nil
}

// newTestTxn creates a local transaction with a development logger.
func newTestTxn(t *testing.T, cfg Config) *Transaction {
	t.Helper()
	cfg.Logger = zap.NewNop()
	return New(xid.New(xid.DefaultFormatID), cfg)
}

// --- Test Cases ---

// TestCommit_AllVotesYes drives a healthy two-participant commit and checks
// every participant saw end, prepare and commit in that order.
func TestCommit_AllVotesYes(t *testing.T) {
	tx := newTestTxn(t, Config{})
	ctx := context.Background()

	p1 := newFakeParticipant("rm-1")
	p2 := newFakeParticipant("rm-2")
	require.NoError(t, tx.EnlistResource(ctx, p1))
	require.NoError(t, tx.EnlistResource(ctx, p2))
	require.Equal(t, 2, tx.ParticipantCount())

	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, StateCommitted, tx.State())

	for _, p := range []*fakeParticipant{p1, p2} {
		require.Equal(t, []string{"start", "end", "prepare", "commit"}, p.callLog())
	}
}

// TestCommit_PrepareVetoRollsBack checks that a single no vote aborts the
// whole transaction and that no participant ever receives a commit call. The
// vetoing branch is discarded by its resource manager as part of the failed
// prepare, so it must not receive a rollback either.
func TestCommit_PrepareVetoRollsBack(t *testing.T) {
	tx := newTestTxn(t, Config{})
	ctx := context.Background()

	good := newFakeParticipant("rm-good")
	bad := newFakeParticipant("rm-bad")
	bad.prepareErr = errors.New("resource out of disk")

	require.NoError(t, tx.EnlistResource(ctx, good))
	require.NoError(t, tx.EnlistResource(ctx, bad))

	err := tx.Commit(ctx)
	require.ErrorIs(t, err, ErrRollback)
	require.Equal(t, StateRolledBack, tx.State())

	require.NotContains(t, good.callLog(), "commit")
	require.NotContains(t, bad.callLog(), "commit")
	require.Contains(t, good.callLog(), "rollback")
	require.NotContains(t, bad.callLog(), "rollback")
}

// TestCommit_VetoedBranchCannotPoisonOutcome covers the case where the
// vetoing participant would also fail a rollback call: since a failed
// prepare settles the branch, the transaction still ends cleanly ROLLED_BACK
// rather than with a spurious heuristic.
func TestCommit_VetoedBranchCannotPoisonOutcome(t *testing.T) {
	tx := newTestTxn(t, Config{})
	ctx := context.Background()

	good := newFakeParticipant("rm-good")
	bad := newFakeParticipant("rm-bad")
	bad.prepareErr = errors.New("constraint violation")
	bad.rollbackErr = errors.New("branch unknown")

	require.NoError(t, tx.EnlistResource(ctx, good))
	require.NoError(t, tx.EnlistResource(ctx, bad))

	err := tx.Commit(ctx)
	require.ErrorIs(t, err, ErrRollback)
	require.NotErrorIs(t, err, ErrHeuristicRollback)
	require.Equal(t, StateRolledBack, tx.State())
}

// TestCommit_ReadOnlyVoteSkipsPhaseTwo verifies read-only voters are excluded
// from the completion phase while the rest commit normally.
func TestCommit_ReadOnlyVoteSkipsPhaseTwo(t *testing.T) {
	tx := newTestTxn(t, Config{})
	ctx := context.Background()

	ro := newFakeParticipant("rm-ro")
	ro.prepareVote = resource.VoteReadOnly
	rw := newFakeParticipant("rm-rw")

	require.NoError(t, tx.EnlistResource(ctx, ro))
	require.NoError(t, tx.EnlistResource(ctx, rw))

	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, StateCommitted, tx.State())
	require.NotContains(t, ro.callLog(), "commit")
	require.Contains(t, rw.callLog(), "commit")
}

// TestCommit_AllReadOnly commits cleanly with no phase-2 calls at all.
func TestCommit_AllReadOnly(t *testing.T) {
	tx := newTestTxn(t, Config{})
	ctx := context.Background()

	ro := newFakeParticipant("rm-ro")
	ro.prepareVote = resource.VoteReadOnly
	require.NoError(t, tx.EnlistResource(ctx, ro))

	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, StateCommitted, tx.State())
	require.NotContains(t, ro.callLog(), "commit")
}

// TestCommit_HeuristicMixed checks the divergent phase-2 outcome: one branch
// committed, one failed, so the transaction lands in HEURISTIC_MIXED.
func TestCommit_HeuristicMixed(t *testing.T) {
	tx := newTestTxn(t, Config{})
	ctx := context.Background()

	ok := newFakeParticipant("rm-ok")
	broken := newFakeParticipant("rm-broken")
	broken.commitErr = errors.New("connection reset during commit")

	require.NoError(t, tx.EnlistResource(ctx, ok))
	require.NoError(t, tx.EnlistResource(ctx, broken))

	err := tx.Commit(ctx)
	require.ErrorIs(t, err, ErrHeuristicMixed)
	require.Equal(t, StateHeuristicMixed, tx.State())
}

// TestCommit_HeuristicCommitCountsAsCommitted verifies a participant that
// already committed heuristically does not poison an otherwise clean commit.
func TestCommit_HeuristicCommitCountsAsCommitted(t *testing.T) {
	tx := newTestTxn(t, Config{})
	ctx := context.Background()

	eager := newFakeParticipant("rm-eager")
	eager.commitErr = resource.ErrHeuristicCommit
	require.NoError(t, tx.EnlistResource(ctx, eager))

	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, StateCommitted, tx.State())
}

// TestRollback_Explicit rolls back an active transaction and checks branches
// get end-fail then rollback.
func TestRollback_Explicit(t *testing.T) {
	tx := newTestTxn(t, Config{})
	ctx := context.Background()

	p := newFakeParticipant("rm-1")
	require.NoError(t, tx.EnlistResource(ctx, p))

	require.NoError(t, tx.Rollback(ctx))
	require.Equal(t, StateRolledBack, tx.State())
	require.Equal(t, []string{"start", "end-fail", "rollback"}, p.callLog())
}

// TestRollbackOnly_CommitBecomesRollback marks the transaction rollback-only
// and verifies a commit attempt completes as a rollback.
func TestRollbackOnly_CommitBecomesRollback(t *testing.T) {
	tx := newTestTxn(t, Config{})
	ctx := context.Background()

	p := newFakeParticipant("rm-1")
	require.NoError(t, tx.EnlistResource(ctx, p))
	require.NoError(t, tx.SetRollbackOnly())
	require.True(t, tx.RollbackOnly())

	err := tx.Commit(ctx)
	require.ErrorIs(t, err, ErrRollback)
	require.Equal(t, StateRolledBack, tx.State())
	require.NotContains(t, p.callLog(), "prepare")
}

// TestTerminalStateRejectsFurtherOperations checks that a completed
// transaction rejects commit, rollback, enlistment and synchronization
// registration.
func TestTerminalStateRejectsFurtherOperations(t *testing.T) {
	tx := newTestTxn(t, Config{})
	ctx := context.Background()
	require.NoError(t, tx.Commit(ctx))

	require.ErrorIs(t, tx.Commit(ctx), ErrIllegalState)
	require.ErrorIs(t, tx.Rollback(ctx), ErrIllegalState)
	require.ErrorIs(t, tx.EnlistResource(ctx, newFakeParticipant("late")), ErrIllegalState)
	require.ErrorIs(t, tx.RegisterSynchronization(Synchronization{}), ErrIllegalState)
	require.ErrorIs(t, tx.SetRollbackOnly(), ErrIllegalState)
}

// TestEnlist_SameResourceManagerJoinsBranch enlists two participants with the
// same resource-manager identity and verifies only one branch exists, the
// second joining the first's branch qualifier.
func TestEnlist_SameResourceManagerJoinsBranch(t *testing.T) {
	tx := newTestTxn(t, Config{})
	ctx := context.Background()

	first := newFakeParticipant("rm-shared")
	second := newFakeParticipant("rm-shared")
	require.NoError(t, tx.EnlistResource(ctx, first))
	require.NoError(t, tx.EnlistResource(ctx, second))

	require.Equal(t, 1, tx.ParticipantCount())
	require.Equal(t, []string{"start"}, first.callLog())
	require.Equal(t, []string{"start-join"}, second.callLog())

	first.mu.Lock()
	second.mu.Lock()
	require.True(t, first.xids[0].Equal(second.xids[0]), "joined participant must see the original branch xid")
	second.mu.Unlock()
	first.mu.Unlock()
}

// TestEnlist_JoinedParticipantDelimited verifies a joined participant is
// ended along with its branch even though phase calls go to the primary.
func TestEnlist_JoinedParticipantDelimited(t *testing.T) {
	t.Run("commit", func(t *testing.T) {
		tx := newTestTxn(t, Config{})
		ctx := context.Background()

		primary := newFakeParticipant("rm-shared")
		joiner := newFakeParticipant("rm-shared")
		require.NoError(t, tx.EnlistResource(ctx, primary))
		require.NoError(t, tx.EnlistResource(ctx, joiner))

		require.NoError(t, tx.Commit(ctx))
		require.Equal(t, []string{"start", "end", "prepare", "commit"}, primary.callLog())
		require.Equal(t, []string{"start-join", "end"}, joiner.callLog())
	})

	t.Run("rollback", func(t *testing.T) {
		tx := newTestTxn(t, Config{})
		ctx := context.Background()

		primary := newFakeParticipant("rm-shared")
		joiner := newFakeParticipant("rm-shared")
		require.NoError(t, tx.EnlistResource(ctx, primary))
		require.NoError(t, tx.EnlistResource(ctx, joiner))

		require.NoError(t, tx.Rollback(ctx))
		require.Equal(t, []string{"start", "end-fail", "rollback"}, primary.callLog())
		require.Equal(t, []string{"start-join", "end-fail"}, joiner.callLog())
	})
}

// TestEnlist_DistinctBranchQualifiers verifies each distinct resource manager
// gets its own branch with a unique qualifier under the same global id.
func TestEnlist_DistinctBranchQualifiers(t *testing.T) {
	tx := newTestTxn(t, Config{})
	ctx := context.Background()

	p1 := newFakeParticipant("rm-a")
	p2 := newFakeParticipant("rm-b")
	require.NoError(t, tx.EnlistResource(ctx, p1))
	require.NoError(t, tx.EnlistResource(ctx, p2))

	b1, b2 := p1.xids[0], p2.xids[0]
	require.True(t, b1.SameGlobal(b2))
	require.False(t, b1.Equal(b2))
}

// TestEnlist_StartFailureLeavesNoBranch verifies a failed Start does not
// leave a half-registered branch behind.
func TestEnlist_StartFailureLeavesNoBranch(t *testing.T) {
	tx := newTestTxn(t, Config{})
	ctx := context.Background()

	bad := newFakeParticipant("rm-bad")
	bad.startErr = errors.New("resource unavailable")
	require.Error(t, tx.EnlistResource(ctx, bad))
	require.Equal(t, 0, tx.ParticipantCount())

	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, StateCommitted, tx.State())
}

// TestSynchronizations_OrderAndOutcome registers multiple synchronizations
// and checks beforeCompletion runs in registration order before any prepare,
// and afterCompletion sees the final state exactly once each.
func TestSynchronizations_OrderAndOutcome(t *testing.T) {
	tx := newTestTxn(t, Config{})
	ctx := context.Background()

	p := newFakeParticipant("rm-1")
	require.NoError(t, tx.EnlistResource(ctx, p))

	var order []string
	var afterStates []State
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("sync-%d", i)
		require.NoError(t, tx.RegisterSynchronization(Synchronization{
			BeforeCompletion: func() error {
				order = append(order, name)
				require.Empty(t, p.callLog()[1:], "beforeCompletion must run before branch delimiting")
				return nil
			},
			AfterCompletion: func(s State) {
				afterStates = append(afterStates, s)
			},
		}))
	}

	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, []string{"sync-0", "sync-1", "sync-2"}, order)
	require.Equal(t, []State{StateCommitted, StateCommitted, StateCommitted}, afterStates)
}

// TestSynchronizations_BeforeFailureForcesRollback verifies a failing
// beforeCompletion converts the commit into a rollback, keeps invoking the
// remaining callbacks, and still delivers afterCompletion with the rollback
// outcome.
func TestSynchronizations_BeforeFailureForcesRollback(t *testing.T) {
	tx := newTestTxn(t, Config{})
	ctx := context.Background()

	p := newFakeParticipant("rm-1")
	require.NoError(t, tx.EnlistResource(ctx, p))

	var ran []string
	var after []State
	require.NoError(t, tx.RegisterSynchronization(Synchronization{
		BeforeCompletion: func() error {
			ran = append(ran, "first")
			return errors.New("cache flush failed")
		},
		AfterCompletion: func(s State) { after = append(after, s) },
	}))
	require.NoError(t, tx.RegisterSynchronization(Synchronization{
		BeforeCompletion: func() error {
			ran = append(ran, "second")
			return nil
		},
		AfterCompletion: func(s State) { after = append(after, s) },
	}))

	err := tx.Commit(ctx)
	require.ErrorIs(t, err, ErrSynchronization)
	require.Equal(t, StateRolledBack, tx.State())
	require.Equal(t, []string{"first", "second"}, ran, "remaining beforeCompletion callbacks still run")
	require.Equal(t, []State{StateRolledBack, StateRolledBack}, after)
	require.NotContains(t, p.callLog(), "prepare")
}

// TestSynchronizations_AfterCompletionPanicContained checks a panicking
// afterCompletion callback does not disturb the decided outcome or the
// remaining callbacks.
func TestSynchronizations_AfterCompletionPanicContained(t *testing.T) {
	tx := newTestTxn(t, Config{})
	ctx := context.Background()

	var survived bool
	require.NoError(t, tx.RegisterSynchronization(Synchronization{
		AfterCompletion: func(State) { panic("listener bug") },
	}))
	require.NoError(t, tx.RegisterSynchronization(Synchronization{
		AfterCompletion: func(State) { survived = true },
	}))

	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, StateCommitted, tx.State())
	require.True(t, survived)
}

// TestImported_DirectCompletionRejected checks that imported transactions
// refuse direct Commit and Rollback but accept the subordinate path.
func TestImported_DirectCompletionRejected(t *testing.T) {
	tx := newTestTxn(t, Config{Imported: true})
	ctx := context.Background()

	require.ErrorIs(t, tx.Commit(ctx), ErrImportedCompletion)
	require.ErrorIs(t, tx.Rollback(ctx), ErrImportedCompletion)
	require.Equal(t, StateActive, tx.State(), "rejected completion must not disturb state")

	require.NoError(t, tx.SubordinateRollback(ctx))
	require.Equal(t, StateRolledBack, tx.State())
}

// TestForceTimeout_RollsBackActive verifies the reaper path: an active
// transaction is rolled back, marked timed out, and later operations report
// the timeout.
func TestForceTimeout_RollsBackActive(t *testing.T) {
	tx := newTestTxn(t, Config{})
	ctx := context.Background()

	p := newFakeParticipant("rm-1")
	require.NoError(t, tx.EnlistResource(ctx, p))

	require.NoError(t, tx.ForceTimeout(ctx))
	require.Equal(t, StateRolledBack, tx.State())
	require.True(t, tx.TimedOut())

	err := tx.Commit(ctx)
	require.ErrorIs(t, err, ErrTransactionTimeout)
	require.ErrorIs(t, err, ErrRollback)
}

// TestForceTimeout_IgnoredAfterCompletion verifies the reaper racing a
// finished transaction is a no-op.
func TestForceTimeout_IgnoredAfterCompletion(t *testing.T) {
	tx := newTestTxn(t, Config{})
	ctx := context.Background()
	require.NoError(t, tx.Commit(ctx))

	require.NoError(t, tx.ForceTimeout(ctx))
	require.Equal(t, StateCommitted, tx.State())
	require.False(t, tx.TimedOut())
}

// TestForceTimeout_MidPhaseRecordedNotCancelled verifies an expiry landing
// while a phase is in flight records the timeout without disturbing the
// phase or the state.
func TestForceTimeout_MidPhaseRecordedNotCancelled(t *testing.T) {
	ctx := context.Background()

	for _, state := range []State{StatePreparing, StateCommitting, StateRollingBack} {
		tx := newTestTxn(t, Config{})
		tx.state = state

		require.NoError(t, tx.ForceTimeout(ctx))
		require.Equal(t, state, tx.State())
		require.True(t, tx.TimedOut())
	}

	// A prepared transaction's outcome belongs to its coordinator: no
	// rollback and no timeout mark.
	tx := newTestTxn(t, Config{})
	tx.state = StatePrepared
	require.NoError(t, tx.ForceTimeout(ctx))
	require.Equal(t, StatePrepared, tx.State())
	require.False(t, tx.TimedOut())
}

// TestOnFinished_ReceivesFinalState verifies the release callback fires once
// with the terminal state.
func TestOnFinished_ReceivesFinalState(t *testing.T) {
	var got []State
	tx := newTestTxn(t, Config{
		OnFinished: func(_ *Transaction, s State) { got = append(got, s) },
	})
	require.NoError(t, tx.Commit(context.Background()))
	require.Equal(t, []State{StateCommitted}, got)
}
