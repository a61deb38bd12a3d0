package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vantus-tm/vantus/core/resource"
)

// commitLocked drives the full commit path: beforeCompletion callbacks,
// prepare voting, the completion phase and afterCompletion callbacks.
// Callers hold t.mu.
func (t *Transaction) commitLocked(ctx context.Context) error {
	if t.state != StateActive {
		return t.activeError()
	}

	syncErr := t.beforeCompletionLocked()
	if syncErr != nil {
		t.rollbackOnly = true
	}

	if t.rollbackOnly {
		if rbErr := t.runRollbackLocked(ctx); rbErr != nil {
			t.logger.Error("rollback after failed beforeCompletion reported heuristic outcome",
				zap.Error(rbErr))
		}
		if syncErr != nil {
			return fmt.Errorf("%w: %w", ErrSynchronization, syncErr)
		}
		return fmt.Errorf("%w: transaction was marked rollback-only", ErrRollback)
	}

	if err := t.prepareLocked(ctx); err != nil {
		if rbErr := t.runRollbackLocked(ctx); rbErr != nil {
			return rbErr
		}
		return fmt.Errorf("%w: %w", ErrRollback, err)
	}

	return t.commitPreparedLocked(ctx)
}

// rollbackLocked is the explicit rollback path. Callers hold t.mu.
func (t *Transaction) rollbackLocked(ctx context.Context) error {
	if t.state != StateActive && t.state != StatePrepared {
		return t.activeError()
	}
	return t.runRollbackLocked(ctx)
}

// beforeCompletionLocked invokes every registered beforeCompletion callback
// in registration order. A failure does not stop the remaining callbacks;
// the first failure is returned.
func (t *Transaction) beforeCompletionLocked() error {
	var firstErr error
	for i, s := range t.syncs {
		if s.BeforeCompletion == nil {
			continue
		}
		if err := s.BeforeCompletion(); err != nil {
			t.logger.Warn("beforeCompletion callback failed",
				zap.Int("index", i), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// afterCompletionLocked invokes every afterCompletion callback with the
// final state. Callback panics and failures are contained: the outcome is
// already decided and immutable.
func (t *Transaction) afterCompletionLocked() {
	status := t.state
	for i, s := range t.syncs {
		if s.AfterCompletion == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("afterCompletion callback panicked",
						zap.Int("index", i), zap.Any("panic", r))
				}
			}()
			s.AfterCompletion(status)
		}()
	}
}

// prepareLocked delimits every branch and collects prepare votes. A nil
// return means every participant voted; read-only voters are excluded from
// the completion phase. Any error is a rollback decision. Callers hold t.mu.
func (t *Transaction) prepareLocked(ctx context.Context) error {
	start := time.Now()
	t.setState(StatePreparing)
	defer t.hooks.phase(t, "prepare", start)

	for _, b := range t.branches {
		var endErr error
		for _, p := range b.participants() {
			pctx, cancel := t.participantContext(ctx)
			err := p.End(pctx, b.xid, resource.EndSuccess)
			cancel()
			if err != nil && endErr == nil {
				endErr = err
			}
		}
		b.ended = true
		if endErr != nil {
			return fmt.Errorf("ending branch %s: %w", b.xid, endErr)
		}
	}

	for _, b := range t.branches {
		pctx, cancel := t.participantContext(ctx)
		vote, err := b.participant.Prepare(pctx, b.xid)
		cancel()
		if err != nil {
			// A failed prepare means the resource manager discarded the
			// branch; it must not see a phase-2 call.
			b.vetoed = true
			t.logger.Warn("participant vetoed prepare",
				zap.String("resource_manager", b.participant.ResourceManagerID()),
				zap.Error(err))
			return fmt.Errorf("preparing branch %s: %w", b.xid, err)
		}
		b.vote = vote
		switch vote {
		case resource.VoteReadOnly:
			b.readOnly = true
		default:
			b.prepared = true
		}
	}

	t.setState(StatePrepared)
	return nil
}

// anyPreparedLocked reports whether any branch needs a phase-2 call.
func (t *Transaction) anyPreparedLocked() bool {
	for _, b := range t.branches {
		if b.prepared {
			return true
		}
	}
	return false
}

// commitPreparedLocked issues the phase-2 commit to every branch that voted
// prepared, classifies failures into heuristic outcomes, and runs the
// afterCompletion callbacks. Callers hold t.mu; the state must be PREPARED.
func (t *Transaction) commitPreparedLocked(ctx context.Context) error {
	start := time.Now()
	t.setState(StateCommitting)

	var committed, failed int
	var firstErr error
	for _, b := range t.branches {
		if !b.prepared {
			continue
		}
		pctx, cancel := t.participantContext(ctx)
		err := b.participant.Commit(pctx, b.xid, false)
		cancel()
		if err == nil {
			b.committed = true
			committed++
			continue
		}
		if errors.Is(err, resource.ErrHeuristicCommit) {
			// The participant got there on its own; outcome-consistent.
			b.committed = true
			committed++
			continue
		}
		failed++
		if firstErr == nil {
			firstErr = err
		}
		t.logger.Error("participant failed during commit phase",
			zap.String("resource_manager", b.participant.ResourceManagerID()),
			zap.Error(err))
	}
	t.hooks.phase(t, "commit", start)

	var finalErr error
	switch {
	case failed == 0:
		t.setState(StateCommitted)
	case committed > 0:
		t.setState(StateHeuristicMixed)
		t.hooks.heuristic(t, StateHeuristicMixed)
		finalErr = fmt.Errorf("%w: %w", ErrHeuristicMixed, firstErr)
	default:
		t.setState(StateHeuristicRollback)
		t.hooks.heuristic(t, StateHeuristicRollback)
		finalErr = fmt.Errorf("%w: %w", ErrHeuristicRollback, firstErr)
	}

	t.afterCompletionLocked()
	t.finish()
	return finalErr
}

// runRollbackLocked rolls back every branch that is not already settled and
// runs the afterCompletion callbacks. Callers hold t.mu.
func (t *Transaction) runRollbackLocked(ctx context.Context) error {
	start := time.Now()
	t.setState(StateRollingBack)

	var failed, heuristicallyCommitted int
	var firstErr error
	for _, b := range t.branches {
		if b.readOnly || b.committed || b.vetoed {
			continue
		}
		if !b.ended {
			for _, p := range b.participants() {
				pctx, cancel := t.participantContext(ctx)
				if err := p.End(pctx, b.xid, resource.EndFail); err != nil {
					t.logger.Debug("ending branch for rollback failed",
						zap.Stringer("branch", b.xid), zap.Error(err))
				}
				cancel()
			}
			b.ended = true
		}
		pctx, cancel := t.participantContext(ctx)
		err := b.participant.Rollback(pctx, b.xid)
		cancel()
		if err == nil {
			continue
		}
		if errors.Is(err, resource.ErrHeuristicCommit) || errors.Is(err, resource.ErrHeuristicMixed) {
			heuristicallyCommitted++
		}
		failed++
		if firstErr == nil {
			firstErr = err
		}
		t.logger.Error("participant failed during rollback phase",
			zap.String("resource_manager", b.participant.ResourceManagerID()),
			zap.Error(err))
	}
	t.hooks.phase(t, "rollback", start)

	var finalErr error
	switch {
	case failed == 0:
		t.setState(StateRolledBack)
	case heuristicallyCommitted > 0:
		t.setState(StateHeuristicMixed)
		t.hooks.heuristic(t, StateHeuristicMixed)
		finalErr = fmt.Errorf("%w: %w", ErrHeuristicMixed, firstErr)
	default:
		t.setState(StateHeuristicRollback)
		t.hooks.heuristic(t, StateHeuristicRollback)
		finalErr = fmt.Errorf("%w: %w", ErrHeuristicRollback, firstErr)
	}

	t.afterCompletionLocked()
	t.finish()
	return finalErr
}

// --- Subordinate phase operations ---
//
// The methods below let an importing coordinator drive this transaction
// through two-phase commit exactly as it would any other resource manager.
// They bypass the imported-transaction guard on Commit/Rollback on purpose:
// this is the only authorized completion path for an imported transaction.

// SubordinatePrepare runs the beforeCompletion callbacks and the prepare
// phase on behalf of the importing coordinator. A read-only vote means the
// transaction had no phase-2 work and has already completed locally.
func (t *Transaction) SubordinatePrepare(ctx context.Context) (resource.Vote, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return resource.VotePrepared, t.activeError()
	}

	syncErr := t.beforeCompletionLocked()
	if syncErr != nil {
		t.rollbackOnly = true
	}
	if t.rollbackOnly {
		if rbErr := t.runRollbackLocked(ctx); rbErr != nil {
			t.logger.Error("subordinate rollback reported heuristic outcome", zap.Error(rbErr))
		}
		if syncErr != nil {
			return resource.VotePrepared, fmt.Errorf("%w: %w", ErrSynchronization, syncErr)
		}
		return resource.VotePrepared, fmt.Errorf("%w: transaction was marked rollback-only", ErrRollback)
	}

	if err := t.prepareLocked(ctx); err != nil {
		if rbErr := t.runRollbackLocked(ctx); rbErr != nil {
			return resource.VotePrepared, rbErr
		}
		return resource.VotePrepared, fmt.Errorf("%w: %w", ErrRollback, err)
	}

	if !t.anyPreparedLocked() {
		// Nothing to do in phase 2: complete immediately and report
		// read-only so the importer skips the commit call.
		t.setState(StateCommitted)
		t.afterCompletionLocked()
		t.finish()
		return resource.VoteReadOnly, nil
	}
	return resource.VotePrepared, nil
}

// SubordinateCommit finalizes an imported transaction. With onePhase set it
// runs the full local two-phase commit in one call; otherwise the
// transaction must already be PREPARED.
func (t *Transaction) SubordinateCommit(ctx context.Context, onePhase bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if onePhase {
		return t.commitLocked(ctx)
	}
	if t.state != StatePrepared {
		return fmt.Errorf("%w: state is %s: %w", ErrIllegalState, t.state, ErrNotPrepared)
	}
	return t.commitPreparedLocked(ctx)
}

// SubordinateRollback rolls back an imported transaction on behalf of the
// importing coordinator. It is idempotent: a transaction that already rolled
// back, typically because its own prepare vetoed and completed locally,
// reports success so the importer's rollback fan-out stays clean.
func (t *Transaction) SubordinateRollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateRolledBack {
		return nil
	}
	return t.rollbackLocked(ctx)
}

// SubordinateForget discards a heuristically completed transaction,
// forwarding Forget to every branch that took part in the damaged outcome.
func (t *Transaction) SubordinateForget(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateHeuristicMixed && t.state != StateHeuristicRollback {
		return fmt.Errorf("%w: state is %s", ErrIllegalState, t.state)
	}
	for _, b := range t.branches {
		if b.readOnly {
			continue
		}
		pctx, cancel := t.participantContext(ctx)
		if err := b.participant.Forget(pctx, b.xid); err != nil {
			t.logger.Warn("participant forget failed",
				zap.String("resource_manager", b.participant.ResourceManagerID()),
				zap.Error(err))
		}
		cancel()
	}
	return nil
}
