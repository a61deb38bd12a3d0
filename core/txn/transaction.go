// Package txn holds the in-process representation of a transaction and the
// two-phase-commit state machine that drives it to a terminal outcome.
package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vantus-tm/vantus/core/resource"
	"github.com/vantus-tm/vantus/core/xid"
)

// Config controls construction of a Transaction.
type Config struct {
	// Timeout bounds the transaction's active lifetime and derives the
	// per-participant call deadline. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Imported marks the transaction as owned by a remote coordinator:
	// local Commit/Rollback calls are rejected for its entire life.
	Imported bool
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Hooks receive state-change and phase notifications. Optional.
	Hooks *Hooks
	// OnFinished runs after the transaction reached a terminal state and
	// every afterCompletion callback returned, receiving that final state.
	// The registry uses it to release its entry. The callback runs with the
	// transaction's lock held and must not call back into it. Optional.
	OnFinished func(*Transaction, State)
}

// DefaultTimeout applies when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// branch is the association between this transaction and one distinct
// resource manager. At most one branch exists per resource-manager identity;
// later participants reporting the same identity are joined onto it.
type branch struct {
	participant resource.Participant
	// joined holds later participants that reported the same resource
	// manager. They share the branch and must be delimited with it, but
	// phase calls go to the primary participant only.
	joined    []resource.Participant
	xid       xid.Xid
	vote      resource.Vote
	prepared  bool
	readOnly  bool
	committed bool
	ended     bool
	// vetoed means Prepare failed. The resource manager has discarded the
	// branch, so it receives no phase-2 call.
	vetoed bool
}

// participants returns every association on this branch, primary first.
func (b *branch) participants() []resource.Participant {
	if len(b.joined) == 0 {
		return []resource.Participant{b.participant}
	}
	return append([]resource.Participant{b.participant}, b.joined...)
}

// Transaction is one unit of work, locally originated or imported from a
// remote coordinator. All state transitions are serialized by an internal
// mutex: only one phase runs at a time, and enlistment is rejected while a
// phase is running.
type Transaction struct {
	id        xid.Xid
	timeout   time.Duration
	createdAt time.Time
	imported  bool
	logger    *zap.Logger
	hooks     *Hooks
	onFinish  func(*Transaction, State)

	mu           sync.Mutex
	state        State
	rollbackOnly bool
	timedOut     bool
	branches     []*branch
	branchByRM   map[string]*branch
	branchSeq    int
	syncs        []Synchronization
}

// New creates a transaction in the ACTIVE state.
func New(id xid.Xid, cfg Config) *Transaction {
	cfg.setDefaults()
	return &Transaction{
		id:         id,
		timeout:    cfg.Timeout,
		createdAt:  time.Now(),
		imported:   cfg.Imported,
		logger:     cfg.Logger.With(zap.Stringer("xid", id)),
		hooks:      cfg.Hooks,
		onFinish:   cfg.OnFinished,
		state:      StateActive,
		branchByRM: make(map[string]*branch),
	}
}

// ID returns the transaction's global Xid.
func (t *Transaction) ID() xid.Xid { return t.id }

// Imported reports whether this transaction was created on behalf of a
// remote coordinator.
func (t *Transaction) Imported() bool { return t.imported }

// Timeout returns the configured timeout.
func (t *Transaction) Timeout() time.Duration { return t.timeout }

// CreatedAt returns the creation timestamp.
func (t *Transaction) CreatedAt() time.Time { return t.createdAt }

// Deadline is the instant after which the transaction is eligible for a
// forced timeout rollback.
func (t *Transaction) Deadline() time.Time { return t.createdAt.Add(t.timeout) }

// State returns the current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// TimedOut reports whether the transaction was forcibly rolled back by the
// timeout reaper.
func (t *Transaction) TimedOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timedOut
}

// ParticipantCount returns the number of distinct enlisted branches.
func (t *Transaction) ParticipantCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.branches)
}

// setState transitions the lifecycle state; callers hold t.mu.
func (t *Transaction) setState(to State) {
	from := t.state
	t.state = to
	t.hooks.stateChange(t, from, to)
}

// activeError explains why an operation requiring the ACTIVE state is not
// possible; callers hold t.mu.
func (t *Transaction) activeError() error {
	if t.timedOut {
		return fmt.Errorf("%w: %w", ErrTransactionTimeout, ErrRollback)
	}
	return fmt.Errorf("%w: state is %s", ErrIllegalState, t.state)
}

// EnlistResource registers a participant into the transaction so it takes
// part in two-phase commit. A second participant reporting the same
// resource-manager identity is joined onto the existing branch rather than
// given a branch of its own.
func (t *Transaction) EnlistResource(ctx context.Context, p resource.Participant) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return t.activeError()
	}

	rmID := p.ResourceManagerID()
	if existing, ok := t.branchByRM[rmID]; ok {
		if err := p.Start(ctx, existing.xid, resource.StartJoin); err != nil {
			return fmt.Errorf("joining branch for resource manager %q: %w", rmID, err)
		}
		existing.joined = append(existing.joined, p)
		t.logger.Debug("participant joined existing branch",
			zap.String("resource_manager", rmID))
		return nil
	}

	t.branchSeq++
	bxid, err := t.id.Branch(fmt.Appendf(nil, "b%04d", t.branchSeq))
	if err != nil {
		return err
	}
	if err := p.Start(ctx, bxid, resource.StartNoFlags); err != nil {
		return fmt.Errorf("starting branch for resource manager %q: %w", rmID, err)
	}

	b := &branch{participant: p, xid: bxid}
	t.branches = append(t.branches, b)
	t.branchByRM[rmID] = b
	t.logger.Debug("participant enlisted",
		zap.String("resource_manager", rmID),
		zap.Stringer("branch", bxid))
	return nil
}

// RegisterSynchronization appends a completion callback pair. Registration
// is only possible while the transaction is ACTIVE.
func (t *Transaction) RegisterSynchronization(s Synchronization) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return t.activeError()
	}
	t.syncs = append(t.syncs, s)
	return nil
}

// SetRollbackOnly marks the transaction so that any commit attempt completes
// as a rollback instead.
func (t *Transaction) SetRollbackOnly() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() {
		return fmt.Errorf("%w: state is %s", ErrIllegalState, t.state)
	}
	t.rollbackOnly = true
	return nil
}

// RollbackOnly reports whether the transaction is marked rollback-only.
func (t *Transaction) RollbackOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbackOnly
}

// Commit drives the transaction through two-phase commit. It is rejected on
// imported transactions: their completion is authorized only through the
// subordinate path driven by the importing coordinator.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.imported {
		return ErrImportedCompletion
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commitLocked(ctx)
}

// Rollback undoes the transaction. Like Commit it is rejected on imported
// transactions.
func (t *Transaction) Rollback(ctx context.Context) error {
	if t.imported {
		return ErrImportedCompletion
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbackLocked(ctx)
}

// ForceTimeout rolls the transaction back because its deadline elapsed while
// it was still ACTIVE. Invoked asynchronously by the registry reaper; the
// owning context observes the rollback on its next operation. An expiry that
// lands while a phase is in flight is recorded but never cancels the phase:
// a partial two-phase commit cannot be safely unwound, and a PREPARED
// transaction's outcome belongs to its coordinator.
func (t *Transaction) ForceTimeout(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateActive:
		t.timedOut = true
		t.logger.Warn("transaction timed out, forcing rollback",
			zap.Duration("timeout", t.timeout))
		return t.rollbackLocked(ctx)
	case StatePreparing, StateCommitting, StateRollingBack:
		t.timedOut = true
		t.logger.Warn("transaction timed out during completion; outcome stands",
			zap.Stringer("state", t.state))
		return nil
	default:
		return nil
	}
}

// finish runs terminal-state bookkeeping; callers hold t.mu and must have
// already invoked the afterCompletion callbacks.
func (t *Transaction) finish() {
	if t.onFinish != nil {
		t.onFinish(t, t.state)
	}
}

// participantContext derives the per-participant call deadline from the
// transaction timeout.
func (t *Transaction) participantContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.timeout)
}
