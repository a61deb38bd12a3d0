// Package manager binds transactions to the calling execution context.
// There is no hidden process-wide current transaction: callers carry an
// explicit binding slot in their context.Context, created once per logical
// call context, and nested work finds the bound transaction through it.
package manager

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vantus-tm/vantus/core/registry"
	"github.com/vantus-tm/vantus/core/txn"
)

// --- Error Definitions ---

var (
	ErrNoContext        = fmt.Errorf("context carries no transaction binding; use NewContext")
	ErrAlreadyBound     = fmt.Errorf("a transaction is already associated with this context")
	ErrNotBound         = fmt.Errorf("no transaction is associated with this context")
	ErrOccupiedOnResume = fmt.Errorf("cannot resume into a context with a bound transaction")
	ErrNilSuspended     = fmt.Errorf("nil suspended transaction handle")
)

type bindingKey struct{}

// binding is the mutable per-context slot holding at most one transaction.
type binding struct {
	current *txn.Transaction
}

// Suspended is the handle returned by Suspend and consumed by Resume.
type Suspended struct {
	tx *txn.Transaction
}

// Transaction returns the suspended transaction.
func (s *Suspended) Transaction() *txn.Transaction { return s.tx }

// Manager routes begin/commit/rollback calls from a bound context to the
// transaction's state machine, creating transactions through the registry.
type Manager struct {
	reg    *registry.Registry
	logger *zap.Logger
}

// New creates a context transaction manager over the given registry.
func New(reg *registry.Registry, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{reg: reg, logger: logger.Named("manager")}
}

// NewContext derives a context carrying an empty transaction binding slot.
// Each logical call context (request, task, worker) gets its own slot;
// contexts derived from the returned one share it.
func (m *Manager) NewContext(parent context.Context) context.Context {
	return context.WithValue(parent, bindingKey{}, &binding{})
}

func bindingFrom(ctx context.Context) (*binding, error) {
	b, ok := ctx.Value(bindingKey{}).(*binding)
	if !ok {
		return nil, ErrNoContext
	}
	return b, nil
}

// Begin creates a new transaction and binds it to the context. It fails if
// a live transaction is already bound; nested begin requires Suspend first.
func (m *Manager) Begin(ctx context.Context, timeout time.Duration) (*txn.Transaction, error) {
	b, err := bindingFrom(ctx)
	if err != nil {
		return nil, err
	}
	if b.current != nil {
		return nil, fmt.Errorf("%w: %w", txn.ErrIllegalState, ErrAlreadyBound)
	}
	tx, err := m.reg.Begin(timeout)
	if err != nil {
		return nil, err
	}
	b.current = tx
	m.logger.Debug("transaction bound", zap.Stringer("xid", tx.ID()))
	return tx, nil
}

// Commit completes the bound transaction. The binding is cleared
// unconditionally once completion has been attempted, whatever the outcome.
func (m *Manager) Commit(ctx context.Context) error {
	tx, err := m.take(ctx)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Rollback undoes the bound transaction, clearing the binding
// unconditionally like Commit.
func (m *Manager) Rollback(ctx context.Context) error {
	tx, err := m.take(ctx)
	if err != nil {
		return err
	}
	return tx.Rollback(ctx)
}

// take unbinds and returns the current transaction.
func (m *Manager) take(ctx context.Context) (*txn.Transaction, error) {
	b, err := bindingFrom(ctx)
	if err != nil {
		return nil, err
	}
	if b.current == nil {
		return nil, fmt.Errorf("%w: %w", txn.ErrIllegalState, ErrNotBound)
	}
	tx := b.current
	b.current = nil
	return tx, nil
}

// Suspend detaches the bound transaction from the context so unrelated work
// (or a nested Begin) can run, returning a handle for Resume.
func (m *Manager) Suspend(ctx context.Context) (*Suspended, error) {
	tx, err := m.take(ctx)
	if err != nil {
		return nil, err
	}
	return &Suspended{tx: tx}, nil
}

// Resume re-binds a previously suspended transaction. Resuming into a
// context that already has a bound transaction is rejected.
func (m *Manager) Resume(ctx context.Context, s *Suspended) error {
	if s == nil || s.tx == nil {
		return ErrNilSuspended
	}
	b, err := bindingFrom(ctx)
	if err != nil {
		return err
	}
	if b.current != nil {
		return fmt.Errorf("%w: %w", txn.ErrIllegalState, ErrOccupiedOnResume)
	}
	b.current = s.tx
	s.tx = nil
	return nil
}

// Current returns the transaction bound to the context, if any.
func (m *Manager) Current(ctx context.Context) (*txn.Transaction, bool) {
	b, err := bindingFrom(ctx)
	if err != nil || b.current == nil {
		return nil, false
	}
	return b.current, true
}

// Status reports the state of the bound transaction, or ErrNotBound.
func (m *Manager) Status(ctx context.Context) (txn.State, error) {
	tx, ok := m.Current(ctx)
	if !ok {
		return 0, fmt.Errorf("%w: %w", txn.ErrIllegalState, ErrNotBound)
	}
	return tx.State(), nil
}
