// Package outflow exposes a local transaction to a remote coordinator as a
// resource participant. The subordinate adapter bridges inbound XA calls
// onto the wrapped transaction's internal phase operations, so a remote
// coordinator can drive a local transaction's two-phase commit exactly as
// it would any other resource manager.
package outflow

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vantus-tm/vantus/core/registry"
	"github.com/vantus-tm/vantus/core/resource"
	"github.com/vantus-tm/vantus/core/txn"
	"github.com/vantus-tm/vantus/core/xid"
)

// --- Error Definitions ---

var (
	ErrNilTransaction = fmt.Errorf("cannot outflow a nil transaction")
	ErrCompleted      = fmt.Errorf("cannot outflow a completed transaction")
	ErrXidMismatch    = fmt.Errorf("xid does not belong to the wrapped transaction")
)

// SubordinateResource implements resource.Participant over one local
// transaction. Its prepare/commit/rollback/forget calls are forwarded onto
// the transaction's subordinate phase operations; the public begin/commit
// API stays closed to it.
type SubordinateResource struct {
	location string
	tx       *txn.Transaction
	reg      *registry.Registry
	logger   *zap.Logger
}

// Location returns the remote coordinator location this adapter was
// outflowed to.
func (s *SubordinateResource) Location() string { return s.location }

// Transaction returns the wrapped local transaction.
func (s *SubordinateResource) Transaction() *txn.Transaction { return s.tx }

// ResourceManagerID is unique per (location, transaction) pair so two
// subordinate adapters are never joined onto one branch.
func (s *SubordinateResource) ResourceManagerID() string {
	return fmt.Sprintf("vantus-subordinate:%s:%s", s.location, s.tx.ID())
}

// checkXid rejects calls naming a different global transaction.
func (s *SubordinateResource) checkXid(x xid.Xid) error {
	if !x.IsZero() && !x.SameGlobal(s.tx.ID()) {
		return fmt.Errorf("%w: got %s, wrapped %s", ErrXidMismatch, x, s.tx.ID())
	}
	return nil
}

// Start is a no-op: the wrapped transaction tracks its own work.
func (s *SubordinateResource) Start(_ context.Context, x xid.Xid, _ resource.StartFlags) error {
	return s.checkXid(x)
}

// End is a no-op like Start.
func (s *SubordinateResource) End(_ context.Context, x xid.Xid, _ resource.EndFlags) error {
	return s.checkXid(x)
}

// Prepare runs phase 1 of the wrapped transaction's own completion.
func (s *SubordinateResource) Prepare(ctx context.Context, x xid.Xid) (resource.Vote, error) {
	if err := s.checkXid(x); err != nil {
		return resource.VotePrepared, err
	}
	return s.tx.SubordinatePrepare(ctx)
}

// Commit finalizes the wrapped transaction. With onePhase set the full
// local two-phase commit runs in one call.
func (s *SubordinateResource) Commit(ctx context.Context, x xid.Xid, onePhase bool) error {
	if err := s.checkXid(x); err != nil {
		return err
	}
	return s.tx.SubordinateCommit(ctx, onePhase)
}

// Rollback undoes the wrapped transaction.
func (s *SubordinateResource) Rollback(ctx context.Context, x xid.Xid) error {
	if err := s.checkXid(x); err != nil {
		return err
	}
	return s.tx.SubordinateRollback(ctx)
}

// Forget discards a heuristic outcome on the wrapped transaction and
// releases its registry entry.
func (s *SubordinateResource) Forget(ctx context.Context, x xid.Xid) error {
	if err := s.checkXid(x); err != nil {
		return err
	}
	return s.reg.Forget(ctx, s.tx.ID())
}

// Recover answers with the local registry's in-doubt Xids.
func (s *SubordinateResource) Recover(_ context.Context, flags resource.RecoverFlags) ([]xid.Xid, error) {
	if flags == resource.RecoverScanEnd {
		return nil, nil
	}
	return s.reg.InDoubt(), nil
}

// Outflower hands out subordinate adapters, one per (location, transaction)
// pair. Re-outflowing the same transaction to the same location returns the
// existing adapter, so no duplicate subordinate branches are created.
type Outflower struct {
	reg    *registry.Registry
	logger *zap.Logger

	mu      sync.Mutex
	records map[string]*SubordinateResource
}

// New creates an Outflower over the given registry.
func New(reg *registry.Registry, logger *zap.Logger) *Outflower {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outflower{
		reg:     reg,
		logger:  logger.Named("outflow"),
		records: make(map[string]*SubordinateResource),
	}
}

func recordKey(location string, x xid.Xid) string {
	return location + "|" + x.String()
}

// Outflow wraps tx as a subordinate resource for the coordinator at
// location. Idempotent per (location, transaction) pair.
func (o *Outflower) Outflow(location string, tx *txn.Transaction) (*SubordinateResource, error) {
	if tx == nil {
		return nil, ErrNilTransaction
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	key := recordKey(location, tx.ID())
	if existing, ok := o.records[key]; ok {
		return existing, nil
	}
	if tx.State().Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrCompleted, tx.ID(), tx.State())
	}

	sub := &SubordinateResource{
		location: location,
		tx:       tx,
		reg:      o.reg,
		logger:   o.logger.With(zap.String("location", location), zap.Stringer("xid", tx.ID())),
	}
	o.records[key] = sub
	o.purgeLocked()
	o.logger.Debug("transaction outflowed",
		zap.String("location", location), zap.Stringer("xid", tx.ID()))
	return sub, nil
}

// purgeLocked drops records whose transactions reached a clean terminal
// state. Heuristic outcomes stay resolvable through their adapter.
func (o *Outflower) purgeLocked() {
	for key, sub := range o.records {
		switch sub.tx.State() {
		case txn.StateCommitted, txn.StateRolledBack:
			delete(o.records, key)
		}
	}
}
