// Package registry maps global transaction identifiers to in-process
// transaction objects. It owns every transaction for its lifetime,
// guarantees that repeated or concurrent imports of the same Xid collapse
// onto one object, and reclaims transactions that outlive their timeout.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vantus-tm/vantus/core/txn"
	"github.com/vantus-tm/vantus/core/xid"
)

// --- Error Definitions ---

var (
	ErrNotFound = fmt.Errorf("transaction not found in registry")
	ErrClosed   = fmt.Errorf("registry is closed")
)

// Provider is the pluggable factory that supplies the underlying
// transaction creation. The registry populates cfg fully (timeout, imported
// flag, logger, hooks and release callback) before calling Create; a
// provider wrapping a native transaction engine can extend it.
type Provider interface {
	Create(x xid.Xid, cfg txn.Config) (*txn.Transaction, error)
}

// localProvider is the default in-process provider.
type localProvider struct{}

func (localProvider) Create(x xid.Xid, cfg txn.Config) (*txn.Transaction, error) {
	return txn.New(x, cfg), nil
}

// Config controls registry construction.
type Config struct {
	// Provider creates transactions. Defaults to the in-process provider.
	Provider Provider
	// DefaultTimeout applies when Begin or FindOrImport receive a zero
	// timeout.
	DefaultTimeout time.Duration
	// ReapInterval is the cadence of the expiry scan.
	ReapInterval time.Duration
	// FormatID stamps locally originated Xids.
	FormatID int32
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Hooks are handed to every created transaction.
	Hooks *txn.Hooks
}

func (c *Config) setDefaults() {
	if c.Provider == nil {
		c.Provider = localProvider{}
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = txn.DefaultTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 500 * time.Millisecond
	}
	if c.FormatID == 0 {
		c.FormatID = xid.DefaultFormatID
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// entry tracks one registered transaction. Heuristically completed
// transactions are retained for administrative Forget/Recover rather than
// released on completion.
type entry struct {
	tx       *txn.Transaction
	retained bool
}

// Registry is the shared Xid-to-transaction arena. All lookups, inserts and
// removals are serialized by one mutex; find-or-create is atomic so that two
// concurrent imports of the same Xid observe exactly one object.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
	txns   map[string]*entry
}

// New creates a registry and starts its expiry reaper.
func New(cfg Config) *Registry {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:    cfg,
		logger: cfg.Logger.Named("registry"),
		ctx:    ctx,
		stop:   cancel,
		txns:   make(map[string]*entry),
	}
	r.wg.Add(1)
	go r.reap()
	return r
}

// Close stops the reaper. Registered transactions are left untouched.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()
	r.wg.Wait()
}

// txnConfig assembles the construction config for a new transaction.
func (r *Registry) txnConfig(timeout time.Duration, imported bool) txn.Config {
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	return txn.Config{
		Timeout:    timeout,
		Imported:   imported,
		Logger:     r.cfg.Logger,
		Hooks:      r.cfg.Hooks,
		OnFinished: r.released,
	}
}

// released is invoked by a transaction once it reached a terminal state and
// ran its afterCompletion callbacks. Cleanly completed transactions leave
// the registry; heuristic outcomes are retained until an administrative
// Forget so that Recover can still report them.
func (r *Registry) released(tx *txn.Transaction, final txn.State) {
	key := tx.ID().String()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.txns[key]
	if !ok {
		return
	}
	switch final {
	case txn.StateHeuristicMixed, txn.StateHeuristicRollback:
		e.retained = true
		r.logger.Warn("retaining transaction with heuristic outcome",
			zap.String("xid", key), zap.Stringer("state", final))
	default:
		delete(r.txns, key)
	}
}

// Begin creates and registers a locally originated transaction under a
// fresh Xid.
func (r *Registry) Begin(timeout time.Duration) (*txn.Transaction, error) {
	x := xid.New(r.cfg.FormatID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	tx, err := r.cfg.Provider.Create(x, r.txnConfig(timeout, false))
	if err != nil {
		return nil, fmt.Errorf("provider create: %w", err)
	}
	r.txns[x.String()] = &entry{tx: tx}
	return tx, nil
}

// FindOrImport resolves an Xid arriving from a remote coordinator. If the
// Xid is already known the existing transaction is returned unchanged;
// otherwise a new transaction is created, marked imported, and registered.
// The created result tells the caller whether it must drive the remote
// handshake to completion on this object or simply enlist into an existing
// one. The find-or-create is atomic: concurrent imports of one Xid yield
// exactly one object.
func (r *Registry) FindOrImport(x xid.Xid, timeout time.Duration, subordinate bool) (tx *txn.Transaction, created bool, err error) {
	key := x.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrClosed
	}
	if e, ok := r.txns[key]; ok {
		return e.tx, false, nil
	}
	tx, err = r.cfg.Provider.Create(x, r.txnConfig(timeout, true))
	if err != nil {
		return nil, false, fmt.Errorf("provider create: %w", err)
	}
	r.txns[key] = &entry{tx: tx}
	r.logger.Debug("imported transaction",
		zap.String("xid", key),
		zap.Bool("subordinate", subordinate),
		zap.Duration("timeout", tx.Timeout()))
	return tx, true, nil
}

// Get returns the live transaction registered under x.
func (r *Registry) Get(x xid.Xid) (*txn.Transaction, bool) {
	return r.find(x.String())
}

// Find returns the live transaction registered under the encoded Xid key.
func (r *Registry) Find(key string) (*txn.Transaction, bool) {
	return r.find(key)
}

func (r *Registry) find(key string) (*txn.Transaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.txns[key]
	if !ok {
		return nil, false
	}
	return e.tx, true
}

// List snapshots every registered transaction.
func (r *Registry) List() []*txn.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*txn.Transaction, 0, len(r.txns))
	for _, e := range r.txns {
		out = append(out, e.tx)
	}
	return out
}

// InDoubt lists the Xids of transactions whose outcome needs external
// resolution: prepared-but-undecided ones and retained heuristic outcomes.
func (r *Registry) InDoubt() []xid.Xid {
	var out []xid.Xid
	for _, tx := range r.List() {
		switch tx.State() {
		case txn.StatePrepared, txn.StateHeuristicMixed, txn.StateHeuristicRollback:
			out = append(out, tx.ID())
		}
	}
	return out
}

// Forget resolves a retained heuristic outcome and releases the entry.
func (r *Registry) Forget(ctx context.Context, x xid.Xid) error {
	key := x.String()
	tx, ok := r.find(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := tx.SubordinateForget(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.txns, key)
	r.mu.Unlock()
	return nil
}

// reap periodically scans for transactions that exceeded their timeout
// while still ACTIVE and forces them to roll back. Abandoned imports that
// never received a completion call are reclaimed the same way.
func (r *Registry) reap() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(r.cfg.ReapInterval):
			r.reapExpired()
		}
	}
}

func (r *Registry) reapExpired() {
	now := time.Now()
	var expired []*txn.Transaction
	for _, tx := range r.List() {
		if tx.State() == txn.StateActive && now.After(tx.Deadline()) {
			expired = append(expired, tx)
		}
	}
	for _, tx := range expired {
		r.logger.Warn("reclaiming expired transaction",
			zap.Stringer("xid", tx.ID()),
			zap.Bool("imported", tx.Imported()),
			zap.Error(txn.ErrTransactionTimeout))
		if err := tx.ForceTimeout(r.ctx); err != nil {
			r.logger.Error("forced rollback of expired transaction failed",
				zap.Stringer("xid", tx.ID()), zap.Error(err))
		}
	}
}
