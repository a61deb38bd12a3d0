// Package resource defines the capability contract an enlistable resource
// manager must implement to take part in two-phase commit. The contract
// follows the XA verbs: start/end a branch, prepare, commit, rollback,
// forget and recover, all identified by a branch Xid.
package resource

import (
	"context"
	"errors"

	"github.com/vantus-tm/vantus/core/xid"
)

// Vote is the explicit result of a prepare call. Failures are reported
// through the error return, not through a vote value.
type Vote int

const (
	// VotePrepared means the participant staged its work durably and will
	// honor a later commit or rollback decision.
	VotePrepared Vote = iota
	// VoteReadOnly means the participant did no work requiring a second
	// phase; it drops out of completion entirely.
	VoteReadOnly
)

func (v Vote) String() string {
	switch v {
	case VotePrepared:
		return "PREPARED"
	case VoteReadOnly:
		return "READ_ONLY"
	default:
		return "UNKNOWN"
	}
}

// StartFlags qualifies a Start call.
type StartFlags int

const (
	// StartNoFlags begins a new branch association.
	StartNoFlags StartFlags = iota
	// StartJoin joins work onto a branch already started against the same
	// resource manager.
	StartJoin
)

// EndFlags qualifies an End call.
type EndFlags int

const (
	// EndSuccess delimits the branch successfully ahead of prepare.
	EndSuccess EndFlags = iota
	// EndFail delimits the branch with a rollback-only indication.
	EndFail
)

// RecoverFlags qualifies a Recover scan.
type RecoverFlags int

const (
	// RecoverScanStart begins a recovery scan and returns the first batch
	// of in-doubt Xids.
	RecoverScanStart RecoverFlags = iota
	// RecoverScanEnd terminates an in-progress recovery scan.
	RecoverScanEnd
)

var (
	// ErrHeuristicCommit reports that the participant unilaterally committed.
	ErrHeuristicCommit = errors.New("resource heuristically committed")
	// ErrHeuristicRollback reports that the participant unilaterally rolled back.
	ErrHeuristicRollback = errors.New("resource heuristically rolled back")
	// ErrHeuristicMixed reports that the participant partially committed.
	ErrHeuristicMixed = errors.New("resource heuristically mixed")
)

// Participant is implemented by every resource manager adapter that can be
// enlisted into a transaction. Calls may perform network I/O; the supplied
// context carries the per-participant deadline derived from the transaction
// timeout. Implementations must be safe for use from the goroutine driving
// the owning transaction's completion.
type Participant interface {
	// ResourceManagerID identifies the underlying resource manager. Two
	// participants reporting the same id are treated as the same resource
	// manager and share a single branch per transaction.
	ResourceManagerID() string

	// Start associates the branch with work performed on this participant.
	Start(ctx context.Context, x xid.Xid, flags StartFlags) error

	// End delimits the branch before prepare or rollback.
	End(ctx context.Context, x xid.Xid, flags EndFlags) error

	// Prepare votes on the branch outcome.
	Prepare(ctx context.Context, x xid.Xid) (Vote, error)

	// Commit finalizes the branch. With onePhase set the participant must
	// perform its own atomic prepare-and-commit without a prior Prepare call.
	Commit(ctx context.Context, x xid.Xid, onePhase bool) error

	// Rollback undoes the branch.
	Rollback(ctx context.Context, x xid.Xid) error

	// Forget discards knowledge of a heuristically completed branch.
	Forget(ctx context.Context, x xid.Xid) error

	// Recover lists branch Xids that are in doubt at this participant.
	Recover(ctx context.Context, flags RecoverFlags) ([]xid.Xid, error)
}
