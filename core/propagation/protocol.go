// Package propagation is the remote boundary of the coordinator: it
// serializes transaction identifiers for outflow, accepts inbound imports,
// and routes inbound prepare/commit/rollback calls onto the matching
// imported transaction's phase operations. Transport is HTTP/3 over QUIC
// with JSON message bodies.
package propagation

import (
	"github.com/vantus-tm/vantus/core/resource"
)

// Route paths served by the propagation server.
const (
	PathImport   = "/txn/import"
	PathPrepare  = "/txn/prepare"
	PathCommit   = "/txn/commit"
	PathRollback = "/txn/rollback"
	PathForget   = "/txn/forget"
	PathRecover  = "/txn/recover"
)

// Response status tokens.
const (
	StatusOK         = "OK"
	StatusError      = "ERROR"
	StatusNotFound   = "NOT_FOUND"
	StatusVoteCommit = "VOTE_COMMIT"
	StatusVoteAbort  = "VOTE_ABORT"
	StatusCommitted  = "COMMITTED"
	StatusAborted    = "ABORTED"
)

// ImportRequest asks the receiving coordinator to represent a remote
// transaction locally.
type ImportRequest struct {
	Xid         string `json:"xid"`
	TimeoutMs   int64  `json:"timeout_ms"`
	Subordinate bool   `json:"subordinate"`
}

// ImportResponse reports whether the import created a new local
// representation or collapsed onto an existing one.
type ImportResponse struct {
	Status  string `json:"status"`
	Created bool   `json:"created"`
	Message string `json:"message,omitempty"`
}

// PhaseRequest drives one two-phase-commit verb against an imported
// transaction.
type PhaseRequest struct {
	Xid      string `json:"xid"`
	OnePhase bool   `json:"one_phase,omitempty"`
}

// PhaseResponse carries the result of a phase call.
type PhaseResponse struct {
	Status  string `json:"status"`
	Vote    string `json:"vote,omitempty"`
	Message string `json:"message,omitempty"`
}

// RecoverResponse lists the in-doubt Xids known to the remote registry.
type RecoverResponse struct {
	Status  string   `json:"status"`
	Xids    []string `json:"xids"`
	Message string   `json:"message,omitempty"`
}

// voteToken maps a vote to its wire form.
func voteToken(v resource.Vote) string {
	return v.String()
}

// voteFromToken reverses voteToken; unknown tokens default to PREPARED so a
// newer peer's vote still drives a phase 2.
func voteFromToken(s string) resource.Vote {
	if s == resource.VoteReadOnly.String() {
		return resource.VoteReadOnly
	}
	return resource.VotePrepared
}
