package txn

import "errors"

// --- Error Definitions ---

var (
	ErrIllegalState       = errors.New("transaction is in an invalid state for this operation")
	ErrRollback           = errors.New("transaction was rolled back")
	ErrSynchronization    = errors.New("beforeCompletion synchronization failed")
	ErrHeuristicMixed     = errors.New("heuristic mixed outcome: some participants committed, others did not")
	ErrHeuristicRollback  = errors.New("heuristic rollback outcome: completion failed on every participant")
	ErrImportedCompletion = errors.New("completion of an imported transaction is driven by its importing coordinator")
	ErrTransactionTimeout = errors.New("transaction exceeded its timeout")
	ErrNotPrepared        = errors.New("transaction has not been prepared")
)
