package txn

// State is the lifecycle state of a transaction.
type State int32

const (
	StateActive State = iota // Work may be enlisted, synchronizations registered
	StatePreparing           // Phase 1 in flight
	StatePrepared            // Every participant voted, commit decision pending
	StateCommitting          // Phase 2 commit in flight
	StateCommitted           // Terminal: all participants committed
	StateRollingBack         // Rollback in flight
	StateRolledBack          // Terminal: all participants rolled back
	StateHeuristicMixed      // Terminal: participants disagreed on the outcome
	StateHeuristicRollback   // Terminal: completion failed rollback-consistently
)

// Terminal reports whether no further state transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateRolledBack, StateHeuristicMixed, StateHeuristicRollback:
		return true
	}
	return false
}

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StatePreparing:
		return "PREPARING"
	case StatePrepared:
		return "PREPARED"
	case StateCommitting:
		return "COMMITTING"
	case StateCommitted:
		return "COMMITTED"
	case StateRollingBack:
		return "ROLLING_BACK"
	case StateRolledBack:
		return "ROLLED_BACK"
	case StateHeuristicMixed:
		return "HEURISTIC_MIXED"
	case StateHeuristicRollback:
		return "HEURISTIC_ROLLBACK"
	default:
		return "UNKNOWN"
	}
}
