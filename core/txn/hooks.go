package txn

import "time"

// Hooks let callers wire metrics or test interception without coupling the
// transaction engine to a telemetry library. Any field may be nil. Hook
// functions run with the transaction's lock held and must not call back
// into it.
type Hooks struct {
	OnStateChange func(tx *Transaction, from, to State)
	OnPhase       func(tx *Transaction, phase string, elapsed time.Duration)
	OnHeuristic   func(tx *Transaction, outcome State)
}

func (h *Hooks) stateChange(tx *Transaction, from, to State) {
	if h != nil && h.OnStateChange != nil {
		h.OnStateChange(tx, from, to)
	}
}

func (h *Hooks) phase(tx *Transaction, phase string, start time.Time) {
	if h != nil && h.OnPhase != nil {
		h.OnPhase(tx, phase, time.Since(start))
	}
}

func (h *Hooks) heuristic(tx *Transaction, outcome State) {
	if h != nil && h.OnHeuristic != nil {
		h.OnHeuristic(tx, outcome)
	}
}
