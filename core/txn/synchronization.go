package txn

// Synchronization is a pair of completion callbacks a participant registers
// to observe or influence transaction completion without being a full
// resource participant.
//
// BeforeCompletion callbacks run in registration order, strictly before
// prepare is issued to any participant; a failure forces the transaction to
// roll back but does not stop the remaining callbacks from running.
// AfterCompletion callbacks run in registration order after every
// participant's phase-2 call has returned, and receive the final state;
// their failures never change the decided outcome.
type Synchronization struct {
	BeforeCompletion func() error
	AfterCompletion  func(status State)
}
