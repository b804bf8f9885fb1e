package virtqueue

// State is the lifecycle state of a [SplitQueue].
type State uint32

const (
	// StateUnconfigured is the state of a queue that was never set up or was
	// torn down.
	StateUnconfigured State = iota
	// StateReady is the state of a queue that can be popped from and pushed to.
	StateReady
	// StateBroken is entered when setup fails or the guest violates the ring
	// protocol. Only a teardown followed by a new setup leaves it.
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateReady:
		return "ready"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}
