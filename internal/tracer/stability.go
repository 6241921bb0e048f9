package tracer

// Stability classifies whether the scheduler may trust a blocking wait on a
// specific member of a task group. A Stable group's members only change state
// when the tracer resumes them, so waiting on one chosen tid is safe. An
// Unstable group's members are being torn down by the kernel in an order the
// tracer cannot predict, so only wildcard waits make progress.
type Stability int32

const (
	// Stable permits specific-task waits.
	Stable Stability = iota

	// Unstable requires wildcard waits for every member. The transition is
	// one-way: a group never becomes stable again.
	Unstable
)

func (s Stability) String() string {
	switch s {
	case Stable:
		return "stable"
	case Unstable:
		return "unstable"
	default:
		return "invalid"
	}
}
