package tracer

// Task is a single traced thread of execution under tracer control. It holds
// a reference to exactly one TaskGroup for its entire life; the group's
// membership set is the set of tasks currently holding that reference.
//
// The register/memory access surface of a task lives elsewhere; this carries
// only what the lifecycle core and the scheduler consult.
type Task struct {
	// Tid is the thread id in the tracer's environment.
	Tid int

	// RecTid is the recorded thread id, the value the traced program
	// observes. Equal to Tid while recording.
	RecTid int

	tg       *TaskGroup
	unstable bool
	exited   bool
}

// newTask is invoked by the session, which also registers the task with its
// group and the tid index.
func newTask(tid, recTid int, tg *TaskGroup) *Task {
	return &Task{
		Tid:    tid,
		RecTid: recTid,
		tg:     tg,
	}
}

// TaskGroup returns the group this task belongs to.
func (t *Task) TaskGroup() *TaskGroup {
	return t.tg
}

// Unstable reports whether this task has ever been a member of a
// destabilized group. Once set, a blocking wait on this specific tid can no
// longer be trusted and the scheduler must fall back to wildcard waits.
func (t *Task) Unstable() bool {
	return t.unstable
}

// markUnstable is called by TaskGroup.Destabilize. Sticky.
func (t *Task) markUnstable() {
	t.unstable = true
}

// Exited reports whether the task's death has been observed.
func (t *Task) Exited() bool {
	return t.exited
}

func (t *Task) markExited() {
	t.exited = true
}
