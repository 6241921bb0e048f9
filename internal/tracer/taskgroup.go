// This file defines the TaskGroup entity: one traced thread-group's identity,
// hierarchy position, membership and scheduling-stability state.
//
// Lifecycle logic (creation, registry indexing, destruction on last member
// out) lives in session.go to separate data from behavior.
package tracer

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/phuslu/log"
)

// TaskGroupUid uniquely identifies a task group for the lifetime of its
// session. The kernel reuses tgid values, so the tgid alone is ambiguous; the
// session-scoped serial disambiguates.
type TaskGroupUid struct {
	Tgid   int
	Serial uint32
}

// packed folds the uid into a single map key.
func (u TaskGroupUid) packed() uint64 {
	return uint64(uint32(u.Tgid))<<32 | uint64(u.Serial)
}

func (u TaskGroupUid) String() string {
	return fmt.Sprintf("%d/%d", u.Tgid, u.Serial)
}

// TaskGroup tracks the set of tasks sharing one thread-group identity, set
// from the original thread-group leader: the child of fork() that became the
// ancestor of every other thread in the group. Each member task owns a
// reference to this for its entire life; the owning session destroys the
// group when the last member deregisters.
//
// All mutable state is owned by the tracer's control goroutine. The only
// field read from another goroutine is stability (telemetry scrape), which is
// why it is atomic.
type TaskGroup struct {
	// Tgid is the thread-group id visible to the traced program. This is the
	// recorded value; during replay the id in the tracer's environment may
	// legitimately differ.
	Tgid int

	// RealTgid is the thread-group id in the tracer's own environment.
	RealTgid int

	// ExitStatus is the terminal wait status once the group leader has fully
	// exited. Zero while the group is alive.
	ExitStatus WaitStatus

	// Dumpable records the core-dump permission the tracee believes it has.
	// Tasks are not allowed to actually make themselves undumpable, since the
	// tracer would lose control of them; the request is suppressed while the
	// tracee is told it succeeded, and this flag keeps the lie consistent.
	Dumpable bool

	// Execed is set once any member has successfully replaced its program
	// image.
	Execed bool

	// ReceivedSigframeSignal records that a member took a fault because no
	// signal-delivery frame could be pushed for it. Recording-time diagnostic
	// only; sticky.
	ReceivedSigframeSignal bool

	serial    uint32
	stability atomic.Int32

	session  *Session
	parent   *TaskGroup
	children map[*TaskGroup]struct{}

	tasks map[*Task]struct{}

	threadInfo *ThreadInfoService
	destroyed  bool
}

// newTaskGroup links the group under parent (if any) but does not register it
// with the session's indexes; CreateTaskGroup owns that.
func newTaskGroup(session *Session, parent *TaskGroup, tgid, realTgid int, serial uint32) *TaskGroup {
	tg := &TaskGroup{
		Tgid:     tgid,
		RealTgid: realTgid,
		Dumpable: true,
		serial:   serial,
		session:  session,
		parent:   parent,
		children: make(map[*TaskGroup]struct{}),
		tasks:    make(map[*Task]struct{}),
	}
	if parent != nil {
		parent.children[tg] = struct{}{}
	}
	return tg
}

// Uid returns the (tgid, serial) pair identifying this group.
func (tg *TaskGroup) Uid() TaskGroupUid {
	return TaskGroupUid{Tgid: tg.Tgid, Serial: tg.serial}
}

// Stability reports the group's scheduling-safety classification.
func (tg *TaskGroup) Stability() Stability {
	return Stability(tg.stability.Load())
}

// Destabilize marks the members of this task group as unstable, meaning that
// even though a task may look runnable it might not be, and only a wildcard
// wait can be trusted to schedule the next task.
//
// This exists to survive mass task death. When a member calls exit_group() or
// the group takes a core-dumping signal, the kernel harvests the group's
// tasks in an order the tracer cannot predict. The control loop normally
// serializes execution by resuming exactly one chosen task and waiting for
// that specific tid; blocking on a tid the kernel has already reaped would
// deadlock the session. Destabilizing hands scheduling control for exactly
// these members back to the kernel: the tracer stops harvesting them
// individually and dispatches whatever a wildcard wait reports.
//
// This trades away the usual guarantee that no tracee state change happens
// behind the tracer's back, for these members only. There is no way to
// re-establish that guarantee after the fact, so instability is one-way.
//
// Calling Destabilize on an already-unstable group is a no-op: mass-death
// detection may legitimately observe its trigger condition more than once.
func (tg *TaskGroup) Destabilize() {
	if !tg.stability.CompareAndSwap(int32(Stable), int32(Unstable)) {
		return
	}
	for t := range tg.tasks {
		t.markUnstable()
	}
	GlobalDiagnostics.RecordDestabilization()
}

// Session returns the owning session, or nil after ForgetSession.
func (tg *TaskGroup) Session() *Session {
	return tg.session
}

// ForgetSession releases the group's reference to its session. The session
// uses this during shutdown teardown; removing the group from the registry
// remains the session's job. Every accessor tolerates the nil session
// afterwards.
func (tg *TaskGroup) ForgetSession() {
	tg.session = nil
}

// Parent returns the parent group, or nil if this group is a hierarchy root
// or its parent has been destroyed.
func (tg *TaskGroup) Parent() *TaskGroup {
	return tg.parent
}

// Children returns the live child groups, ordered by serial so traversal is
// deterministic.
func (tg *TaskGroup) Children() []*TaskGroup {
	out := make([]*TaskGroup, 0, len(tg.children))
	for c := range tg.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].serial < out[j].serial })
	return out
}

// Tasks returns the current members, ordered by tid.
func (tg *TaskGroup) Tasks() []*Task {
	out := make([]*Task, 0, len(tg.tasks))
	for t := range tg.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tid < out[j].Tid })
	return out
}

// TaskCount returns the number of member tasks.
func (tg *TaskGroup) TaskCount() int {
	return len(tg.tasks)
}

// ThreadInfo returns the group's thread-information service, creating it on
// first call. The service is exclusively owned by this group and released
// when the group is destroyed. Its existence says nothing about stability;
// the two are independent axes.
func (tg *TaskGroup) ThreadInfo() *ThreadInfoService {
	if tg.threadInfo == nil {
		tg.threadInfo = newThreadInfoService(tg.Uid(), tg.RealTgid)
	}
	return tg.threadInfo
}

// addTask registers a member. Double registration is a contract violation by
// the caller, never a runtime condition.
func (tg *TaskGroup) addTask(t *Task) {
	if _, dup := tg.tasks[t]; dup {
		log.Fatal().Int("tid", t.Tid).Str("tguid", tg.Uid().String()).
			Msg("task registered twice with its task group")
	}
	tg.tasks[t] = struct{}{}
	if tg.Stability() == Unstable {
		// A member joining a dying group inherits the wildcard-wait rule.
		t.markUnstable()
	}
}

// removeTask deregisters a member.
func (tg *TaskGroup) removeTask(t *Task) {
	if _, ok := tg.tasks[t]; !ok {
		log.Fatal().Int("tid", t.Tid).Str("tguid", tg.Uid().String()).
			Msg("task deregistered from a task group it does not belong to")
	}
	delete(tg.tasks, t)
}

// destroy tears the group down: unlink from the parent, orphan the children
// (their Parent() degrades to nil, never dangling), release the thread-info
// service. Invoked exactly once by the session once membership reaches zero;
// a second call or a call with live members is a contract violation.
func (tg *TaskGroup) destroy() {
	if tg.destroyed {
		log.Fatal().Str("tguid", tg.Uid().String()).Msg("task group destroyed twice")
	}
	if len(tg.tasks) != 0 {
		log.Fatal().Str("tguid", tg.Uid().String()).Int("tasks", len(tg.tasks)).
			Msg("task group destroyed while tasks still reference it")
	}
	tg.destroyed = true

	if tg.parent != nil {
		delete(tg.parent.children, tg)
		tg.parent = nil
	}
	for child := range tg.children {
		child.parent = nil
		delete(tg.children, child)
	}

	if tg.threadInfo != nil {
		tg.threadInfo.Close()
		tg.threadInfo = nil
	}
}
