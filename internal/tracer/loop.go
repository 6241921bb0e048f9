// This file defines the control loop for a live recording: launch the target
// under ptrace, keep the task/group registry in sync with clone/fork/exec
// events, and drive resumption with the scheduler's wait strategy.
//
// There is exactly one control goroutine and it is pinned to one OS thread,
// because the kernel only honors ptrace requests from the attaching thread.
package tracer

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"retrace/internal/logger"

	"github.com/phuslu/log"
)

const traceOptions = unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_TRACEEXIT |
	unix.PTRACE_O_TRACESYSGOOD

// TraceLoop owns one live recording.
type TraceLoop struct {
	session   *Session
	scheduler *Scheduler

	// A new child can stop before its parent's clone/fork event has named
	// it; its consumed status is held here until registration replays it.
	pendingStops map[int]WaitStatus

	// Registered children whose initial post-clone stop has not been
	// observed yet. That stop carries the bootstrap SIGSTOP, which must be
	// swallowed rather than re-delivered.
	awaitFirstStop map[int]bool

	log log.Logger
}

// NewTraceLoop wires a loop over an existing session and scheduler.
func NewTraceLoop(session *Session, scheduler *Scheduler) *TraceLoop {
	return &TraceLoop{
		session:        session,
		scheduler:      scheduler,
		pendingStops:   make(map[int]WaitStatus),
		awaitFirstStop: make(map[int]bool),
		log:            logger.NewLoggerWithContext("trace_loop"),
	}
}

// Run launches argv under trace and blocks until every traced task has
// exited. It returns the leader group's exit code.
func (l *TraceLoop) Run(argv []string) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("no command to trace")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("launching %s: %w", argv[0], err)
	}
	pid := cmd.Process.Pid

	// The child stops with SIGTRAP at its first exec before running any
	// target code; consume that stop and arm the trace options. Children
	// created afterwards inherit the options from their creator.
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, unix.WALL, nil); err != nil {
		return 0, fmt.Errorf("waiting for initial stop of %d: %w", pid, err)
	}
	if err := unix.PtraceSetOptions(pid, traceOptions); err != nil {
		return 0, fmt.Errorf("setting trace options on %d: %w", pid, err)
	}

	leader := l.session.CreateTaskGroup(nil, pid, pid)
	current := l.session.CreateTask(leader, pid, pid)
	l.log.Info().Int("pid", pid).Str("cmd", argv[0]).Msg("Tracee launched")

	if err := unix.PtraceCont(pid, 0); err != nil {
		return 0, fmt.Errorf("resuming %d: %w", pid, err)
	}

	for l.session.TaskCount() > 0 {
		tid, status, err := l.scheduler.WaitNext(current)
		if err != nil {
			return 0, err
		}

		t, known := l.session.FindTask(tid)
		if !known {
			// Hold the status; the creator's clone/fork event will name
			// this tid, and registration replays the stop then.
			l.holdStop(tid, status)
			current = l.anyLiveTask(current)
			continue
		}

		alive := l.scheduler.ProcessStatus(t, status)
		if alive {
			l.handleEvent(t, status)
			l.contTask(t.Tid, l.resumeSignal(t, status))
		} else {
			delete(l.pendingStops, tid)
			delete(l.awaitFirstStop, tid)
		}
		current = l.anyLiveTask(current)
	}

	return leader.ExitStatus.ExitCode(), nil
}

// holdStop parks a status observed for a tid that has no task yet.
func (l *TraceLoop) holdStop(tid int, status WaitStatus) {
	l.log.Debug().Int("tid", tid).Str("status", status.String()).
		Msg("Status for not-yet-registered task, holding it")
	l.pendingStops[tid] = status
}

// registerChild adds a freshly announced child to tg. It reports whether the
// child's initial stop was already consumed by a wildcard wait — in which
// case the child is sitting stopped right now and the caller must set it
// running. Otherwise the first stop is still in flight and is swallowed when
// it arrives.
func (l *TraceLoop) registerChild(tg *TaskGroup, tid int) (*Task, bool) {
	t := l.session.CreateTask(tg, tid, tid)
	if _, held := l.pendingStops[tid]; held {
		delete(l.pendingStops, tid)
		return t, true
	}
	l.awaitFirstStop[tid] = true
	return t, false
}

// resumeSignal picks the signal to re-deliver when continuing a task. The
// first signal stop after a clone/fork is the child's bootstrap SIGSTOP;
// re-delivering it would park the child in a group stop, so it is swallowed.
func (l *TraceLoop) resumeSignal(t *Task, status WaitStatus) int {
	if status.Kind() != StatusSignalStop {
		return 0
	}
	if l.awaitFirstStop[t.Tid] {
		delete(l.awaitFirstStop, t.Tid)
		return 0
	}
	return int(status.StopSignal())
}

// handleEvent keeps the registry in sync with ptrace events.
func (l *TraceLoop) handleEvent(t *Task, status WaitStatus) {
	if status.Kind() != StatusPtraceEvent {
		return
	}
	tg := t.TaskGroup()

	switch status.PtraceEvent() {
	case unix.PTRACE_EVENT_CLONE:
		newTid, err := unix.PtraceGetEventMsg(t.Tid)
		if err != nil {
			l.log.Error().Int("tid", t.Tid).Err(err).Msg("Failed to read clone event message")
			return
		}
		// Same thread group: the new task joins the creator's group.
		child, stopped := l.registerChild(tg, int(newTid))
		if stopped {
			l.contTask(child.Tid, 0)
		}

	case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK:
		newPid, err := unix.PtraceGetEventMsg(t.Tid)
		if err != nil {
			l.log.Error().Int("tid", t.Tid).Err(err).Msg("Failed to read fork event message")
			return
		}
		childGroup := l.session.CreateTaskGroup(tg, int(newPid), int(newPid))
		child, stopped := l.registerChild(childGroup, int(newPid))
		if stopped {
			l.contTask(child.Tid, 0)
		}

	case unix.PTRACE_EVENT_EXEC:
		tg.Execed = true
	}
}

// contTask continues a stopped task, delivering sig when non-zero.
func (l *TraceLoop) contTask(tid, sig int) {
	if err := unix.PtraceCont(tid, sig); err != nil {
		// ESRCH here means the kernel already reaped the task; the next
		// wildcard wait will report its death.
		l.log.Debug().Int("tid", tid).Err(err).Msg("Resume failed")
	}
}

// anyLiveTask returns cur if it is still tracked, otherwise an arbitrary live
// task, or nil when none remain.
func (l *TraceLoop) anyLiveTask(cur *Task) *Task {
	if cur != nil && !cur.Exited() {
		return cur
	}
	var pick *Task
	l.session.RangeTaskGroups(func(tg *TaskGroup) bool {
		for t := range tg.tasks {
			pick = t
			return false
		}
		return true
	})
	return pick
}
