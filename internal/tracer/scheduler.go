// This file defines the scheduling-stability surface: the wait-strategy
// decision the scheduler makes before blocking on a task, and the policy that
// decides when mass task death requires destabilizing a group.
package tracer

import (
	"fmt"

	"golang.org/x/sys/unix"

	"retrace/internal/config"
	"retrace/internal/logger"

	"github.com/phuslu/log"
)

// Waiter abstracts the kernel wait primitive so the scheduler's strategy can
// be exercised without live tracees.
type Waiter interface {
	// WaitSpecific blocks until the given tid changes state.
	WaitSpecific(tid int) (WaitStatus, error)

	// WaitAny blocks until any traced task changes state and reports which
	// tid it was.
	WaitAny() (int, WaitStatus, error)
}

// KernelWaiter is the real wait4 implementation.
type KernelWaiter struct{}

func (KernelWaiter) WaitSpecific(tid int) (WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(tid, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("wait4(%d): %w", tid, err)
		}
		return WaitStatus(ws), nil
	}
}

func (KernelWaiter) WaitAny() (int, WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		tid, err := unix.Wait4(-1, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, 0, fmt.Errorf("wait4(-1): %w", err)
		}
		return tid, WaitStatus(ws), nil
	}
}

// TriggerPolicy decides which observations count as the onset of mass task
// death. The conditions are configuration rather than a hard-coded signal
// list; see config.SchedulerConfig.
type TriggerPolicy struct {
	coreDumpSignals       map[unix.Signal]struct{}
	destabilizeOnExitRace bool
}

// NewTriggerPolicy builds a policy from configuration. Unknown signal names
// are an error: silently ignoring one would reintroduce the deadlock the
// policy exists to prevent.
func NewTriggerPolicy(cfg *config.SchedulerConfig) (*TriggerPolicy, error) {
	p := &TriggerPolicy{
		coreDumpSignals:       make(map[unix.Signal]struct{}, len(cfg.CoreDumpSignals)),
		destabilizeOnExitRace: cfg.DestabilizeOnExitRace,
	}
	for _, name := range cfg.CoreDumpSignals {
		sig := unix.SignalNum(name)
		if sig == 0 {
			return nil, fmt.Errorf("unknown signal name in core_dump_signals: %q", name)
		}
		p.coreDumpSignals[sig] = struct{}{}
	}
	return p, nil
}

// IsCoreDumpSignal reports whether sig's default disposition terminates the
// whole thread group with a core dump.
func (p *TriggerPolicy) IsCoreDumpSignal(sig unix.Signal) bool {
	_, ok := p.coreDumpSignals[sig]
	return ok
}

// Scheduler decides, for each blocking wait, whether a specific-task wait is
// still trustworthy or whether it must fall back to a wildcard wait, and
// applies the destabilization policy to incoming statuses.
type Scheduler struct {
	session *Session
	waiter  Waiter
	policy  *TriggerPolicy

	log log.Logger
}

// NewScheduler wires the scheduler. Pass KernelWaiter{} outside of tests.
func NewScheduler(session *Session, waiter Waiter, policy *TriggerPolicy) *Scheduler {
	return &Scheduler{
		session: session,
		waiter:  waiter,
		policy:  policy,
		log:     logger.NewLoggerWithContext("scheduler"),
	}
}

// CanWaitSpecific reports whether a blocking wait on exactly this task is
// safe. It is false for any task that was ever a member of a destabilized
// group: the kernel may have reaped such a task already, and waiting on its
// tid would deadlock the control loop.
func (s *Scheduler) CanWaitSpecific(t *Task) bool {
	return !t.Unstable()
}

// WaitNext blocks until the chosen task — or, when the choice cannot be
// trusted, any traced task — changes state. It returns the tid the kernel
// reported and its status.
func (s *Scheduler) WaitNext(chosen *Task) (int, WaitStatus, error) {
	if s.CanWaitSpecific(chosen) {
		GlobalDiagnostics.RecordSpecificWait()
		status, err := s.waiter.WaitSpecific(chosen.Tid)
		if err != nil {
			return 0, 0, err
		}
		return chosen.Tid, status, nil
	}

	GlobalDiagnostics.RecordWildcardWait()
	return s.waiter.WaitAny()
}

// ProcessStatus applies the lifecycle and destabilization rules to a wait
// status and reports whether the task is still alive afterwards. Resumption
// of live tasks stays with the caller, which owns the ptrace mechanics.
func (s *Scheduler) ProcessStatus(t *Task, status WaitStatus) (alive bool) {
	tg := t.TaskGroup()

	switch status.Kind() {
	case StatusExit:
		if t.Tid == tg.RealTgid {
			tg.ExitStatus = status
		}
		s.session.UntrackTask(t)
		return false

	case StatusFatalSignal:
		// Death by signal kills the whole group; siblings are already being
		// harvested in kernel order.
		if status.CoreDumped() || s.policy.IsCoreDumpSignal(status.FatalSignal()) {
			s.destabilize(tg, "fatal signal "+unix.SignalName(status.FatalSignal()))
		}
		if t.Tid == tg.RealTgid {
			tg.ExitStatus = status
		}
		s.session.UntrackTask(t)
		return false

	case StatusPtraceEvent:
		if status.PtraceEvent() == unix.PTRACE_EVENT_EXIT {
			// One member is on its way out. If siblings are still believed
			// alive, their harvest order is the kernel's choice from here on.
			if s.policy.destabilizeOnExitRace && tg.TaskCount() > 1 {
				s.destabilize(tg, "exit notification with live siblings")
			}
		}
		return true

	case StatusSignalStop:
		// A pending core-dumping signal at default disposition will tear the
		// group down as soon as the task is resumed.
		if s.policy.IsCoreDumpSignal(status.StopSignal()) {
			s.destabilize(tg, "core-dumping signal "+unix.SignalName(status.StopSignal())+" pending")
		}
		return true

	default:
		return true
	}
}

// destabilize performs the one-way transition with logging, skipping the
// already-unstable case so repeated trigger observations stay quiet.
func (s *Scheduler) destabilize(tg *TaskGroup, reason string) {
	if tg.Stability() == Unstable {
		return
	}
	s.log.Warn().
		Str("tguid", tg.Uid().String()).
		Int("tasks", tg.TaskCount()).
		Str("reason", reason).
		Msg("Destabilizing task group; falling back to wildcard waits for its members")
	tg.Destabilize()
}
