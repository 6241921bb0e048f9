package tracer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// StatusKind classifies a raw wait status into the cases the dispatch loop
// cares about.
type StatusKind int

const (
	StatusInvalid StatusKind = iota
	StatusExit
	StatusFatalSignal
	StatusSignalStop
	StatusSyscallStop
	StatusPtraceEvent
)

func (k StatusKind) String() string {
	switch k {
	case StatusExit:
		return "exit"
	case StatusFatalSignal:
		return "fatal-signal"
	case StatusSignalStop:
		return "signal-stop"
	case StatusSyscallStop:
		return "syscall-stop"
	case StatusPtraceEvent:
		return "ptrace-event"
	default:
		return "invalid"
	}
}

// WaitStatus wraps a raw wait4 status word. The zero value is not a valid
// status; TaskGroup.ExitStatus stays zero until the group leader has exited.
type WaitStatus uint32

func (w WaitStatus) sys() unix.WaitStatus { return unix.WaitStatus(w) }

// Kind classifies the status. Syscall stops are distinguished from plain
// SIGTRAP stops by the PTRACE_O_TRACESYSGOOD high bit.
func (w WaitStatus) Kind() StatusKind {
	ws := w.sys()
	switch {
	case ws.Exited():
		return StatusExit
	case ws.Signaled():
		return StatusFatalSignal
	case ws.Stopped():
		if ws.StopSignal() == unix.SIGTRAP|0x80 {
			return StatusSyscallStop
		}
		if ws.TrapCause() > 0 {
			return StatusPtraceEvent
		}
		return StatusSignalStop
	}
	return StatusInvalid
}

// ExitCode returns the exit code for a StatusExit status, -1 otherwise.
func (w WaitStatus) ExitCode() int {
	if !w.sys().Exited() {
		return -1
	}
	return w.sys().ExitStatus()
}

// FatalSignal returns the terminating signal for a StatusFatalSignal status,
// 0 otherwise.
func (w WaitStatus) FatalSignal() unix.Signal {
	if !w.sys().Signaled() {
		return 0
	}
	return w.sys().Signal()
}

// CoreDumped reports whether the task dumped core when it was killed.
func (w WaitStatus) CoreDumped() bool {
	return w.sys().Signaled() && w.sys().CoreDump()
}

// StopSignal returns the signal for a stop status, 0 otherwise. The
// TRACESYSGOOD bit is masked off.
func (w WaitStatus) StopSignal() unix.Signal {
	if !w.sys().Stopped() {
		return 0
	}
	return w.sys().StopSignal() &^ 0x80
}

// PtraceEvent returns the PTRACE_EVENT_* number for a StatusPtraceEvent
// status, 0 otherwise.
func (w WaitStatus) PtraceEvent() int {
	if w.Kind() != StatusPtraceEvent {
		return 0
	}
	return w.sys().TrapCause()
}

func (w WaitStatus) String() string {
	switch w.Kind() {
	case StatusExit:
		return fmt.Sprintf("exit(%d)", w.ExitCode())
	case StatusFatalSignal:
		if w.CoreDumped() {
			return fmt.Sprintf("fatal(%s,core)", unix.SignalName(w.FatalSignal()))
		}
		return fmt.Sprintf("fatal(%s)", unix.SignalName(w.FatalSignal()))
	case StatusSignalStop:
		return fmt.Sprintf("stop(%s)", unix.SignalName(w.StopSignal()))
	case StatusSyscallStop:
		return "syscall-stop"
	case StatusPtraceEvent:
		return fmt.Sprintf("event(%d)", w.PtraceEvent())
	default:
		return fmt.Sprintf("invalid(%#x)", uint32(w))
	}
}

// Status constructors, used by tests and by replay paths that rebuild
// statuses from recorded values.

// ExitedStatus builds a status for a normal exit with the given code.
func ExitedStatus(code int) WaitStatus {
	return WaitStatus((code & 0xff) << 8)
}

// SignaledStatus builds a status for a death by signal.
func SignaledStatus(sig unix.Signal, coreDumped bool) WaitStatus {
	w := WaitStatus(sig & 0x7f)
	if coreDumped {
		w |= 0x80
	}
	return w
}

// StoppedStatus builds a status for a signal-delivery stop.
func StoppedStatus(sig unix.Signal) WaitStatus {
	return WaitStatus(uint32(sig)<<8 | 0x7f)
}

// PtraceEventStatus builds a status for a ptrace event stop.
func PtraceEventStatus(event int) WaitStatus {
	return WaitStatus(uint32(event)<<16 | uint32(unix.SIGTRAP)<<8 | 0x7f)
}
