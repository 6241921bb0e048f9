package tracer

import (
	"testing"

	"golang.org/x/sys/unix"
)

func newTestLoop(t *testing.T) (*TraceLoop, *Session) {
	t.Helper()
	s := NewSession()
	sched := newTestScheduler(t, s, &fakeWaiter{})
	return NewTraceLoop(s, sched), s
}

// A wildcard wait can report a new child's stop before the creator's
// clone/fork event names the tid. That status must be held and replayed at
// registration, not dropped — a dropped stop leaves the child ptrace-stopped
// forever and the next specific wait on it would block indefinitely.
func TestEarlyChildStopReplayedOnRegistration(t *testing.T) {
	l, s := newTestLoop(t)
	tg := s.CreateTaskGroup(nil, 2000, 2000)
	s.CreateTask(tg, 2000, 2000)

	l.holdStop(2001, StoppedStatus(unix.SIGSTOP))

	child, stopped := l.registerChild(tg, 2001)
	if !stopped {
		t.Fatal("a held stop must be reported so the caller resumes the child")
	}
	if _, held := l.pendingStops[2001]; held {
		t.Error("held stop not consumed by registration")
	}
	if got, ok := s.FindTask(2001); !ok || got != child {
		t.Error("registered child not resolvable through the session")
	}
	// The consumed stop was the bootstrap SIGSTOP; later stops deliver
	// their signal normally.
	if sig := l.resumeSignal(child, StoppedStatus(unix.SIGUSR1)); sig != int(unix.SIGUSR1) {
		t.Errorf("later stop re-delivered signal %d; want SIGUSR1", sig)
	}
}

// When the clone/fork event arrives first, the child's initial stop is still
// in flight: it must be swallowed when it shows up instead of being
// re-delivered as a SIGSTOP, which would park the child in a group stop.
func TestInitialStopSwallowedAfterRegistration(t *testing.T) {
	l, s := newTestLoop(t)
	tg := s.CreateTaskGroup(nil, 2100, 2100)
	s.CreateTask(tg, 2100, 2100)

	child, stopped := l.registerChild(tg, 2101)
	if stopped {
		t.Fatal("no stop was held; the child is not stopped yet")
	}
	if !l.awaitFirstStop[2101] {
		t.Fatal("registration must mark the child as awaiting its first stop")
	}

	if sig := l.resumeSignal(child, StoppedStatus(unix.SIGSTOP)); sig != 0 {
		t.Errorf("bootstrap stop re-delivered signal %d; want 0", sig)
	}
	if l.awaitFirstStop[2101] {
		t.Error("first-stop marker must clear after the stop is observed")
	}
	if sig := l.resumeSignal(child, StoppedStatus(unix.SIGTERM)); sig != int(unix.SIGTERM) {
		t.Errorf("subsequent stop re-delivered signal %d; want SIGTERM", sig)
	}
}

// Non-stop statuses never turn into a delivered signal.
func TestResumeSignalIgnoresNonStops(t *testing.T) {
	l, s := newTestLoop(t)
	tg := s.CreateTaskGroup(nil, 2200, 2200)
	task := s.CreateTask(tg, 2200, 2200)

	if sig := l.resumeSignal(task, PtraceEventStatus(unix.PTRACE_EVENT_EXIT)); sig != 0 {
		t.Errorf("ptrace event resumed with signal %d; want 0", sig)
	}
	if sig := l.resumeSignal(task, StoppedStatus(unix.SIGTRAP|0x80)); sig != 0 {
		t.Errorf("syscall stop resumed with signal %d; want 0", sig)
	}
}
