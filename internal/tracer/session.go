// This file defines the Session, the owner of every task group and task in
// one recording or replay. It is the registry the TaskGroup entity expects:
// it guarantees uid uniqueness at construction, destroys a group exactly once
// when its last member deregisters, and supports being shut down in a
// deterministic order.
package tracer

import (
	"retrace/internal/logger"
	"retrace/internal/maps"

	"github.com/phuslu/log"
)

// Session owns the task-group registry and the serial allocator. The
// allocator is session state rather than package state so independent
// sessions can coexist in one process, which the tests rely on.
//
// All mutation happens on the tracer's control goroutine. The indexes are
// concurrent maps only because the telemetry scrape path reads them.
type Session struct {
	groupsByUid  maps.ConcurrentMap[uint64, *TaskGroup]
	groupsByTgid maps.ConcurrentMap[uint64, *TaskGroup] // key: current tgid
	tasksByTid   maps.ConcurrentMap[uint64, *Task]

	nextSerial uint32

	log log.Logger
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{
		groupsByUid:  maps.NewConcurrentMap[uint64, *TaskGroup](),
		groupsByTgid: maps.NewConcurrentMap[uint64, *TaskGroup](),
		tasksByTid:   maps.NewConcurrentMap[uint64, *Task](),
		nextSerial:   1,
		log:          logger.NewLoggerWithContext("session"),
	}
}

// CreateTaskGroup constructs a task group for a newly observed thread-group
// leader and registers it, as a child of parent when parent is non-nil. The
// serial allocator makes the uid unique by construction; finding the uid
// already registered means the allocator state was corrupted, which is fatal.
func (s *Session) CreateTaskGroup(parent *TaskGroup, tgid, realTgid int) *TaskGroup {
	serial := s.nextSerial
	s.nextSerial++

	tg := newTaskGroup(s, parent, tgid, realTgid, serial)
	uid := tg.Uid()

	if _, dup := s.groupsByUid.Load(uid.packed()); dup {
		s.log.Fatal().Str("tguid", uid.String()).Msg("duplicate task group uid")
	}
	s.groupsByUid.Store(uid.packed(), tg)
	s.groupsByTgid.Store(uint64(uint32(tgid)), tg)
	GlobalDiagnostics.RecordGroupCreated()

	parentUid := "none"
	if parent != nil {
		parentUid = parent.Uid().String()
	}
	s.log.Debug().
		Str("tguid", uid.String()).
		Int("real_tgid", realTgid).
		Str("parent", parentUid).
		Msg("Task group created")
	return tg
}

// CreateTask constructs a task, registers it as a member of tg and indexes it
// by tid. Each task registers exactly once.
func (s *Session) CreateTask(tg *TaskGroup, tid, recTid int) *Task {
	t := newTask(tid, recTid, tg)
	tg.addTask(t)
	s.tasksByTid.Store(uint64(uint32(tid)), t)
	GlobalDiagnostics.RecordTaskTracked()

	s.log.Debug().Int("tid", tid).Str("tguid", tg.Uid().String()).Msg("Task tracked")
	return t
}

// UntrackTask deregisters a task. When the task was the last member of its
// group, the group is destroyed; destruction is owned here, never by the
// group itself.
func (s *Session) UntrackTask(t *Task) {
	t.markExited()
	tg := t.TaskGroup()
	tg.removeTask(t)

	// Conditional delete: the tid may already index a successor task if the
	// kernel reused it.
	s.tasksByTid.Update(uint64(uint32(t.Tid)), func(cur *Task, exists bool) (*Task, bool) {
		if exists && cur == t {
			return nil, false
		}
		// Returning keep=exists so an absent key is never replaced with a
		// nil entry.
		return cur, exists
	})
	GlobalDiagnostics.RecordTaskUntracked()
	s.log.Debug().Int("tid", t.Tid).Str("tguid", tg.Uid().String()).Msg("Task untracked")

	if tg.TaskCount() == 0 {
		s.destroyGroup(tg)
	}
}

// destroyGroup removes a memberless group from the registry and tears it
// down.
func (s *Session) destroyGroup(tg *TaskGroup) {
	uid := tg.Uid()
	s.groupsByUid.Delete(uid.packed())

	// The tgid index may already point at a newer group reusing the id.
	s.groupsByTgid.Update(uint64(uint32(tg.Tgid)), func(cur *TaskGroup, exists bool) (*TaskGroup, bool) {
		if exists && cur == tg {
			return nil, false
		}
		return cur, exists
	})

	tg.destroy()
	GlobalDiagnostics.RecordGroupDestroyed()
	s.log.Debug().Str("tguid", uid.String()).Msg("Task group destroyed")
}

// FindTaskGroup looks a group up by uid.
func (s *Session) FindTaskGroup(uid TaskGroupUid) (*TaskGroup, bool) {
	return s.groupsByUid.Load(uid.packed())
}

// CurrentTaskGroup returns the live group currently carrying the given tgid.
func (s *Session) CurrentTaskGroup(tgid int) (*TaskGroup, bool) {
	return s.groupsByTgid.Load(uint64(uint32(tgid)))
}

// FindTask looks a task up by tid.
func (s *Session) FindTask(tid int) (*Task, bool) {
	return s.tasksByTid.Load(uint64(uint32(tid)))
}

// RangeTaskGroups iterates over all live groups. Iteration stops when f
// returns false.
func (s *Session) RangeTaskGroups(f func(tg *TaskGroup) bool) {
	s.groupsByUid.Range(func(_ uint64, tg *TaskGroup) bool {
		return f(tg)
	})
}

// TaskGroupCount returns the number of live groups.
func (s *Session) TaskGroupCount() int {
	var n int
	s.groupsByUid.Range(func(_ uint64, _ *TaskGroup) bool {
		n++
		return true
	})
	return n
}

// TaskCount returns the number of tracked tasks.
func (s *Session) TaskCount() int {
	var n int
	s.tasksByTid.Range(func(_ uint64, _ *Task) bool {
		n++
		return true
	})
	return n
}

// Shutdown disassociates every live group from the session and clears the
// registry. The groups themselves survive until their members release them;
// after this call they must tolerate a nil session, and no session-level
// lookup will return them again.
func (s *Session) Shutdown() {
	var groups []*TaskGroup
	s.groupsByUid.Range(func(_ uint64, tg *TaskGroup) bool {
		groups = append(groups, tg)
		return true
	})
	for _, tg := range groups {
		tg.ForgetSession()
		s.groupsByUid.Delete(tg.Uid().packed())
		s.groupsByTgid.Update(uint64(uint32(tg.Tgid)), func(cur *TaskGroup, exists bool) (*TaskGroup, bool) {
			if exists && cur == tg {
				return nil, false
			}
			return cur, exists
		})
	}
	s.log.Info().Int("groups", len(groups)).Msg("Session shut down")
}
