package tracer

import (
	"fmt"

	"github.com/prometheus/procfs"

	"retrace/internal/logger"

	"github.com/phuslu/log"
)

// ThreadInfo is a snapshot of one thread's metadata.
type ThreadInfo struct {
	Tid   int
	Name  string
	State string
}

// ThreadInfoService answers per-thread metadata queries for one task group by
// reading procfs in the tracer's environment. A group creates its service
// lazily on the first query and owns it exclusively; it is closed exactly
// once, when the group is destroyed, and never shared with another group.
type ThreadInfoService struct {
	uid  TaskGroupUid
	tgid int // queried identity: the group's RealTgid

	fs       procfs.FS
	fsInited bool
	closed   bool

	log log.Logger
}

func newThreadInfoService(uid TaskGroupUid, realTgid int) *ThreadInfoService {
	s := &ThreadInfoService{
		uid:  uid,
		tgid: realTgid,
		log:  logger.NewLoggerWithContext("thread_info"),
	}
	s.log.Debug().Str("tguid", uid.String()).Int("tgid", realTgid).
		Msg("Thread info service created")
	return s
}

// mount resolves the procfs handle on first use.
func (s *ThreadInfoService) mount() error {
	if s.closed {
		return fmt.Errorf("thread info service for group %s is closed", s.uid)
	}
	if s.fsInited {
		return nil
	}
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return fmt.Errorf("mounting procfs for group %s: %w", s.uid, err)
	}
	s.fs = fs
	s.fsInited = true
	return nil
}

// Threads enumerates the group's current threads.
func (s *ThreadInfoService) Threads() ([]ThreadInfo, error) {
	if err := s.mount(); err != nil {
		return nil, err
	}
	procs, err := s.fs.AllThreads(s.tgid)
	if err != nil {
		return nil, fmt.Errorf("enumerating threads of tgid %d: %w", s.tgid, err)
	}
	out := make([]ThreadInfo, 0, len(procs))
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			// The thread can vanish between the readdir and the stat read;
			// skip it rather than failing the whole enumeration.
			s.log.Debug().Int("tid", p.PID).Err(err).Msg("Thread vanished during enumeration")
			continue
		}
		out = append(out, ThreadInfo{Tid: p.PID, Name: stat.Comm, State: stat.State})
	}
	return out, nil
}

// Thread returns metadata for a single member thread.
func (s *ThreadInfoService) Thread(tid int) (ThreadInfo, error) {
	if err := s.mount(); err != nil {
		return ThreadInfo{}, err
	}
	p, err := s.fs.Thread(s.tgid, tid)
	if err != nil {
		return ThreadInfo{}, fmt.Errorf("opening thread %d of tgid %d: %w", tid, s.tgid, err)
	}
	stat, err := p.Stat()
	if err != nil {
		return ThreadInfo{}, fmt.Errorf("reading stat of thread %d: %w", tid, err)
	}
	return ThreadInfo{Tid: tid, Name: stat.Comm, State: stat.State}, nil
}

// Closed reports whether the owning group has released the service. Visible
// so collaborators holding a stale handle can detect teardown.
func (s *ThreadInfoService) Closed() bool {
	return s.closed
}

// Close releases the service. Called exactly once, by the owning group's
// destroy path.
func (s *ThreadInfoService) Close() {
	s.closed = true
	s.log.Debug().Str("tguid", s.uid.String()).Msg("Thread info service closed")
}
