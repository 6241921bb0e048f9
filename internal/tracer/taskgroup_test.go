package tracer

import (
	"math/rand"
	"testing"
)

// addMember is a helper that keeps a group alive by giving it one task.
func addMember(s *Session, tg *TaskGroup, tid int) *Task {
	return s.CreateTask(tg, tid, tid)
}

func TestHierarchyScenario(t *testing.T) {
	// Create root group (tgid=100), child group (tgid=101, parent=root),
	// destabilize the child, then destroy the root.
	s := NewSession()

	root := s.CreateTaskGroup(nil, 100, 100)
	rootTask := addMember(s, root, 100)

	child := s.CreateTaskGroup(root, 101, 101)
	addMember(s, child, 101)

	if got := root.Uid(); got.Tgid != 100 || got.Serial != 1 {
		t.Fatalf("root uid = %v; want 100/1", got)
	}
	if got := child.Uid(); got.Tgid != 101 || got.Serial != 2 {
		t.Fatalf("child uid = %v; want 101/2", got)
	}

	child.Destabilize()

	kids := root.Children()
	if len(kids) != 1 || kids[0] != child {
		t.Fatalf("root.Children() = %v; want exactly the child", kids)
	}
	if child.Stability() != Unstable {
		t.Error("child should be unstable after Destabilize")
	}
	if root.Stability() != Stable {
		t.Error("root must stay stable when a child destabilizes")
	}

	// Destroy the root by removing its last member.
	s.UntrackTask(rootTask)

	if child.Parent() != nil {
		t.Error("child.Parent() should be nil after root destruction")
	}
	if _, alive := s.FindTaskGroup(TaskGroupUid{Tgid: 100, Serial: 1}); alive {
		t.Error("destroyed root still resolvable through the session")
	}
	if _, alive := s.FindTaskGroup(child.Uid()); !alive {
		t.Error("child must remain resolvable after orphaning")
	}
}

func TestDestabilizeIdempotentAndIrreversible(t *testing.T) {
	s := NewSession()
	tg := s.CreateTaskGroup(nil, 200, 200)
	addMember(s, tg, 200)
	addMember(s, tg, 201)

	before := GlobalDiagnostics.Snapshot().Destabilizations
	for i := 0; i < 5; i++ {
		tg.Destabilize()
		if tg.Stability() != Unstable {
			t.Fatalf("stability = %v after %d calls; want Unstable", tg.Stability(), i+1)
		}
	}
	if got := GlobalDiagnostics.Snapshot().Destabilizations - before; got != 1 {
		t.Errorf("destabilization recorded %d times; want 1", got)
	}

	// No operation on the group may revert it.
	addMember(s, tg, 202)
	tg.ForgetSession()
	if tg.Stability() != Unstable {
		t.Error("stability reverted; the transition must be one-way")
	}
}

func TestDestabilizeMarksAllMembers(t *testing.T) {
	s := NewSession()
	tg := s.CreateTaskGroup(nil, 300, 300)
	tasks := []*Task{
		addMember(s, tg, 300),
		addMember(s, tg, 301),
		addMember(s, tg, 302),
	}

	for _, task := range tasks {
		if task.Unstable() {
			t.Fatalf("task %d unstable before destabilization", task.Tid)
		}
	}

	tg.Destabilize()

	for _, task := range tasks {
		if !task.Unstable() {
			t.Errorf("task %d not marked unstable", task.Tid)
		}
	}

	// A member joining after the transition inherits the classification.
	late := addMember(s, tg, 303)
	if !late.Unstable() {
		t.Error("member added to an unstable group must start unstable")
	}
}

func TestOrphaningOnDestroy(t *testing.T) {
	s := NewSession()
	parent := s.CreateTaskGroup(nil, 400, 400)
	parentTask := addMember(s, parent, 400)

	var kids []*TaskGroup
	for i := 0; i < 3; i++ {
		kid := s.CreateTaskGroup(parent, 410+i, 410+i)
		addMember(s, kid, 410+i)
		kids = append(kids, kid)
	}

	s.UntrackTask(parentTask)

	for _, kid := range kids {
		if kid.Parent() != nil {
			t.Errorf("group %v still has a parent after orphaning", kid.Uid())
		}
	}
	// No surviving group may list a former child.
	s.RangeTaskGroups(func(tg *TaskGroup) bool {
		for _, c := range tg.Children() {
			for _, kid := range kids {
				if c == kid {
					t.Errorf("group %v still appears in %v's children", kid.Uid(), tg.Uid())
				}
			}
		}
		return true
	})
}

func TestBidirectionalHierarchyConsistency(t *testing.T) {
	s := NewSession()
	r := rand.New(rand.NewSource(7))

	type node struct {
		tg   *TaskGroup
		task *Task
	}
	var live []node

	check := func() {
		s.RangeTaskGroups(func(tg *TaskGroup) bool {
			for _, c := range tg.Children() {
				if c.Parent() != tg {
					t.Fatalf("child %v of %v points at wrong parent", c.Uid(), tg.Uid())
				}
			}
			if p := tg.Parent(); p != nil {
				found := false
				for _, c := range p.Children() {
					if c == tg {
						found = true
					}
				}
				if !found {
					t.Fatalf("group %v missing from its parent's children", tg.Uid())
				}
			}
			return true
		})
	}

	nextTgid := 1000
	for i := 0; i < 500; i++ {
		if len(live) == 0 || r.Intn(3) != 0 {
			var parent *TaskGroup
			if len(live) > 0 && r.Intn(2) == 0 {
				parent = live[r.Intn(len(live))].tg
			}
			tg := s.CreateTaskGroup(parent, nextTgid, nextTgid)
			task := addMember(s, tg, nextTgid)
			live = append(live, node{tg, task})
			nextTgid++
		} else {
			idx := r.Intn(len(live))
			s.UntrackTask(live[idx].task)
			live = append(live[:idx], live[idx+1:]...)
		}
		check()
	}
}

func TestUidUniquenessProperty(t *testing.T) {
	s := NewSession()
	r := rand.New(rand.NewSource(42))

	type entry struct {
		task *Task
		uid  TaskGroupUid
	}
	var live []entry
	everSeen := make(map[TaskGroupUid]bool)

	// Reuse a small tgid space aggressively so uniqueness has to come from
	// the serial, the way real pid reuse exercises it.
	for i := 0; i < 2000; i++ {
		if len(live) == 0 || r.Intn(2) == 0 {
			tgid := 500 + r.Intn(8)
			tg := s.CreateTaskGroup(nil, tgid, tgid)
			task := addMember(s, tg, 10000+i)
			uid := tg.Uid()
			if everSeen[uid] {
				t.Fatalf("uid %v assigned twice in one session", uid)
			}
			everSeen[uid] = true
			for _, e := range live {
				if e.uid == uid {
					t.Fatalf("uid %v collides with a simultaneously-alive group", uid)
				}
			}
			live = append(live, entry{task, uid})
		} else {
			idx := r.Intn(len(live))
			s.UntrackTask(live[idx].task)
			live = append(live[:idx], live[idx+1:]...)
		}
	}
}

func TestLazyThreadInfoSingleton(t *testing.T) {
	s := NewSession()
	tg := s.CreateTaskGroup(nil, 600, 600)
	task := addMember(s, tg, 600)

	first := tg.ThreadInfo()
	if first == nil {
		t.Fatal("ThreadInfo returned nil")
	}
	if second := tg.ThreadInfo(); second != first {
		t.Error("consecutive ThreadInfo calls returned different instances")
	}
	if first.Closed() {
		t.Error("service reports closed while the group is alive")
	}

	// Thread-info existence and stability are independent axes.
	tg.Destabilize()
	if tg.ThreadInfo() != first {
		t.Error("destabilization must not touch the thread info service")
	}

	s.UntrackTask(task)
	if !first.Closed() {
		t.Error("service not released on group destruction")
	}
}

func TestForgetSessionDegradesGracefully(t *testing.T) {
	s := NewSession()
	tg := s.CreateTaskGroup(nil, 700, 700)
	addMember(s, tg, 700)

	if tg.Session() != s {
		t.Fatal("Session() should return the owner before ForgetSession")
	}

	s.Shutdown()

	if tg.Session() != nil {
		t.Error("Session() should be nil after shutdown")
	}
	if _, found := s.FindTaskGroup(tg.Uid()); found {
		t.Error("forgotten group still resolvable through the session")
	}
	// Accessors must not fault on a forgotten group.
	_ = tg.Uid()
	_ = tg.Parent()
	_ = tg.Children()
	_ = tg.Stability()
	tg.Destabilize()
	if tg.Stability() != Unstable {
		t.Error("Destabilize must keep working on a forgotten group")
	}
}

func TestTgidReuse(t *testing.T) {
	s := NewSession()

	old := s.CreateTaskGroup(nil, 800, 800)
	oldTask := addMember(s, old, 800)
	oldUid := old.Uid()

	s.UntrackTask(oldTask)

	// The kernel hands the tgid out again.
	reborn := s.CreateTaskGroup(nil, 800, 800)
	addMember(s, reborn, 800)

	if reborn.Uid() == oldUid {
		t.Fatal("reused tgid produced an identical uid")
	}
	cur, ok := s.CurrentTaskGroup(800)
	if !ok || cur != reborn {
		t.Error("CurrentTaskGroup should resolve to the newer incarnation")
	}
}
