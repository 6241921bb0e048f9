package tracer

import "sync/atomic"

// Diagnostics holds hot-path counters for the tracer core. They are written
// from the control goroutine and read by the telemetry scrape path, so every
// field is atomic. This is monitoring state only; no scheduling decision
// reads it.
type Diagnostics struct {
	groupsCreated    atomic.Uint64
	groupsDestroyed  atomic.Uint64
	destabilizations atomic.Uint64
	tasksTracked     atomic.Uint64
	tasksUntracked   atomic.Uint64
	specificWaits    atomic.Uint64
	wildcardWaits    atomic.Uint64
}

// GlobalDiagnostics is the singleton instance for all diagnostic counters.
var GlobalDiagnostics = &Diagnostics{}

func (d *Diagnostics) RecordGroupCreated()    { d.groupsCreated.Add(1) }
func (d *Diagnostics) RecordGroupDestroyed()  { d.groupsDestroyed.Add(1) }
func (d *Diagnostics) RecordDestabilization() { d.destabilizations.Add(1) }
func (d *Diagnostics) RecordTaskTracked()     { d.tasksTracked.Add(1) }
func (d *Diagnostics) RecordTaskUntracked()   { d.tasksUntracked.Add(1) }
func (d *Diagnostics) RecordSpecificWait()    { d.specificWaits.Add(1) }
func (d *Diagnostics) RecordWildcardWait()    { d.wildcardWaits.Add(1) }

// DiagnosticsSnapshot is a point-in-time copy of all counters.
type DiagnosticsSnapshot struct {
	GroupsCreated    uint64
	GroupsDestroyed  uint64
	Destabilizations uint64
	TasksTracked     uint64
	TasksUntracked   uint64
	SpecificWaits    uint64
	WildcardWaits    uint64
}

// Snapshot returns a copy of the current counter values.
func (d *Diagnostics) Snapshot() DiagnosticsSnapshot {
	return DiagnosticsSnapshot{
		GroupsCreated:    d.groupsCreated.Load(),
		GroupsDestroyed:  d.groupsDestroyed.Load(),
		Destabilizations: d.destabilizations.Load(),
		TasksTracked:     d.tasksTracked.Load(),
		TasksUntracked:   d.tasksUntracked.Load(),
		SpecificWaits:    d.specificWaits.Load(),
		WildcardWaits:    d.wildcardWaits.Load(),
	}
}
