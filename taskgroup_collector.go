package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"retrace/internal/tracer"
)

// TaskGroupCollector implements prometheus.Collector over the session
// registry and the tracer diagnostics counters.
type TaskGroupCollector struct {
	session *tracer.Session

	groupsDesc           *prometheus.Desc
	tasksDesc            *prometheus.Desc
	groupsCreatedDesc    *prometheus.Desc
	groupsDestroyedDesc  *prometheus.Desc
	destabilizationsDesc *prometheus.Desc
	waitsDesc            *prometheus.Desc
}

// NewTaskGroupCollector creates a collector reading from the given session.
func NewTaskGroupCollector(session *tracer.Session) *TaskGroupCollector {
	return &TaskGroupCollector{
		session: session,

		groupsDesc: prometheus.NewDesc(
			"retrace_task_groups",
			"Number of live task groups, by scheduling stability.",
			[]string{"stability"}, nil,
		),
		tasksDesc: prometheus.NewDesc(
			"retrace_tasks",
			"Number of tracked tasks.",
			nil, nil,
		),
		groupsCreatedDesc: prometheus.NewDesc(
			"retrace_task_groups_created_total",
			"Task groups created since the tracer started.",
			nil, nil,
		),
		groupsDestroyedDesc: prometheus.NewDesc(
			"retrace_task_groups_destroyed_total",
			"Task groups destroyed since the tracer started.",
			nil, nil,
		),
		destabilizationsDesc: prometheus.NewDesc(
			"retrace_task_group_destabilizations_total",
			"One-way stable-to-unstable transitions, one per affected group.",
			nil, nil,
		),
		waitsDesc: prometheus.NewDesc(
			"retrace_waits_total",
			"Blocking waits issued by the scheduler, by wait mode.",
			[]string{"mode"}, nil,
		),
	}
}

// Describe sends the descriptors of all metrics to the provided channel.
func (c *TaskGroupCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.groupsDesc
	ch <- c.tasksDesc
	ch <- c.groupsCreatedDesc
	ch <- c.groupsDestroyedDesc
	ch <- c.destabilizationsDesc
	ch <- c.waitsDesc
}

// Collect builds the metrics on each scrape.
func (c *TaskGroupCollector) Collect(ch chan<- prometheus.Metric) {
	var stable, unstable float64
	c.session.RangeTaskGroups(func(tg *tracer.TaskGroup) bool {
		if tg.Stability() == tracer.Stable {
			stable++
		} else {
			unstable++
		}
		return true
	})
	ch <- prometheus.MustNewConstMetric(c.groupsDesc, prometheus.GaugeValue, stable, "stable")
	ch <- prometheus.MustNewConstMetric(c.groupsDesc, prometheus.GaugeValue, unstable, "unstable")
	ch <- prometheus.MustNewConstMetric(c.tasksDesc, prometheus.GaugeValue, float64(c.session.TaskCount()))

	snap := tracer.GlobalDiagnostics.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.groupsCreatedDesc, prometheus.CounterValue, float64(snap.GroupsCreated))
	ch <- prometheus.MustNewConstMetric(c.groupsDestroyedDesc, prometheus.CounterValue, float64(snap.GroupsDestroyed))
	ch <- prometheus.MustNewConstMetric(c.destabilizationsDesc, prometheus.CounterValue, float64(snap.Destabilizations))
	ch <- prometheus.MustNewConstMetric(c.waitsDesc, prometheus.CounterValue, float64(snap.SpecificWaits), "specific")
	ch <- prometheus.MustNewConstMetric(c.waitsDesc, prometheus.CounterValue, float64(snap.WildcardWaits), "wildcard")
}
