package plugins

import (
	"fmt"

	"github.com/relaybot-dev/relaybot/internal/scheduler"
)

// PluginScheduler gives a single plugin its own namespace over the
// shared cron dispatcher: job ids are prefixed with the plugin's name
// so two plugins scheduling a job named "sync" never collide, and
// RemoveAll lets onUnload release exactly this plugin's jobs and no
// others.
type PluginScheduler struct {
	sched      *scheduler.Scheduler
	pluginName string
	jobNames   map[string]struct{}
}

func newPluginScheduler(sched *scheduler.Scheduler, pluginName string) *PluginScheduler {
	return &PluginScheduler{sched: sched, pluginName: pluginName, jobNames: make(map[string]struct{})}
}

func (ps *PluginScheduler) namespaced(jobName string) string {
	return fmt.Sprintf("%s:%s", ps.pluginName, jobName)
}

// Register schedules jobName under this plugin's namespace. The caller
// is responsible for having already durably recorded the job's
// existence (persistence discipline, spec.md §4.7) before calling this.
func (ps *PluginScheduler) Register(jobName, cronExpr, tz string, handler func()) bool {
	id := ps.namespaced(jobName)
	ok := ps.sched.Register(id, cronExpr, handler, tz)
	if ok {
		ps.jobNames[jobName] = struct{}{}
	}
	return ok
}

// Cancel stops and removes jobName from this plugin's namespace.
func (ps *PluginScheduler) Cancel(jobName string) bool {
	ok := ps.sched.Cancel(ps.namespaced(jobName))
	delete(ps.jobNames, jobName)
	return ok
}

// RemoveAll cancels every job this plugin instance has registered;
// called from the registry around OnUnload.
func (ps *PluginScheduler) RemoveAll() {
	for jobName := range ps.jobNames {
		ps.sched.Cancel(ps.namespaced(jobName))
	}
	ps.jobNames = make(map[string]struct{})
}
