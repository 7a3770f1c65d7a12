// Package scheduler implements the Scheduler (C7): a thin, namespaced
// wrapper over a single shared cron instance. The scheduler itself owns
// no durable state — persistence of a job's existence is the
// registering plugin's responsibility, enforced by the contract rather
// than by this package.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaybot-dev/relaybot/internal/logger"
)

// Job is the public shape returned by List.
type Job struct {
	ID       string
	CronExpr string
	Timezone string
	NextFire time.Time
}

type entry struct {
	id       cron.EntryID
	cronExpr string
	timezone string
}

// Scheduler wraps a cron.Cron instance, tracking caller-chosen ids so
// jobs can be replaced or cancelled by name instead of by the library's
// own sequential EntryID. Per-job timezone rides on the cron library's
// own "CRON_TZ=<zone> <expr>" spec prefix, so a single shared dispatcher
// can mix jobs across timezones.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]entry
}

// New constructs a Scheduler and starts its background dispatcher.
// Call Stop to halt it during shutdown.
func New() *Scheduler {
	s := &Scheduler{
		cron:    cron.New(),
		entries: make(map[string]entry),
	}
	s.cron.Start()
	return s
}

// Stop halts the dispatcher. In-flight handlers are allowed to finish;
// Stop does not wait for them since handlers run on independent tasks
// by contract.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// Register schedules handler to run at the times cronExpr (a standard
// 5-field expression) describes, in the given IANA timezone, replacing
// any existing job with the same id. Timezone validity is checked by
// attempting to format the current time in it; an invalid timezone or
// cron expression rejects the registration and returns false.
func (s *Scheduler) Register(id, cronExpr string, handler func(), tz string) bool {
	log := logger.Scheduler()

	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn().Str("job", id).Str("tz", tz).Err(err).Msg("rejecting job: invalid timezone")
		return false
	}
	_ = time.Now().In(loc).Format(time.RFC3339) // the validity check the spec asks for

	spec := fmt.Sprintf("CRON_TZ=%s %s", tz, cronExpr)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[id]; ok {
		s.cron.Remove(existing.id)
		delete(s.entries, id)
	}

	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("job", id).Interface("panic", r).Msg("scheduled job panicked")
			}
		}()
		// handlers run on cron's own per-firing goroutine and must not
		// block the dispatcher, so no further "go" wrapping is needed.
		handler()
	}

	entryID, err := s.cron.AddFunc(spec, wrapped)
	if err != nil {
		log.Warn().Str("job", id).Str("cron", cronExpr).Err(err).Msg("rejecting job: invalid cron expression")
		return false
	}

	s.entries[id] = entry{id: entryID, cronExpr: cronExpr, timezone: tz}
	log.Info().Str("job", id).Str("cron", cronExpr).Str("tz", tz).Msg("registered job")
	return true
}

// Cancel stops and removes a job by id; returns false if no such job
// exists.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	delete(s.entries, id)
	return true
}

// List returns the currently registered jobs with their next fire time.
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.entries))
	for id, e := range s.entries {
		ent := s.cron.Entry(e.id)
		out = append(out, Job{ID: id, CronExpr: e.cronExpr, Timezone: e.timezone, NextFire: ent.Next})
	}
	return out
}
