// Package coordinator fans out one poll per configured DTU on every
// tick and performs the exactly-once daily reset check before the
// fan-out, per spec.md §4.2. Grounded on
// original_source/hoymiles_mqtt/runners_new.py's MultiDtuCoordinator.
package coordinator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Studio729/hoymiles-bridge/internal/pollerjob"
	"github.com/Studio729/hoymiles-bridge/internal/productioncache"
)

// Clock supplies the current time in a named IANA zone; injectable so
// day-boundary tests don't depend on wall-clock time.
type Clock interface {
	NowIn(zone string) (time.Time, error)
}

// Logger is the minimal logging surface the coordinator needs.
type Logger interface {
	Info(format string, v ...interface{})
	Warning(format string, v ...interface{})
}

// Coordinator owns every DtuPollJob for the process's lifetime and
// drives them one tick at a time.
type Coordinator struct {
	jobs      []*pollerjob.Job
	cache     *productioncache.Cache
	clock     Clock
	log       Logger
	resetHour int
	timezone  string

	lastResetDay int // -1 until the first check runs
}

// New builds a Coordinator over jobs, sharing one ProductionCache clear
// across all of them (spec.md §4.2/§4.3: one cache, cleared atomically
// for every job on the configured reset hour).
func New(jobs []*pollerjob.Job, cache *productioncache.Cache, clock Clock, resetHour int, timezone string, log Logger) *Coordinator {
	return &Coordinator{
		jobs:         jobs,
		cache:        cache,
		clock:        clock,
		log:          log,
		resetHour:    resetHour,
		timezone:     timezone,
		lastResetDay: -1,
	}
}

// dayBoundaryCheck clears today's production counters exactly once per
// calendar day in the configured zone, the first tick whose local hour
// matches resetHour. Robust to poll-period/reset-hour misalignment: the
// check runs on every tick, but only the first tick inside the hour
// fires the clear.
func (c *Coordinator) dayBoundaryCheck() {
	now, err := c.clock.NowIn(c.timezone)
	if err != nil {
		c.log.Warning("coordinator: resolving timezone %q: %v", c.timezone, err)
		return
	}
	if now.Hour() != c.resetHour {
		return
	}
	if now.Day() == c.lastResetDay {
		return
	}
	c.cache.ClearToday()
	c.lastResetDay = now.Day()
	c.log.Info("coordinator: daily production counters reset (local day %d, hour %d, zone %s)", now.Day(), c.resetHour, c.timezone)
}

// ExecuteAll runs the day-boundary check, then dispatches one poll per
// DTU concurrently and waits for all of them to finish. Each job's
// failure is independent: errgroup.Go never short-circuits the
// remaining jobs because Job.Execute itself never returns a Go error,
// only a pollerjob.Result.
func (c *Coordinator) ExecuteAll(ctx context.Context) map[string]pollerjob.Result {
	c.dayBoundaryCheck()

	results := make(map[string]pollerjob.Result, len(c.jobs))
	resultCh := make(chan struct {
		name   string
		result pollerjob.Result
	}, len(c.jobs))

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range c.jobs {
		job := job
		g.Go(func() error {
			r := job.Execute(gctx)
			resultCh <- struct {
				name   string
				result pollerjob.Result
			}{job.Name(), r}
			return nil
		})
	}
	g.Wait()
	close(resultCh)

	for entry := range resultCh {
		results[entry.name] = entry.result
	}
	return results
}
