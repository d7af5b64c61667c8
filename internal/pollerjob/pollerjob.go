// Package pollerjob implements the non-reentrant per-DTU poll job:
// query through the circuit breaker/retry layer, clamp into the
// production cache, build discovery/state messages and hand them to the
// publisher, and record every step in the health registry. Grounded on
// original_source/hoymiles_mqtt/runners_new.py's DtuQueryJob.
package pollerjob

import (
	"context"
	"sync"
	"time"

	"github.com/Studio729/hoymiles-bridge/internal/discovery"
	"github.com/Studio729/hoymiles-bridge/internal/dtuclient"
	"github.com/Studio729/hoymiles-bridge/internal/model"
	"github.com/Studio729/hoymiles-bridge/internal/productioncache"
	"github.com/Studio729/hoymiles-bridge/internal/recovery"
)

// Result enumerates the outcome of one Execute call.
type Result int

const (
	ResultOK Result = iota
	ResultBusy
	ResultCircuitOpen
	ResultQueryFailed
	ResultPublishFailed
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultBusy:
		return "busy"
	case ResultCircuitOpen:
		return "circuit_open"
	case ResultQueryFailed:
		return "query_failed"
	case ResultPublishFailed:
		return "publish_failed"
	default:
		return "unknown"
	}
}

// Logger is the minimal logging surface the job needs.
type Logger interface {
	Info(format string, v ...interface{})
	Warning(format string, v ...interface{})
	Error(format string, v ...interface{})
}

// Publisher is the minimal publishing surface the job needs, satisfied
// by *mqttpublish.Publisher.
type Publisher interface {
	PublishAll(msgs []model.MqttMessage)
}

// Metrics is the minimal health-recording surface the job needs,
// satisfied by *health.Metrics.
type Metrics interface {
	RecordQuerySuccess(dtuName string, duration time.Duration)
	RecordQueryError(dtuName, errorType, errMsg string)
	UpdateCircuitBreakerState(dtuName string, open bool)
	UpdateInverterMetrics(serial string, port int, power, temperature *float64, status *int)
	UpdateDtuMetrics(dtuName string, power float64, todayWh, totalWh uint32)
}

// DumpSink is the optional raw-snapshot sink, satisfied by
// *dumpsink.Sink.
type DumpSink interface {
	Write(snapshot model.PlantSnapshot)
}

// Job polls one DTU on each tick. A Job is safe to call Execute on
// concurrently with itself: a second call arriving while the first is
// still running returns ResultBusy immediately rather than blocking,
// matching spec.md §4.1's "non-reentrant" contract.
type Job struct {
	dtu       model.DtuConfig
	client    dtuclient.Client
	recoverer *recovery.Recoverer
	cache     *productioncache.Cache
	builder   *discovery.Builder
	publisher Publisher
	metrics   Metrics
	dump      DumpSink
	log       Logger

	running sync.Mutex

	mu         sync.Mutex
	configured bool
}

// New constructs a Job for one configured DTU.
func New(dtu model.DtuConfig, client dtuclient.Client, recoverer *recovery.Recoverer, cache *productioncache.Cache, builder *discovery.Builder, publisher Publisher, metrics Metrics, dump DumpSink, log Logger) *Job {
	return &Job{
		dtu:       dtu,
		client:    client,
		recoverer: recoverer,
		cache:     cache,
		builder:   builder,
		publisher: publisher,
		metrics:   metrics,
		dump:      dump,
		log:       log,
	}
}

// Name returns the DTU's configured name, used as the metrics/log label.
func (j *Job) Name() string { return j.dtu.Name }

// Execute runs one poll of this job's DTU. See spec.md §4.1 for the
// full sequence.
func (j *Job) Execute(ctx context.Context) Result {
	if !j.running.TryLock() {
		j.log.Warning("pollerjob[%s]: previous poll still running, skipping this tick (query_period may be too low)", j.dtu.Name)
		return ResultBusy
	}
	defer j.running.Unlock()

	start := time.Now()
	breakerName := "dtu_" + j.dtu.Name

	var snapshot model.PlantSnapshot
	err := j.recoverer.Execute(breakerName, func() error {
		s, qerr := j.client.Query(ctx)
		if qerr != nil {
			return qerr
		}
		snapshot = s
		return nil
	})

	breakerOpen := j.recoverer.Breaker(breakerName).IsOpen()
	j.metrics.UpdateCircuitBreakerState(j.dtu.Name, breakerOpen)

	if err != nil {
		if err == recovery.ErrOpen {
			j.log.Warning("pollerjob[%s]: circuit breaker open, skipping poll", j.dtu.Name)
			j.metrics.RecordQueryError(j.dtu.Name, "circuit_open", err.Error())
			return ResultCircuitOpen
		}
		j.log.Warning("pollerjob[%s]: query failed: %v", j.dtu.Name, err)
		j.metrics.RecordQueryError(j.dtu.Name, "query_error", err.Error())
		return ResultQueryFailed
	}

	duration := time.Since(start)
	j.metrics.RecordQuerySuccess(j.dtu.Name, duration)

	if j.dump != nil {
		j.dump.Write(snapshot)
	}

	j.cache.Apply(&snapshot)

	j.mu.Lock()
	firstTick := !j.configured
	j.mu.Unlock()

	var messages []model.MqttMessage
	if firstTick {
		messages = append(messages, j.builder.ConfigMessages(snapshot)...)
	}
	messages = append(messages, j.builder.StateMessages(snapshot)...)

	j.publisher.PublishAll(messages)

	if firstTick {
		j.mu.Lock()
		j.configured = true
		j.mu.Unlock()
	}

	j.recordInverterMetrics(snapshot)
	j.metrics.UpdateDtuMetrics(j.dtu.Name, float64(snapshot.PvPowerW), snapshot.TodayWh, snapshot.TotalWh)

	return ResultOK
}

func (j *Job) recordInverterMetrics(snapshot model.PlantSnapshot) {
	for _, inv := range snapshot.Inverters {
		temp := float64(inv.TemperatureC)
		status := int(inv.OperatingStatus)
		power := float64(inv.PvPowerW)
		j.metrics.UpdateInverterMetrics(inv.Serial, int(inv.Port), &power, &temp, &status)
	}
}
