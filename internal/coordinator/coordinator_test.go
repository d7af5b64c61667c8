package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Studio729/hoymiles-bridge/internal/discovery"
	"github.com/Studio729/hoymiles-bridge/internal/dtuclient"
	"github.com/Studio729/hoymiles-bridge/internal/model"
	"github.com/Studio729/hoymiles-bridge/internal/pollerjob"
	"github.com/Studio729/hoymiles-bridge/internal/productioncache"
	"github.com/Studio729/hoymiles-bridge/internal/recovery"
)

type nullLogger struct{}

func (nullLogger) Info(format string, v ...interface{})    {}
func (nullLogger) Warning(format string, v ...interface{}) {}
func (nullLogger) Error(format string, v ...interface{})   {}

type discardPublisher struct{}

func (discardPublisher) PublishAll(msgs []model.MqttMessage) {}

type discardMetrics struct{}

func (discardMetrics) RecordQuerySuccess(dtuName string, duration time.Duration)  {}
func (discardMetrics) RecordQueryError(dtuName, errorType, errMsg string)         {}
func (discardMetrics) UpdateCircuitBreakerState(dtuName string, open bool)        {}
func (discardMetrics) UpdateInverterMetrics(serial string, port int, power, temperature *float64, status *int) {
}
func (discardMetrics) UpdateDtuMetrics(dtuName string, power float64, todayWh, totalWh uint32) {}

func fixedClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

type fakeClock struct{ now time.Time }

func (f *fakeClock) NowIn(zone string) (time.Time, error) { return f.now, nil }

func newJobNamed(name string) *pollerjob.Job {
	cache := productioncache.New(nil, nullLogger{})
	builder := discovery.NewBuilder("homeassistant", name, nil, nil, nil, 0, nil, nil)
	recoverer := recovery.NewRecoverer(recovery.Config{CircuitBreakerThreshold: 3, CircuitBreakerTimeoutS: 1})
	client := &dtuclient.Fake{Snapshots: []model.PlantSnapshot{{DtuSerial: name}}}
	dtu := model.DtuConfig{Name: name, Host: "10.0.0.1", Port: 502, UnitID: 1}
	return pollerjob.New(dtu, client, recoverer, cache, builder, discardPublisher{}, discardMetrics{}, nil, nullLogger{})
}

func TestExecuteAllRunsEveryJobIndependently(t *testing.T) {
	jobs := []*pollerjob.Job{newJobNamed("a"), newJobNamed("b"), newJobNamed("c")}
	cache := productioncache.New(nil, nullLogger{})
	c := New(jobs, cache, fixedClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)), 23, "UTC", nullLogger{})

	results := c.ExecuteAll(context.Background())
	require.Len(t, results, 3)
	for _, name := range []string{"a", "b", "c"} {
		assert.Equal(t, pollerjob.ResultOK, results[name])
	}
}

func TestDayBoundaryCheckFiresOnceAtResetHour(t *testing.T) {
	clk := fixedClock(time.Date(2026, 1, 1, 23, 0, 7, 0, time.UTC))
	cache := productioncache.New(nil, nullLogger{})
	snap := model.PlantSnapshot{Inverters: []model.InverterReading{{Serial: "S", Port: 1, OperatingStatus: 1, TodayWh: 500, TotalWh: 12000}}}
	cache.Apply(&snap)

	c := New(nil, cache, clk, 23, "UTC", nullLogger{})

	c.ExecuteAll(context.Background())
	entry := cache.Snapshot()[model.CacheKey{Serial: "S", Port: 1}]
	assert.Equal(t, uint32(0), entry.TodayWh, "first tick inside reset hour must clear today")
	assert.Equal(t, uint32(12000), entry.TotalWh)

	// Re-seed today, then tick again within the same hour/day: must NOT clear again.
	snap2 := model.PlantSnapshot{Inverters: []model.InverterReading{{Serial: "S", Port: 1, OperatingStatus: 1, TodayWh: 300, TotalWh: 12000}}}
	cache.Apply(&snap2)
	clk.now = time.Date(2026, 1, 1, 23, 1, 12, 0, time.UTC)
	c.ExecuteAll(context.Background())
	entry = cache.Snapshot()[model.CacheKey{Serial: "S", Port: 1}]
	assert.Equal(t, uint32(300), entry.TodayWh, "second tick in the same hour must not clear again")

	// Next day, same hour: must clear once more.
	clk.now = time.Date(2026, 1, 2, 23, 0, 4, 0, time.UTC)
	c.ExecuteAll(context.Background())
	entry = cache.Snapshot()[model.CacheKey{Serial: "S", Port: 1}]
	assert.Equal(t, uint32(0), entry.TodayWh)
}
