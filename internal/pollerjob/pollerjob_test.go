package pollerjob

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Studio729/hoymiles-bridge/internal/discovery"
	"github.com/Studio729/hoymiles-bridge/internal/dtuclient"
	"github.com/Studio729/hoymiles-bridge/internal/model"
	"github.com/Studio729/hoymiles-bridge/internal/productioncache"
	"github.com/Studio729/hoymiles-bridge/internal/recovery"
)

type nullLogger struct{ mu sync.Mutex; lines []string }

func (n *nullLogger) Info(format string, v ...interface{})    { n.add(format) }
func (n *nullLogger) Warning(format string, v ...interface{}) { n.add(format) }
func (n *nullLogger) Error(format string, v ...interface{})   { n.add(format) }
func (n *nullLogger) add(s string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lines = append(n.lines, s)
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []model.MqttMessage
}

func (p *fakePublisher) PublishAll(msgs []model.MqttMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msgs...)
}

type fakeMetrics struct {
	mu            sync.Mutex
	successes     int
	errors        int
	breakerStates map[string]bool
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{breakerStates: make(map[string]bool)}
}
func (m *fakeMetrics) RecordQuerySuccess(dtuName string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes++
}
func (m *fakeMetrics) RecordQueryError(dtuName, errorType, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}
func (m *fakeMetrics) UpdateCircuitBreakerState(dtuName string, open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakerStates[dtuName] = open
}
func (m *fakeMetrics) UpdateInverterMetrics(serial string, port int, power, temperature *float64, status *int) {
}
func (m *fakeMetrics) UpdateDtuMetrics(dtuName string, power float64, todayWh, totalWh uint32) {}

func testSnapshot() model.PlantSnapshot {
	return model.PlantSnapshot{
		DtuSerial: "DTU1",
		PvPowerW:  500,
		Inverters: []model.InverterReading{
			{Serial: "INV1", Port: 1, OperatingStatus: 1, TodayWh: 100, TotalWh: 1000},
		},
	}
}

func newJob(client dtuclient.Client, pub Publisher, metrics Metrics) *Job {
	cache := productioncache.New(nil, &nullLogger{})
	builder := discovery.NewBuilder("homeassistant", "DTU", []string{"grid_voltage"}, []string{"pv_power", "today_production"}, nil, 600, nil, nil)
	recoverer := recovery.NewRecoverer(recovery.Config{CircuitBreakerThreshold: 3, CircuitBreakerTimeoutS: 1})
	dtu := model.DtuConfig{Name: "roof", Host: "10.0.0.1", Port: 502, UnitID: 1}
	return New(dtu, client, recoverer, cache, builder, pub, metrics, nil, &nullLogger{})
}

func TestExecuteSuccessPublishesDiscoveryOnFirstTickOnly(t *testing.T) {
	client := &dtuclient.Fake{Snapshots: []model.PlantSnapshot{testSnapshot(), testSnapshot()}}
	pub := &fakePublisher{}
	metrics := newFakeMetrics()
	job := newJob(client, pub, metrics)

	res := job.Execute(context.Background())
	assert.Equal(t, ResultOK, res)

	var configCount int
	for _, m := range pub.msgs {
		if m.Retain {
			configCount++
		}
	}
	assert.Positive(t, configCount, "expected discovery config messages on first tick")

	pub.msgs = nil
	res = job.Execute(context.Background())
	assert.Equal(t, ResultOK, res)
	for _, m := range pub.msgs {
		assert.False(t, m.Retain, "second tick must not re-emit retained config messages")
	}
}

func TestExecuteBusyWhenAlreadyRunning(t *testing.T) {
	client := &dtuclient.Fake{Snapshots: []model.PlantSnapshot{testSnapshot()}}
	pub := &fakePublisher{}
	metrics := newFakeMetrics()
	job := newJob(client, pub, metrics)

	require.True(t, job.running.TryLock())
	res := job.Execute(context.Background())
	assert.Equal(t, ResultBusy, res)
	job.running.Unlock()
}

func TestExecuteQueryFailedRecordsError(t *testing.T) {
	client := &dtuclient.Fake{Errs: []error{errors.New("timeout")}}
	pub := &fakePublisher{}
	metrics := newFakeMetrics()
	job := newJob(client, pub, metrics)

	res := job.Execute(context.Background())
	assert.Equal(t, ResultQueryFailed, res)
	assert.Equal(t, 1, metrics.errors)
	assert.Empty(t, pub.msgs)
}

func TestExecuteCircuitOpenAfterThreshold(t *testing.T) {
	client := &dtuclient.Fake{Errs: []error{errors.New("x"), errors.New("x"), errors.New("x")}}
	pub := &fakePublisher{}
	metrics := newFakeMetrics()
	job := newJob(client, pub, metrics)

	for i := 0; i < 3; i++ {
		res := job.Execute(context.Background())
		assert.Equal(t, ResultQueryFailed, res)
	}
	res := job.Execute(context.Background())
	assert.Equal(t, ResultCircuitOpen, res)
	assert.True(t, metrics.breakerStates["roof"])
}
