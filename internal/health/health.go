// Package health is the thread-safe metrics registry shared by every
// poller and the HTTP layer. Metric names, labels and the
// copy-under-lock-then-format shape of GetHealthStatus are grounded on
// original_source/hoymiles_mqtt/health.py's module-level Prometheus
// declarations and HealthMetrics class, ported onto
// github.com/prometheus/client_golang in place of the teacher's
// hand-rolled text metrics.go builder.
package health

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Studio729/hoymiles-bridge/internal/model"
)

var (
	queryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queries_total",
		Help: "Total number of DTU queries",
	}, []string{"dtu", "status"})

	queryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "query_duration_seconds",
		Help: "DTU query duration",
	}, []string{"dtu"})

	queryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "query_errors_total",
		Help: "Total number of query errors",
	}, []string{"dtu", "type"})

	mqttMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_messages_total",
		Help: "Total MQTT messages published",
	}, []string{"type"})

	mqttErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_errors_total",
		Help: "Total MQTT errors",
	}, []string{"type"})

	dtuAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dtu_available",
		Help: "DTU availability (1=available, 0=unavailable)",
	}, []string{"dtu"})

	inverterPower = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inverter_power_watts",
		Help: "Current inverter power",
	}, []string{"serial", "port"})

	inverterTemperature = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inverter_temperature_celsius",
		Help: "Inverter temperature",
	}, []string{"serial"})

	inverterStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inverter_status",
		Help: "Inverter operating status",
	}, []string{"serial"})

	dtuPower = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dtu_power_watts",
		Help: "Total DTU power output",
	}, []string{"dtu"})

	todayProduction = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "today_production_wh",
		Help: "Today energy production",
	}, []string{"dtu"})

	totalProduction = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "total_production_wh",
		Help: "Total lifetime production",
	}, []string{"dtu"})

	uptimeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "uptime_seconds",
		Help: "Application uptime",
	})

	circuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open)",
	}, []string{"dtu"})
)

// Registry is the collector to serve from /metrics. The metrics are
// registered once, when the package is initialised; every *Metrics
// instance in the process writes to this same shared set (a process
// serves one set of DTUs).
var Registry = func() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		queryTotal, queryDuration, queryErrors, mqttMessages, mqttErrors,
		dtuAvailable, inverterPower, inverterTemperature, inverterStatus,
		dtuPower, todayProduction, totalProduction, uptimeGauge, circuitBreakerState,
	)
	return r
}()

// DtuRecord is the per-DTU slice of health status, mirroring
// get_health_status's per-dtu dict entries.
type DtuRecord struct {
	Status                 string `json:"status"`
	LastSuccessfulQuery     string `json:"last_successful_query,omitempty"`
	SecondsSinceLastSuccess *int64 `json:"seconds_since_last_success,omitempty"`
	QueryCount              int64  `json:"query_count"`
	ErrorCount              int64  `json:"error_count"`
	LastError               string `json:"last_error,omitempty"`
	LastErrorTime           string `json:"last_error_time,omitempty"`
}

// Status is the full JSON shape of the /health endpoint.
type Status struct {
	Healthy       bool                 `json:"healthy"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	StartTime     string               `json:"start_time"`
	Dtus          map[string]DtuRecord `json:"dtus"`
	Mqtt          struct {
		MessagesPublished int64 `json:"messages_published"`
		Errors            int64 `json:"errors"`
	} `json:"mqtt"`
}

// Metrics is the process-wide health/metrics registry.
type Metrics struct {
	startTime time.Time

	mu                  sync.Mutex
	lastSuccessfulQuery map[string]time.Time
	lastError           map[string]string
	lastErrorTime       map[string]time.Time
	queryCount          map[string]int64
	errorCount          map[string]int64
	dtuStatus           map[string]string
	mqttPublished       int64
	mqttErrorCount      int64
}

// NewMetrics constructs a Metrics instance bound to the package-level
// Prometheus vectors declared above.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:           time.Now(),
		lastSuccessfulQuery: make(map[string]time.Time),
		lastError:           make(map[string]string),
		lastErrorTime:       make(map[string]time.Time),
		queryCount:          make(map[string]int64),
		errorCount:          make(map[string]int64),
		dtuStatus:           make(map[string]string),
	}
}

// RecordQuerySuccess records a successful DTU poll.
func (m *Metrics) RecordQuerySuccess(dtuName string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSuccessfulQuery[dtuName] = time.Now()
	m.queryCount[dtuName]++
	m.dtuStatus[dtuName] = "online"

	queryTotal.WithLabelValues(dtuName, "success").Inc()
	queryDuration.WithLabelValues(dtuName).Observe(duration.Seconds())
	dtuAvailable.WithLabelValues(dtuName).Set(1)
}

// RecordQueryError records a failed DTU poll.
func (m *Metrics) RecordQueryError(dtuName, errorType, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastError[dtuName] = errMsg
	m.lastErrorTime[dtuName] = time.Now()
	m.errorCount[dtuName]++
	m.dtuStatus[dtuName] = "error"

	queryTotal.WithLabelValues(dtuName, "error").Inc()
	queryErrors.WithLabelValues(dtuName, errorType).Inc()
	dtuAvailable.WithLabelValues(dtuName).Set(0)
}

// RecordMqttPublish records one published MQTT message.
func (m *Metrics) RecordMqttPublish(messageType string) {
	if messageType == "" {
		messageType = "state"
	}
	m.mu.Lock()
	m.mqttPublished++
	m.mu.Unlock()
	mqttMessages.WithLabelValues(messageType).Inc()
}

// RecordMqttError records one MQTT publish failure.
func (m *Metrics) RecordMqttError(errorType string) {
	if errorType == "" {
		errorType = "unknown"
	}
	m.mu.Lock()
	m.mqttErrorCount++
	m.mu.Unlock()
	mqttErrors.WithLabelValues(errorType).Inc()
}

// UpdateInverterMetrics sets the inverter/port-level gauges. port == 0
// skips the port-power gauge (inverter-level-only update).
func (m *Metrics) UpdateInverterMetrics(serial string, port int, power, temperature *float64, status *int) {
	if power != nil && port > 0 {
		inverterPower.WithLabelValues(serial, fmtPort(port)).Set(*power)
	}
	if temperature != nil {
		inverterTemperature.WithLabelValues(serial).Set(*temperature)
	}
	if status != nil {
		inverterStatus.WithLabelValues(serial).Set(float64(*status))
	}
}

func fmtPort(port int) string {
	const digits = "0123456789"
	if port == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	n := port
	for n > 0 {
		i--
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf[i:])
}

// UpdateDtuMetrics sets the DTU-level power/production gauges.
func (m *Metrics) UpdateDtuMetrics(dtuName string, power float64, todayWh, totalWh uint32) {
	dtuPower.WithLabelValues(dtuName).Set(power)
	todayProduction.WithLabelValues(dtuName).Set(float64(todayWh))
	totalProduction.WithLabelValues(dtuName).Set(float64(totalWh))
}

// UpdateCircuitBreakerState sets the per-DTU breaker gauge.
func (m *Metrics) UpdateCircuitBreakerState(dtuName string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	circuitBreakerState.WithLabelValues(dtuName).Set(v)
}

// Uptime returns (and refreshes the gauge for) process uptime.
func (m *Metrics) Uptime() time.Duration {
	up := time.Since(m.startTime)
	uptimeGauge.Set(up.Seconds())
	return up
}

// IsHealthy reports whether at least one DTU has had a successful query
// within thresholdSeconds.
func (m *Metrics) IsHealthy(thresholdSeconds int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.lastSuccessfulQuery) == 0 {
		return false
	}
	now := time.Now()
	for _, last := range m.lastSuccessfulQuery {
		if now.Sub(last) < time.Duration(thresholdSeconds)*time.Second {
			return true
		}
	}
	return false
}

// GetStatus builds the full /health JSON payload, copying shared state
// under lock and formatting it outside the lock — mirroring
// get_health_status's two-phase shape.
func (m *Metrics) GetStatus(dtuOfflineThresholdSeconds int64) Status {
	m.mu.Lock()
	lastSuccess := copyTimeMap(m.lastSuccessfulQuery)
	lastErr := copyStringMap(m.lastError)
	lastErrTime := copyTimeMap(m.lastErrorTime)
	queryCount := copyInt64Map(m.queryCount)
	errorCount := copyInt64Map(m.errorCount)
	dtuStatus := copyStringMap(m.dtuStatus)
	mqttPublished := m.mqttPublished
	mqttErrorCount := m.mqttErrorCount
	m.mu.Unlock()

	uptime := m.Uptime()
	now := time.Now()

	names := make(map[string]bool)
	for k := range lastSuccess {
		names[k] = true
	}
	for k := range lastErr {
		names[k] = true
	}

	dtus := make(map[string]DtuRecord, len(names))
	for name := range names {
		rec := DtuRecord{
			Status:     valueOr(dtuStatus[name], "unknown"),
			LastError:  lastErr[name],
			QueryCount: queryCount[name],
			ErrorCount: errorCount[name],
		}
		if t, ok := lastSuccess[name]; ok {
			rec.LastSuccessfulQuery = t.Format(time.RFC3339)
			secs := int64(now.Sub(t).Seconds())
			rec.SecondsSinceLastSuccess = &secs
		}
		if t, ok := lastErrTime[name]; ok {
			rec.LastErrorTime = t.Format(time.RFC3339)
		}
		dtus[name] = rec
	}

	status := Status{
		Healthy:       m.IsHealthy(dtuOfflineThresholdSeconds),
		UptimeSeconds: int64(uptime.Seconds()),
		StartTime:     m.startTime.Format(time.RFC3339),
		Dtus:          dtus,
	}
	status.Mqtt.MessagesPublished = mqttPublished
	status.Mqtt.Errors = mqttErrorCount
	return status
}

// Snapshot returns a model.HealthSnapshot suitable for in-process
// consumers that don't need the JSON tags of Status.
func (m *Metrics) Snapshot(breakers map[string]model.CircuitBreakerRecord) model.HealthSnapshot {
	status := m.GetStatus(300)
	dtus := make(map[string]model.DtuStatus, len(status.Dtus))
	for name, d := range status.Dtus {
		dtus[name] = model.DtuStatus{
			LastError:  d.LastError,
			QueryCount: d.QueryCount,
			ErrorCount: d.ErrorCount,
			Status:     d.Status,
		}
	}
	return model.HealthSnapshot{
		Healthy:       status.Healthy,
		StartTime:     m.startTime,
		UptimeSeconds: status.UptimeSeconds,
		Dtus:          dtus,
		MqttPublished: status.Mqtt.MessagesPublished,
		MqttFailed:    status.Mqtt.Errors,
		Breakers:      breakers,
	}
}

func copyTimeMap(m map[string]time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyInt64Map(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
