// Package model defines the data types that flow through the polling and
// publication pipeline: DTU snapshots, cache entries, circuit breaker
// records, outbound MQTT messages and the aggregate health snapshot.
package model

import "time"

// PlantSnapshot is the unit of data returned by one DTU query.
type PlantSnapshot struct {
	DtuSerial  string
	PvPowerW   uint32
	TodayWh    uint32
	TotalWh    uint32
	AlarmFlag  bool
	Inverters  []InverterReading
}

// InverterReading holds both inverter-level and per-port fields for one
// microinverter. Inverter-level fields repeat across every port reading
// belonging to the same serial number; only the port-level fields vary.
type InverterReading struct {
	Serial string
	Port   uint8 // 1-based

	// Inverter-level fields (identical across all ports of this serial).
	GridVoltageV    float32
	GridFrequencyHz float32
	TemperatureC    float32
	OperatingStatus uint16
	AlarmCode       uint16
	AlarmCount      uint16
	LinkStatus      uint8

	// Per-port fields.
	PvVoltageV float32
	PvCurrentA float32
	PvPowerW   float32
	TodayWh    uint32
	TotalWh    uint32
}

// CacheKey identifies one monotonic counter entry.
type CacheKey struct {
	Serial string
	Port   uint8
}

// CacheEntry is one monotonic production counter, keyed by (serial, port).
type CacheEntry struct {
	TodayWh     uint32
	TotalWh     uint32
	LastUpdated time.Time
}

// DtuConfig names and addresses one polled DTU.
type DtuConfig struct {
	Name   string
	Host   string
	Port   int
	UnitID int
}

// BreakerState enumerates the circuit breaker's three states.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerRecord is the externally observable state of one breaker.
type CircuitBreakerRecord struct {
	Name          string
	State         BreakerState
	FailureCount  int
	LastFailureAt time.Time
}

// MqttMessage is one message carried on the publisher's bounded queue.
type MqttMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// DtuStatus is the per-DTU portion of a HealthSnapshot.
type DtuStatus struct {
	LastSuccessAt time.Time
	LastError     string
	LastErrorAt   time.Time
	QueryCount    int64
	ErrorCount    int64
	Status        string // online, error, unknown
}

// HealthSnapshot is a point-in-time, lock-free copy of HealthRegistry state
// for in-process consumers; the HTTP layer serialises health.Status instead.
type HealthSnapshot struct {
	Healthy       bool
	StartTime     time.Time
	UptimeSeconds int64
	Dtus          map[string]DtuStatus
	MqttPublished int64
	MqttFailed    int64
	Breakers      map[string]CircuitBreakerRecord
}
