// Package config loads and validates the structured YAML configuration
// described in the bridge's external interface: MQTT broker settings,
// the DTU list, Modbus communication parameters, entity filtering,
// timing, persistence, health, logging and error-recovery sections.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// MqttConfig describes the broker connection.
type MqttConfig struct {
	Broker       string `yaml:"broker"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"password_file"`
	TLS          bool   `yaml:"tls"`
	TLSInsecure  bool   `yaml:"tls_insecure"`
	TLSCACert    string `yaml:"tls_ca_cert"`
	ClientID     string `yaml:"client_id"`
	Keepalive    int    `yaml:"keepalive"`
	QoS          byte   `yaml:"qos"`
	TopicPrefix  string `yaml:"topic_prefix"`
}

func (c *MqttConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 1883
	}
	if c.ClientID == "" {
		c.ClientID = "hoymiles-mqtt"
	}
	if c.Keepalive == 0 {
		c.Keepalive = 60
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "homeassistant"
	}
}

func (c *MqttConfig) validate() error {
	if strings.TrimSpace(c.Broker) == "" {
		return fmt.Errorf("mqtt.broker cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("mqtt.port out of range: %d", c.Port)
	}
	if c.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.QoS)
	}
	if c.PasswordFile != "" {
		data, err := os.ReadFile(c.PasswordFile)
		if err != nil {
			return fmt.Errorf("mqtt.password_file: %w", err)
		}
		c.Password = strings.TrimSpace(string(data))
	}
	return nil
}

// DtuEntry configures one polled DTU.
type DtuEntry struct {
	Name   string `yaml:"name"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	UnitID int    `yaml:"unit_id"`
}

func (d *DtuEntry) applyDefaults() {
	if d.Name == "" {
		d.Name = "DTU"
	}
	if d.Port == 0 {
		d.Port = 502
	}
	if d.UnitID == 0 {
		d.UnitID = 1
	}
}

func (d *DtuEntry) validate() error {
	if strings.TrimSpace(d.Host) == "" {
		return fmt.Errorf("dtus[%s].host cannot be empty", d.Name)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("dtus[%s].port out of range: %d", d.Name, d.Port)
	}
	if d.UnitID < 1 || d.UnitID > 255 {
		return fmt.Errorf("dtus[%s].unit_id out of range: %d", d.Name, d.UnitID)
	}
	return nil
}

// ModbusConfig tunes the DTU transport's retry/timeout behaviour.
type ModbusConfig struct {
	Timeout            int     `yaml:"timeout"`
	Retries            int     `yaml:"retries"`
	ReconnectDelay     float64 `yaml:"reconnect_delay"`
	ReconnectDelayMax  float64 `yaml:"reconnect_delay_max"`
}

func (m *ModbusConfig) applyDefaults() {
	if m.Timeout == 0 {
		m.Timeout = 3
	}
	if m.Retries == 0 {
		m.Retries = 3
	}
	if m.ReconnectDelayMax == 0 {
		m.ReconnectDelayMax = 300
	}
}

func (m *ModbusConfig) validate() error {
	if m.ReconnectDelay > m.ReconnectDelayMax {
		return fmt.Errorf("modbus.reconnect_delay cannot exceed reconnect_delay_max")
	}
	return nil
}

// EntityFilterConfig selects which entities are published and lets the
// operator exclude inverters or rescale/rename values.
type EntityFilterConfig struct {
	MiEntities           []string           `yaml:"mi_entities"`
	PortEntities         []string           `yaml:"port_entities"`
	ExcludeInverters     []string           `yaml:"exclude_inverters"`
	ValueMultipliers     map[string]float64 `yaml:"value_multipliers"`
	EntityFriendlyNames  map[string]string  `yaml:"entity_friendly_names"`
}

func (e *EntityFilterConfig) applyDefaults() {
	if e.MiEntities == nil {
		e.MiEntities = []string{
			"grid_voltage", "grid_frequency", "temperature",
			"operating_status", "alarm_code", "alarm_count", "link_status",
		}
	}
	if e.PortEntities == nil {
		e.PortEntities = []string{
			"pv_voltage", "pv_current", "pv_power", "today_production", "total_production",
		}
	}
}

// TimingConfig governs poll period, entity expiry and the daily reset.
type TimingConfig struct {
	QueryPeriod  int    `yaml:"query_period"`
	ExpireAfter  int    `yaml:"expire_after"`
	ResetHour    int    `yaml:"reset_hour"`
	Timezone     string `yaml:"timezone"`
}

func (t *TimingConfig) applyDefaults() {
	if t.QueryPeriod == 0 {
		t.QueryPeriod = 60
	}
	if t.ResetHour == 0 && t.Timezone == "" {
		t.ResetHour = 23
	}
	if t.Timezone == "" {
		t.Timezone = "UTC"
	}
}

func (t *TimingConfig) validate() error {
	if t.QueryPeriod < 5 {
		return fmt.Errorf("timing.query_period must be >= 5, got %d", t.QueryPeriod)
	}
	if t.ResetHour < 0 || t.ResetHour > 23 {
		return fmt.Errorf("timing.reset_hour must be 0-23, got %d", t.ResetHour)
	}
	if t.ExpireAfter > 0 && t.ExpireAfter <= t.QueryPeriod {
		return fmt.Errorf("timing.expire_after must be greater than query_period when enabled")
	}
	return nil
}

// PersistenceConfig controls the embedded SQLite store.
type PersistenceConfig struct {
	Enabled          bool   `yaml:"enabled"`
	DatabasePath     string `yaml:"database_path"`
	BackupOnShutdown bool   `yaml:"backup_on_shutdown"`
}

func (p *PersistenceConfig) applyDefaults() {
	if p.DatabasePath == "" {
		p.DatabasePath = "/data/hoymiles-mqtt.db"
	}
}

// HealthConfig controls the HTTP health/metrics server.
type HealthConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	MetricsEnabled       bool   `yaml:"metrics_enabled"`
	DtuOfflineThreshold  int64  `yaml:"dtu_offline_threshold"`
}

func (h *HealthConfig) applyDefaults() {
	if h.Host == "" {
		h.Host = "0.0.0.0"
	}
	if h.Port == 0 {
		h.Port = 8080
	}
	if h.DtuOfflineThreshold == 0 {
		h.DtuOfflineThreshold = 300
	}
}

// LoggingConfig controls the bridgelog sink.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	File        string `yaml:"file"`
	Console     bool   `yaml:"console"`
	MaxBytes    int64  `yaml:"max_bytes"`
	BackupCount int    `yaml:"backup_count"`
}

func (l *LoggingConfig) applyDefaults() {
	if l.Level == "" {
		l.Level = "WARNING"
	}
	if l.Format == "" {
		l.Format = "standard"
	}
	if l.MaxBytes == 0 {
		l.MaxBytes = 10 * 1024 * 1024
	}
	if l.BackupCount == 0 {
		l.BackupCount = 5
	}
}

func (l *LoggingConfig) validate() error {
	switch strings.ToUpper(l.Level) {
	case "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL":
	default:
		return fmt.Errorf("logging.level invalid: %s", l.Level)
	}
	l.Level = strings.ToUpper(l.Level)
	switch l.Format {
	case "standard", "json":
	default:
		return fmt.Errorf("logging.format must be standard or json, got %s", l.Format)
	}
	return nil
}

// RecoveryConfig tunes the circuit breaker and retry policy.
type RecoveryConfig struct {
	ExponentialBackoff    bool `yaml:"exponential_backoff"`
	MaxBackoff            int  `yaml:"max_backoff"`
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   int `yaml:"circuit_breaker_timeout"`
}

func (r *RecoveryConfig) applyDefaults() {
	if r.MaxBackoff == 0 {
		r.MaxBackoff = 300
	}
	if r.CircuitBreakerThreshold == 0 {
		r.CircuitBreakerThreshold = 5
	}
	if r.CircuitBreakerTimeout == 0 {
		r.CircuitBreakerTimeout = 60
	}
}

// AppConfig is the full, validated configuration tree.
type AppConfig struct {
	Mqtt         MqttConfig          `yaml:"mqtt"`
	Dtus         []DtuEntry          `yaml:"dtus"`
	Modbus       ModbusConfig        `yaml:"modbus"`
	EntityFilter EntityFilterConfig  `yaml:"entity_filter"`
	Timing       TimingConfig        `yaml:"timing"`
	Persistence  PersistenceConfig   `yaml:"persistence"`
	Health       HealthConfig        `yaml:"health"`
	Logging      LoggingConfig       `yaml:"logging"`
	Recovery     RecoveryConfig      `yaml:"recovery"`
	DryRun       bool                `yaml:"dry_run"`
	DumpData     bool                `yaml:"dump_data"`
	DumpDataPath string              `yaml:"dump_data_path"`
}

// Load reads and validates the YAML configuration at path.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	c.Mqtt.applyDefaults()
	for i := range c.Dtus {
		c.Dtus[i].applyDefaults()
	}
	c.Modbus.applyDefaults()
	c.EntityFilter.applyDefaults()
	c.Timing.applyDefaults()
	c.Persistence.applyDefaults()
	c.Health.applyDefaults()
	c.Logging.applyDefaults()
	c.Recovery.applyDefaults()
}

func (c *AppConfig) validate() error {
	if len(c.Dtus) == 0 {
		return fmt.Errorf("at least one entry required under dtus")
	}
	seen := make(map[string]bool, len(c.Dtus))
	for i := range c.Dtus {
		if err := c.Dtus[i].validate(); err != nil {
			return err
		}
		if seen[c.Dtus[i].Name] {
			return fmt.Errorf("duplicate dtu name: %s", c.Dtus[i].Name)
		}
		seen[c.Dtus[i].Name] = true
	}
	if err := c.Mqtt.validate(); err != nil {
		return err
	}
	if err := c.Modbus.validate(); err != nil {
		return err
	}
	if err := c.Timing.validate(); err != nil {
		return err
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	return nil
}
