// Package persistence is the embedded SQLite-backed durable store for
// production counters, cached config values and metric samples. Schema
// and method surface are grounded line-for-line on
// original_source/hoymiles_mqtt/persistence.py: three tables
// (production_cache, config_cache, metrics), synchronous operations
// through a single serialised connection, and silent degrade-on-failure
// behaviour so the pipeline keeps running without durable storage.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	_ "modernc.org/sqlite"

	"github.com/Studio729/hoymiles-bridge/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS production_cache (
	serial_number TEXT NOT NULL,
	port_number INTEGER NOT NULL,
	today_production INTEGER NOT NULL,
	total_production INTEGER NOT NULL,
	last_updated TIMESTAMP NOT NULL,
	PRIMARY KEY (serial_number, port_number)
);
CREATE TABLE IF NOT EXISTS config_cache (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	last_updated TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS metrics (
	timestamp TIMESTAMP NOT NULL,
	metric_name TEXT NOT NULL,
	metric_value REAL NOT NULL,
	tags TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON metrics(timestamp);
CREATE INDEX IF NOT EXISTS idx_metrics_name ON metrics(metric_name);
`

// Logger is the minimal logging surface persistence needs, satisfied by
// internal/bridgelog.Logger.
type Logger interface {
	Error(format string, v ...interface{})
	Warning(format string, v ...interface{})
}

// Store is the embedded persistence layer. A Store with enabled=false
// (construction failed, or disabled by config) degrades every operation
// to a silent no-op, matching spec.md §7's "persistence failure" error
// kind.
type Store struct {
	path    string
	db      *sql.DB
	enabled bool
	log     Logger
}

// Open creates (or opens) the SQLite database at path and ensures the
// schema exists. If enabled is false, a disabled Store is returned
// without touching disk.
func Open(path string, enabled bool, log Logger) *Store {
	s := &Store{path: path, enabled: enabled, log: log}
	if !enabled {
		return s
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Error("persistence: cannot create database directory %s: %v", dir, err)
			s.enabled = false
			return s
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		log.Error("persistence: opening database: %v", err)
		s.enabled = false
		return s
	}
	db.SetMaxOpenConns(1) // single serialised connection, matching the original's sqlite3.Connection model
	if _, err := db.Exec(schema); err != nil {
		log.Error("persistence: creating schema: %v", err)
		db.Close()
		s.enabled = false
		return s
	}
	s.db = db
	return s
}

// Enabled reports whether this Store is backed by a live connection.
func (s *Store) Enabled() bool { return s.enabled }

// Close releases the underlying connection.
func (s *Store) Close() error {
	if !s.enabled || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveProductionCache upserts one (serial, port) counter row.
func (s *Store) SaveProductionCache(serial string, port int, today, total uint32) {
	if !s.enabled {
		return
	}
	_, err := s.db.Exec(
		`INSERT INTO production_cache (serial_number, port_number, today_production, total_production, last_updated)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(serial_number, port_number) DO UPDATE SET
		   today_production=excluded.today_production,
		   total_production=excluded.total_production,
		   last_updated=excluded.last_updated`,
		serial, port, today, total, time.Now().UTC(),
	)
	if err != nil {
		s.log.Error("persistence: save_production_cache(%s,%d): %v", serial, port, err)
	}
}

// LoadProductionCache returns every stored (serial, port) -> (today, total) pair.
func (s *Store) LoadProductionCache() map[model.CacheKey][2]uint32 {
	out := make(map[model.CacheKey][2]uint32)
	if !s.enabled {
		return out
	}
	rows, err := s.db.Query(`SELECT serial_number, port_number, today_production, total_production FROM production_cache`)
	if err != nil {
		s.log.Error("persistence: load_production_cache: %v", err)
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var serial string
		var port int
		var today, total uint32
		if err := rows.Scan(&serial, &port, &today, &total); err != nil {
			s.log.Error("persistence: scanning production_cache row: %v", err)
			continue
		}
		out[model.CacheKey{Serial: serial, Port: uint8(port)}] = [2]uint32{today, total}
	}
	return out
}

// ClearTodayProduction zeroes the today_production column for every row.
func (s *Store) ClearTodayProduction() {
	if !s.enabled {
		return
	}
	if _, err := s.db.Exec(`UPDATE production_cache SET today_production = 0, last_updated = ?`, time.Now().UTC()); err != nil {
		s.log.Error("persistence: clear_today_production: %v", err)
	}
}

// SaveConfig stores value (JSON-encoded) under key.
func (s *Store) SaveConfig(key string, value interface{}) {
	if !s.enabled {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		s.log.Error("persistence: marshalling config %s: %v", key, err)
		return
	}
	_, err = s.db.Exec(
		`INSERT INTO config_cache (key, value, last_updated) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, last_updated=excluded.last_updated`,
		key, string(data), time.Now().UTC(),
	)
	if err != nil {
		s.log.Error("persistence: save_config(%s): %v", key, err)
	}
}

// LoadConfig unmarshals the stored value for key into dest, returning
// false if the key is absent or persistence is disabled.
func (s *Store) LoadConfig(key string, dest interface{}) bool {
	if !s.enabled {
		return false
	}
	var raw string
	err := s.db.QueryRow(`SELECT value FROM config_cache WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false
	}
	if err != nil {
		s.log.Error("persistence: load_config(%s): %v", key, err)
		return false
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		s.log.Error("persistence: unmarshalling config %s: %v", key, err)
		return false
	}
	return true
}

// SaveMetric appends one metric sample.
func (s *Store) SaveMetric(name string, value float64, tags string) {
	if !s.enabled {
		return
	}
	_, err := s.db.Exec(
		`INSERT INTO metrics (timestamp, metric_name, metric_value, tags) VALUES (?, ?, ?, ?)`,
		time.Now().UTC(), name, value, tags,
	)
	if err != nil {
		s.log.Error("persistence: save_metric(%s): %v", name, err)
	}
}

// MetricSample is one row returned by GetMetrics.
type MetricSample struct {
	Timestamp time.Time
	Value     float64
	Tags      string
}

// GetMetrics returns up to limit samples for name, optionally since a
// given time, most recent first.
func (s *Store) GetMetrics(name string, since *time.Time, limit int) []MetricSample {
	var out []MetricSample
	if !s.enabled {
		return out
	}
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT timestamp, metric_value, tags FROM metrics WHERE metric_name = ?`
	args := []interface{}{name}
	if since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		s.log.Error("persistence: get_metrics(%s): %v", name, err)
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var m MetricSample
		if err := rows.Scan(&m.Timestamp, &m.Value, &m.Tags); err != nil {
			s.log.Error("persistence: scanning metric row: %v", err)
			continue
		}
		out = append(out, m)
	}
	return out
}

// CleanupOldMetrics deletes metric rows older than the given number of days.
func (s *Store) CleanupOldMetrics(days int) {
	if !s.enabled {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	if _, err := s.db.Exec(`DELETE FROM metrics WHERE timestamp < ?`, cutoff); err != nil {
		s.log.Error("persistence: cleanup_old_metrics: %v", err)
	}
}

// Backup writes a consistent copy of the database to path (or, if
// empty, a default timestamped sibling path), using SQLite's online
// backup facility (the VACUUM INTO statement, the modernc.org/sqlite
// equivalent of sqlite3's connection.backup API).
func (s *Store) Backup(path string) (string, error) {
	if !s.enabled {
		return "", fmt.Errorf("persistence: disabled")
	}
	if path == "" {
		stem := s.path
		ext := filepath.Ext(stem)
		stem = stem[:len(stem)-len(ext)]
		path = fmt.Sprintf("%s_backup_%s%s", stem, time.Now().UTC().Format("20060102_150405"), ext)
	}
	if _, err := s.db.Exec(fmt.Sprintf(`VACUUM INTO '%s'`, path)); err != nil {
		s.log.Error("persistence: backup: %v", err)
		return "", err
	}
	return path, nil
}

// Vacuum reclaims free space, typically run at shutdown.
func (s *Store) Vacuum() {
	if !s.enabled {
		return
	}
	if _, err := s.db.Exec(`VACUUM`); err != nil {
		s.log.Warning("persistence: vacuum: %v", err)
	}
}

// Statistics is the response shape of the /stats HTTP endpoint.
type Statistics struct {
	DatabasePath        string `json:"database_path"`
	DatabaseSizeBytes   int64  `json:"database_size_bytes"`
	DatabaseSizeHuman   string `json:"database_size_human"`
	ProductionCacheRows int    `json:"production_cache_entries"`
	ConfigCacheRows     int    `json:"config_cache_entries"`
	MetricsRows         int    `json:"metrics_entries"`
}

// GetStatistics summarises database size and row counts.
func (s *Store) GetStatistics() Statistics {
	stats := Statistics{DatabasePath: s.path}
	if !s.enabled {
		return stats
	}
	if info, err := os.Stat(s.path); err == nil {
		stats.DatabaseSizeBytes = info.Size()
		stats.DatabaseSizeHuman = humanize.Bytes(uint64(info.Size()))
	}
	stats.ProductionCacheRows = s.countRows("production_cache")
	stats.ConfigCacheRows = s.countRows("config_cache")
	stats.MetricsRows = s.countRows("metrics")
	return stats
}

func (s *Store) countRows(table string) int {
	var n int
	if err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		s.log.Error("persistence: counting rows in %s: %v", table, err)
		return 0
	}
	return n
}
