package persistence

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Studio729/hoymiles-bridge/internal/model"
)

type nullLogger struct{}

func (nullLogger) Error(format string, v ...interface{})   {}
func (nullLogger) Warning(format string, v ...interface{}) {}

func TestDisabledStoreIsNoop(t *testing.T) {
	s := Open("", false, nullLogger{})
	assert.False(t, s.Enabled())
	s.SaveProductionCache("SN1", 1, 100, 200)
	assert.Empty(t, s.LoadProductionCache())
	assert.NoError(t, s.Close())
}

func TestProductionCacheRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bridge.db")
	s := Open(dbPath, true, nullLogger{})
	require.True(t, s.Enabled())
	defer s.Close()

	s.SaveProductionCache("SN1", 1, 150, 9000)
	s.SaveProductionCache("SN1", 2, 50, 4000)

	cached := s.LoadProductionCache()
	require.Len(t, cached, 2)
	assert.Equal(t, [2]uint32{150, 9000}, cached[model.CacheKey{Serial: "SN1", Port: 1}])

	s.ClearTodayProduction()
	cached = s.LoadProductionCache()
	assert.Equal(t, uint32(0), cached[model.CacheKey{Serial: "SN1", Port: 1}][0])
	assert.Equal(t, uint32(9000), cached[model.CacheKey{Serial: "SN1", Port: 1}][1])
}

func TestConfigCacheRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bridge.db")
	s := Open(dbPath, true, nullLogger{})
	require.True(t, s.Enabled())
	defer s.Close()

	type blob struct {
		ResetHour int `json:"reset_hour"`
	}
	s.SaveConfig("timing", blob{ResetHour: 6})

	var got blob
	require.True(t, s.LoadConfig("timing", &got))
	assert.Equal(t, 6, got.ResetHour)

	var missing blob
	assert.False(t, s.LoadConfig("does-not-exist", &missing))
}

func TestMetricsAndStatistics(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bridge.db")
	s := Open(dbPath, true, nullLogger{})
	require.True(t, s.Enabled())
	defer s.Close()

	s.SaveMetric("hoymiles_query_duration_seconds", 0.42, `{"dtu":"roof"}`)
	s.SaveMetric("hoymiles_query_duration_seconds", 0.55, `{"dtu":"roof"}`)

	samples := s.GetMetrics("hoymiles_query_duration_seconds", nil, 10)
	require.Len(t, samples, 2)

	s.CleanupOldMetrics(30)
	stats := s.GetStatistics()
	assert.Equal(t, 2, stats.MetricsRows)
	assert.NotEmpty(t, stats.DatabaseSizeHuman)
}
