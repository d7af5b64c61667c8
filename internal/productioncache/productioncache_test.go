package productioncache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Studio729/hoymiles-bridge/internal/model"
)

type nullLogger struct{ warnings []string }

func (n *nullLogger) Warning(format string, v ...interface{}) { n.warnings = append(n.warnings, format) }

func TestApplyClampsRegressingReading(t *testing.T) {
	log := &nullLogger{}
	c := New(nil, log)

	snap := model.PlantSnapshot{
		DtuSerial: "DTU1",
		Inverters: []model.InverterReading{
			{Serial: "SN1", Port: 1, OperatingStatus: 1, TodayWh: 500, TotalWh: 10000},
		},
	}
	c.Apply(&snap)
	assert.Equal(t, uint32(500), snap.Inverters[0].TodayWh)
	assert.Equal(t, uint32(500), snap.TodayWh)

	// A regressing read (e.g. after a DTU counter hiccup) must be clamped up.
	snap2 := model.PlantSnapshot{
		DtuSerial: "DTU1",
		Inverters: []model.InverterReading{
			{Serial: "SN1", Port: 1, OperatingStatus: 1, TodayWh: 300, TotalWh: 9000},
		},
	}
	c.Apply(&snap2)
	assert.Equal(t, uint32(500), snap2.Inverters[0].TodayWh)
	assert.Equal(t, uint32(10000), snap2.Inverters[0].TotalWh)
	assert.Len(t, log.warnings, 2)
}

func TestApplySumsAcrossPorts(t *testing.T) {
	c := New(nil, &nullLogger{})
	snap := model.PlantSnapshot{
		Inverters: []model.InverterReading{
			{Serial: "SN1", Port: 1, OperatingStatus: 1, TodayWh: 100, TotalWh: 1000},
			{Serial: "SN1", Port: 2, OperatingStatus: 1, TodayWh: 200, TotalWh: 2000},
		},
	}
	c.Apply(&snap)
	assert.Equal(t, uint32(300), snap.TodayWh)
	assert.Equal(t, uint32(3000), snap.TotalWh)
}

func TestOfflinePortKeepsCachedValue(t *testing.T) {
	c := New(nil, &nullLogger{})
	seed := model.PlantSnapshot{
		Inverters: []model.InverterReading{
			{Serial: "SN1", Port: 1, OperatingStatus: 1, TodayWh: 400, TotalWh: 4000},
		},
	}
	c.Apply(&seed)

	offline := model.PlantSnapshot{
		Inverters: []model.InverterReading{
			{Serial: "SN1", Port: 1, OperatingStatus: 0, TodayWh: 0, TotalWh: 0},
		},
	}
	c.Apply(&offline)
	assert.Equal(t, uint32(0), offline.Inverters[0].TodayWh) // reading itself untouched
	assert.Equal(t, uint32(400), offline.TodayWh)            // plant total still uses cached value
}

func TestClearTodayZeroesOnlyToday(t *testing.T) {
	c := New(nil, &nullLogger{})
	snap := model.PlantSnapshot{
		Inverters: []model.InverterReading{
			{Serial: "SN1", Port: 1, OperatingStatus: 1, TodayWh: 400, TotalWh: 4000},
		},
	}
	c.Apply(&snap)

	c.ClearToday()
	entry := c.Snapshot()[model.CacheKey{Serial: "SN1", Port: 1}]
	assert.Equal(t, uint32(0), entry.TodayWh)
	assert.Equal(t, uint32(4000), entry.TotalWh)
}
