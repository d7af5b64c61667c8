package discovery

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Studio729/hoymiles-bridge/internal/model"
)

func sampleSnapshot() model.PlantSnapshot {
	return model.PlantSnapshot{
		DtuSerial: "DTU001",
		PvPowerW:  1200,
		TodayWh:   4500,
		TotalWh:   900000,
		Inverters: []model.InverterReading{
			{Serial: "INV1", Port: 1, OperatingStatus: 1, GridVoltageV: 230, PvPowerW: 600, TodayWh: 2000, TotalWh: 400000},
			{Serial: "INV1", Port: 2, OperatingStatus: 1, GridVoltageV: 230, PvPowerW: 600, TodayWh: 2500, TotalWh: 500000},
		},
	}
}

func newTestBuilder() *Builder {
	return NewBuilder(
		"homeassistant", "DTU",
		[]string{"grid_voltage", "operating_status"},
		[]string{"pv_power", "today_production", "total_production"},
		nil, 600, nil, nil,
	)
}

func TestConfigMessagesCoverDtuAndInverterAndPort(t *testing.T) {
	b := newTestBuilder()
	msgs := b.ConfigMessages(sampleSnapshot())
	require.NotEmpty(t, msgs)

	foundDtu, foundInv, foundPort := false, false, false
	for _, m := range msgs {
		assert.True(t, m.Retain)
		switch {
		case strings.Contains(m.Topic, "/DTU001/"):
			foundDtu = true
		case strings.Contains(m.Topic, "/INV1/inv_"):
			foundInv = true
		case strings.Contains(m.Topic, "/INV1/port_1_"):
			foundPort = true
		}
	}
	assert.True(t, foundDtu)
	assert.True(t, foundInv)
	assert.True(t, foundPort)
}

func TestConfigMessagesApplyFriendlyNameOverride(t *testing.T) {
	b := NewBuilder("homeassistant", "DTU", []string{"grid_voltage"}, nil, nil, 0, nil,
		map[string]string{"grid_voltage": "Grid Voltage (Roof)"})
	msgs := b.ConfigMessages(sampleSnapshot())

	var payload configPayload
	for _, m := range msgs {
		if strings.Contains(m.Topic, "/INV1/inv_grid_voltage/") {
			require.NoError(t, json.Unmarshal(m.Payload, &payload))
		}
	}
	assert.Equal(t, "Grid Voltage (Roof)", payload.Name)
}

func TestStateMessagesSkipExcludedInverter(t *testing.T) {
	b := NewBuilder("homeassistant", "DTU", []string{"grid_voltage"}, []string{"pv_power"}, []string{"INV1"}, 0, nil, nil)
	msgs := b.StateMessages(sampleSnapshot())
	// Only the DTU-level state message should survive; INV1 is excluded.
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Retain)
}

func TestStateMessagesApplyMultiplier(t *testing.T) {
	b := NewBuilder("homeassistant", "DTU", nil, []string{"pv_power"}, nil, 0, map[string]float64{"pv_power": 0.001}, nil)
	msgs := b.StateMessages(sampleSnapshot())

	var portPayload map[string]interface{}
	for _, m := range msgs {
		if strings.Contains(m.Topic, "/INV1/1/") {
			require.NoError(t, json.Unmarshal(m.Payload, &portPayload))
		}
	}
	require.NotNil(t, portPayload)
	assert.InDelta(t, 0.6, portPayload["pv_power"], 0.0001)
}

func TestOfflinePortOmitsIgnoredEntities(t *testing.T) {
	b := NewBuilder("homeassistant", "DTU", nil, []string{"pv_voltage", "today_production"}, nil, 0, nil, nil)
	snap := model.PlantSnapshot{
		DtuSerial: "DTU001",
		Inverters: []model.InverterReading{
			{Serial: "INV1", Port: 1, OperatingStatus: 0, PvVoltageV: 0, TodayWh: 1500},
		},
	}
	msgs := b.StateMessages(snap)
	var portPayload map[string]interface{}
	for _, m := range msgs {
		if strings.Contains(m.Topic, "/INV1/1/") {
			require.NoError(t, json.Unmarshal(m.Payload, &portPayload))
		}
	}
	require.NotNil(t, portPayload)
	_, hasVoltage := portPayload["pv_voltage"]
	assert.False(t, hasVoltage) // ignore-when-offline entity omitted
	assert.Equal(t, float64(1500), portPayload["today_production"])
}

