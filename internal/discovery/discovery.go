// Package discovery builds Home Assistant MQTT discovery (config) and
// state messages from plant snapshots. Entity tables, topic templates
// and payload shapes are grounded on
// original_source/hoymiles_smiles/ha.py's EntityDescription /
// MicroinverterEntities / PortEntities / DtuEntities tables and
// HassMqtt._get_config_payloads / _get_state. Go has no getattr, so the
// per-entity value extraction that ha.py drives off a field name string
// is expressed here as a small switch in inverterStateValues and
// portStateValues instead.
package discovery

import (
	"encoding/json"
	"fmt"

	"github.com/Studio729/hoymiles-bridge/internal/model"
)

const (
	PlatformSensor       = "sensor"
	PlatformBinarySensor = "binary_sensor"
)

// EntityDescription mirrors ha.py's dataclass of the same name, minus the
// Python-only value_converter/ignore_rule callables: ignore-when-zero and
// conversion are expressed directly in code per entity kind below.
type EntityDescription struct {
	Platform           string
	DeviceClass        string
	Unit               string
	StateClass         string
	IgnoreWhenOffline  bool // skip this reading's value when OperatingStatus == 0
	Expire             bool
}

// Entity tables, ported field-for-field from MicroinverterEntities,
// PortEntities and DtuEntities.
var MicroinverterEntities = map[string]EntityDescription{
	"grid_voltage":      {DeviceClass: "voltage", Unit: "V", StateClass: "measurement", IgnoreWhenOffline: true, Expire: true},
	"grid_frequency":    {DeviceClass: "frequency", Unit: "Hz", StateClass: "measurement", IgnoreWhenOffline: true, Expire: true},
	"temperature":       {DeviceClass: "temperature", Unit: "°C", StateClass: "measurement", IgnoreWhenOffline: true, Expire: true},
	"operating_status":  {Expire: true},
	"alarm_code":        {Expire: true},
	"alarm_count":       {Expire: true},
	"link_status":       {Expire: true},
}

var PortEntities = map[string]EntityDescription{
	"pv_voltage":        {DeviceClass: "voltage", Unit: "V", StateClass: "measurement", IgnoreWhenOffline: true, Expire: true},
	"pv_current":        {DeviceClass: "current", Unit: "A", StateClass: "measurement", IgnoreWhenOffline: true, Expire: true},
	"pv_power":          {DeviceClass: "power", Unit: "W", StateClass: "measurement", IgnoreWhenOffline: true, Expire: true},
	"today_production":  {DeviceClass: "energy", Unit: "Wh", StateClass: "total_increasing", Expire: false},
	"total_production":  {DeviceClass: "energy", Unit: "Wh", StateClass: "total_increasing", Expire: false},
}

var DtuEntities = map[string]EntityDescription{
	"pv_power":          {DeviceClass: "power", Unit: "W", StateClass: "measurement", Expire: true},
	"today_production":  {DeviceClass: "energy", Unit: "Wh", StateClass: "total_increasing", Expire: false},
	"total_production":  {DeviceClass: "energy", Unit: "Wh", StateClass: "total_increasing", Expire: false},
	"alarm_flag":         {Platform: PlatformBinarySensor, DeviceClass: "problem", Expire: true},
}

// orderedMicroinverterKeys/orderedPortKeys/orderedDtuKeys fix iteration
// order so config/state payloads are stable across ticks, which a plain
// map range would not guarantee.
var orderedMicroinverterKeys = []string{"grid_voltage", "grid_frequency", "temperature", "operating_status", "alarm_code", "alarm_count", "link_status"}
var orderedPortKeys = []string{"pv_voltage", "pv_current", "pv_power", "today_production", "total_production"}
var orderedDtuKeys = []string{"pv_power", "today_production", "total_production", "alarm_flag"}

// Builder constructs discovery config and state messages for one bridge
// instance, filtered to the configured entity subset.
type Builder struct {
	topicPrefix       string
	dtuFriendlyName   string
	miEntities        map[string]EntityDescription
	portEntities      map[string]EntityDescription
	expireAfter       int
	excludeInverters  map[string]bool
	valueMultipliers  map[string]float64
	friendlyNames     map[string]string
}

// NewBuilder constructs a Builder. miEntityNames/portEntityNames select
// the subset of MicroinverterEntities/PortEntities to expose, matching
// the entity_filter.mi_entities/entity_filter.port_entities config lists.
// friendlyNames overrides an entity key's discovery display name,
// matching entity_filter.entity_friendly_names.
func NewBuilder(topicPrefix, dtuFriendlyName string, miEntityNames, portEntityNames, excludeInverters []string, expireAfter int, valueMultipliers map[string]float64, friendlyNames map[string]string) *Builder {
	b := &Builder{
		topicPrefix:      topicPrefix,
		dtuFriendlyName:  dtuFriendlyName,
		miEntities:       make(map[string]EntityDescription),
		portEntities:     make(map[string]EntityDescription),
		expireAfter:      expireAfter,
		excludeInverters: make(map[string]bool),
		valueMultipliers: valueMultipliers,
		friendlyNames:    friendlyNames,
	}
	for _, name := range miEntityNames {
		if d, ok := MicroinverterEntities[name]; ok {
			b.miEntities[name] = d
		}
	}
	for _, name := range portEntityNames {
		if d, ok := PortEntities[name]; ok {
			b.portEntities[name] = d
		}
	}
	for _, s := range excludeInverters {
		b.excludeInverters[s] = true
	}
	return b
}

func (b *Builder) configTopic(platform, deviceSerial, entityKey string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", b.topicPrefix, platform, deviceSerial, entityKey)
}

func (b *Builder) stateTopic(deviceSerial string, port int) string {
	if port > 0 {
		return fmt.Sprintf("%s/hoymiles/%s/%d/state", b.topicPrefix, deviceSerial, port)
	}
	return fmt.Sprintf("%s/hoymiles/%s/state", b.topicPrefix, deviceSerial)
}

type configPayload struct {
	Device struct {
		Name         string   `json:"name"`
		Identifiers  []string `json:"identifiers"`
		Manufacturer string   `json:"manufacturer"`
	} `json:"device"`
	Name                string `json:"name"`
	UniqueID            string `json:"unique_id"`
	StateTopic          string `json:"state_topic"`
	ValueTemplate       string `json:"value_template"`
	AvailabilityTopic   string `json:"availability_topic"`
	AvailabilityTemplate string `json:"availability_template"`
	DeviceClass         string `json:"device_class,omitempty"`
	UnitOfMeasurement   string `json:"unit_of_measurement,omitempty"`
	StateClass          string `json:"state_class,omitempty"`
	ExpireAfter         string `json:"expire_after,omitempty"`
}

// configMessages builds one config message per entity in keys, matching
// _get_config_payloads. port == 0 means "no port" (DTU- or
// inverter-level entity).
func (b *Builder) configMessages(deviceLabel, deviceSerial string, entities map[string]EntityDescription, keys []string, port int) []model.MqttMessage {
	var out []model.MqttMessage
	portPrefix := ""
	entityPrefix := deviceLabel
	if port > 0 {
		portPrefix = fmt.Sprintf("port_%d", port)
		entityPrefix = portPrefix
	}
	stateTopic := b.stateTopic(deviceSerial, port)

	for _, name := range keys {
		def, ok := entities[name]
		if !ok {
			continue
		}
		platform := def.Platform
		if platform == "" {
			platform = PlatformSensor
		}
		entityName := name
		if portPrefix != "" {
			entityName = portPrefix + "_" + name
		}
		if friendly, ok := b.friendlyNames[name]; ok {
			entityName = friendly
		}

		var payload configPayload
		payload.Device.Name = fmt.Sprintf("%s_%s", deviceLabel, deviceSerial)
		payload.Device.Identifiers = []string{fmt.Sprintf("hoymiles_bridge_%s", deviceSerial)}
		payload.Device.Manufacturer = "Hoymiles"
		payload.Name = entityName
		payload.UniqueID = fmt.Sprintf("hoymiles_bridge_%s_%s_%s", entityPrefix, deviceSerial, name)
		payload.StateTopic = stateTopic
		payload.ValueTemplate = fmt.Sprintf("{{ value_json.%s | default('') }}", name)
		payload.AvailabilityTopic = stateTopic
		payload.AvailabilityTemplate = fmt.Sprintf("{{ 'online' if value_json.%s is defined else 'offline' }}", name)
		payload.DeviceClass = def.DeviceClass
		payload.UnitOfMeasurement = def.Unit
		payload.StateClass = def.StateClass
		if def.Expire && b.expireAfter > 0 {
			payload.ExpireAfter = fmt.Sprintf("%d", b.expireAfter)
		}

		data, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		out = append(out, model.MqttMessage{
			Topic:   b.configTopic(platform, deviceSerial, entityPrefix+"_"+name),
			Payload: data,
			QoS:     1,
			Retain:  true,
		})
	}
	return out
}

// ConfigMessages returns every retained discovery config message for one
// plant snapshot: the DTU's own entities, then each inverter's
// inverter-level and port-level entities.
func (b *Builder) ConfigMessages(snapshot model.PlantSnapshot) []model.MqttMessage {
	var out []model.MqttMessage
	out = append(out, b.configMessages("DTU", snapshot.DtuSerial, DtuEntities, orderedDtuKeys, 0)...)

	seen := make(map[string]bool)
	for _, inv := range snapshot.Inverters {
		if b.excludeInverters[inv.Serial] {
			continue
		}
		if !seen[inv.Serial] {
			seen[inv.Serial] = true
			out = append(out, b.configMessages("inv", inv.Serial, b.miEntities, orderedMicroinverterKeys, 0)...)
		}
		out = append(out, b.configMessages("inv", inv.Serial, b.portEntities, orderedPortKeys, int(inv.Port))...)
	}
	return out
}

func (b *Builder) applyMultiplier(name string, v float64) float64 {
	if m, ok := b.valueMultipliers[name]; ok {
		return v * m
	}
	return v
}

// dtuStateValues builds the DTU-level state payload from a snapshot.
func (b *Builder) dtuStateValues(snapshot model.PlantSnapshot) map[string]interface{} {
	values := make(map[string]interface{})
	values["pv_power"] = b.applyMultiplier("pv_power", float64(snapshot.PvPowerW))
	if snapshot.TodayWh != 0 {
		values["today_production"] = snapshot.TodayWh
	}
	if snapshot.TotalWh != 0 {
		values["total_production"] = snapshot.TotalWh
	}
	state := "OFF"
	if snapshot.AlarmFlag {
		state = "ON"
	}
	values["alarm_flag"] = state
	return values
}

// inverterStateValues builds the inverter-level state payload (fields
// shared across all of one serial's ports, per the original's
// per-microinverter record).
func (b *Builder) inverterStateValues(inv model.InverterReading) map[string]interface{} {
	values := make(map[string]interface{})
	offline := inv.OperatingStatus == 0
	for _, name := range orderedMicroinverterKeys {
		def, ok := b.miEntities[name]
		if !ok {
			continue
		}
		if def.IgnoreWhenOffline && offline {
			continue
		}
		switch name {
		case "grid_voltage":
			values[name] = b.applyMultiplier(name, float64(inv.GridVoltageV))
		case "grid_frequency":
			values[name] = b.applyMultiplier(name, float64(inv.GridFrequencyHz))
		case "temperature":
			values[name] = b.applyMultiplier(name, float64(inv.TemperatureC))
		case "operating_status":
			values[name] = inv.OperatingStatus
		case "alarm_code":
			values[name] = inv.AlarmCode
		case "alarm_count":
			values[name] = inv.AlarmCount
		case "link_status":
			values[name] = inv.LinkStatus
		}
	}
	return values
}

// portStateValues builds the per-port state payload.
func (b *Builder) portStateValues(inv model.InverterReading) map[string]interface{} {
	values := make(map[string]interface{})
	offline := inv.OperatingStatus == 0
	for _, name := range orderedPortKeys {
		def, ok := b.portEntities[name]
		if !ok {
			continue
		}
		if def.IgnoreWhenOffline && offline {
			continue
		}
		switch name {
		case "pv_voltage":
			values[name] = b.applyMultiplier(name, float64(inv.PvVoltageV))
		case "pv_current":
			values[name] = b.applyMultiplier(name, float64(inv.PvCurrentA))
		case "pv_power":
			values[name] = b.applyMultiplier(name, float64(inv.PvPowerW))
		case "today_production":
			values[name] = inv.TodayWh
		case "total_production":
			values[name] = inv.TotalWh
		}
	}
	return values
}

func stateMessage(topic string, values map[string]interface{}) (model.MqttMessage, bool) {
	data, err := json.Marshal(values)
	if err != nil {
		return model.MqttMessage{}, false
	}
	return model.MqttMessage{Topic: topic, Payload: data, QoS: 0, Retain: false}, true
}

// StateMessages returns every non-retained state message for one plant
// snapshot: DTU state, then per-inverter state, then per-port state,
// skipping excluded inverter serials — matching HassMqtt.get_states.
func (b *Builder) StateMessages(snapshot model.PlantSnapshot) []model.MqttMessage {
	var out []model.MqttMessage
	if msg, ok := stateMessage(b.stateTopic(snapshot.DtuSerial, 0), b.dtuStateValues(snapshot)); ok {
		out = append(out, msg)
	}

	seen := make(map[string]bool)
	for _, inv := range snapshot.Inverters {
		if b.excludeInverters[inv.Serial] {
			continue
		}
		if !seen[inv.Serial] {
			seen[inv.Serial] = true
			if msg, ok := stateMessage(b.stateTopic(inv.Serial, 0), b.inverterStateValues(inv)); ok {
				out = append(out, msg)
			}
		}
		if msg, ok := stateMessage(b.stateTopic(inv.Serial, int(inv.Port)), b.portStateValues(inv)); ok {
			out = append(out, msg)
		}
	}
	return out
}
