// Package productioncache maintains the monotonic today/total production
// counters the rest of the pipeline reports. DTU registers are sampled,
// not accumulated, so a bad read can appear to regress a counter; this
// cache clamps every reading to the highest value yet observed per
// (serial, port) and exposes a single exactly-once daily reset, grounded
// on original_source/hoymiles_smiles/ha.py's HassMqtt._update_cache,
// _process_plant_data and clear_production_today.
package productioncache

import (
	"sync"
	"time"

	"github.com/Studio729/hoymiles-bridge/internal/model"
)

// Logger is the minimal logging surface the cache needs.
type Logger interface {
	Warning(format string, v ...interface{})
}

// Store persists counter rows across restarts; satisfied by
// *persistence.Store.
type Store interface {
	SaveProductionCache(serial string, port int, today, total uint32)
	LoadProductionCache() map[model.CacheKey][2]uint32
	ClearTodayProduction()
}

// Cache holds one monotonic entry per (serial, port).
type Cache struct {
	mu      sync.Mutex
	entries map[model.CacheKey]model.CacheEntry
	store   Store
	log     Logger
}

// New builds a Cache, pre-populating it from store if non-nil.
func New(store Store, log Logger) *Cache {
	c := &Cache{entries: make(map[model.CacheKey]model.CacheEntry), store: store, log: log}
	if store != nil {
		for key, v := range store.LoadProductionCache() {
			c.entries[key] = model.CacheEntry{TodayWh: v[0], TotalWh: v[1], LastUpdated: time.Now()}
		}
	}
	return c
}

// Apply clamps every inverter port reading in snapshot against the cache,
// overwriting any reading that would regress below the last known value
// (mirroring _update_cache's per-port clamp-and-warn), then sums the
// clamped per-port values into the snapshot's plant-level totals
// (mirroring _process_plant_data). Readings for ports reporting
// OperatingStatus == 0 (offline) are left untouched — an offline port's
// stale zero reading must not overwrite a good cached value, but it is
// also not itself trustworthy enough to seed the cache.
func (c *Cache) Apply(snapshot *model.PlantSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var todaySum, totalSum uint32
	for i := range snapshot.Inverters {
		inv := &snapshot.Inverters[i]
		key := model.CacheKey{Serial: inv.Serial, Port: inv.Port}

		if inv.OperatingStatus == 0 {
			if cached, ok := c.entries[key]; ok {
				todaySum += cached.TodayWh
				totalSum += cached.TotalWh
			}
			continue
		}

		cached, ok := c.entries[key]
		if ok {
			if inv.TodayWh < cached.TodayWh {
				c.log.Warning("productioncache: %s port %d today_production regressed (%d < %d), clamping", inv.Serial, inv.Port, inv.TodayWh, cached.TodayWh)
				inv.TodayWh = cached.TodayWh
			}
			if inv.TotalWh < cached.TotalWh {
				c.log.Warning("productioncache: %s port %d total_production regressed (%d < %d), clamping", inv.Serial, inv.Port, inv.TotalWh, cached.TotalWh)
				inv.TotalWh = cached.TotalWh
			}
		}

		entry := model.CacheEntry{TodayWh: inv.TodayWh, TotalWh: inv.TotalWh, LastUpdated: time.Now()}
		c.entries[key] = entry
		if c.store != nil {
			c.store.SaveProductionCache(inv.Serial, int(inv.Port), entry.TodayWh, entry.TotalWh)
		}

		todaySum += inv.TodayWh
		totalSum += inv.TotalWh
	}
	snapshot.TodayWh = todaySum
	snapshot.TotalWh = totalSum
}

// ClearToday zeroes every cached today-production counter, run once per
// day at the configured reset hour.
func (c *Cache) ClearToday() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		entry.TodayWh = 0
		c.entries[key] = entry
	}
	if c.store != nil {
		c.store.ClearTodayProduction()
	}
}

// Snapshot returns a copy of every cached entry, for diagnostics/tests.
func (c *Cache) Snapshot() map[model.CacheKey]model.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[model.CacheKey]model.CacheEntry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}
