// Package dtuclient models the out-of-scope DTU transport collaborator:
// the wire decoding of the DTU's binary register protocol is treated as
// an injected library per the bridge's scope statement. This package
// defines the interface the rest of the pipeline depends on, plus a
// fake used by tests and a modbus stub documenting the real boundary.
package dtuclient

import (
	"context"
	"errors"

	"github.com/Studio729/hoymiles-bridge/internal/model"
)

// Client queries one DTU for a fresh plant snapshot.
type Client interface {
	Query(ctx context.Context) (model.PlantSnapshot, error)
}

// ErrNotImplemented is returned by the modbus stub: the real wire
// protocol is an out-of-scope collaborator per the bridge's scope
// statement, not part of this implementation.
var ErrNotImplemented = errors.New("dtuclient: modbus transport not implemented (out of scope)")

// ModbusClient documents the shape a real implementation would take:
// constructed from a DtuConfig, queried over TCP. It exists so
// internal/supervisor has a real constructor to call even though the
// transport itself is out of scope.
type ModbusClient struct {
	Host   string
	Port   int
	UnitID int
}

// NewModbusClient constructs the (unimplemented) real transport.
func NewModbusClient(cfg model.DtuConfig) *ModbusClient {
	return &ModbusClient{Host: cfg.Host, Port: cfg.Port, UnitID: cfg.UnitID}
}

// Query always fails: see ErrNotImplemented.
func (c *ModbusClient) Query(ctx context.Context) (model.PlantSnapshot, error) {
	return model.PlantSnapshot{}, ErrNotImplemented
}

// Fake is an in-memory Client for tests, returning a fixed snapshot (or
// error) queued by the test.
type Fake struct {
	Snapshots []model.PlantSnapshot
	Errs      []error
	call      int
}

// Query returns the next queued snapshot/error pair, repeating the last
// entry once the queue is exhausted.
func (f *Fake) Query(ctx context.Context) (model.PlantSnapshot, error) {
	i := f.call
	n := len(f.Snapshots)
	if len(f.Errs) > n {
		n = len(f.Errs)
	}
	if i >= n {
		i = n - 1
	}
	if i >= 0 && i < len(f.Errs) && f.Errs[i] != nil {
		f.call++
		return model.PlantSnapshot{}, f.Errs[i]
	}
	f.call++
	if i < 0 || i >= len(f.Snapshots) {
		return model.PlantSnapshot{}, errors.New("dtuclient: fake has no queued snapshot")
	}
	return f.Snapshots[i], nil
}
