// Package dumpsink writes every polled snapshot as a JSON line for
// offline inspection, resolving spec.md §9's open question about the
// teacher's dump_data sink: the original appends without bound, which
// the spec calls out as a known bug. This sink rotates by size instead,
// grounded on daily_production_graph.go's atomic tmp-file-then-rename
// save idiom, generalized from a periodic full-rewrite into an
// check-size-then-rotate-then-append sequence.
package dumpsink

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/Studio729/hoymiles-bridge/internal/model"
)

// Logger is the minimal logging surface the sink needs.
type Logger interface {
	Warning(format string, v ...interface{})
}

// Sink appends JSON lines to path, rotating to path.1, path.2, ... once
// the file exceeds maxBytes, keeping at most keep rotated files.
type Sink struct {
	path     string
	maxBytes int64
	keep     int
	log      Logger

	mu sync.Mutex
}

// New builds a Sink. maxBytes <= 0 disables rotation-by-size but the
// sink still exists solely to append JSON lines (no further bound);
// keep <= 0 defaults to 5 rotated files.
func New(path string, maxBytes int64, keep int, log Logger) *Sink {
	if keep <= 0 {
		keep = 5
	}
	return &Sink{path: path, maxBytes: maxBytes, keep: keep, log: log}
}

// Write appends one snapshot as a JSON line, rotating first if the
// current file would exceed maxBytes.
func (s *Sink) Write(snapshot model.PlantSnapshot) {
	if s.path == "" {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		s.log.Warning("dumpsink: marshalling snapshot for %s: %v", snapshot.DtuSerial, err)
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxBytes > 0 {
		if info, err := os.Stat(s.path); err == nil && info.Size()+int64(len(data)) > s.maxBytes {
			s.rotateLocked()
		}
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		s.log.Warning("dumpsink: opening %s: %v", s.path, err)
		return
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		s.log.Warning("dumpsink: writing %s: %v", s.path, err)
	}
}

// rotateLocked shifts path.(keep-1) -> path.keep, ..., path -> path.1.
// Called with mu held.
func (s *Sink) rotateLocked() {
	oldest := fmt.Sprintf("%s.%d", s.path, s.keep)
	os.Remove(oldest)
	for i := s.keep - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path, i)
		to := fmt.Sprintf("%s.%d", s.path, i+1)
		if _, err := os.Stat(from); err == nil {
			os.Rename(from, to)
		}
	}
	if _, err := os.Stat(s.path); err == nil {
		os.Rename(s.path, s.path+".1")
	}
}
