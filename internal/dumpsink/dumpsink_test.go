package dumpsink

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Studio729/hoymiles-bridge/internal/model"
)

type nullLogger struct{}

func (nullLogger) Warning(format string, v ...interface{}) {}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}

func TestWriteAppendsJSONLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.jsonl")
	s := New(path, 0, 0, nullLogger{})

	s.Write(model.PlantSnapshot{DtuSerial: "A"})
	s.Write(model.PlantSnapshot{DtuSerial: "B"})

	assert.Equal(t, 2, countLines(t, path))
}

func TestWriteRotatesPastMaxBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.jsonl")
	s := New(path, 40, 2, nullLogger{})

	for i := 0; i < 10; i++ {
		s.Write(model.PlantSnapshot{DtuSerial: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"})
	}

	_, err := os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(path + ".1")
	require.NoError(t, err)

	// never more than keep+1 files on disk (current + .1 + .2)
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}
