package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogReporterJSON(t *testing.T) {
	var buf bytes.Buffer
	r := NewSlogReporter(LevelInfo, "json", &buf).With("run_id", "r1")
	r.Debug("hidden")
	r.Info("epoch done", "epoch", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "epoch done", entry["msg"])
	assert.Equal(t, "r1", entry["run_id"])
	assert.EqualValues(t, 3, entry["epoch"])
}

func TestSlogReporterScalarsAtDebug(t *testing.T) {
	var buf bytes.Buffer
	NewSlogReporter(LevelDebug, "text", &buf).Scalar("train/Loss", 1.5, 7)
	assert.Contains(t, buf.String(), "name=train/Loss")
	assert.Contains(t, buf.String(), "step=7")
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestResolveFormat(t *testing.T) {
	assert.Equal(t, "text", ResolveFormat("text", nil))
	assert.Equal(t, "json", ResolveFormat("auto", nil))

	f, err := os.Create(filepath.Join(t.TempDir(), "log"))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, "json", ResolveFormat("", f))
}

func TestTeeFansOutScalars(t *testing.T) {
	main, extra := NewCapture(), NewCapture()
	r := Tee(main, extra)
	r.Info("hello")
	r.Scalar("lr", 0.1, 1)

	assert.Len(t, main.Entries(), 1)
	assert.Empty(t, extra.Entries())
	assert.Equal(t, []Point{{Value: 0.1, Step: 1}}, main.Series("lr"))
	assert.Equal(t, []Point{{Value: 0.1, Step: 1}}, extra.Series("lr"))
}

func TestCaptureAttr(t *testing.T) {
	c := NewCapture()
	c.Info("saved", "name", "best", "score", 1.4)
	entries := c.Messages("saved")
	require.Len(t, entries, 1)
	v, ok := entries[0].Attr("score")
	require.True(t, ok)
	assert.Equal(t, 1.4, v)
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "2.0 kB", Bytes(2000))
	assert.Equal(t, "0 B", Bytes(-1))
	assert.Equal(t, "1.5 ksamples/s", Rate(1500, "samples"))
}
