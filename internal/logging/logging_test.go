package logging_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/scarson/paidqueue/internal/logging"
)

func TestNew_JSONWithAttributes(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log, sync := logging.NewWithSink(logging.Options{Level: "info", Format: "json"}, zapcore.AddSync(&buf))

	log.Info("job claimed", "job_id", "j1", "priority", 1)
	log.Debug("hidden")
	require.NoError(t, sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1, "debug is filtered at info level")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "job claimed", entry["msg"])
	assert.Equal(t, "j1", entry["job_id"])
	assert.EqualValues(t, 1, entry["priority"])
	assert.Equal(t, "info", entry["level"])
}

func TestNew_LevelAndFormat(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log, sync := logging.NewWithSink(logging.Options{Level: "warn", Format: "text"}, zapcore.AddSync(&buf))

	log.Info("quiet")
	log.Warn("loud", "k", "v")
	require.NoError(t, sync())

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "loud")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"debug", "INFO", "warn", "error", ""} {
		assert.NoError(t, logging.ParseLevel(ok), ok)
	}
	assert.Error(t, logging.ParseLevel("verbose"))
}
