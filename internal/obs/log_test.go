package obs

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T, format string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Configure(&buf, format)
	t.Cleanup(func() {
		EnableDebug(false)
		Configure(os.Stdout, "json")
	})
	return &buf
}

func TestInfoWritesJSONEvent(t *testing.T) {
	buf := captureLog(t, "json")

	Info("request", Fields{"method": "PUT", "path": "/stream"})

	var ev map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	require.Equal(t, "request", ev["msg"])
	require.Equal(t, "info", ev["level"])
	require.Equal(t, "PUT", ev["method"])
	require.Equal(t, "/stream", ev["path"])
	require.Contains(t, ev, "ts")
}

func TestDebugRequiresEnable(t *testing.T) {
	buf := captureLog(t, "json")

	Debug("chunk", Fields{"len": 4})
	require.Zero(t, buf.Len())
	require.False(t, DebugEnabled())

	EnableDebug(true)
	Debug("chunk", Fields{"len": 4})
	require.True(t, DebugEnabled())
	require.Contains(t, buf.String(), `"msg":"chunk"`)
}

func TestConfigureKeepsDebugLevel(t *testing.T) {
	captureLog(t, "json")
	EnableDebug(true)

	var buf bytes.Buffer
	Configure(&buf, "text")
	Debug("after.reconfigure", nil)

	require.True(t, strings.Contains(buf.String(), "after.reconfigure"))
	require.True(t, strings.Contains(buf.String(), "level=debug"))
}
