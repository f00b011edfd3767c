//go:build unit

package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/alexandremahdhaoui/buildvm/internal/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	t.Run("json", func(t *testing.T) {
		buf := bytes.NewBuffer(nil)
		logger := logging.Setup(logging.Options{Level: slog.LevelInfo, Output: buf})

		slog.Debug("hidden")
		slog.Info("starting build VM", "vmName", "buildserver_default")
		logger.Info("from logr", "provider", "libvirt")

		lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
		require.Len(t, lines, 2)

		var record map[string]any
		require.NoError(t, json.Unmarshal(lines[0], &record))
		assert.Equal(t, "starting build VM", record["msg"])
		assert.Equal(t, "buildserver_default", record["vmName"])

		require.NoError(t, json.Unmarshal(lines[1], &record))
		assert.Equal(t, "from logr", record["msg"])
		assert.Equal(t, "libvirt", record["provider"])
	})

	t.Run("development", func(t *testing.T) {
		buf := bytes.NewBuffer(nil)
		logging.Setup(logging.Options{Development: true, Level: slog.LevelDebug, Output: buf})

		slog.Debug("running command", "cmd", "vagrant up")

		assert.Contains(t, buf.String(), "level=DEBUG")
		assert.Contains(t, buf.String(), `cmd="vagrant up"`)
	})
}
