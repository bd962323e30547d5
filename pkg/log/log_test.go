package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"warn", WarnLevel},
		{"error", ErrorLevel},
		{"info", InfoLevel},
		{"", InfoLevel},
		{"verbose", InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestChildLoggersCarryFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	router := WithRouterID("r1")
	router.Info().Msg("attached")
	network := WithNetworkID("n1")
	network.Info().Msg("moved")
	uow := WithUnitOfWork("router_interface_add", 2)
	uow.Info().Msg("retry")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "r1", entry["router_id"])

	require.NoError(t, json.Unmarshal(lines[1], &entry))
	assert.Equal(t, "n1", entry["network_id"])

	entry = nil
	require.NoError(t, json.Unmarshal(lines[2], &entry))
	assert.Equal(t, "engine", entry["component"])
	assert.Equal(t, "router_interface_add", entry["op"])
	assert.EqualValues(t, 2, entry["attempt"])
}

func TestInitLevelFiltersComponentLoggers(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})
	t.Cleanup(func() { Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}}) })

	logger := WithComponent("reconciler")
	logger.Info().Msg("pass completed")
	logger.Warn().Int("discrepancies", 2).Msg("pass completed")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "reconciler", entry["component"])
	assert.EqualValues(t, 2, entry["discrepancies"])
}
