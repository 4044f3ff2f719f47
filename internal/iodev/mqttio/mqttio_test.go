package mqttio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDevicesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDevicesFile(t *testing.T) {
	path := writeDevicesFile(t, `{
		"actuators": [
			{"id": "valve-1", "kind": "solenoid", "enable_schedule_execution": true, "flow_rate_ml_per_second": 10},
			{"id": "lamp-1", "kind": "lighting", "enable_schedule_execution": true}
		],
		"sensors": [
			{"id": "soil-1", "actuator_id": "valve-1"},
			{"id": "air-1"}
		]
	}`)

	cfg, err := LoadDevicesFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Actuators, 2)
	assert.Equal(t, "valve-1", cfg.Actuators[0].ID)
	assert.InDelta(t, 10, cfg.Actuators[0].FlowRateMLPerS, 1e-9)
	require.Len(t, cfg.Sensors, 2)
	assert.Equal(t, "valve-1", cfg.Sensors[0].ActuatorID)
	assert.Empty(t, cfg.Sensors[1].ActuatorID, "unlinked sensors are allowed")
}

func TestLoadDevicesFileBareArray(t *testing.T) {
	path := writeDevicesFile(t, `[{"id": "valve-1", "kind": "solenoid", "enable_schedule_execution": true}]`)

	cfg, err := LoadDevicesFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Actuators, 1)
	assert.Equal(t, "valve-1", cfg.Actuators[0].ID)
	assert.Empty(t, cfg.Sensors)
}

func TestLoadDevicesFileRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "actuator without id", content: `{"actuators": [{"kind": "solenoid"}]}`},
		{name: "sensor without id", content: `{"actuators": [{"id": "valve-1"}], "sensors": [{"actuator_id": "valve-1"}]}`},
		{name: "sensor links unknown actuator", content: `{"actuators": [{"id": "valve-1"}], "sensors": [{"id": "soil-1", "actuator_id": "valve-9"}]}`},
		{name: "not json", content: `kind: solenoid`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeDevicesFile(t, tt.content)
			_, err := LoadDevicesFile(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadDevicesFileMissing(t *testing.T) {
	_, err := LoadDevicesFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
