package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyHelpers(t *testing.T) {
	k := SettingKey("device:sim960:vout-value")
	assert.Equal(t, Key("settings:device:sim960:vout-value"), k)
	assert.Equal(t, NamespaceSettings, k.Namespace())
	assert.Equal(t, "device:sim960:vout-value", k.Path())
	assert.Equal(t, CommandKey("device:sim960:vout-value"), k.In(NamespaceCommand))
	assert.Equal(t, "timeseries:status:temps:lhetank", TimeseriesKey(StatusKey("temps:lhetank")))
}

func TestParseKey(t *testing.T) {
	valid := []string{
		"settings:device:sim921:resistance-range",
		"command:cycle:cooldown",
		"status:feedline3:hemt:drain-current-bias",
	}
	for _, raw := range valid {
		k, err := ParseKey(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, raw, k.String())
	}

	invalid := []string{
		"",
		"settings",
		"settings:",
		"device-settings:sim921:curve-number",
		"status:temps::lhetank",
		"status:temps:",
	}
	for _, raw := range invalid {
		_, err := ParseKey(raw)
		assert.Error(t, err, raw)
	}
}
