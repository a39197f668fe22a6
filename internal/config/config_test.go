package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(afero.NewMemMapFs(), LoadOptions{NoStandardFiles: true, Environ: []string{}})
	require.NoError(t, err)
	assert.Equal(t, "mqtt", cfg.Transport)
	assert.Equal(t, "localhost", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, 30*time.Second, cfg.Director.ShutdownTimeout)
	assert.Equal(t, 2*time.Second, cfg.Director.AnnounceDelay)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Sources)
}

func TestLayering(t *testing.T) {
	fs := afero.NewMemMapFs()
	write(t, fs, "/etc/opt/ninja/sphere.yaml", `
node_id: FROMETC
mqtt:
  host: broker.local
  port: 1884
director:
  module_paths: [/a, /b]
  monitor_interval: 5s
`)
	write(t, fs, "/tmp/extra.yaml", `
mqtt:
  port: 1885
services:
  weather:
    schema: /service/weather
    topic: $node/N/app/weather/service
    timeout: 3s
`)
	write(t, fs, ".env", "SPHERE_MQTT_TRACE=true\nSPHERE_MQTT_PORT=1886\nOTHER=1\n")

	cfg, err := Load(fs, LoadOptions{
		Files:     []string{"/tmp/extra.yaml"},
		Environ:   []string{"SPHERE_MQTT_PORT=1887", "sphere_log_level=debug", "SPHERE_UNRELATED_THING=x", "PATH=/bin"},
		Overrides: map[string]string{"transport": "local"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"/etc/opt/ninja/sphere.yaml", "/tmp/extra.yaml"}, cfg.Sources)
	assert.Equal(t, "FROMETC", cfg.NodeID)
	assert.Equal(t, "broker.local", cfg.MQTT.Host)
	assert.Equal(t, 1887, cfg.MQTT.Port, "environment beats files and .env")
	assert.True(t, cfg.MQTT.Trace, ".env applies")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "local", cfg.Transport)
	assert.Equal(t, []string{"/a", "/b"}, cfg.Director.ModulePaths)
	assert.Equal(t, 5*time.Second, cfg.Director.MonitorInterval)
	assert.Equal(t, 30*time.Second, cfg.Director.ShutdownTimeout, "untouched defaults survive")
	require.Contains(t, cfg.Services, "weather")
	assert.Equal(t, 3*time.Second, cfg.Services["weather"].Timeout)
}

func TestSet(t *testing.T) {
	cfg := Default()

	require.NoError(t, Set(cfg, []string{"director", "module", "paths"}, "/x, /y"))
	assert.Equal(t, []string{"/x", "/y"}, cfg.Director.ModulePaths)

	require.NoError(t, Set(cfg, []string{"DIRECTOR", "SHUTDOWN", "TIMEOUT"}, "1m"))
	assert.Equal(t, time.Minute, cfg.Director.ShutdownTimeout)

	require.NoError(t, Set(cfg, []string{"latitude"}, "-33.5"))
	assert.Equal(t, -33.5, cfg.Latitude)

	require.NoError(t, Set(cfg, []string{"topics", "module", "start"}, "$node/:node/director/start"))
	assert.Equal(t, "$node/:node/director/start", cfg.Topics["module.start"])

	assert.ErrorIs(t, Set(cfg, []string{"mqtt", "nope"}, "1"), ErrUnknownKey)
	assert.Error(t, Set(cfg, []string{"mqtt", "port"}, "abc"))
	assert.Error(t, Set(cfg, []string{"mqtt", "keepalive"}, "forever"))
}

func TestValidation(t *testing.T) {
	cases := map[string]map[string]string{
		"transport":     {"transport": "carrier-pigeon"},
		"port":          {"mqtt.port": "0"},
		"latitude":      {"latitude": "91"},
		"interval":      {"director.monitor_interval": "0s"},
		"zipkin url":    {"tracing.zipkin_url": "not a url"},
		"unknown flags": {"mqtt.colour": "blue"},
	}
	for name, overrides := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(afero.NewMemMapFs(), LoadOptions{
				NoStandardFiles: true,
				Environ:         []string{},
				Overrides:       overrides,
			})
			assert.Error(t, err)
		})
	}

	t.Run("service without topic", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		write(t, fs, "/c.yaml", "services:\n  weather:\n    schema: /service/weather\n")
		_, err := Load(fs, LoadOptions{NoStandardFiles: true, Environ: []string{}, Files: []string{"/c.yaml"}})
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		write(t, fs, "/c.yaml", "mqtt: [\n")
		_, err := Load(fs, LoadOptions{NoStandardFiles: true, Environ: []string{}, Files: []string{"/c.yaml"}})
		assert.Error(t, err)
	})

	t.Run("missing explicit file", func(t *testing.T) {
		_, err := Load(afero.NewMemMapFs(), LoadOptions{NoStandardFiles: true, Environ: []string{}, Files: []string{"/nope.yaml"}})
		assert.Error(t, err)
	})
}

func TestDump(t *testing.T) {
	out, err := Default().Dump()
	require.NoError(t, err)
	assert.Contains(t, out, "transport: mqtt")
	assert.Contains(t, out, "module_paths:")
}
