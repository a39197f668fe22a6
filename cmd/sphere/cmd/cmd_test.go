package cmd

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	args := parseArgs([]string{`{"power":true}`, "driver-hue", "42", "not json"})
	require.Len(t, args, 4)
	assert.Equal(t, json.RawMessage(`{"power":true}`), args[0])
	assert.Equal(t, "driver-hue", args[1])
	assert.Equal(t, json.RawMessage("42"), args[2])
	assert.Equal(t, "not json", args[3])
}

func TestFlags(t *testing.T) {
	newCmd := func() *cobra.Command {
		c := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
		f := c.Flags()
		f.StringVarP(&configFile, "config", "c", "", "")
		f.StringVar(&transportFlag, "transport", "", "")
		f.StringVar(&mqttHost, "mqtt-host", "", "")
		f.IntVar(&mqttPort, "mqtt-port", 0, "")
		f.StringVar(&logLevel, "log-level", "", "")
		return c
	}

	t.Run("only changed flags become overrides", func(t *testing.T) {
		c := newCmd()
		require.NoError(t, c.ParseFlags([]string{"--transport", "nats", "--mqtt-port", "1884"}))
		assert.Equal(t, map[string]string{
			"transport": "nats",
			"mqtt.port": "1884",
		}, overrides(c))
	})

	t.Run("forwarded to modules", func(t *testing.T) {
		c := newCmd()
		require.NoError(t, c.ParseFlags([]string{"--log-level", "debug"}))
		assert.Equal(t, []string{"--log-level", "debug"}, forwardedArgs(c))
	})
}

func TestVersion(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "sphere v"+version+"\n", buf.String())
}
