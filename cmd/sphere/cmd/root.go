package cmd

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/nfrund/sphere/internal/app"
	"github.com/nfrund/sphere/internal/config"
	"github.com/nfrund/sphere/internal/logging"
)

var (
	configFile    string
	transportFlag string
	mqttHost      string
	mqttPort      int
	logLevel      string
)

var rootCmd = &cobra.Command{
	Use:   "sphere",
	Short: "Sphere home automation bus tools",
	Long: `Sphere runs the module director of a node and talks to the services on its bus.

Available commands:
  director   Supervise the driver and app modules installed on this node
  call       Call a method on a bus service
  publish    Publish a message on a topic
  listen     Print the messages published on a topic
  topics     Explore the registered topics
  modules    List the installed modules
  schema     Inspect and check service contracts

Use "sphere [command] --help" for more information about a specific command.`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Additional YAML config file")
	flags.StringVar(&transportFlag, "transport", "", "Transport to use (mqtt, nats, local)")
	flags.StringVar(&mqttHost, "mqtt-host", "", "MQTT broker host")
	flags.IntVar(&mqttPort, "mqtt-port", 0, "MQTT broker port")
	flags.StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
}

// overrides maps the flags that were set on the command line to config
// paths.
func overrides(cmd *cobra.Command) map[string]string {
	out := make(map[string]string)
	set := func(flag, key, value string) {
		if cmd.Flags().Changed(flag) {
			out[key] = value
		}
	}
	set("transport", "transport", transportFlag)
	set("mqtt-host", "mqtt.host", mqttHost)
	set("mqtt-port", "mqtt.port", strconv.Itoa(mqttPort))
	set("log-level", "log.level", logLevel)
	return out
}

// forwardedArgs repeats the connection flags for child processes.
func forwardedArgs(cmd *cobra.Command) []string {
	var args []string
	for _, name := range []string{"config", "transport", "mqtt-host", "mqtt-port", "log-level"} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			args = append(args, "--"+name, f.Value.String())
		}
	}
	return args
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	opts := config.LoadOptions{Overrides: overrides(cmd)}
	if configFile != "" {
		opts.Files = []string{configFile}
	}
	return config.Load(afero.NewOsFs(), opts)
}

// newApp loads the configuration and sets up logging.
func newApp(cmd *cobra.Command, name string) (*app.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg.Log.Output = cmd.ErrOrStderr()
	log := logging.Setup(cfg.Log)
	return app.New(cfg, app.WithLogger(log), app.WithName(name)), nil
}

// parseArgs reads each argument as JSON, falling back to a plain string.
func parseArgs(args []string) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if json.Valid([]byte(a)) {
			out[i] = json.RawMessage(a)
		} else {
			out[i] = a
		}
	}
	return out
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
