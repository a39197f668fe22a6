// Package config loads the layered sphere configuration.
//
// Sources, least to most important: built-in defaults, YAML files, a .env
// file, SPHERE_* environment variables and explicit overrides (CLI flags).
// Environment keys nest on underscores, so SPHERE_MQTT_PORT sets mqtt.port.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/nfrund/sphere/internal/logging"
	"github.com/nfrund/sphere/internal/service"
)

// EnvPrefix marks environment variables that carry configuration.
const EnvPrefix = "SPHERE_"

// Config holds all configuration for a sphere process. Treat it as read-only
// once loaded.
type Config struct {
	NodeID    string  `yaml:"node_id"`
	Latitude  float64 `yaml:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `yaml:"longitude" validate:"gte=-180,lte=180"`
	// Transport selects the broker: mqtt, nats or local.
	Transport string `yaml:"transport" validate:"oneof=mqtt nats local"`

	MQTT     MQTTConfig     `yaml:"mqtt"`
	NATS     NATSConfig     `yaml:"nats"`
	Log      logging.Config `yaml:"log"`
	Schemas  SchemasConfig  `yaml:"schemas"`
	Director DirectorConfig `yaml:"director"`
	Tracing  TracingConfig  `yaml:"tracing"`

	// Topics overrides built-in topic patterns by name.
	Topics map[string]string `yaml:"topics"`
	// Services names remote services for the service directory.
	Services map[string]service.Endpoint `yaml:"services" validate:"dive"`

	// Sources lists the files that were merged, in order.
	Sources []string `yaml:"-"`
}

// MQTTConfig contains MQTT broker settings.
type MQTTConfig struct {
	Host           string        `yaml:"host" validate:"required"`
	Port           int           `yaml:"port" validate:"gte=1,lte=65535"`
	ClientID       string        `yaml:"client_id"`
	Keepalive      time.Duration `yaml:"keepalive" validate:"gte=0"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gte=0"`
	// Trace logs every message in and out at trace level.
	Trace bool `yaml:"trace"`
}

// NATSConfig contains NATS server settings.
type NATSConfig struct {
	URL string `yaml:"url" validate:"required"`
}

// SchemasConfig locates schema documents on disk, on top of the built-in
// ones.
type SchemasConfig struct {
	Dir string `yaml:"dir"`
}

// DirectorConfig contains module supervision settings.
type DirectorConfig struct {
	ModulePaths     []string      `yaml:"module_paths"`
	MonitorInterval time.Duration `yaml:"monitor_interval" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	AnnounceDelay   time.Duration `yaml:"announce_delay" validate:"gte=0"`
	Watch           bool          `yaml:"watch"`
	// HTTPAddr enables the admin HTTP server when set.
	HTTPAddr string `yaml:"http_addr" validate:"omitempty,hostname_port"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	ZipkinURL   string `yaml:"zipkin_url" validate:"omitempty,url"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Transport: "mqtt",
		MQTT: MQTTConfig{
			Host:           "localhost",
			Port:           1883,
			Keepalive:      60 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{URL: "nats://127.0.0.1:4222"},
		Log:  logging.Config{Level: "info", Format: "text"},
		Director: DirectorConfig{
			ModulePaths:     []string{"/opt/ninjablocks/drivers", "/opt/ninjablocks/apps"},
			MonitorInterval: 10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AnnounceDelay:   2 * time.Second,
		},
		Tracing: TracingConfig{
			ServiceName: "sphere",
			ZipkinURL:   "http://localhost:9411/api/v2/spans",
		},
	}
}

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// Files are read after the standard locations, in order.
	Files []string
	// NoStandardFiles skips the standard locations.
	NoStandardFiles bool
	// EnvFile is the dotenv file; ".env" when empty. A missing file is not
	// an error.
	EnvFile string
	// Environ replaces os.Environ when not nil.
	Environ []string
	// Overrides are applied last, keyed by dotted path, e.g. "mqtt.port".
	Overrides map[string]string
}

// StandardFiles are the YAML files read when present, least important first.
func StandardFiles() []string {
	files := []string{"/etc/opt/ninja/sphere.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files, filepath.Join(home, ".sphere", "config.yaml"))
	}
	return append(files, filepath.Join("config", "default.yaml"))
}

var validate = validator.New()

// Load builds the configuration from every source and validates it.
func Load(fs afero.Fs, opts LoadOptions) (*Config, error) {
	cfg := Default()

	var files []string
	if !opts.NoStandardFiles {
		for _, f := range StandardFiles() {
			if ok, _ := afero.Exists(fs, f); ok {
				files = append(files, f)
			}
		}
	}
	files = append(files, opts.Files...)

	for _, f := range files {
		if err := mergeFile(fs, f, cfg); err != nil {
			return nil, err
		}
		cfg.Sources = append(cfg.Sources, f)
	}

	env, err := environment(fs, opts)
	if err != nil {
		return nil, err
	}
	for _, key := range sortedKeys(env) {
		path := strings.Split(strings.ToLower(key), "_")
		if err := Set(cfg, path, env[key]); err != nil {
			if errors.Is(err, ErrUnknownKey) {
				continue
			}
			return nil, fmt.Errorf("environment %s%s: %w", EnvPrefix, key, err)
		}
	}

	for _, key := range sortedKeys(opts.Overrides) {
		if err := Set(cfg, strings.Split(key, "."), opts.Overrides[key]); err != nil {
			return nil, fmt.Errorf("override %s: %w", key, err)
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func mergeFile(fs afero.Fs, path string, cfg *Config) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// environment collects SPHERE_* variables, keyed without the prefix. Real
// environment variables win over the dotenv file.
func environment(fs afero.Fs, opts LoadOptions) (map[string]string, error) {
	out := make(map[string]string)

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if f, err := fs.Open(envFile); err == nil {
		vars, perr := godotenv.Parse(f)
		f.Close()
		if perr != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", envFile, perr)
		}
		for k, v := range vars {
			if rest, ok := cutPrefix(k); ok {
				out[rest] = v
			}
		}
	}

	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if rest, ok := cutPrefix(k); ok {
			out[rest] = v
		}
	}
	return out, nil
}

func cutPrefix(key string) (string, bool) {
	if len(key) <= len(EnvPrefix) || !strings.EqualFold(key[:len(EnvPrefix)], EnvPrefix) {
		return "", false
	}
	return key[len(EnvPrefix):], true
}

// Dump renders cfg as YAML.
func (c *Config) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
