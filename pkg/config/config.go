package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DEVBUS_"

// Config is the root configuration of a devbus server. It is loaded from
// YAML and can be overridden by DEVBUS_* environment variables.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	HTTP         HTTPConfig         `yaml:"http"`
	Bus          BusConfig          `yaml:"bus"`
	Timers       TimerConfig        `yaml:"timers"`
	Drivers      []string           `yaml:"drivers"`
	Subprocesses []SubprocessConfig `yaml:"subprocesses"`
	Servers      []RemoteConfig     `yaml:"servers"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Logging      LoggingConfig      `yaml:"logging"`
	Trace        TraceConfig        `yaml:"trace"`
}

// ServerConfig configures the protocol listener.
type ServerConfig struct {
	// Name is the advertised service name. Empty means the host name.
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// MaxConnections caps accepted clients. Zero means the server default.
	MaxConnections int `yaml:"max_connections"`
}

// HTTPConfig configures the HTTP endpoint serving WebSocket clients,
// metrics and health.
type HTTPConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	WebSocketPath string `yaml:"websocket_path"`
	MetricsPath   string `yaml:"metrics_path"`
}

// BusConfig sizes the dispatcher tables.
type BusConfig struct {
	MaxDevices int `yaml:"max_devices"`
	MaxClients int `yaml:"max_clients"`
}

// TimerConfig tunes the timer engine.
type TimerConfig struct {
	OccupiedWait   time.Duration `yaml:"occupied_wait"`
	MaxIdleWorkers int           `yaml:"max_idle_workers"`
}

// SubprocessConfig names a driver executable to supervise.
type SubprocessConfig struct {
	Executable string   `yaml:"executable"`
	Args       []string `yaml:"args"`
}

// RemoteConfig names a remote server to connect to.
type RemoteConfig struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	ID   uint32 `yaml:"id"`
}

// DiscoveryConfig configures mDNS.
type DiscoveryConfig struct {
	// Advertise announces the local server.
	Advertise bool `yaml:"advertise"`

	// AutoConnect connects to every discovered server.
	AutoConnect bool `yaml:"auto_connect"`

	// Interface restricts mDNS to one network interface.
	Interface string `yaml:"interface"`
}

// MQTTConfig configures the MQTT bridge.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
	QoS      int    `yaml:"qos"`
}

// LoggingConfig configures the operational log.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TraceConfig configures the protocol trace.
type TraceConfig struct {
	// File receives a CBOR trace of every dispatched event.
	File string `yaml:"file"`

	// Log mirrors trace events to the operational log at debug level.
	Log bool `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 7624,
		},
		HTTP: HTTPConfig{
			Enabled:       true,
			Listen:        ":7625",
			WebSocketPath: "/ws",
			MetricsPath:   "/metrics",
		},
		Bus: BusConfig{
			MaxDevices: 256,
			MaxClients: 256,
		},
		Timers: TimerConfig{
			OccupiedWait:   time.Second,
			MaxIdleWorkers: 64,
		},
		Discovery: DiscoveryConfig{
			Advertise: true,
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "devbus",
			Prefix:   "devbus",
			QoS:      1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads the defaults only.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return Parse(data)
}

// Parse is Load for in-memory YAML.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies DEVBUS_* variables. List variables
// (DEVBUS_DRIVERS, DEVBUS_CONNECT) are comma separated and appended.
func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"SERVER_NAME":   &cfg.Server.Name,
		"SERVER_HOST":   &cfg.Server.Host,
		"HTTP_LISTEN":   &cfg.HTTP.Listen,
		"MQTT_BROKER":   &cfg.MQTT.Broker,
		"MQTT_USERNAME": &cfg.MQTT.Username,
		"MQTT_PASSWORD": &cfg.MQTT.Password,
		"MQTT_PREFIX":   &cfg.MQTT.Prefix,
		"LOG_LEVEL":     &cfg.Logging.Level,
		"LOG_FORMAT":    &cfg.Logging.Format,
		"TRACE_FILE":    &cfg.Trace.File,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}

	if v := os.Getenv(EnvPrefix + "SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sSERVER_PORT: %w", EnvPrefix, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv(EnvPrefix + "MQTT_ENABLED"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sMQTT_ENABLED: %w", EnvPrefix, err)
		}
		cfg.MQTT.Enabled = on
	}
	if v := os.Getenv(EnvPrefix + "DRIVERS"); v != "" {
		cfg.Drivers = append(cfg.Drivers, splitList(v)...)
	}
	if v := os.Getenv(EnvPrefix + "CONNECT"); v != "" {
		for _, addr := range splitList(v) {
			remote, err := ParseRemote(addr)
			if err != nil {
				return fmt.Errorf("%sCONNECT: %w", EnvPrefix, err)
			}
			cfg.Servers = append(cfg.Servers, remote)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseRemote parses "host", "host:port" or "name=host:port".
func ParseRemote(s string) (RemoteConfig, error) {
	var r RemoteConfig
	if name, addr, ok := strings.Cut(s, "="); ok {
		r.Name = name
		s = addr
	}
	host, port, found := strings.Cut(s, ":")
	r.Host = host
	if found {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return RemoteConfig{}, fmt.Errorf("invalid port in %q", s)
		}
		r.Port = n
	}
	if r.Host == "" {
		return RemoteConfig{}, fmt.Errorf("missing host in %q", s)
	}
	return r, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server.port must be between 1 and 65535"))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if c.HTTP.Enabled {
		if c.HTTP.Listen == "" {
			errs = append(errs, errors.New("http.listen is required when http is enabled"))
		}
		if !strings.HasPrefix(c.HTTP.WebSocketPath, "/") || !strings.HasPrefix(c.HTTP.MetricsPath, "/") {
			errs = append(errs, errors.New("http paths must start with /"))
		}
	}
	if c.Bus.MaxDevices < 0 || c.Bus.MaxClients < 0 {
		errs = append(errs, errors.New("bus limits must not be negative"))
	}
	if c.Timers.OccupiedWait < 0 {
		errs = append(errs, errors.New("timers.occupied_wait must not be negative"))
	}
	for i, sp := range c.Subprocesses {
		if sp.Executable == "" {
			errs = append(errs, fmt.Errorf("subprocesses[%d].executable is required", i))
		}
	}
	for i, r := range c.Servers {
		if r.Host == "" {
			errs = append(errs, fmt.Errorf("servers[%d].host is required", i))
		}
		if r.Port < 0 || r.Port > 65535 {
			errs = append(errs, fmt.Errorf("servers[%d].port must be between 0 and 65535", i))
		}
	}
	if c.MQTT.Enabled {
		if u, err := url.Parse(c.MQTT.Broker); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("mqtt.broker %q is not a broker URL", c.MQTT.Broker))
		}
		if c.MQTT.Prefix == "" {
			errs = append(errs, errors.New("mqtt.prefix is required"))
		}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, errors.New("mqtt.qos must be 0, 1, or 2"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is unknown", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is unknown", c.Logging.Format))
	}

	return errors.Join(errs...)
}
