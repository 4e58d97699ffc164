package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	User      UserConfig      `yaml:"user"`
	Transport TransportConfig `yaml:"transport"`
	Store     StoreConfig     `yaml:"store"`
	Voice     VoiceConfig     `yaml:"voice"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Pushover  PushoverConfig  `yaml:"pushover"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr           string `yaml:"addr"`
	RequestTimeout string `yaml:"request_timeout"`
	RateLimit      int    `yaml:"rate_limit"`
	RateWindow     string `yaml:"rate_window"`
}

type UserConfig struct {
	ID string `yaml:"id"`
}

type TransportConfig struct {
	BrokerURL      string   `yaml:"broker_url"`
	ClientID       string   `yaml:"client_id"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	TopicPrefix    string   `yaml:"topic_prefix"`
	DeviceName     string   `yaml:"device_name"`
	ServiceIDs     []string `yaml:"service_ids"`
	TelemetryChar  string   `yaml:"telemetry_characteristic"`
	RequestTimeout string   `yaml:"request_timeout"`
	ScanTimeout    string   `yaml:"scan_timeout"`
	AutoConnect    bool     `yaml:"auto_connect"`
}

type StoreConfig struct {
	Backend           string `yaml:"backend"`
	Path              string `yaml:"path"`
	BaseURL           string `yaml:"base_url"`
	Token             string `yaml:"token"`
	Timeout           string `yaml:"timeout"`
	StatusSettleDelay string `yaml:"status_settle_delay"`
	RefreshInterval   string `yaml:"refresh_interval"`
	RelayCount        int    `yaml:"relay_count"`
}

type VoiceConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AutoStart        bool     `yaml:"auto_start"`
	Source           string   `yaml:"source"`
	WakeWords        []string `yaml:"wake_words"`
	AuthToken        string   `yaml:"auth_token"`
	QueueSize        int      `yaml:"queue_size"`
	FileDir          string   `yaml:"file_dir"`
	SampleRate       int      `yaml:"sample_rate"`
	SilenceThreshold int      `yaml:"silence_threshold"`
	InitialBackoff   string   `yaml:"initial_backoff"`
	MaxBackoff       string   `yaml:"max_backoff"`
	ForcedRestart    string   `yaml:"forced_restart"`
}

type OpenAIConfig struct {
	APIKey   string `yaml:"api_key"`
	Language string `yaml:"language"`
	Model    string `yaml:"model"`
}

type PushoverConfig struct {
	Token   string `yaml:"token"`
	UserKey string `yaml:"user_key"`
	Title   string `yaml:"title"`
	Enabled bool   `yaml:"enabled"`
}

type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     uint   `yaml:"batch_size"`
	FlushInterval string `yaml:"flush_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.RequestTimeout == "" {
		c.Server.RequestTimeout = "20s"
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 60
	}
	if c.Server.RateWindow == "" {
		c.Server.RateWindow = "1m"
	}
	if c.User.ID == "" {
		c.User.ID = "default"
	}
	if c.Transport.BrokerURL == "" {
		c.Transport.BrokerURL = "tcp://localhost:1883"
	}
	if c.Transport.ClientID == "" {
		c.Transport.ClientID = "geminize-" + c.User.ID
	}
	if c.Transport.TopicPrefix == "" {
		c.Transport.TopicPrefix = "blegw"
	}
	if c.Transport.DeviceName == "" {
		c.Transport.DeviceName = "GEMINIZE"
	}
	if len(c.Transport.ServiceIDs) == 0 {
		c.Transport.ServiceIDs = []string{"0000ffe0-0000-1000-8000-00805f9b34fb"}
	}
	if c.Transport.RequestTimeout == "" {
		c.Transport.RequestTimeout = "5s"
	}
	if c.Transport.ScanTimeout == "" {
		c.Transport.ScanTimeout = "15s"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = "./geminize.db"
	}
	if c.Store.Timeout == "" {
		c.Store.Timeout = "10s"
	}
	if c.Store.StatusSettleDelay == "" {
		c.Store.StatusSettleDelay = "300ms"
	}
	if c.Store.RelayCount == 0 {
		c.Store.RelayCount = 8
	}
	if c.Voice.Source == "" {
		c.Voice.Source = "http"
	}
	if c.Voice.QueueSize == 0 {
		c.Voice.QueueSize = 10
	}
	if c.Voice.FileDir == "" {
		c.Voice.FileDir = "./audio"
	}
	if c.Voice.SampleRate == 0 {
		c.Voice.SampleRate = 16000
	}
	if c.Voice.SilenceThreshold == 0 {
		c.Voice.SilenceThreshold = 500
	}
	if c.Voice.InitialBackoff == "" {
		c.Voice.InitialBackoff = "500ms"
	}
	if c.Voice.MaxBackoff == "" {
		c.Voice.MaxBackoff = "30s"
	}
	if c.Voice.ForcedRestart == "" {
		c.Voice.ForcedRestart = "5m"
	}
	if c.OpenAI.Language == "" {
		c.OpenAI.Language = "en"
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "whisper-1"
	}
	if c.Pushover.Title == "" {
		c.Pushover.Title = "Geminize"
	}
	if c.InfluxDB.FlushInterval == "" {
		c.InfluxDB.FlushInterval = "10s"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "sqlite":
	case "http":
		if c.Store.BaseURL == "" {
			return fmt.Errorf("store.base_url is required for the http backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Voice.Source {
	case "http", "file", "microphone":
	default:
		return fmt.Errorf("unknown voice source %q", c.Voice.Source)
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		return fmt.Errorf("influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	if strings.TrimSpace(c.Transport.ServiceIDs[0]) == "" {
		return fmt.Errorf("transport.service_ids must start with the primary service")
	}
	return nil
}

// Duration parses value, falling back when it is empty or malformed. The
// returned error is non-nil only for malformed values so callers can warn.
func Duration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback, fmt.Errorf("parsing duration %q: %w", value, err)
	}
	return d, nil
}
