// Package config centralises runtime configuration for the tickgate service.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/tickgate/errs"
)

// Config is the full configuration tree loaded from defaults, file, and environment.
type Config struct {
	LogLevel  string           `yaml:"logLevel"`
	Port      int              `yaml:"port"`
	Exchanges []ExchangeConfig `yaml:"exchanges"`
	Router    RouterConfig     `yaml:"router"`
	Cache     CacheConfig      `yaml:"cache"`
	Publisher PublisherConfig  `yaml:"publisher"`
	Broadcast BroadcastConfig  `yaml:"broadcast"`
	Control   ControlConfig    `yaml:"control"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
}

// ExchangeConfig declares one exchange adapter.
type ExchangeConfig struct {
	Name              string          `yaml:"name"`
	WSURL             string          `yaml:"wsUrl"`
	Symbols           []string        `yaml:"symbols"`
	DataTypes         []string        `yaml:"dataTypes"`
	MaxStreamsPerConn int             `yaml:"maxStreamsPerConnection"`
	MaxConnections    int             `yaml:"maxConnections"`
	MaxSubscriptions  int             `yaml:"maxSubscriptions"`
	SymbolPattern     string          `yaml:"symbolPattern"`
	DebounceWindow    time.Duration   `yaml:"debounceWindow"`
	HeartbeatTimeout  time.Duration   `yaml:"heartbeatTimeout"`
	HandshakeTimeout  time.Duration   `yaml:"handshakeTimeout"`
	PingInterval      time.Duration   `yaml:"pingInterval"`
	StatsInterval     time.Duration   `yaml:"statsInterval"`
	ReadLimit         int64           `yaml:"readLimit"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig tunes the exponential backoff reconnection schedule.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxRetries   int           `yaml:"maxRetries"`
	Jitter       bool          `yaml:"jitter"`
}

// RouterConfig tunes the dataflow router channels.
type RouterConfig struct {
	QueueSize    int           `yaml:"queueSize"`
	ErrorStreak  int           `yaml:"errorStreak"`
	BlockTimeout time.Duration `yaml:"blockTimeout"`
}

// CacheConfig tunes the in-memory stream cache.
type CacheConfig struct {
	MaxEntries      int           `yaml:"maxEntries"`
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	MemoryLimit     int64         `yaml:"memoryLimit"`
}

// PublisherConfig configures the pub/sub publisher sink.
type PublisherConfig struct {
	TopicPrefix  string `yaml:"topicPrefix"`
	Project      string `yaml:"project"`
	EmulatorHost string `yaml:"emulatorHost"`
}

// BroadcastConfig configures the UI broadcast sink.
type BroadcastConfig struct {
	SubscriberBuffer int `yaml:"subscriberBuffer"`
}

// ControlConfig configures the control surface.
type ControlConfig struct {
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
	ServiceName  string `yaml:"serviceName"`
}

// Default returns the baseline tickgate configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Port:     8080,
		Exchanges: []ExchangeConfig{
			{
				Name:              "binance",
				WSURL:             "wss://stream.binance.com:9443",
				Symbols:           nil,
				DataTypes:         []string{"trade", "ticker"},
				MaxStreamsPerConn: 1000,
				MaxConnections:    4,
				MaxSubscriptions:  4000,
				SymbolPattern:     `^[A-Z0-9]+$`,
				DebounceWindow:    500 * time.Millisecond,
				HeartbeatTimeout:  60 * time.Second,
				HandshakeTimeout:  10 * time.Second,
				PingInterval:      20 * time.Second,
				StatsInterval:     5 * time.Second,
				ReadLimit:         2 * 1024 * 1024,
				Reconnect: ReconnectConfig{
					InitialDelay: time.Second,
					MaxDelay:     30 * time.Second,
					Multiplier:   2,
					MaxRetries:   10,
					Jitter:       true,
				},
			},
		},
		Router: RouterConfig{
			QueueSize:    1024,
			ErrorStreak:  5,
			BlockTimeout: 100 * time.Millisecond,
		},
		Cache: CacheConfig{
			MaxEntries:      1000,
			TTL:             5 * time.Minute,
			CleanupInterval: 30 * time.Second,
			MemoryLimit:     100 * 1024 * 1024,
		},
		Publisher: PublisherConfig{
			TopicPrefix:  "marketdata",
			Project:      "",
			EmulatorHost: "",
		},
		Broadcast: BroadcastConfig{SubscriberBuffer: 256},
		Control:   ControlConfig{SnapshotInterval: 5 * time.Second},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "",
			OTLPInsecure: false,
			ServiceName:  "tickgate",
		},
	}
}

// Load reads configuration from path, merged over defaults. When the file
// does not exist the defaults are returned and the second result is false.
func Load(path string) (Config, bool, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, false, nil
		}
		return Config{}, false, errs.New("", errs.CodeFatalInit,
			errs.WithMessage("read configuration file"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return Config{}, false, errs.New("", errs.CodeFatalInit,
			errs.WithMessage("parse configuration file"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	return Merge(cfg, fileCfg), true, nil
}

// FromEnv applies recognized environment variables over cfg. Unknown
// variables are ignored.
func FromEnv(cfg Config) Config {
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			cfg.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("PUBSUB_PROJECT_ID")); v != "" {
		cfg.Publisher.Project = v
	}
	if v := strings.TrimSpace(os.Getenv("PUBSUB_EMULATOR_HOST")); v != "" {
		cfg.Publisher.EmulatorHost = v
	}
	if v := strings.TrimSpace(os.Getenv("PUBSUB_TOPIC_PREFIX")); v != "" {
		cfg.Publisher.TopicPrefix = v
	}
	for i := range cfg.Exchanges {
		key := strings.ToUpper(cfg.Exchanges[i].Name) + "_SYMBOLS"
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			parts := strings.Split(v, ",")
			symbols := make([]string, 0, len(parts))
			for _, part := range parts {
				if trimmed := strings.TrimSpace(part); trimmed != "" {
					symbols = append(symbols, strings.ToUpper(trimmed))
				}
			}
			cfg.Exchanges[i].Symbols = symbols
		}
	}
	return cfg
}

// Merge overlays override onto base. Zero-valued override fields keep the
// base value, so Merge(base, Config{}) == base and the operation is
// associative.
func Merge(base, override Config) Config {
	out := base
	if override.LogLevel != "" {
		out.LogLevel = override.LogLevel
	}
	if override.Port != 0 {
		out.Port = override.Port
	}
	if len(override.Exchanges) > 0 {
		merged := make([]ExchangeConfig, 0, len(override.Exchanges))
		for _, o := range override.Exchanges {
			found := false
			for _, b := range base.Exchanges {
				if strings.EqualFold(b.Name, o.Name) {
					merged = append(merged, mergeExchange(b, o))
					found = true
					break
				}
			}
			if !found {
				merged = append(merged, o)
			}
		}
		out.Exchanges = merged
	}
	out.Router = mergeRouter(base.Router, override.Router)
	out.Cache = mergeCache(base.Cache, override.Cache)
	out.Publisher = mergePublisher(base.Publisher, override.Publisher)
	if override.Broadcast.SubscriberBuffer != 0 {
		out.Broadcast.SubscriberBuffer = override.Broadcast.SubscriberBuffer
	}
	if override.Control.SnapshotInterval != 0 {
		out.Control.SnapshotInterval = override.Control.SnapshotInterval
	}
	out.Telemetry = mergeTelemetry(base.Telemetry, override.Telemetry)
	return out
}

func mergeExchange(base, override ExchangeConfig) ExchangeConfig {
	out := base
	if override.WSURL != "" {
		out.WSURL = override.WSURL
	}
	if len(override.Symbols) > 0 {
		out.Symbols = override.Symbols
	}
	if len(override.DataTypes) > 0 {
		out.DataTypes = override.DataTypes
	}
	if override.MaxStreamsPerConn != 0 {
		out.MaxStreamsPerConn = override.MaxStreamsPerConn
	}
	if override.MaxConnections != 0 {
		out.MaxConnections = override.MaxConnections
	}
	if override.MaxSubscriptions != 0 {
		out.MaxSubscriptions = override.MaxSubscriptions
	}
	if override.SymbolPattern != "" {
		out.SymbolPattern = override.SymbolPattern
	}
	if override.DebounceWindow != 0 {
		out.DebounceWindow = override.DebounceWindow
	}
	if override.HeartbeatTimeout != 0 {
		out.HeartbeatTimeout = override.HeartbeatTimeout
	}
	if override.HandshakeTimeout != 0 {
		out.HandshakeTimeout = override.HandshakeTimeout
	}
	if override.PingInterval != 0 {
		out.PingInterval = override.PingInterval
	}
	if override.StatsInterval != 0 {
		out.StatsInterval = override.StatsInterval
	}
	if override.ReadLimit != 0 {
		out.ReadLimit = override.ReadLimit
	}
	if override.Reconnect.InitialDelay != 0 {
		out.Reconnect.InitialDelay = override.Reconnect.InitialDelay
	}
	if override.Reconnect.MaxDelay != 0 {
		out.Reconnect.MaxDelay = override.Reconnect.MaxDelay
	}
	if override.Reconnect.Multiplier != 0 {
		out.Reconnect.Multiplier = override.Reconnect.Multiplier
	}
	if override.Reconnect.MaxRetries != 0 {
		out.Reconnect.MaxRetries = override.Reconnect.MaxRetries
	}
	if override.Reconnect.Jitter {
		out.Reconnect.Jitter = true
	}
	return out
}

func mergeRouter(base, override RouterConfig) RouterConfig {
	out := base
	if override.QueueSize != 0 {
		out.QueueSize = override.QueueSize
	}
	if override.ErrorStreak != 0 {
		out.ErrorStreak = override.ErrorStreak
	}
	if override.BlockTimeout != 0 {
		out.BlockTimeout = override.BlockTimeout
	}
	return out
}

func mergeCache(base, override CacheConfig) CacheConfig {
	out := base
	if override.MaxEntries != 0 {
		out.MaxEntries = override.MaxEntries
	}
	if override.TTL != 0 {
		out.TTL = override.TTL
	}
	if override.CleanupInterval != 0 {
		out.CleanupInterval = override.CleanupInterval
	}
	if override.MemoryLimit != 0 {
		out.MemoryLimit = override.MemoryLimit
	}
	return out
}

func mergePublisher(base, override PublisherConfig) PublisherConfig {
	out := base
	if override.TopicPrefix != "" {
		out.TopicPrefix = override.TopicPrefix
	}
	if override.Project != "" {
		out.Project = override.Project
	}
	if override.EmulatorHost != "" {
		out.EmulatorHost = override.EmulatorHost
	}
	return out
}

func mergeTelemetry(base, override TelemetryConfig) TelemetryConfig {
	out := base
	if override.OTLPEndpoint != "" {
		out.OTLPEndpoint = override.OTLPEndpoint
	}
	if override.OTLPInsecure {
		out.OTLPInsecure = true
	}
	if override.ServiceName != "" {
		out.ServiceName = override.ServiceName
	}
	return out
}

// Validate checks startup invariants. Violations surface as fatal_init.
func (c Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return errs.New("", errs.CodeFatalInit, errs.WithMessage("at least one exchange required"))
	}
	for _, ex := range c.Exchanges {
		if strings.TrimSpace(ex.Name) == "" {
			return errs.New("", errs.CodeFatalInit, errs.WithMessage("exchange name required"))
		}
		if strings.TrimSpace(ex.WSURL) == "" {
			return errs.New(ex.Name, errs.CodeFatalInit, errs.WithMessage("websocket url required"))
		}
		if ex.MaxStreamsPerConn <= 0 {
			return errs.New(ex.Name, errs.CodeFatalInit, errs.WithMessage("maxStreamsPerConnection must be positive"))
		}
		if ex.MaxConnections <= 0 {
			return errs.New(ex.Name, errs.CodeFatalInit, errs.WithMessage("maxConnections must be positive"))
		}
		if ex.Reconnect.Multiplier < 1 {
			return errs.New(ex.Name, errs.CodeFatalInit, errs.WithMessage("reconnect multiplier must be >= 1"))
		}
		if ex.Reconnect.InitialDelay <= 0 || ex.Reconnect.MaxDelay < ex.Reconnect.InitialDelay {
			return errs.New(ex.Name, errs.CodeFatalInit, errs.WithMessage("reconnect delays misconfigured"))
		}
	}
	if c.Router.QueueSize <= 0 {
		return errs.New("", errs.CodeFatalInit, errs.WithMessage("router queue size must be positive"))
	}
	if c.Cache.MaxEntries <= 0 {
		return errs.New("", errs.CodeFatalInit, errs.WithMessage("cache maxEntries must be positive"))
	}
	return nil
}
