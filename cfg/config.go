package cfg

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StorageConfiguration points at the SQLite database holding the watched
// tables; the change log and cursor tables live in the same file so trigger
// capture commits atomically with the mutation.
type StorageConfiguration struct {
	Path          string `toml:"path"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
}

// CaptureConfiguration controls the Change Recorder.
type CaptureConfiguration struct {
	// WatchTables are the tables to install capture triggers on.
	WatchTables []string `toml:"watch_tables"`
	// IdentityTable is the table whose rows carry their own actor id.
	IdentityTable string `toml:"identity_table"`
}

// PollerConfiguration controls the change log poller.
type PollerConfiguration struct {
	Group      string `toml:"group"`
	IntervalMS int    `toml:"interval_ms"`
	BatchSize  int    `toml:"batch_size"`
	// PublishTables are glob patterns selecting which captured tables are
	// published. Empty means all.
	PublishTables []string `toml:"publish_tables"`
}

// BusConfiguration selects and configures the message bus sink.
type BusConfiguration struct {
	Type    string   `toml:"type"` // "nats" or "kafka"
	NatsURL string   `toml:"nats_url"`
	Brokers []string `toml:"brokers"`
}

// DispatcherConfiguration controls the consumer side.
type DispatcherConfiguration struct {
	Enabled   bool `toml:"enabled"`
	Workers   int  `toml:"workers"`
	DedupSize int  `toml:"dedup_size"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// StatusConfiguration for the operational HTTP surface
type StatusConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID string `toml:"instance_id"`

	Storage    StorageConfiguration    `toml:"storage"`
	Capture    CaptureConfiguration    `toml:"capture"`
	Poller     PollerConfiguration     `toml:"poller"`
	Bus        BusConfiguration        `toml:"bus"`
	Dispatcher DispatcherConfiguration `toml:"dispatcher"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Status     StatusConfiguration     `toml:"status"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DBPathFlag     = flag.String("db", "", "SQLite database path (overrides config)")
	NatsURLFlag    = flag.String("nats-url", "", "NATS server URL (overrides config)")
)

// Default configuration
var Config = &Configuration{
	InstanceID: "", // Auto-generate from machine id

	Storage: StorageConfiguration{
		Path:          "./trailguard.db",
		BusyTimeoutMS: 5000,
	},

	Capture: CaptureConfiguration{
		WatchTables:   []string{"users"},
		IdentityTable: "users",
	},

	Poller: PollerConfiguration{
		Group:      "trailguard",
		IntervalMS: 5000,
		BatchSize:  100,
	},

	Bus: BusConfiguration{
		Type:    "nats",
		NatsURL: "nats://127.0.0.1:4222",
	},

	Dispatcher: DispatcherConfiguration{
		Enabled:   true,
		Workers:   4,
		DedupSize: 4096,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Status: StatusConfiguration{
		Enabled:     true,
		BindAddress: "127.0.0.1",
		Port:        8470,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DBPathFlag != "" {
		Config.Storage.Path = *DBPathFlag
	}
	if *NatsURLFlag != "" {
		Config.Bus.NatsURL = *NatsURLFlag
	}

	if Config.InstanceID == "" {
		id, err := generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance id: %w", err)
		}
		Config.InstanceID = id
		log.Info().Str("instance_id", Config.InstanceID).Msg("Auto-generated instance id")
	}

	return nil
}

// generateInstanceID derives a stable per-machine id so cursors and metric
// labels survive restarts without manual configuration.
func generateInstanceID() (string, error) {
	id, err := machineid.ProtectedID("trailguard")
	if err != nil {
		return "", err
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id, nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if Config.Storage.BusyTimeoutMS < 0 {
		return fmt.Errorf("storage busy timeout must be >= 0")
	}

	if len(Config.Capture.WatchTables) == 0 {
		return fmt.Errorf("at least one watched table is required")
	}

	if Config.Poller.Group == "" {
		return fmt.Errorf("poller group is required")
	}

	if Config.Poller.IntervalMS < 100 {
		return fmt.Errorf("poller interval must be >= 100ms")
	}

	if Config.Poller.BatchSize < 1 {
		return fmt.Errorf("poller batch size must be >= 1")
	}

	switch Config.Bus.Type {
	case "nats":
		if Config.Bus.NatsURL == "" {
			return fmt.Errorf("nats bus requires nats_url")
		}
	case "kafka":
		if len(Config.Bus.Brokers) == 0 {
			return fmt.Errorf("kafka bus requires at least one broker")
		}
	default:
		return fmt.Errorf("invalid bus type: %s", Config.Bus.Type)
	}

	if Config.Dispatcher.Enabled {
		if Config.Dispatcher.Workers < 1 {
			return fmt.Errorf("dispatcher workers must be >= 1")
		}
		if Config.Dispatcher.DedupSize < 1 {
			return fmt.Errorf("dispatcher dedup size must be >= 1")
		}
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	if Config.Status.Enabled && (Config.Status.Port < 1 || Config.Status.Port > 65535) {
		return fmt.Errorf("invalid status port: %d", Config.Status.Port)
	}

	return nil
}
