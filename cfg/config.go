package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Protocol generations understood by the central server
const (
	ProtocolLegacy    = "legacy"
	ProtocolChangelog = "changelog"
)

// SyncConfiguration controls the main replication cycle
type SyncConfiguration struct {
	CentralURL                string   `toml:"central_url"`
	Username                  string   `toml:"username"`
	Password                  string   `toml:"password"`
	Protocol                  string   `toml:"protocol"` // "legacy" or "changelog"
	IntervalSeconds           int      `toml:"interval_seconds"`
	BatchSize                 int      `toml:"batch_size"`
	RequestTimeoutMS          int      `toml:"request_timeout_ms"`
	IntegrationTimeoutSeconds int      `toml:"integration_timeout_seconds"` // Wait for central to integrate a push
	IntegrationPollMS         int      `toml:"integration_poll_ms"`
	MaxIntegrationAttempts    int      `toml:"max_integration_attempts"` // 0 = retry forever
	PushTables                []string `toml:"push_tables"`              // Glob patterns, empty = every translated table
	Compression               bool     `toml:"compression"`
}

// FileSyncConfiguration controls the attachment sidecar
type FileSyncConfiguration struct {
	Enabled        bool   `toml:"enabled"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
	IdleIntervalMS int    `toml:"idle_interval_ms"` // Used when nothing was transferred
	FilesDir       string `toml:"files_dir"`
	MaxAttempts    int    `toml:"max_attempts"`
}

// ProcessorConfiguration controls changelog-driven processors
type ProcessorConfiguration struct {
	PollIntervalMS      int  `toml:"poll_interval_ms"`
	BatchSize           int  `toml:"batch_size"`
	RequisitionTransfer bool `toml:"requisition_transfer"`
}

// SinkConfiguration describes one changelog export sink
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"` // "nats" or "kafka"
	NatsURL         string   `toml:"nats_url"`
	Brokers         []string `toml:"brokers"`
	TopicPrefix     string   `toml:"topic_prefix"`
	FilterTables    []string `toml:"filter_tables"`
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// AdminConfiguration controls the HTTP control surface
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Empty disables authentication
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

// Configuration is the main configuration structure
type Configuration struct {
	SiteID  uint64 `toml:"site_id"`
	DataDir string `toml:"data_dir"`

	Sync       SyncConfiguration       `toml:"sync"`
	FileSync   FileSyncConfiguration   `toml:"file_sync"`
	Processors ProcessorConfiguration  `toml:"processors"`
	Sinks      []SinkConfiguration     `toml:"sink"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	SiteIDFlag     = flag.Uint64("site-id", 0, "Site ID (overrides config, 0=auto)")
	CentralURLFlag = flag.String("central-url", "", "Central server URL (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	SiteID:  0, // Auto-generate
	DataDir: "./sitesync-data",

	Sync: SyncConfiguration{
		Protocol:                  ProtocolChangelog,
		IntervalSeconds:           60,
		BatchSize:                 500,
		RequestTimeoutMS:          30000,
		IntegrationTimeoutSeconds: 300,
		IntegrationPollMS:         1000,
		MaxIntegrationAttempts:    50,
		PushTables:                []string{},
	},

	FileSync: FileSyncConfiguration{
		Enabled:        true,
		PollIntervalMS: 500,
		IdleIntervalMS: 30000,
		FilesDir:       "",
		MaxAttempts:    10,
	},

	Processors: ProcessorConfiguration{
		PollIntervalMS:      5000,
		BatchSize:           100,
		RequisitionTransfer: true,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "127.0.0.1",
		Port:        8091,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Runtime reload state for settings that are re-read every cycle
var (
	reloadMu    sync.Mutex
	loadedPath  string
	loadedMTime time.Time
)

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if st, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
			reloadMu.Lock()
			loadedPath = configPath
			loadedMTime = st.ModTime()
			reloadMu.Unlock()
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *SiteIDFlag != 0 {
		Config.SiteID = *SiteIDFlag
	}
	if *CentralURLFlag != "" {
		Config.Sync.CentralURL = *CentralURLFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate site ID if not set
	if Config.SiteID == 0 {
		var err error
		Config.SiteID, err = generateSiteID()
		if err != nil {
			return fmt.Errorf("failed to generate site ID: %w", err)
		}
		log.Info().Uint64("site_id", Config.SiteID).Msg("Auto-generated site ID")
	}

	if Config.FileSync.FilesDir == "" {
		Config.FileSync.FilesDir = filepath.Join(Config.DataDir, "files")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if Config.FileSync.Enabled {
		if err := os.MkdirAll(Config.FileSync.FilesDir, 0755); err != nil {
			return fmt.Errorf("failed to create files directory: %w", err)
		}
	}

	return nil
}

// generateSiteID creates a stable site ID based on machine ID
func generateSiteID() (uint64, error) {
	id, err := machineid.ProtectedID("sitesync")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// SyncInterval returns the current sync period. The [sync] interval is
// re-read from the config file whenever the file changed since the last
// read, so operators can adjust it without a restart.
func SyncInterval() time.Duration {
	reloadMu.Lock()
	defer reloadMu.Unlock()

	if loadedPath != "" {
		if st, err := os.Stat(loadedPath); err == nil && st.ModTime().After(loadedMTime) {
			var partial struct {
				Sync struct {
					IntervalSeconds int `toml:"interval_seconds"`
				} `toml:"sync"`
			}
			if _, err := toml.DecodeFile(loadedPath, &partial); err != nil {
				log.Warn().Err(err).Str("path", loadedPath).Msg("Failed to re-read sync interval, keeping previous value")
			} else if partial.Sync.IntervalSeconds > 0 && partial.Sync.IntervalSeconds != Config.Sync.IntervalSeconds {
				log.Info().
					Int("old_seconds", Config.Sync.IntervalSeconds).
					Int("new_seconds", partial.Sync.IntervalSeconds).
					Msg("Sync interval changed")
				Config.Sync.IntervalSeconds = partial.Sync.IntervalSeconds
			}
			loadedMTime = st.ModTime()
		}
	}

	if Config.Sync.IntervalSeconds < 1 {
		return time.Second
	}
	return time.Duration(Config.Sync.IntervalSeconds) * time.Second
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Sync.CentralURL == "" {
		return fmt.Errorf("sync.central_url is required")
	}
	if !strings.HasPrefix(Config.Sync.CentralURL, "http://") && !strings.HasPrefix(Config.Sync.CentralURL, "https://") {
		return fmt.Errorf("sync.central_url must be an http(s) URL: %s", Config.Sync.CentralURL)
	}

	switch Config.Sync.Protocol {
	case ProtocolLegacy, ProtocolChangelog:
	default:
		return fmt.Errorf("invalid sync protocol: %s", Config.Sync.Protocol)
	}

	if Config.Sync.IntervalSeconds < 1 {
		return fmt.Errorf("sync interval must be >= 1 second")
	}

	if Config.Sync.BatchSize < 1 {
		return fmt.Errorf("sync batch size must be >= 1")
	}

	if Config.Sync.RequestTimeoutMS < 1 {
		return fmt.Errorf("sync request timeout must be >= 1ms")
	}

	if Config.Sync.IntegrationTimeoutSeconds < 1 {
		return fmt.Errorf("sync integration timeout must be >= 1 second")
	}

	if Config.Sync.IntegrationPollMS < 1 {
		return fmt.Errorf("sync integration poll must be >= 1ms")
	}

	if Config.Sync.MaxIntegrationAttempts < 0 {
		return fmt.Errorf("max integration attempts must be >= 0")
	}

	if Config.FileSync.Enabled {
		if Config.FileSync.PollIntervalMS < 1 {
			return fmt.Errorf("file sync poll interval must be >= 1ms")
		}
		if Config.FileSync.IdleIntervalMS < Config.FileSync.PollIntervalMS {
			return fmt.Errorf("file sync idle interval must be >= poll interval")
		}
	}

	if Config.Processors.PollIntervalMS < 1 {
		return fmt.Errorf("processor poll interval must be >= 1ms")
	}

	names := make(map[string]bool, len(Config.Sinks))
	for _, sink := range Config.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("sink name is required")
		}
		if names[sink.Name] {
			return fmt.Errorf("duplicate sink name: %s", sink.Name)
		}
		names[sink.Name] = true

		switch sink.Type {
		case "nats", "kafka":
		default:
			return fmt.Errorf("sink %s: unknown type %q", sink.Name, sink.Type)
		}
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// DatabasePath returns the path of the local SQLite database
func DatabasePath() string {
	return filepath.Join(Config.DataDir, "site.db")
}

// FileQueuePath returns the directory of the attachment transfer queue
func FileQueuePath() string {
	return filepath.Join(Config.DataDir, "file_queue")
}
