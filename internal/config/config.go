package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Backend BackendConfig `mapstructure:"backend"`
	ISCSI   ISCSIConfig   `mapstructure:"iscsi"`
	Dataset DatasetConfig `mapstructure:"dataset"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig represents the CSP HTTP facade configuration
type ServerConfig struct {
	Listen         string        `mapstructure:"listen"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// BackendConfig represents TrueNAS appliance access configuration.
// The appliance address and token arrive per request; only transport
// behavior is configured here.
type BackendConfig struct {
	InsecureTLS bool          `mapstructure:"insecure_tls"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Retries     int           `mapstructure:"retries"`
	Delay       time.Duration `mapstructure:"delay"`
}

// ISCSIConfig represents the iSCSI resource composition constants
type ISCSIConfig struct {
	ChapTag            int      `mapstructure:"chap_tag"`
	PortalComment      string   `mapstructure:"portal_comment"`
	AcceptedBasenames  []string `mapstructure:"accepted_basenames"`
	CloneFromPVCPrefix string   `mapstructure:"clone_from_pvc_prefix"`
}

// DatasetConfig represents zvol provisioning defaults
type DatasetConfig struct {
	Root          string `mapstructure:"root"`
	Deduplication string `mapstructure:"deduplication"`
	Compression   string `mapstructure:"compression"`
	Sync          string `mapstructure:"sync"`
	Sparse        string `mapstructure:"sparse"`
	Volblocksize  string `mapstructure:"volblocksize"`
	Description   string `mapstructure:"description"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// Load loads configuration from defaults and environment variables
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("backend.insecure_tls", true)
	v.SetDefault("backend.timeout", "30s")
	v.SetDefault("backend.retries", 15)
	v.SetDefault("backend.delay", "1500ms")
	v.SetDefault("iscsi.chap_tag", 4730274)
	v.SetDefault("iscsi.portal_comment", "hpe-csi")
	v.SetDefault("iscsi.accepted_basenames", []string{
		"iqn.2011-08.org.truenas.ctl",
		"iqn.2005-10.org.freenas.ctl",
	})
	v.SetDefault("iscsi.clone_from_pvc_prefix", "snap-for-clone-")
	v.SetDefault("dataset.root", "tank")
	v.SetDefault("dataset.deduplication", "OFF")
	v.SetDefault("dataset.compression", "LZ4")
	v.SetDefault("dataset.sync", "STANDARD")
	v.SetDefault("dataset.sparse", "true")
	v.SetDefault("dataset.volblocksize", "8K")
	v.SetDefault("dataset.description",
		"Dataset created by HPE CSI Driver for Kubernetes as {pv} in {namespace} from {pvc}")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "json")

	v.AutomaticEnv()
	v.SetEnvPrefix("TRUENAS_CSP")

	// The environment surface inherited from the CSI driver deployment
	// manifests, bound without the prefix.
	for key, env := range map[string]string{
		"dataset.root":          "DEFAULT_ROOT",
		"dataset.deduplication": "DEFAULT_DEDUPLICATION",
		"dataset.compression":   "DEFAULT_COMPRESSION",
		"dataset.sync":          "DEFAULT_SYNC",
		"dataset.sparse":        "DEFAULT_SPARSE",
		"dataset.volblocksize":  "DEFAULT_VOLBLOCKSIZE",
		"dataset.description":   "DEFAULT_DESCRIPTION",
		"iscsi.chap_tag":        "DEFAULT_CHAP_TAG",
	} {
		if value := os.Getenv(env); value != "" {
			v.Set(key, value)
		}
	}

	// Any truthy LOG_DEBUG forces debug logging
	if os.Getenv("LOG_DEBUG") != "" {
		v.Set("logging.level", "debug")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Backend.Retries <= 0 {
		return fmt.Errorf("backend.retries must be positive")
	}

	if config.Backend.Delay <= 0 {
		return fmt.Errorf("backend.delay must be positive")
	}

	if config.Dataset.Root == "" {
		return fmt.Errorf("dataset.root is required")
	}

	if config.ISCSI.PortalComment == "" {
		return fmt.Errorf("iscsi.portal_comment is required")
	}

	if len(config.ISCSI.AcceptedBasenames) == 0 {
		return fmt.Errorf("iscsi.accepted_basenames must not be empty")
	}

	if config.Server.RequestTimeout < time.Duration(config.Backend.Retries)*config.Backend.Delay {
		return fmt.Errorf("server.request_timeout must cover the polling budget")
	}

	return nil
}
