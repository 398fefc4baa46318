package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AgentConfig holds the field agent's synchronization configuration
type AgentConfig struct {
	ServerURL string
	APIKey    string
	DataDir   string

	// ============ SYNC ============
	RequestTimeout time.Duration
	Backoff        time.Duration
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	// RetryInterval > 0 enables a periodic drain while the agent runs.
	RetryInterval time.Duration
	UploadRate    float64
	UploadBurst   int

	// ============ OBSERVABILITY ============
	LogLevel    string
	LogFile     string
	MetricsAddr string
}

// Config keys shared with the agent's command-line flags.
const (
	KeyServer         = "server"
	KeyAPIKey         = "api-key"
	KeyDataDir        = "data-dir"
	KeyRequestTimeout = "sync.request-timeout"
	KeyBackoff        = "sync.backoff"
	KeyProbeInterval  = "sync.probe-interval"
	KeyProbeTimeout   = "sync.probe-timeout"
	KeyRetryInterval  = "sync.retry-interval"
	KeyUploadRate     = "sync.upload-rate"
	KeyUploadBurst    = "sync.upload-burst"
	KeyLogLevel       = "log.level"
	KeyLogFile        = "log.file"
	KeyMetricsAddr    = "metrics.addr"
)

// NewAgentViper creates the viper instance backing the agent configuration.
// configFile may be empty, in which case ganadoscan.yaml is looked up in the
// working directory and the user config directory. A missing file is not an error.
func NewAgentViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("ganadoscan")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "ganadoscan"))
		}
	}

	// GANADOSCAN_SYNC_BACKOFF maps to sync.backoff, GANADOSCAN_API_KEY to api-key.
	v.SetEnvPrefix("GANADOSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyServer, "")
	v.SetDefault(KeyAPIKey, "")
	v.SetDefault(KeyDataDir, defaultDataDir())
	v.SetDefault(KeyRequestTimeout, "15s")
	v.SetDefault(KeyBackoff, "5s")
	v.SetDefault(KeyProbeInterval, "30s")
	v.SetDefault(KeyProbeTimeout, "5s")
	v.SetDefault(KeyRetryInterval, "0s")
	v.SetDefault(KeyUploadRate, 0.0)
	v.SetDefault(KeyUploadBurst, 1)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyMetricsAddr, "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// LoadAgent reads the agent configuration out of v.
func LoadAgent(v *viper.Viper) (*AgentConfig, error) {
	cfg := &AgentConfig{
		ServerURL:      strings.TrimRight(v.GetString(KeyServer), "/"),
		APIKey:         v.GetString(KeyAPIKey),
		DataDir:        v.GetString(KeyDataDir),
		RequestTimeout: v.GetDuration(KeyRequestTimeout),
		Backoff:        v.GetDuration(KeyBackoff),
		ProbeInterval:  v.GetDuration(KeyProbeInterval),
		ProbeTimeout:   v.GetDuration(KeyProbeTimeout),
		RetryInterval:  v.GetDuration(KeyRetryInterval),
		UploadRate:     v.GetFloat64(KeyUploadRate),
		UploadBurst:    v.GetInt(KeyUploadBurst),
		LogLevel:       v.GetString(KeyLogLevel),
		LogFile:        v.GetString(KeyLogFile),
		MetricsAddr:    v.GetString(KeyMetricsAddr),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges. The server URL is only checked for shape;
// commands that work offline run without one.
func (c *AgentConfig) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%s is required", KeyDataDir)
	}
	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid %s %q", KeyServer, c.ServerURL)
		}
	}
	for key, d := range map[string]time.Duration{
		KeyRequestTimeout: c.RequestTimeout,
		KeyBackoff:        c.Backoff,
		KeyProbeInterval:  c.ProbeInterval,
		KeyProbeTimeout:   c.ProbeTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.RetryInterval < 0 {
		return fmt.Errorf("%s must not be negative", KeyRetryInterval)
	}
	if c.UploadRate < 0 {
		return fmt.Errorf("%s must not be negative", KeyUploadRate)
	}
	return nil
}

// DBPath is the local store file inside DataDir.
func (c *AgentConfig) DBPath() string {
	return filepath.Join(c.DataDir, "ganadoscan.db")
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "ganadoscan")
	}
	return ".ganadoscan"
}
