package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all houndflow configuration.
// Priority: flags > HOUNDFLOW_* env vars > houndflow.yaml > defaults.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	StateBackend   string `mapstructure:"state_backend"` // memory | libsql | redis
	DBPath         string `mapstructure:"db_path"`
	RedisAddr      string `mapstructure:"redis_addr"` // comma separated host:port list
	RedisPassword  string `mapstructure:"redis_password"`
	RedisNamespace string `mapstructure:"redis_namespace"`

	BackendURL      string        `mapstructure:"backend_url"`
	BackendTimeout  time.Duration `mapstructure:"backend_timeout"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
	AllowJavaScript bool          `mapstructure:"allow_javascript"`
	ScriptTimeout   time.Duration `mapstructure:"script_timeout"`

	PoolSize         int           `mapstructure:"pool_size"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	FinishedTTL      time.Duration `mapstructure:"finished_ttl"`

	SnapshotTTL       time.Duration `mapstructure:"snapshot_ttl"`
	RetentionSchedule string        `mapstructure:"retention_schedule"`

	// VaultKey is the passphrase of the secrets vault. Set it through
	// HOUNDFLOW_VAULT_KEY rather than the config file.
	VaultKey string `mapstructure:"vault_key"`

	EvidenceDir  string `mapstructure:"evidence_dir"`
	WorkflowsDir string `mapstructure:"workflows_dir"`

	HTTPAddr     string `mapstructure:"http_addr"`
	MCPTransport string `mapstructure:"mcp_transport"` // sse | stdio | none
	MCPAddr      string `mapstructure:"mcp_addr"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:          "info",
		LogFormat:         "json",
		StateBackend:      "libsql",
		DBPath:            filepath.Join(houndflowDir(), "houndflow.db"),
		RedisAddr:         "localhost:6379",
		RedisNamespace:    "houndflow",
		BackendURL:        "ws://localhost:8765/browser",
		BackendTimeout:    30 * time.Second,
		BreakerFailures:   5,
		BreakerCooldown:   30 * time.Second,
		ScriptTimeout:     5 * time.Second,
		PoolSize:          10,
		ProgressInterval:  250 * time.Millisecond,
		FinishedTTL:       10 * time.Minute,
		SnapshotTTL:       7 * 24 * time.Hour,
		RetentionSchedule: "@every 1h",
		EvidenceDir:       filepath.Join(houndflowDir(), "evidence"),
		HTTPAddr:          ":4200",
		MCPTransport:      "sse",
		MCPAddr:           ":4201",
	}
}

func houndflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".houndflow"
	}
	return filepath.Join(home, ".houndflow")
}

// setupFlags declares the persistent flags shared by every command.
func setupFlags(cmd *cobra.Command) {
	d := defaultConfig()
	f := cmd.PersistentFlags()
	f.String("config", "", "path to config file (default: ./houndflow.yaml or ~/.houndflow/houndflow.yaml)")
	f.String("log-level", d.LogLevel, "log level: debug, info, warn, error")
	f.String("log-format", d.LogFormat, "log format: json or console")
	f.String("state-backend", d.StateBackend, "snapshot store: memory, libsql or redis")
	f.String("db-path", d.DBPath, "libsql database path")
	f.String("redis-addr", d.RedisAddr, "comma separated list of redis host:port")
	f.String("redis-namespace", d.RedisNamespace, "namespace used for redis keys")
	f.String("backend-url", d.BackendURL, "browser backend WebSocket URL")
	f.Duration("backend-timeout", d.BackendTimeout, "default browser command timeout")
	f.Bool("allow-javascript", d.AllowJavaScript, "allow JavaScript in script steps")
	f.Int("pool-size", d.PoolSize, "max concurrently active executions")
	f.String("evidence-dir", d.EvidenceDir, "directory for evidence captures")
}

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"log-level":        "log_level",
	"log-format":       "log_format",
	"state-backend":    "state_backend",
	"db-path":          "db_path",
	"redis-addr":       "redis_addr",
	"redis-namespace":  "redis_namespace",
	"backend-url":      "backend_url",
	"backend-timeout":  "backend_timeout",
	"allow-javascript": "allow_javascript",
	"pool-size":        "pool_size",
	"evidence-dir":     "evidence_dir",
	"http-addr":        "http_addr",
	"mcp-transport":    "mcp_transport",
	"mcp-addr":         "mcp_addr",
	"workflows-dir":    "workflows_dir",
}

// loadConfig layers defaults, the config file, env vars and the flags of cmd.
func loadConfig(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	d := defaultConfig()
	for key, val := range map[string]any{
		"log_level":          d.LogLevel,
		"log_format":         d.LogFormat,
		"state_backend":      d.StateBackend,
		"db_path":            d.DBPath,
		"redis_addr":         d.RedisAddr,
		"redis_password":     d.RedisPassword,
		"redis_namespace":    d.RedisNamespace,
		"backend_url":        d.BackendURL,
		"backend_timeout":    d.BackendTimeout,
		"breaker_failures":   d.BreakerFailures,
		"breaker_cooldown":   d.BreakerCooldown,
		"allow_javascript":   d.AllowJavaScript,
		"script_timeout":     d.ScriptTimeout,
		"pool_size":          d.PoolSize,
		"progress_interval":  d.ProgressInterval,
		"finished_ttl":       d.FinishedTTL,
		"snapshot_ttl":       d.SnapshotTTL,
		"retention_schedule": d.RetentionSchedule,
		"vault_key":          d.VaultKey,
		"evidence_dir":       d.EvidenceDir,
		"workflows_dir":      d.WorkflowsDir,
		"http_addr":          d.HTTPAddr,
		"mcp_transport":      d.MCPTransport,
		"mcp_addr":           d.MCPAddr,
	} {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix("HOUNDFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	configFile, _ := cmd.Flags().GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("houndflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(houndflowDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	for name, key := range flagKeys {
		if fl := cmd.Flags().Lookup(name); fl != nil {
			if err := v.BindPFlag(key, fl); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.StateBackend {
	case "memory", "libsql", "redis":
	default:
		return fmt.Errorf("unknown state_backend %q (want memory, libsql or redis)", c.StateBackend)
	}
	switch c.MCPTransport {
	case "sse", "stdio", "none":
	default:
		return fmt.Errorf("unknown mcp_transport %q (want sse, stdio or none)", c.MCPTransport)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	return nil
}

func (c Config) redisAddrs() []string {
	var out []string
	for _, a := range strings.Split(c.RedisAddr, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
