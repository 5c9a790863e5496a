// Package config loads Taskforge's configuration from environment variables,
// an optional config file, and built-in defaults, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/taskforge/internal/common/logger"
)

// Config holds all configuration sections for the engine.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    logger.Config    `mapstructure:"logging"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Streaming  StreamingConfig  `mapstructure:"streaming"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Agent      AgentConfig      `mapstructure:"agent"`
}

// ServerConfig holds root-level paths used by the engine.
type ServerConfig struct {
	RootDir string `mapstructure:"rootDir"` // <engine-root>; data/ and logs/ live underneath
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host          string `mapstructure:"host"`
	APIVersion    string `mapstructure:"apiVersion"`
	ExecutionImage string `mapstructure:"executionImage"`
}

// DatabaseConfig holds the embedded persistence store's location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PoolConfig holds Container Pool sizing.
type PoolConfig struct {
	WarmSize            int           `mapstructure:"warmSize"`
	MaxSize             int           `mapstructure:"maxSize"`
	CredentialTimeout   time.Duration `mapstructure:"credentialTimeout"`
	DefaultCPUCores     int64         `mapstructure:"defaultCpuCores"`
	DefaultMemoryBytes  int64         `mapstructure:"defaultMemoryBytes"`
	SecureExecution     bool          `mapstructure:"secureExecution"`
}

// StreamingConfig holds the Streaming Hub's HTTP configuration.
type StreamingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// SupervisorConfig holds the supervisor's restart/backoff knobs.
type SupervisorConfig struct {
	CrashWindow    time.Duration `mapstructure:"crashWindow"`
	MaxCrashes     int           `mapstructure:"maxCrashes"`
	GracePeriod    time.Duration `mapstructure:"gracePeriod"`
	HealthInterval time.Duration `mapstructure:"healthInterval"`
	MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
}

// AgentConfig holds defaults for invoking the in-sandbox agent.
type AgentConfig struct {
	DebugNoCleanup bool `mapstructure:"debugNoCleanup"`
}

// Load builds a Config from defaults, an optional config file, and environment
// variables (TASKFORGE_* / MCP_* / CLAUDE_PARALLEL_*, per precedence order).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("taskforge")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".taskforge"))
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("TASKFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	bindLegacyEnv(cfg)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.rootDir", ".")

	v.SetDefault("docker.host", defaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.executionImage", "taskforge/agent-sandbox:latest")

	v.SetDefault("database.path", "data/taskforge.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("pool.warmSize", 3)
	v.SetDefault("pool.maxSize", 10)
	v.SetDefault("pool.credentialTimeout", 5*time.Second)
	v.SetDefault("pool.defaultCpuCores", int64(2))
	v.SetDefault("pool.defaultMemoryBytes", int64(2*1024*1024*1024))
	v.SetDefault("pool.secureExecution", true)

	v.SetDefault("streaming.enabled", true)
	v.SetDefault("streaming.port", 47821)

	v.SetDefault("supervisor.crashWindow", 60*time.Second)
	v.SetDefault("supervisor.maxCrashes", 10)
	v.SetDefault("supervisor.gracePeriod", 30*time.Second)
	v.SetDefault("supervisor.healthInterval", 2*time.Second)
	v.SetDefault("supervisor.maxBackoff", 30*time.Second)

	v.SetDefault("agent.debugNoCleanup", false)
}

// bindLegacyEnv applies the historically-named environment variables, which
// don't fit viper's dotted-key convention, on top of the unmarshaled config.
func bindLegacyEnv(cfg *Config) {
	if v := os.Getenv("CLAUDE_PARALLEL_WORK_ENABLE_STREAMING"); v != "" {
		cfg.Streaming.Enabled = v != "0" && strings.ToLower(v) != "false"
	}
	if v := os.Getenv("CLAUDE_PARALLEL_WORK_STREAM_PORT"); v != "" {
		if p, err := parsePort(v); err == nil {
			cfg.Streaming.Port = p
		}
	}
	if v := os.Getenv("CLAUDE_PARALLEL_DEBUG_NO_CLEANUP"); v != "" {
		cfg.Agent.DebugNoCleanup = v != "0" && strings.ToLower(v) != "false"
	}
	if v := os.Getenv("DOCKER_HOST"); v != "" {
		cfg.Docker.Host = v
	}
	if v := os.Getenv("MCP_CLAUDE_DEBUG"); v != "" && v != "0" && strings.ToLower(v) != "false" {
		cfg.Logging.Level = "debug"
	}
	if v := os.Getenv("MCP_ENABLE_SECURE_EXECUTION"); v != "" {
		cfg.Pool.SecureExecution = v != "0" && strings.ToLower(v) != "false"
	}
	if d, ok := envDuration("MCP_SUPERVISOR_CRASH_WINDOW"); ok {
		cfg.Supervisor.CrashWindow = d
	}
	if v := os.Getenv("MCP_SUPERVISOR_MAX_CRASHES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Supervisor.MaxCrashes = n
		}
	}
	if d, ok := envDuration("MCP_SUPERVISOR_GRACE_PERIOD"); ok {
		cfg.Supervisor.GracePeriod = d
	}
	if d, ok := envDuration("MCP_SUPERVISOR_HEALTH_INTERVAL"); ok {
		cfg.Supervisor.HealthInterval = d
	}
	if d, ok := envDuration("MCP_SUPERVISOR_MAX_BACKOFF"); ok {
		cfg.Supervisor.MaxBackoff = d
	}
}

// envDuration reads name as a Go duration string, or as a bare number of
// seconds for compatibility with older installer-written values.
func envDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, true
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}

func parsePort(s string) (int, error) {
	var p int
	_, err := fmt.Sscanf(s, "%d", &p)
	return p, err
}

func defaultDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}
	return "unix:///var/run/docker.sock"
}
