package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/choraleia/chatcore/pkg/models"
	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file under the user's home directory.
// All fields are optional; defaults are applied by the accessor methods.
//
// Example (~/.chatcore/config.yaml):
//
// server:
//   host: 127.0.0.1
//   port: 8088
// providers:
//   - provider: openai
//     model: gpt-4o-mini
//     api_key_env: OPENAI_API_KEY
//   - provider: google
//     model: gemini-2.0-flash
//     api_key_env: GEMINI_API_KEY
// embedding:
//   provider: openai
//   model: text-embedding-3-small
//   api_key_env: OPENAI_API_KEY
//
// Notes:
// - If the config file does not exist, Load returns defaults without error.
// - If the config file exists but cannot be parsed, Load returns an error.
// - Providers are tried in the listed order.

type AppConfig struct {
	Server    ServerConfig         `yaml:"server"`
	Log       LogConfig            `yaml:"log"`
	Database  DatabaseConfig       `yaml:"database"`
	Auth      AuthConfig           `yaml:"auth"`
	Providers []models.ModelConfig `yaml:"providers"`
	Embedding *models.ModelConfig  `yaml:"embedding,omitempty"`
	Gateway   GatewayConfig        `yaml:"gateway"`
	Retrieval RetrievalConfig      `yaml:"retrieval"`
	Chat      ChatConfig           `yaml:"chat"`
	Quota     QuotaConfig          `yaml:"quota"`
	Redis     RedisConfig          `yaml:"redis"`
}

type ServerConfig struct {
	Host *string `yaml:"host"`
	Port *int    `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
}

type GatewayConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	FallbackDepth      *int          `yaml:"fallback_depth"`
	SimulationDelayMin time.Duration `yaml:"simulation_delay_min"`
	SimulationDelayMax time.Duration `yaml:"simulation_delay_max"`
}

type RetrievalConfig struct {
	Backend   string   `yaml:"backend"` // memory or chromem
	Path      string   `yaml:"path"`    // chromem directory or memory snapshot file; empty keeps nothing on disk
	Dimension int      `yaml:"dimension"`
	Limit     int      `yaml:"limit"`
	Threshold *float64 `yaml:"threshold"`
}

type ChatConfig struct {
	HistoryLimit     int `yaml:"history_limit"`
	MaxContentLength int `yaml:"max_content_length"`
}

type QuotaConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MinRequired  int `yaml:"min_required"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty disables the relay
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8088

	DefaultGatewayTimeout     = 30 * time.Second
	DefaultFallbackDepth      = 1
	DefaultSimulationDelayMin = 50 * time.Millisecond
	DefaultSimulationDelayMax = 150 * time.Millisecond

	DefaultRetrievalBackend   = "memory"
	DefaultDimension          = 1536
	DefaultSearchLimit        = 5
	DefaultSearchThreshold    = 0.7
	DefaultHistoryLimit       = 10
	DefaultMaxContentLength   = 4000
	DefaultQuotaLimit         = 10000
	DefaultQuotaMinRequired   = 100
	DefaultRedisChannelPrefix = "chatcore:room:"
)

// DefaultPaths returns the config dir and config file path.
// CHATCORE_CONFIG overrides the file location.
func DefaultPaths() (configDir string, configFile string, err error) {
	if p := strings.TrimSpace(os.Getenv("CHATCORE_CONFIG")); p != "" {
		return filepath.Dir(p), p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".chatcore")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// Load reads ~/.chatcore/config.yaml.
// If the file doesn't exist, it returns a default config and nil error.
func Load() (*AppConfig, string, error) {
	_, configFile, err := DefaultPaths()
	if err != nil {
		return nil, "", err
	}

	cfg := &AppConfig{}

	b, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, configFile, nil
		}
		return nil, "", fmt.Errorf("read config file %s: %w", configFile, err)
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, "", fmt.Errorf("parse yaml config %s: %w", configFile, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("%w in %s", err, configFile)
	}

	return cfg, configFile, nil
}

// Validate checks values that have no sensible fallback.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Host()) == "" {
		return fmt.Errorf("invalid server.host (empty)")
	}
	if port := c.Port(); port < 1 || port > 65535 {
		return fmt.Errorf("invalid server.port %d", port)
	}
	for i := range c.Providers {
		c.Providers[i].Normalize()
		if _, ok := models.SupportedModelProviders[c.Providers[i].Provider]; !ok {
			return fmt.Errorf("invalid providers[%d].provider %q", i, c.Providers[i].Provider)
		}
	}
	if c.Embedding != nil {
		c.Embedding.Normalize()
		if _, ok := models.SupportedEmbeddingProviders[c.Embedding.Provider]; !ok {
			return fmt.Errorf("invalid embedding.provider %q", c.Embedding.Provider)
		}
	}
	switch c.RetrievalBackend() {
	case "memory", "chromem":
	default:
		return fmt.Errorf("invalid retrieval.backend %q", c.Retrieval.Backend)
	}
	if t := c.SearchThreshold(); t < -1 || t > 1 {
		return fmt.Errorf("invalid retrieval.threshold %v", t)
	}
	if c.Gateway.SimulationDelayMax > 0 && c.Gateway.SimulationDelayMax < c.Gateway.SimulationDelayMin {
		return fmt.Errorf("gateway.simulation_delay_max is below simulation_delay_min")
	}
	return nil
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
// It is safe to call on startup.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	defaultCfg := AppConfig{
		Server: ServerConfig{Host: ptr(DefaultHost), Port: ptr(DefaultPort)},
		Log:    LogConfig{Level: "info", Format: "text"},
		Providers: []models.ModelConfig{
			{Provider: "openai", Model: "gpt-4o-mini", ApiKeyEnv: "OPENAI_API_KEY"},
			{Provider: "google", Model: "gemini-2.0-flash", ApiKeyEnv: "GEMINI_API_KEY"},
		},
		Gateway:   GatewayConfig{Timeout: DefaultGatewayTimeout, FallbackDepth: ptr(DefaultFallbackDepth)},
		Retrieval: RetrievalConfig{Backend: DefaultRetrievalBackend, Dimension: DefaultDimension, Limit: DefaultSearchLimit, Threshold: ptr(DefaultSearchThreshold)},
		Chat:      ChatConfig{HistoryLimit: DefaultHistoryLimit, MaxContentLength: DefaultMaxContentLength},
		Quota:     QuotaConfig{DefaultLimit: DefaultQuotaLimit, MinRequired: DefaultQuotaMinRequired},
	}
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	// Write with restrictive permissions.
	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

func (c *AppConfig) Host() string {
	if c == nil {
		return DefaultHost
	}
	if c.Server.Host == nil {
		return DefaultHost
	}
	v := strings.TrimSpace(*c.Server.Host)
	if v == "" {
		return DefaultHost
	}
	return v
}

// Port returns server.port, overridden by a valid CHATCORE_PORT.
func (c *AppConfig) Port() int {
	if v := os.Getenv("CHATCORE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p <= 65535 {
			return p
		}
	}
	if c == nil {
		return DefaultPort
	}
	if c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

// DatabasePath returns the sqlite file, defaulting to ~/.chatcore/chatcore.db.
func (c *AppConfig) DatabasePath() string {
	if c != nil && strings.TrimSpace(c.Database.Path) != "" {
		return c.Database.Path
	}
	dir, _, err := DefaultPaths()
	if err != nil {
		return "chatcore.db"
	}
	return filepath.Join(dir, "chatcore.db")
}

func (c *AppConfig) JWTSecret() string {
	if c == nil {
		return ""
	}
	if c.Auth.JWTSecret != "" {
		return c.Auth.JWTSecret
	}
	if c.Auth.JWTSecretEnv != "" {
		return os.Getenv(c.Auth.JWTSecretEnv)
	}
	return ""
}

func (c *AppConfig) GatewayTimeout() time.Duration {
	if c == nil || c.Gateway.Timeout <= 0 {
		return DefaultGatewayTimeout
	}
	return c.Gateway.Timeout
}

func (c *AppConfig) FallbackDepth() int {
	if c == nil || c.Gateway.FallbackDepth == nil || *c.Gateway.FallbackDepth < 0 {
		return DefaultFallbackDepth
	}
	return *c.Gateway.FallbackDepth
}

// SimulationDelay returns the per-chunk delay range of simulated streaming.
func (c *AppConfig) SimulationDelay() (time.Duration, time.Duration) {
	if c == nil || (c.Gateway.SimulationDelayMin == 0 && c.Gateway.SimulationDelayMax == 0) {
		return DefaultSimulationDelayMin, DefaultSimulationDelayMax
	}
	lo, hi := c.Gateway.SimulationDelayMin, c.Gateway.SimulationDelayMax
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func (c *AppConfig) RetrievalBackend() string {
	if c == nil || c.Retrieval.Backend == "" {
		return DefaultRetrievalBackend
	}
	return strings.ToLower(c.Retrieval.Backend)
}

func (c *AppConfig) Dimension() int {
	if c == nil || c.Retrieval.Dimension <= 0 {
		return DefaultDimension
	}
	return c.Retrieval.Dimension
}

func (c *AppConfig) SearchLimit() int {
	if c == nil || c.Retrieval.Limit <= 0 {
		return DefaultSearchLimit
	}
	return c.Retrieval.Limit
}

func (c *AppConfig) SearchThreshold() float64 {
	if c == nil || c.Retrieval.Threshold == nil {
		return DefaultSearchThreshold
	}
	return *c.Retrieval.Threshold
}

func (c *AppConfig) HistoryLimit() int {
	if c == nil || c.Chat.HistoryLimit <= 0 {
		return DefaultHistoryLimit
	}
	return c.Chat.HistoryLimit
}

func (c *AppConfig) MaxContentLength() int {
	if c == nil || c.Chat.MaxContentLength <= 0 {
		return DefaultMaxContentLength
	}
	return c.Chat.MaxContentLength
}

func (c *AppConfig) QuotaLimit() int {
	if c == nil || c.Quota.DefaultLimit <= 0 {
		return DefaultQuotaLimit
	}
	return c.Quota.DefaultLimit
}

func (c *AppConfig) QuotaMinRequired() int {
	if c == nil || c.Quota.MinRequired <= 0 {
		return DefaultQuotaMinRequired
	}
	return c.Quota.MinRequired
}

func (c *AppConfig) RedisChannelPrefix() string {
	if c == nil || c.Redis.Channel == "" {
		return DefaultRedisChannelPrefix
	}
	return c.Redis.Channel
}

func ptr[T any](v T) *T { return &v }
