package config

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is stripped from environment variables before mapping.
	EnvPrefix = "PROMPTGRADE_"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// LoadWithFile loads configuration from built-in defaults, then the YAML
// file at configPath (if it exists), then environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PROMPTGRADE_PIPELINE_EXECUTION_COUNT, ...)
//  2. YAML config file (~/.config/promptgrade/config.yaml by default)
//  3. Built-in defaults
//
// Environment variables drop the PROMPTGRADE_ prefix and split on the first
// underscore into section and field:
//
//	PROMPTGRADE_PIPELINE_EXECUTION_COUNT -> pipeline.execution_count
//	PROMPTGRADE_SERVER_HTTP_PORT         -> server.http_port
//
// Provider keys additionally fall back to ANTHROPIC_API_KEY and
// OPENAI_API_KEY when not configured.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load built-in defaults: %w", err)
	}

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "promptgrade", "config.yaml")
	}

	content, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.raw = k

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration without reading files or env.
func Default() *Config {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		panic(fmt.Sprintf("config: invalid built-in defaults: %v", err))
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		panic(fmt.Sprintf("config: invalid built-in defaults: %v", err))
	}
	cfg.raw = k
	return &cfg
}

// envKey maps PROMPTGRADE_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile returns the file content, or nil if the file does not exist.
// The file is opened once and validated through the descriptor to avoid a
// TOCTOU race between the checks and the read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigFileProperties rejects oversized and world-writable files.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("config path is a directory")
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o002 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be world-writable)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults fills values that cannot be expressed in the defaults file.
func applyDefaults(cfg *Config) {
	if !cfg.Generation.Anthropic.APIKey.IsSet() {
		cfg.Generation.Anthropic.APIKey = Secret(os.Getenv("ANTHROPIC_API_KEY"))
	}
	if !cfg.Generation.OpenAI.APIKey.IsSet() {
		cfg.Generation.OpenAI.APIKey = Secret(os.Getenv("OPENAI_API_KEY"))
	}
	if !cfg.History.Embeddings.APIKey.IsSet() {
		cfg.History.Embeddings.APIKey = cfg.Generation.OpenAI.APIKey
	}
	if cfg.Pipeline.MaxSteps == 0 {
		cfg.Pipeline.MaxSteps = 50
	}
	if cfg.Pipeline.MaxLoops == 0 {
		cfg.Pipeline.MaxLoops = 1
	}
	if cfg.Pipeline.ChunkConcurrency == 0 {
		cfg.Pipeline.ChunkConcurrency = 5
	}
}

// EnsureConfigDir creates the promptgrade config directory if it doesn't exist.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "promptgrade")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[1:]), nil
}
