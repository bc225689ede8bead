package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents runtime configuration sourced from environment
// variables and an optional config file.
type Config struct {
	ListenAddr       string
	SampleInterval   time.Duration
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	NVML             NVMLConfig
	WS               WebsocketConfig
}

// NVMLConfig controls how the management library is loaded and used.
type NVMLConfig struct {
	// LibraryPath overrides the shared library location for both the
	// telemetry context and the offset write binding.
	LibraryPath string
	// EnableOffsets allows clock offset writes through the HTTP surface.
	EnableOffsets bool
	// StrictRefresh aborts a refresh pass at the first failed query.
	StrictRefresh bool
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

const envPrefix = "APP"

// ConfigFileEnv names the variable that points at an optional config file.
const ConfigFileEnv = "APP_CONFIG_FILE"

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("sample_interval", "300ms")
	v.SetDefault("allowed_origins", "*")
	v.SetDefault("enable_prometheus", "false")
	v.SetDefault("enable_pprof", "false")
	v.SetDefault("log_level", "info")
	v.SetDefault("nvml.library_path", "")
	v.SetDefault("nvml.enable_offsets", "true")
	v.SetDefault("nvml.strict_refresh", "false")
	v.SetDefault("ws.max_clients", "1024")
	v.SetDefault("ws.write_timeout", "3s")
	v.SetDefault("ws.read_timeout", "30s")
	return v
}

// Load parses configuration, applying defaults. Environment variables
// (APP_LISTEN_ADDR, APP_WS_MAX_CLIENTS, ...) take precedence over the file
// named by APP_CONFIG_FILE.
func Load() (Config, error) {
	v := newViper()

	if path := strings.TrimSpace(v.GetString("config_file")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	var (
		cfg Config
		err error
	)

	cfg.ListenAddr = strings.TrimSpace(v.GetString("listen_addr"))
	if cfg.ListenAddr == "" {
		return Config{}, errors.New("APP_LISTEN_ADDR must not be empty")
	}

	if cfg.SampleInterval, err = positiveDuration(v, "sample_interval"); err != nil {
		return Config{}, err
	}

	cfg.AllowedOrigins = splitAndTrim(v.GetString("allowed_origins"), ",")
	if len(cfg.AllowedOrigins) == 0 {
		return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
	}

	if cfg.EnablePrometheus, err = parseBool(v, "enable_prometheus"); err != nil {
		return Config{}, err
	}
	if cfg.EnablePprof, err = parseBool(v, "enable_pprof"); err != nil {
		return Config{}, err
	}

	if cfg.LogLevel, err = parseLogLevel(v.GetString("log_level")); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", envName("log_level"), err)
	}

	cfg.NVML.LibraryPath = strings.TrimSpace(v.GetString("nvml.library_path"))
	if cfg.NVML.EnableOffsets, err = parseBool(v, "nvml.enable_offsets"); err != nil {
		return Config{}, err
	}
	if cfg.NVML.StrictRefresh, err = parseBool(v, "nvml.strict_refresh"); err != nil {
		return Config{}, err
	}

	if cfg.WS.MaxClients, err = positiveInt(v, "ws.max_clients"); err != nil {
		return Config{}, err
	}
	if cfg.WS.WriteTimeout, err = positiveDuration(v, "ws.write_timeout"); err != nil {
		return Config{}, err
	}
	if cfg.WS.ReadTimeout, err = positiveDuration(v, "ws.read_timeout"); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func rawValue(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func positiveDuration(v *viper.Viper, key string) (time.Duration, error) {
	duration, err := time.ParseDuration(rawValue(v, key))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", envName(key), err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("%s must be > 0", envName(key))
	}
	return duration, nil
}

func positiveInt(v *viper.Viper, key string) (int, error) {
	value, err := strconv.Atoi(rawValue(v, key))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", envName(key), err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%s must be > 0", envName(key))
	}
	return value, nil
}

func parseBool(v *viper.Viper, key string) (bool, error) {
	value, err := strconv.ParseBool(rawValue(v, key))
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", envName(key), err)
	}
	return value, nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
