package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/skobkin/cpuhz-web/internal/clock"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	SampleInterval   time.Duration
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	SysfsRoot        string
	ProcRoot         string
	Sampler          SamplerConfig
	WS               WebsocketConfig
	Load             LoadConfig
	MQTT             MQTTConfig
}

// SamplerConfig controls the monitor pool.
type SamplerConfig struct {
	// Threads is the number of monitors; 0 means one per online logical CPU.
	Threads       int
	SpinCount     int
	Attempts      int
	Clock         string
	VerifyCore    bool
	AllowUnpinned bool
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// LoadConfig contains settings for the /proc/stat load scanner.
type LoadConfig struct {
	Enable       bool
	ScanInterval time.Duration
}

// MQTTConfig configures the optional snapshot publisher.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
}

// Enabled reports whether a broker was configured.
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       ":8080",
		SampleInterval:   time.Second,
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		SysfsRoot:        "/sys",
		ProcRoot:         "/proc",
		Sampler: SamplerConfig{
			Threads:    0,
			SpinCount:  2500,
			Attempts:   25,
			Clock:      clock.SourceMonotonic,
			VerifyCore: true,
		},
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
		Load: LoadConfig{
			Enable:       true,
			ScanInterval: 2 * time.Second,
		},
		MQTT: MQTTConfig{
			Topic:    "cpuhz",
			ClientID: "cpuhz",
		},
	}

	if value := env("APP_LISTEN_ADDR"); value != "" {
		cfg.ListenAddr = value
	}

	if err := positiveDuration("APP_SAMPLE_INTERVAL", &cfg.SampleInterval); err != nil {
		return Config{}, err
	}

	if value := env("APP_ALLOWED_ORIGINS"); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	for key, target := range map[string]*bool{
		"APP_ENABLE_PROMETHEUS": &cfg.EnablePrometheus,
		"APP_ENABLE_PPROF":      &cfg.EnablePprof,
		"APP_VERIFY_CORE":       &cfg.Sampler.VerifyCore,
		"APP_ALLOW_UNPINNED":    &cfg.Sampler.AllowUnpinned,
		"APP_LOAD_ENABLE":       &cfg.Load.Enable,
	} {
		if err := boolean(key, target); err != nil {
			return Config{}, err
		}
	}

	if value := env("APP_LOG_LEVEL"); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := env("APP_SYSFS_ROOT"); value != "" {
		cfg.SysfsRoot = value
	}

	if value := env("APP_PROC_ROOT"); value != "" {
		cfg.ProcRoot = value
	}

	if value := env("APP_THREADS"); value != "" {
		threads, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_THREADS: %w", err)
		}
		if threads < 0 {
			return Config{}, fmt.Errorf("APP_THREADS must be >= 0")
		}
		cfg.Sampler.Threads = threads
	}

	if err := positiveInt("APP_SPIN_COUNT", &cfg.Sampler.SpinCount); err != nil {
		return Config{}, err
	}

	if err := positiveInt("APP_ATTEMPTS", &cfg.Sampler.Attempts); err != nil {
		return Config{}, err
	}

	if value := env("APP_CLOCK"); value != "" {
		source, err := clock.Parse(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_CLOCK: %w", err)
		}
		cfg.Sampler.Clock = source
	}

	if err := positiveInt("APP_WS_MAX_CLIENTS", &cfg.WS.MaxClients); err != nil {
		return Config{}, err
	}

	if err := positiveDuration("APP_WS_WRITE_TIMEOUT", &cfg.WS.WriteTimeout); err != nil {
		return Config{}, err
	}

	if err := positiveDuration("APP_WS_READ_TIMEOUT", &cfg.WS.ReadTimeout); err != nil {
		return Config{}, err
	}

	if err := positiveDuration("APP_LOAD_SCAN_INTERVAL", &cfg.Load.ScanInterval); err != nil {
		return Config{}, err
	}

	if value := env("APP_MQTT_BROKER"); value != "" {
		broker, err := url.Parse(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_MQTT_BROKER: %w", err)
		}
		if broker.Scheme == "" || broker.Host == "" {
			return Config{}, fmt.Errorf("APP_MQTT_BROKER must be a URL like tcp://host:1883")
		}
		cfg.MQTT.Broker = value
	}

	if value := env("APP_MQTT_TOPIC"); value != "" {
		cfg.MQTT.Topic = strings.TrimSuffix(value, "/")
	}

	if value := env("APP_MQTT_CLIENT_ID"); value != "" {
		cfg.MQTT.ClientID = value
	}

	if value := env("APP_MQTT_QOS"); value != "" {
		qos, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_MQTT_QOS: %w", err)
		}
		if qos > 2 {
			return Config{}, fmt.Errorf("APP_MQTT_QOS must be 0, 1 or 2")
		}
		cfg.MQTT.QoS = byte(qos)
	}

	return cfg, nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func boolean(key string, target *bool) error {
	value := env(key)
	if value == "" {
		return nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*target = enabled
	return nil
}

func positiveInt(key string, target *int) error {
	value := env(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if n <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*target = n
	return nil
}

func positiveDuration(key string, target *time.Duration) error {
	value := env(key)
	if value == "" {
		return nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if duration <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*target = duration
	return nil
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
