package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Explorer      ExplorerConfig      `yaml:"explorer"`
	Storage       StorageConfig       `yaml:"storage"`
	Limits        LimitsConfig        `yaml:"limits"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ExplorerConfig tunes the trace window and the API client's retry budget.
type ExplorerConfig struct {
	WindowMinutes    int `yaml:"window_minutes"`
	LookbackHours    int `yaml:"lookback_hours"`
	PageSize         int `yaml:"page_size"`
	RequestTimeoutMS int `yaml:"request_timeout_ms"`
	MaxRetries       int `yaml:"max_retries"`
	RetryBaseDelayMS int `yaml:"retry_base_delay_ms"`
}

func (c ExplorerConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

func (c ExplorerConfig) Lookback() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}

func (c ExplorerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c ExplorerConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

// StorageConfig selects the connection store backend.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type LimitsConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultWindowMinutes    = 30
	defaultLookbackHours    = 24
	defaultPageSize         = 100
	defaultRequestTimeoutMS = 60000
	defaultMaxRetries       = 2
	defaultRetryBaseDelayMS = 1000

	defaultStoragePath = "fuseview.db"

	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "fuseview"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Explorer: ExplorerConfig{
			WindowMinutes:    defaultWindowMinutes,
			LookbackHours:    defaultLookbackHours,
			PageSize:         defaultPageSize,
			RequestTimeoutMS: defaultRequestTimeoutMS,
			MaxRetries:       defaultMaxRetries,
			RetryBaseDelayMS: defaultRetryBaseDelayMS,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   defaultStoragePath,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

// Load reads path when it exists, layering the file over defaults and
// environment overrides over the file. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	explorer := cfg.Explorer
	if explorer.WindowMinutes <= 0 {
		return fmt.Errorf("explorer.window_minutes must be > 0 (got %d)", explorer.WindowMinutes)
	}
	if explorer.LookbackHours <= 0 {
		return fmt.Errorf("explorer.lookback_hours must be > 0 (got %d)", explorer.LookbackHours)
	}
	if explorer.Lookback() < explorer.Window() {
		return fmt.Errorf("explorer.lookback_hours must cover at least one window of %d minutes", explorer.WindowMinutes)
	}
	if explorer.PageSize <= 0 || explorer.PageSize > 100 {
		return fmt.Errorf("explorer.page_size must be between 1 and 100 (got %d)", explorer.PageSize)
	}
	if explorer.RequestTimeoutMS <= 0 {
		return fmt.Errorf("explorer.request_timeout_ms must be > 0 (got %d)", explorer.RequestTimeoutMS)
	}
	if explorer.MaxRetries < 0 {
		return fmt.Errorf("explorer.max_retries must be >= 0 (got %d)", explorer.MaxRetries)
	}
	if explorer.RetryBaseDelayMS <= 0 {
		return fmt.Errorf("explorer.retry_base_delay_ms must be > 0 (got %d)", explorer.RetryBaseDelayMS)
	}

	driver := strings.TrimSpace(cfg.Storage.Driver)
	switch driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	case "memory":
		// Ephemeral store, nothing to validate.
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres, memory (got %q)", cfg.Storage.Driver)
	}

	if cfg.Limits.RequestsPerMinute < 0 {
		return fmt.Errorf("limits.requests_per_minute must be >= 0 (got %d)", cfg.Limits.RequestsPerMinute)
	}

	return validateOTelConfig(cfg.Observability.OTel)
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if err := applyEnvInt("FUSEVIEW_WINDOW_MINUTES", &cfg.Explorer.WindowMinutes); err != nil {
		return err
	}
	if err := applyEnvInt("FUSEVIEW_LOOKBACK_HOURS", &cfg.Explorer.LookbackHours); err != nil {
		return err
	}
	if err := applyEnvInt("FUSEVIEW_PAGE_SIZE", &cfg.Explorer.PageSize); err != nil {
		return err
	}
	if err := applyEnvInt("FUSEVIEW_REQUEST_TIMEOUT_MS", &cfg.Explorer.RequestTimeoutMS); err != nil {
		return err
	}
	if err := applyEnvInt("FUSEVIEW_MAX_RETRIES", &cfg.Explorer.MaxRetries); err != nil {
		return err
	}
	if err := applyEnvInt("FUSEVIEW_RETRY_BASE_DELAY_MS", &cfg.Explorer.RetryBaseDelayMS); err != nil {
		return err
	}
	if err := applyEnvInt("FUSEVIEW_REQUESTS_PER_MINUTE", &cfg.Limits.RequestsPerMinute); err != nil {
		return err
	}

	if storageDriver := os.Getenv("FUSEVIEW_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("FUSEVIEW_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("FUSEVIEW_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	return applyOTelEnv(cfg)
}

// applyOTelEnv honors the standard OTEL_* environment contract; setting any
// OTel variable implicitly enables instrumentation unless OTEL_SDK_DISABLED
// says otherwise.
func applyOTelEnv(cfg *Config) error {
	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}
	return nil
}

func applyEnvInt(name string, target *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*target = v
	return nil
}
