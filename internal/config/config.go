// Package config resolves run configuration from flags, environment and
// defaults through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/engine"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/poller"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/probes"
	"github.com/yorozuya-cybersecurity/yorosec-webscan/internal/schema"
)

// Viper keys.
const (
	KeyEngineURL            = "engine.url"
	KeyEngineAPIKey         = "engine.api_key"
	KeyEnginePollInterval   = "engine.poll_interval"
	KeyEngineDeadline       = "engine.deadline"
	KeyEnginePollRetries    = "engine.poll_retries"
	KeyEngineBackoffInitial = "engine.backoff_initial"
	KeyEngineBackoffMax     = "engine.backoff_max"
	KeyEngineScanConfig     = "engine.scan_config"
	KeyProbesEnabled        = "probes.enabled"
	KeyProbesTimeout        = "probes.timeout"
	KeyProbesConcurrency    = "probes.concurrency"
	KeyProbesRateLimit      = "probes.rate_limit"
	KeyProbesChromePath     = "probes.chrome_path"
	KeyProbesNucleiBinary   = "probes.nuclei_binary"
	KeyOutput               = "output"
	KeyReportFormat         = "report.format"
	KeyMetricsFile          = "metrics.file"
	KeyOTelEndpoint         = "otel.endpoint"
	KeyOTelInsecure         = "otel.insecure"
	KeyLocalOnly            = "local_only"
)

// Config is the resolved configuration of one scan run.
type Config struct {
	Engine      Engine
	Probes      Probes
	Output      string
	Formats     []string
	MetricsFile string
	OTel        OTel
	// LocalOnly runs without the external engine.
	LocalOnly bool
}

// Engine configures the external scanning engine and its poller.
type Engine struct {
	URL            string
	APIKey         string
	PollInterval   time.Duration
	Deadline       time.Duration
	PollRetries    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	ScanConfig     engine.ScanConfig
}

// Probes configures the local probe runner.
type Probes struct {
	Enabled      []schema.Category
	Timeout      time.Duration
	Concurrency  int
	RateLimit    int
	ChromePath   string
	NucleiBinary string
}

// OTel configures trace export.
type OTel struct {
	Endpoint string
	Insecure bool
}

// SetDefaults registers defaults and environment bindings on v. The
// engine keys also accept the BURP_* names.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyEngineURL, "http://localhost:8080")
	v.SetDefault(KeyEnginePollInterval, "10s")
	v.SetDefault(KeyEngineDeadline, "30m")
	v.SetDefault(KeyEnginePollRetries, 5)
	v.SetDefault(KeyEngineBackoffInitial, "2s")
	v.SetDefault(KeyEngineBackoffMax, "1m")
	v.SetDefault(KeyProbesEnabled, "injected-script,query-injection,csrf")
	v.SetDefault(KeyProbesTimeout, "2m")
	v.SetDefault(KeyProbesConcurrency, 3)
	v.SetDefault(KeyProbesRateLimit, 10)
	v.SetDefault(KeyProbesNucleiBinary, "nuclei")
	v.SetDefault(KeyOutput, "./reports")
	v.SetDefault(KeyReportFormat, "json,html,pdf,csv")

	v.SetEnvPrefix("YORO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv(KeyEngineURL, "YORO_ENGINE_URL", "BURP_BASE_URL")
	_ = v.BindEnv(KeyEngineAPIKey, "YORO_ENGINE_API_KEY", "BURP_API_KEY")
}

// Load resolves and validates the configuration held by v. Every failure
// is a configuration error.
func Load(v *viper.Viper) (Config, error) {
	var c Config
	var err error

	c.LocalOnly = v.GetBool(KeyLocalOnly)
	c.Output = v.GetString(KeyOutput)
	c.MetricsFile = v.GetString(KeyMetricsFile)
	c.OTel = OTel{Endpoint: v.GetString(KeyOTelEndpoint), Insecure: v.GetBool(KeyOTelInsecure)}
	c.Formats = List(v, KeyReportFormat)

	c.Engine.URL = v.GetString(KeyEngineURL)
	c.Engine.APIKey = v.GetString(KeyEngineAPIKey)
	if !c.LocalOnly && c.Engine.APIKey == "" {
		return c, schema.Config(KeyEngineAPIKey, errors.New("engine API key is required (set YORO_ENGINE_API_KEY or BURP_API_KEY, or use --local-only)"))
	}
	if c.Engine.PollInterval, err = duration(v, KeyEnginePollInterval); err != nil {
		return c, err
	}
	if c.Engine.Deadline, err = duration(v, KeyEngineDeadline); err != nil {
		return c, err
	}
	if c.Engine.BackoffInitial, err = duration(v, KeyEngineBackoffInitial); err != nil {
		return c, err
	}
	if c.Engine.BackoffMax, err = duration(v, KeyEngineBackoffMax); err != nil {
		return c, err
	}
	if c.Engine.PollRetries, err = integer(v, KeyEnginePollRetries); err != nil {
		return c, err
	}
	c.Engine.ScanConfig = engine.DefaultScanConfig()
	if path := v.GetString(KeyEngineScanConfig); path != "" {
		if c.Engine.ScanConfig, err = LoadScanConfig(path); err != nil {
			return c, err
		}
	}

	for _, name := range List(v, KeyProbesEnabled) {
		c.Probes.Enabled = append(c.Probes.Enabled, schema.NormalizeCategory(name))
	}
	if len(c.Probes.Enabled) == 0 {
		return c, schema.Config(KeyProbesEnabled, errors.New("no probe categories enabled"))
	}
	if c.Probes.Timeout, err = duration(v, KeyProbesTimeout); err != nil {
		return c, err
	}
	if c.Probes.Timeout == 0 {
		return c, schema.Config(KeyProbesTimeout, errors.New("must be positive"))
	}
	if c.Probes.Concurrency, err = integer(v, KeyProbesConcurrency); err != nil {
		return c, err
	}
	if c.Probes.RateLimit, err = integer(v, KeyProbesRateLimit); err != nil {
		return c, err
	}
	c.Probes.ChromePath = v.GetString(KeyProbesChromePath)
	c.Probes.NucleiBinary = v.GetString(KeyProbesNucleiBinary)

	if !c.LocalOnly {
		if err := c.PollerConfig().Validate(); err != nil {
			return c, err
		}
		if c.Probes.Timeout >= c.Engine.Deadline {
			return c, schema.Config(KeyProbesTimeout, fmt.Errorf("%s must be below %s (%s)", c.Probes.Timeout, KeyEngineDeadline, c.Engine.Deadline))
		}
	}
	return c, nil
}

// PollerConfig maps the engine settings onto the poller.
func (c Config) PollerConfig() poller.Config {
	pc := poller.DefaultConfig()
	pc.Interval = c.Engine.PollInterval
	pc.Deadline = c.Engine.Deadline
	pc.MaxPollRetries = c.Engine.PollRetries
	pc.Backoff = poller.Backoff{InitDelay: c.Engine.BackoffInitial, MaxDelay: c.Engine.BackoffMax}
	return pc
}

// RegistryConfig maps the probe settings onto the built-in executors.
func (c Config) RegistryConfig() probes.RegistryConfig {
	return probes.RegistryConfig{
		RateLimit:    c.Probes.RateLimit,
		ChromePath:   c.Probes.ChromePath,
		NucleiBinary: c.Probes.NucleiBinary,
	}
}

// LoadScanConfig reads an engine scan configuration from a YAML file.
// Keys absent from the file keep their defaults.
func LoadScanConfig(path string) (engine.ScanConfig, error) {
	cfg := engine.DefaultScanConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, schema.Config(KeyEngineScanConfig, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, schema.Config(KeyEngineScanConfig, fmt.Errorf("parse %s: %w", path, err))
	}
	return cfg, nil
}

// List reads a comma separated (or native list) value, dropping blanks.
func List(v *viper.Viper, key string) []string {
	var raw []string
	switch val := v.Get(key).(type) {
	case nil:
	case string:
		raw = strings.Split(val, ",")
	default:
		raw, _ = cast.ToStringSliceE(val)
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := cast.ToDurationE(v.Get(key))
	if err != nil {
		return 0, schema.Config(key, err)
	}
	if d < 0 {
		return 0, schema.Config(key, fmt.Errorf("must not be negative, got %s", d))
	}
	return d, nil
}

func integer(v *viper.Viper, key string) (int, error) {
	n, err := cast.ToIntE(v.Get(key))
	if err != nil {
		return 0, schema.Config(key, err)
	}
	if n < 0 {
		return 0, schema.Config(key, fmt.Errorf("must not be negative, got %d", n))
	}
	return n, nil
}
