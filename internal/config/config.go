// Package config provides configuration loading for ratectl.
package config

import (
	"fmt"
	"os"
	"strconv"

	"ratectl/internal/domain"
	"ratectl/internal/jobtype"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure (spec §6's configuration
// surface).
type Config struct {
	Models                    map[string]ModelConfig   `toml:"models"`
	EscalationOrder           []string                 `toml:"escalation_order"`
	ResourceEstimationsPerJob map[string]JobTypeConfig `toml:"resource_estimations_per_job"`
	Memory                    MemoryConfig             `toml:"memory"`
	RatioAdjustment           RatioAdjustmentConfig    `toml:"ratio_adjustment"`
	Backend                   BackendConfig            `toml:"backend"`
	Label                     string                   `toml:"label"`
}

// ModelConfig mirrors domain.ModelConfig with TOML tags and plain numeric
// fields; ToDomainModels treats a zero field as "unconfigured" wherever
// domain.ModelConfig uses a pointer, so a value absent from the file and an
// explicit 0 are not distinguished.
type ModelConfig struct {
	TokensPerMinute       int64   `toml:"tokens_per_minute"`
	TokensPerDay          int64   `toml:"tokens_per_day"`
	RequestsPerMinute     int64   `toml:"requests_per_minute"`
	RequestsPerDay        int64   `toml:"requests_per_day"`
	MaxConcurrentRequests int64   `toml:"max_concurrent_requests"`
	MaxCapacityKB         int64   `toml:"max_capacity_kb"`
	MinCapacity           int64   `toml:"min_capacity"`
	MaxCapacity           int64   `toml:"max_capacity"`
	PriceInputPerM        float64 `toml:"price_input_per_million"`
	PriceCachedPerM       float64 `toml:"price_cached_per_million"`
	PriceOutputPerM       float64 `toml:"price_output_per_million"`
}

// JobTypeConfig mirrors domain.JobTypeConfig with TOML tags.
type JobTypeConfig struct {
	EstimatedUsedTokens       int64            `toml:"estimated_used_tokens"`
	EstimatedNumberOfRequests int64            `toml:"estimated_number_of_requests"`
	EstimatedUsedMemoryKB     int64            `toml:"estimated_used_memory_kb"`
	HasMemoryEstimate         bool             `toml:"-"`
	RatioInitialValue         float64          `toml:"ratio_initial_value"`
	RatioFlexible             bool             `toml:"ratio_flexible"`
	MaxWaitMS                 map[string]int64 `toml:"max_wait_ms"`
}

// MemoryConfig governs the optional memory-estimation pass (spec §6).
type MemoryConfig struct {
	FreeMemoryRatio         float64 `toml:"free_memory_ratio"`
	RecalculationIntervalMs int64   `toml:"recalculation_interval_ms"`
}

// RatioAdjustmentConfig mirrors jobtype.AdjustmentConfig with TOML tags.
type RatioAdjustmentConfig struct {
	HighLoadThreshold     float64 `toml:"high_load_threshold"`
	LowLoadThreshold      float64 `toml:"low_load_threshold"`
	MaxAdjustment         float64 `toml:"max_adjustment"`
	MinRatio              float64 `toml:"min_ratio"`
	AdjustmentIntervalMs  int64   `toml:"adjustment_interval_ms"`
	ReleasesPerAdjustment int64   `toml:"releases_per_adjustment"`
}

// BackendConfig selects and configures the distributed adapter. An empty
// Kind means single-instance (absent backend, per spec §6).
type BackendConfig struct {
	Kind                string `toml:"kind"` // "", "redis"
	RedisAddr           string `toml:"redis_addr"`
	RedisPassword       string `toml:"redis_password"`
	RedisDB             int    `toml:"redis_db"`
	InstanceTimeoutMs   int64  `toml:"instance_timeout_ms"`
	HeartbeatIntervalMs int64  `toml:"heartbeat_interval_ms"`
}

// Default returns a configuration with the defaults named throughout spec §6
// (5s heartbeat, 15s instance timeout) and an empty model/job-type set —
// callers are expected to populate Models/ResourceEstimationsPerJob before
// use; Load applies Default as TOML decode's starting point so unset
// sections keep these values.
func Default() *Config {
	return &Config{
		Models:                    make(map[string]ModelConfig),
		ResourceEstimationsPerJob: make(map[string]JobTypeConfig),
		RatioAdjustment: RatioAdjustmentConfig{
			HighLoadThreshold:     0.8,
			LowLoadThreshold:      0.3,
			MaxAdjustment:         0.1,
			MinRatio:              0.05,
			AdjustmentIntervalMs:  30_000,
			ReleasesPerAdjustment: 20,
		},
		Backend: BackendConfig{
			InstanceTimeoutMs:   15_000,
			HeartbeatIntervalMs: 5_000,
		},
	}
}

// Load reads and decodes a TOML file on top of Default, expands ${VAR}
// references in the Redis address/password, and applies RATECTL_* direct
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.substituteEnvVars()
	return cfg, nil
}

// LoadOrDefault loads config from path, falling back to Default (with a
// logged warning) on any read error. An empty path always returns Default.
func LoadOrDefault(path string) *Config {
	if path == "" {
		return Default()
	}
	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: failed to load %s, using defaults: %v\n", path, err)
		return Default()
	}
	return cfg
}

func (c *Config) substituteEnvVars() {
	c.Backend.RedisAddr = os.ExpandEnv(c.Backend.RedisAddr)
	c.Backend.RedisPassword = os.ExpandEnv(c.Backend.RedisPassword)

	if v := os.Getenv("RATECTL_BACKEND_REDIS_ADDR"); v != "" {
		c.Backend.RedisAddr = v
	}
	if v := os.Getenv("RATECTL_HEARTBEAT_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Backend.HeartbeatIntervalMs = n
		}
	}
	if v := os.Getenv("RATECTL_LABEL"); v != "" {
		c.Label = v
	}
}

// Validate applies spec §6's fail-fast rules beyond what the orchestrator's
// own constructor re-checks, returning a descriptive error for the first
// problem it finds; later problems are not reported until that one is
// fixed.
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("config: at least one entry under [models] is required")
	}
	if len(c.Models) > 1 && len(c.EscalationOrder) == 0 {
		return fmt.Errorf("config: escalation_order is required when more than one model is configured")
	}
	for _, id := range c.EscalationOrder {
		if _, ok := c.Models[id]; !ok {
			return fmt.Errorf("config: escalation_order references unknown model %q", id)
		}
	}

	memoryConfigured := false
	for _, mc := range c.Models {
		if mc.MaxCapacityKB > 0 {
			memoryConfigured = true
		}
	}
	if memoryConfigured {
		for name, jt := range c.ResourceEstimationsPerJob {
			if !jt.HasMemoryEstimate && jt.EstimatedUsedMemoryKB == 0 {
				return fmt.Errorf("config: job type %q needs estimated_used_memory_kb because a model configures max_capacity_kb", name)
			}
		}
	}

	sum := 0.0
	for name, jt := range c.ResourceEstimationsPerJob {
		if jt.RatioInitialValue == 0 {
			continue
		}
		if jt.RatioInitialValue <= 0 || jt.RatioInitialValue > 1 {
			return fmt.Errorf("config: job type %q: ratio_initial_value must be in (0,1]", name)
		}
		sum += jt.RatioInitialValue
	}
	if sum > 1+1e-4 {
		return fmt.Errorf("config: sum of ratio_initial_value %.6f exceeds 1", sum)
	}
	return nil
}

// ToDomainModels converts the TOML-shaped model map into domain.ModelConfig,
// treating a zero field as "unconfigured" (nil pointer) for every dimension
// except MinCapacity, which is a plain floor and legitimately zero.
func (c *Config) ToDomainModels() map[string]domain.ModelConfig {
	out := make(map[string]domain.ModelConfig, len(c.Models))
	for id, mc := range c.Models {
		out[id] = domain.ModelConfig{
			TokensPerMinute:       optionalInt64(mc.TokensPerMinute),
			TokensPerDay:          optionalInt64(mc.TokensPerDay),
			RequestsPerMinute:     optionalInt64(mc.RequestsPerMinute),
			RequestsPerDay:        optionalInt64(mc.RequestsPerDay),
			MaxConcurrentRequests: optionalInt64(mc.MaxConcurrentRequests),
			MaxCapacityKB:         optionalInt64(mc.MaxCapacityKB),
			MinCapacity:           mc.MinCapacity,
			MaxCapacity:           optionalInt64(mc.MaxCapacity),
			Pricing: domain.Pricing{
				Input:  mc.PriceInputPerM,
				Cached: mc.PriceCachedPerM,
				Output: mc.PriceOutputPerM,
			},
		}
	}
	return out
}

// ToDomainJobTypes converts the TOML-shaped job-type map into
// domain.JobTypeConfig.
func (c *Config) ToDomainJobTypes() map[string]domain.JobTypeConfig {
	out := make(map[string]domain.JobTypeConfig, len(c.ResourceEstimationsPerJob))
	for name, jt := range c.ResourceEstimationsPerJob {
		dc := domain.JobTypeConfig{
			EstimatedUsedTokens:       jt.EstimatedUsedTokens,
			EstimatedNumberOfRequests: jt.EstimatedNumberOfRequests,
			MaxWaitMS:                 jt.MaxWaitMS,
		}
		if jt.HasMemoryEstimate || jt.EstimatedUsedMemoryKB > 0 {
			dc.EstimatedUsedMemoryKB = optionalInt64(jt.EstimatedUsedMemoryKB)
		}
		if jt.RatioInitialValue > 0 {
			dc.Ratio = &domain.RatioConfig{InitialValue: jt.RatioInitialValue, Flexible: jt.RatioFlexible}
		}
		out[name] = dc
	}
	return out
}

// ToAdjustmentConfig converts the TOML ratio-adjustment section into
// jobtype.AdjustmentConfig.
func (c *Config) ToAdjustmentConfig() jobtype.AdjustmentConfig {
	return jobtype.AdjustmentConfig{
		HighLoadThreshold:     c.RatioAdjustment.HighLoadThreshold,
		LowLoadThreshold:      c.RatioAdjustment.LowLoadThreshold,
		MaxAdjustment:         c.RatioAdjustment.MaxAdjustment,
		MinRatio:              c.RatioAdjustment.MinRatio,
		AdjustmentIntervalMs:  c.RatioAdjustment.AdjustmentIntervalMs,
		ReleasesPerAdjustment: c.RatioAdjustment.ReleasesPerAdjustment,
	}
}

func optionalInt64(n int64) *int64 {
	if n == 0 {
		return nil
	}
	return &n
}
