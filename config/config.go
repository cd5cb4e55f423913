package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Environment
	IsProd bool `json:"is_prod"`

	// Trade ingestion
	Ingest IngestConfig `json:"ingest"`

	// Detector bank
	Detectors DetectorsConfig `json:"detectors"`

	// Alert consolidation
	Consolidator ConsolidatorConfig `json:"consolidator"`

	// Wallet profiling
	WalletStore WalletStoreConfig `json:"wallet_store"`

	// Per-market statistics
	MarketStats MarketStatsConfig `json:"market_stats"`

	// Entity clustering
	Entity EntityConfig `json:"entity"`

	// Stats/health server
	StatsServer StatsServerConfig `json:"stats_server"`
}

// IngestConfig holds ingestion coordinator configuration.
type IngestConfig struct {
	StreamURL string `json:"stream_url"` // Push endpoint; empty disables the push path

	PollInterval       time.Duration `json:"poll_interval"`        // General backup poll
	SafetyPollInterval time.Duration `json:"safety_poll_interval"` // Whale-only safety-net poll

	// Push reconnect policy
	BackoffMin         time.Duration `json:"backoff_min"`          // First retry delay
	BackoffMax         time.Duration `json:"backoff_max"`          // Doubling cap
	BackoffStableReset time.Duration `json:"backoff_stable_reset"` // Connection age that resets backoff
	DowntimeWarnAfter  time.Duration `json:"downtime_warn_after"`  // Downtime before an operational warning
	DowntimeWarnEvery  time.Duration `json:"downtime_warn_every"`  // Rate limit between warnings

	SeenHighWater int `json:"seen_high_water"` // Dedup set size that triggers a trim
}

// DetectorsConfig holds per-detector thresholds.
type DetectorsConfig struct {
	WhaleThreshold float64 `json:"whale_threshold"` // Min notional for a large-trade signal

	StdMultiplier float64 `json:"std_multiplier"` // Z-score sigma threshold
	MinSamples    int     `json:"min_samples"`    // Min market history before z-scores fire

	NewActorThreshold float64 `json:"new_actor_threshold"` // Min notional for a first-seen wallet

	WinRateThreshold float64 `json:"win_rate_threshold"` // Min resolved win rate (e.g., 0.65 = 65%)
	MinResolved      int     `json:"min_resolved"`       // Min resolved positions before win rate counts

	RepeatWindow    time.Duration `json:"repeat_window"`
	RepeatThreshold int           `json:"repeat_threshold"` // Trades within RepeatWindow
	HeavyWindow     time.Duration `json:"heavy_window"`
	HeavyThreshold  int           `json:"heavy_threshold"` // Trades within HeavyWindow

	ImpactRatio float64 `json:"impact_ratio"` // Trade notional as a share of hourly market volume

	ClusterMinAmount float64       `json:"cluster_min_amount"` // Min notional for cluster activity
	ClusterWindow    time.Duration `json:"cluster_window"`     // Same-market co-trading window
}

// ConsolidatorConfig holds alert gating configuration.
type ConsolidatorConfig struct {
	GlobalMinAmount float64 `json:"global_min_amount"` // Floor for non-exempt alerts
	MinTriggers     int     `json:"min_triggers"`      // Distinct signals required for non-exempt alerts
}

// WalletStoreConfig holds wallet profile store configuration.
type WalletStoreConfig struct {
	RecentTradeCap    int           `json:"recent_trade_cap"`   // Ring size for velocity windows
	EvictMaxAge       time.Duration `json:"evict_max_age"`      // Profiles idle longer are evicted
	CapacityThreshold int           `json:"capacity_threshold"` // Eviction only runs above this count
}

// MarketStatsConfig holds market statistics store configuration.
type MarketStatsConfig struct {
	HistoryCapacity int `json:"history_capacity"` // Bounded per-market amount history
}

// EntityConfig holds entity clustering configuration.
type EntityConfig struct {
	HalfLife           time.Duration `json:"half_life"`           // Edge evidence decay half-life
	SaturationFactor   float64       `json:"saturation_factor"`   // Diminishing-returns factor for repeated evidence
	CoordinationWindow time.Duration `json:"coordination_window"` // Same-market time-coupling window

	FunderWeight     float64 `json:"funder_weight"`      // Shared funding source
	TimeCoupleWeight float64 `json:"time_couple_weight"` // Per co-trade observation
	OverlapWeight    float64 `json:"overlap_weight"`     // Scaled by Jaccard similarity

	FunderCap     float64 `json:"funder_cap"` // Accumulated evidence ceilings per signal kind
	TimeCoupleCap float64 `json:"time_couple_cap"`
	OverlapCap    float64 `json:"overlap_cap"`

	OverlapLookback   time.Duration `json:"overlap_lookback"`    // Recent-activity window for overlap checks
	OverlapMinMarkets int           `json:"overlap_min_markets"` // Min common markets before overlap counts
	OverlapMinJaccard float64       `json:"overlap_min_jaccard"`

	LiquidityBaseline float64 `json:"liquidity_baseline"` // Hourly volume at neutral evidence scale
	LiquidityMinScale float64 `json:"liquidity_min_scale"`
	LiquidityMaxScale float64 `json:"liquidity_max_scale"`

	MergeThreshold  float64       `json:"merge_threshold"`  // Decayed edge weight that links two wallets
	RebuildInterval time.Duration `json:"rebuild_interval"` // Min time between cluster rebuilds
}

// StatsServerConfig holds health/stats server configuration.
type StatsServerConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// Clone creates a deep copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// ToJSON serializes the config to JSON.
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// ConfigFromJSON deserializes JSON into a config, merging with base.
func ConfigFromJSON(data []byte, base *Config) (*Config, error) {
	if base == nil {
		base = Defaults()
	}
	cfg := base.Clone()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns a config with hardcoded default values.
func Defaults() *Config {
	return &Config{
		IsProd: false,
		Ingest: IngestConfig{
			PollInterval:       30 * time.Second,
			SafetyPollInterval: 60 * time.Second,
			BackoffMin:         5 * time.Second,
			BackoffMax:         60 * time.Second,
			BackoffStableReset: 5 * time.Minute,
			DowntimeWarnAfter:  30 * time.Minute,
			DowntimeWarnEvery:  1 * time.Hour,
			SeenHighWater:      50000,
		},
		Detectors: DetectorsConfig{
			WhaleThreshold:    10000.0,
			StdMultiplier:     4.0,
			MinSamples:        10,
			NewActorThreshold: 5000.0,
			WinRateThreshold:  0.65,
			MinResolved:       10,
			RepeatWindow:      1 * time.Hour,
			RepeatThreshold:   3,
			HeavyWindow:       24 * time.Hour,
			HeavyThreshold:    10,
			ImpactRatio:       0.25,
			ClusterMinAmount:  2000.0,
			ClusterWindow:     5 * time.Minute,
		},
		Consolidator: ConsolidatorConfig{
			GlobalMinAmount: 2000.0,
			MinTriggers:     2,
		},
		WalletStore: WalletStoreConfig{
			RecentTradeCap:    50,
			EvictMaxAge:       30 * 24 * time.Hour,
			CapacityThreshold: 10000,
		},
		MarketStats: MarketStatsConfig{
			HistoryCapacity: 1000,
		},
		Entity: EntityConfig{
			HalfLife:           24 * time.Hour,
			SaturationFactor:   0.55,
			CoordinationWindow: 5 * time.Minute,
			FunderWeight:       0.90,
			TimeCoupleWeight:   0.18,
			OverlapWeight:      0.40,
			FunderCap:          1.50,
			TimeCoupleCap:      1.20,
			OverlapCap:         1.00,
			OverlapLookback:    24 * time.Hour,
			OverlapMinMarkets:  3,
			OverlapMinJaccard:  0.35,
			LiquidityBaseline:  50000.0,
			LiquidityMinScale:  0.35,
			LiquidityMaxScale:  1.25,
			MergeThreshold:     0.75,
			RebuildInterval:    60 * time.Second,
		},
		StatsServer: StatsServerConfig{
			Enabled: true,
			Port:    8080,
		},
	}
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		IsProd: envBool("STAGE", "PROD"),

		Ingest: IngestConfig{
			StreamURL:          envString("STREAM_WS_URL", ""),
			PollInterval:       envDuration("POLL_INTERVAL", 30*time.Second),
			SafetyPollInterval: envDuration("SAFETY_POLL_INTERVAL", 60*time.Second),
			BackoffMin:         envDuration("STREAM_BACKOFF_MIN", 5*time.Second),
			BackoffMax:         envDuration("STREAM_BACKOFF_MAX", 60*time.Second),
			BackoffStableReset: envDuration("STREAM_BACKOFF_STABLE_RESET", 5*time.Minute),
			DowntimeWarnAfter:  envDuration("STREAM_DOWNTIME_WARN_AFTER", 30*time.Minute),
			DowntimeWarnEvery:  envDuration("STREAM_DOWNTIME_WARN_EVERY", 1*time.Hour),
			SeenHighWater:      envInt("SEEN_HIGH_WATER", 50000),
		},

		Detectors: DetectorsConfig{
			WhaleThreshold:    envFloat("WHALE_THRESHOLD", 10000.0),
			StdMultiplier:     envFloat("STD_MULTIPLIER", 4.0),
			MinSamples:        envInt("ZSCORE_MIN_SAMPLES", 10),
			NewActorThreshold: envFloat("NEW_ACTOR_THRESHOLD", 5000.0),
			WinRateThreshold:  envFloat("WIN_RATE_THRESHOLD", 0.65),
			MinResolved:       envInt("WIN_RATE_MIN_RESOLVED", 10),
			RepeatWindow:      envDuration("REPEAT_WINDOW", 1*time.Hour),
			RepeatThreshold:   envInt("REPEAT_THRESHOLD", 3),
			HeavyWindow:       envDuration("HEAVY_WINDOW", 24*time.Hour),
			HeavyThreshold:    envInt("HEAVY_THRESHOLD", 10),
			ImpactRatio:       envFloat("IMPACT_RATIO", 0.25),
			ClusterMinAmount:  envFloat("CLUSTER_MIN_AMOUNT", 2000.0),
			ClusterWindow:     envDuration("CLUSTER_WINDOW", 5*time.Minute),
		},

		Consolidator: ConsolidatorConfig{
			GlobalMinAmount: envFloat("GLOBAL_MIN_AMOUNT", 2000.0),
			MinTriggers:     envInt("MIN_TRIGGERS", 2),
		},

		WalletStore: WalletStoreConfig{
			RecentTradeCap:    envInt("WALLET_RECENT_TRADE_CAP", 50),
			EvictMaxAge:       envDuration("WALLET_EVICT_MAX_AGE", 30*24*time.Hour),
			CapacityThreshold: envInt("WALLET_CAPACITY_THRESHOLD", 10000),
		},

		MarketStats: MarketStatsConfig{
			HistoryCapacity: envInt("MARKET_HISTORY_CAPACITY", 1000),
		},

		Entity: EntityConfig{
			HalfLife:           envDuration("ENTITY_HALF_LIFE", 24*time.Hour),
			SaturationFactor:   envFloat("ENTITY_SATURATION_FACTOR", 0.55),
			CoordinationWindow: envDuration("ENTITY_COORDINATION_WINDOW", 5*time.Minute),
			FunderWeight:       envFloat("ENTITY_FUNDER_WEIGHT", 0.90),
			TimeCoupleWeight:   envFloat("ENTITY_TIME_COUPLE_WEIGHT", 0.18),
			OverlapWeight:      envFloat("ENTITY_OVERLAP_WEIGHT", 0.40),
			FunderCap:          envFloat("ENTITY_FUNDER_CAP", 1.50),
			TimeCoupleCap:      envFloat("ENTITY_TIME_COUPLE_CAP", 1.20),
			OverlapCap:         envFloat("ENTITY_OVERLAP_CAP", 1.00),
			OverlapLookback:    envDuration("ENTITY_OVERLAP_LOOKBACK", 24*time.Hour),
			OverlapMinMarkets:  envInt("ENTITY_OVERLAP_MIN_MARKETS", 3),
			OverlapMinJaccard:  envFloat("ENTITY_OVERLAP_MIN_JACCARD", 0.35),
			LiquidityBaseline:  envFloat("ENTITY_LIQUIDITY_BASELINE", 50000.0),
			LiquidityMinScale:  envFloat("ENTITY_LIQUIDITY_MIN_SCALE", 0.35),
			LiquidityMaxScale:  envFloat("ENTITY_LIQUIDITY_MAX_SCALE", 1.25),
			MergeThreshold:     envFloat("ENTITY_MERGE_THRESHOLD", 0.75),
			RebuildInterval:    envDuration("ENTITY_REBUILD_INTERVAL", 60*time.Second),
		},

		StatsServer: StatsServerConfig{
			Enabled: envBoolDefault("STATS_SERVER_ENABLED", true),
			Port:    envInt("STATS_SERVER_PORT", 8080),
		},
	}
}

// Helper functions for parsing environment variables

func envString(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBool(key, trueValue string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), trueValue)
}

func envBoolDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	return strings.EqualFold(v, "true") || strings.EqualFold(v, "1") || strings.EqualFold(v, "yes")
}
