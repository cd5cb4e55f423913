package config

import (
	"fmt"
	"time"
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult holds the result of config validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Validate checks the config for invalid values.
func (c *Config) Validate() ValidationResult {
	var errors []ValidationError

	errors = append(errors, validateIngest(&c.Ingest)...)
	errors = append(errors, validateDetectors(&c.Detectors)...)
	errors = append(errors, validateConsolidator(&c.Consolidator)...)
	errors = append(errors, validateWalletStore(&c.WalletStore)...)
	errors = append(errors, validateMarketStats(&c.MarketStats)...)
	errors = append(errors, validateEntity(&c.Entity)...)
	errors = append(errors, validateStatsServer(&c.StatsServer)...)

	return ValidationResult{
		Valid:  len(errors) == 0,
		Errors: errors,
	}
}

func validateIngest(in *IngestConfig) []ValidationError {
	var errors []ValidationError

	if in.PollInterval < 1*time.Second {
		errors = append(errors, ValidationError{
			Field:   "ingest.poll_interval",
			Message: "must be at least 1 second",
		})
	}

	if in.SafetyPollInterval < 1*time.Second {
		errors = append(errors, ValidationError{
			Field:   "ingest.safety_poll_interval",
			Message: "must be at least 1 second",
		})
	}

	if in.BackoffMin < 1*time.Second {
		errors = append(errors, ValidationError{
			Field:   "ingest.backoff_min",
			Message: "must be at least 1 second",
		})
	}

	if in.BackoffMax < in.BackoffMin {
		errors = append(errors, ValidationError{
			Field:   "ingest.backoff_max",
			Message: "must be at least backoff_min",
		})
	}

	if in.BackoffStableReset < 1*time.Second {
		errors = append(errors, ValidationError{
			Field:   "ingest.backoff_stable_reset",
			Message: "must be at least 1 second",
		})
	}

	if in.DowntimeWarnAfter < 1*time.Minute {
		errors = append(errors, ValidationError{
			Field:   "ingest.downtime_warn_after",
			Message: "must be at least 1 minute",
		})
	}

	if in.DowntimeWarnEvery < 1*time.Minute {
		errors = append(errors, ValidationError{
			Field:   "ingest.downtime_warn_every",
			Message: "must be at least 1 minute",
		})
	}

	if in.SeenHighWater < 100 {
		errors = append(errors, ValidationError{
			Field:   "ingest.seen_high_water",
			Message: "must be at least 100",
		})
	}

	return errors
}

func validateDetectors(d *DetectorsConfig) []ValidationError {
	var errors []ValidationError

	if d.WhaleThreshold < 0 {
		errors = append(errors, ValidationError{
			Field:   "detectors.whale_threshold",
			Message: "must be non-negative",
		})
	}

	if d.StdMultiplier <= 0 {
		errors = append(errors, ValidationError{
			Field:   "detectors.std_multiplier",
			Message: "must be positive",
		})
	}

	if d.MinSamples < 2 {
		errors = append(errors, ValidationError{
			Field:   "detectors.min_samples",
			Message: "must be at least 2",
		})
	}

	if d.NewActorThreshold < 0 {
		errors = append(errors, ValidationError{
			Field:   "detectors.new_actor_threshold",
			Message: "must be non-negative",
		})
	}

	if d.WinRateThreshold < 0 || d.WinRateThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "detectors.win_rate_threshold",
			Message: "must be between 0 and 1",
		})
	}

	if d.MinResolved < 1 {
		errors = append(errors, ValidationError{
			Field:   "detectors.min_resolved",
			Message: "must be at least 1",
		})
	}

	if d.RepeatWindow < 1*time.Second {
		errors = append(errors, ValidationError{
			Field:   "detectors.repeat_window",
			Message: "must be at least 1 second",
		})
	}

	if d.RepeatThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "detectors.repeat_threshold",
			Message: "must be at least 1",
		})
	}

	if d.HeavyWindow < d.RepeatWindow {
		errors = append(errors, ValidationError{
			Field:   "detectors.heavy_window",
			Message: "must be at least repeat_window",
		})
	}

	if d.HeavyThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "detectors.heavy_threshold",
			Message: "must be at least 1",
		})
	}

	if d.ImpactRatio <= 0 || d.ImpactRatio > 1 {
		errors = append(errors, ValidationError{
			Field:   "detectors.impact_ratio",
			Message: "must be between 0 (exclusive) and 1",
		})
	}

	if d.ClusterMinAmount < 0 {
		errors = append(errors, ValidationError{
			Field:   "detectors.cluster_min_amount",
			Message: "must be non-negative",
		})
	}

	if d.ClusterWindow < 1*time.Second {
		errors = append(errors, ValidationError{
			Field:   "detectors.cluster_window",
			Message: "must be at least 1 second",
		})
	}

	return errors
}

func validateConsolidator(cc *ConsolidatorConfig) []ValidationError {
	var errors []ValidationError

	if cc.GlobalMinAmount < 0 {
		errors = append(errors, ValidationError{
			Field:   "consolidator.global_min_amount",
			Message: "must be non-negative",
		})
	}

	if cc.MinTriggers < 1 {
		errors = append(errors, ValidationError{
			Field:   "consolidator.min_triggers",
			Message: "must be at least 1",
		})
	}

	return errors
}

func validateWalletStore(ws *WalletStoreConfig) []ValidationError {
	var errors []ValidationError

	if ws.RecentTradeCap < 1 {
		errors = append(errors, ValidationError{
			Field:   "wallet_store.recent_trade_cap",
			Message: "must be at least 1",
		})
	}

	if ws.EvictMaxAge < 1*time.Hour {
		errors = append(errors, ValidationError{
			Field:   "wallet_store.evict_max_age",
			Message: "must be at least 1 hour",
		})
	}

	if ws.CapacityThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "wallet_store.capacity_threshold",
			Message: "must be at least 1",
		})
	}

	return errors
}

func validateMarketStats(ms *MarketStatsConfig) []ValidationError {
	var errors []ValidationError

	if ms.HistoryCapacity < 10 {
		errors = append(errors, ValidationError{
			Field:   "market_stats.history_capacity",
			Message: "must be at least 10",
		})
	}

	return errors
}

func validateEntity(e *EntityConfig) []ValidationError {
	var errors []ValidationError

	if e.HalfLife < 1*time.Minute {
		errors = append(errors, ValidationError{
			Field:   "entity.half_life",
			Message: "must be at least 1 minute",
		})
	}

	if e.SaturationFactor < 0 {
		errors = append(errors, ValidationError{
			Field:   "entity.saturation_factor",
			Message: "must be non-negative",
		})
	}

	if e.CoordinationWindow < 1*time.Second {
		errors = append(errors, ValidationError{
			Field:   "entity.coordination_window",
			Message: "must be at least 1 second",
		})
	}

	if e.FunderWeight < 0 || e.TimeCoupleWeight < 0 || e.OverlapWeight < 0 {
		errors = append(errors, ValidationError{
			Field:   "entity.weights",
			Message: "signal weights must be non-negative",
		})
	}

	if e.FunderCap <= 0 || e.TimeCoupleCap <= 0 || e.OverlapCap <= 0 {
		errors = append(errors, ValidationError{
			Field:   "entity.caps",
			Message: "signal caps must be positive",
		})
	}

	if e.OverlapLookback < 1*time.Minute {
		errors = append(errors, ValidationError{
			Field:   "entity.overlap_lookback",
			Message: "must be at least 1 minute",
		})
	}

	if e.OverlapMinMarkets < 1 {
		errors = append(errors, ValidationError{
			Field:   "entity.overlap_min_markets",
			Message: "must be at least 1",
		})
	}

	if e.OverlapMinJaccard < 0 || e.OverlapMinJaccard > 1 {
		errors = append(errors, ValidationError{
			Field:   "entity.overlap_min_jaccard",
			Message: "must be between 0 and 1",
		})
	}

	if e.LiquidityBaseline <= 0 {
		errors = append(errors, ValidationError{
			Field:   "entity.liquidity_baseline",
			Message: "must be positive",
		})
	}

	if e.LiquidityMinScale <= 0 || e.LiquidityMaxScale < e.LiquidityMinScale {
		errors = append(errors, ValidationError{
			Field:   "entity.liquidity_scale",
			Message: "min_scale must be positive and max_scale at least min_scale",
		})
	}

	if e.MergeThreshold <= 0 {
		errors = append(errors, ValidationError{
			Field:   "entity.merge_threshold",
			Message: "must be positive",
		})
	}

	if e.RebuildInterval < 1*time.Second {
		errors = append(errors, ValidationError{
			Field:   "entity.rebuild_interval",
			Message: "must be at least 1 second",
		})
	}

	return errors
}

func validateStatsServer(ss *StatsServerConfig) []ValidationError {
	var errors []ValidationError

	if ss.Port < 1 || ss.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "stats_server.port",
			Message: fmt.Sprintf("must be between 1 and 65535, got %d", ss.Port),
		})
	}

	return errors
}
