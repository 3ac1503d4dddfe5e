// Package config defines the top-level configuration for the arbitrage engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARB_* environment variables. The
// engine treats it as read-only once validated.
type Config struct {
	Engine      EngineConfig       `toml:"engine"`
	Venues      []VenueConfig      `toml:"venues"`
	Instruments []InstrumentConfig `toml:"instruments"`
	Detector    DetectorConfig     `toml:"detector"`
	Risk        RiskConfig         `toml:"risk"`
	Executor    ExecutorConfig     `toml:"executor"`
	Paper       PaperConfig        `toml:"paper"`
	Postgres    PostgresConfig     `toml:"postgres"`
	Redis       RedisConfig        `toml:"redis"`
	S3          S3Config           `toml:"s3"`
	Notify      NotifyConfig       `toml:"notify"`
	API         APIConfig          `toml:"api"`
}

// EngineConfig selects the run mode.
type EngineConfig struct {
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`
	// DefaultStaleness applies to venues that do not set their own.
	DefaultStaleness duration `toml:"default_staleness"`
	DrainTimeout     duration `toml:"drain_timeout"`
}

// VenueConfig holds per-venue fee schedule, staleness and connectivity.
type VenueConfig struct {
	ID              string   `toml:"id"`
	FeeBps          float64  `toml:"fee_bps"`
	Staleness       duration `toml:"staleness"`
	FeedURL         string   `toml:"feed_url"`
	OrdersPerSecond float64  `toml:"orders_per_second"`
	Burst           int      `toml:"burst"`
}

// FeeRate returns the taker fee as a fraction.
func (v VenueConfig) FeeRate() float64 { return v.FeeBps / 10_000 }

// InstrumentConfig maps an instrument ID to its base and quote assets.
type InstrumentConfig struct {
	ID    string `toml:"id"`
	Base  string `toml:"base"`
	Quote string `toml:"quote"`
}

// DetectorConfig controls the detection cadence and the three scans.
type DetectorConfig struct {
	Interval     duration          `toml:"interval"`
	DedupTTL     duration          `toml:"dedup_ttl"`
	OutputBuffer int               `toml:"output_buffer"`
	LockTTL      duration          `toml:"lock_ttl"`
	Spread       SpreadConfig      `toml:"spread"`
	Triangular   TriangularConfig  `toml:"triangular"`
	Statistical  StatisticalConfig `toml:"statistical"`
}

// SpreadConfig holds cross-venue spread thresholds.
type SpreadConfig struct {
	Enabled     bool    `toml:"enabled"`
	MinProfit   float64 `toml:"min_profit"`
	MinNotional float64 `toml:"min_notional"`
	MaxQuantity float64 `toml:"max_quantity"`
}

// TriangularConfig bounds the cycle search.
type TriangularConfig struct {
	Enabled        bool               `toml:"enabled"`
	MaxDepth       int                `toml:"max_depth"`
	Epsilon        float64            `toml:"epsilon"`
	MaxIterations  int                `toml:"max_iterations"`
	TimeBudget     duration           `toml:"time_budget"`
	MaxStartAmount map[string]float64 `toml:"max_start_amount"`
}

// StatisticalConfig holds pair-divergence parameters.
type StatisticalConfig struct {
	Enabled          bool         `toml:"enabled"`
	Lookback         int          `toml:"lookback"`
	ZThreshold       float64      `toml:"z_threshold"`
	MinCorrelation   float64      `toml:"min_correlation"`
	CorrelationEvery int          `toml:"correlation_every"`
	Notional         float64      `toml:"notional"`
	Pairs            []PairConfig `toml:"pairs"`
}

// PairConfig names two correlated instruments on one venue.
type PairConfig struct {
	ID    string `toml:"id"`
	Venue string `toml:"venue"`
	A     string `toml:"a"`
	B     string `toml:"b"`
}

// RiskConfig holds exposure, correlation and venue-health limits.
type RiskConfig struct {
	DefaultPositionCap    float64             `toml:"default_position_cap"`
	MaxPortfolioNotional  float64             `toml:"max_portfolio_notional"`
	MaxCorrelation        float64             `toml:"max_correlation"`
	LargeExposureNotional float64             `toml:"large_exposure_notional"`
	MaxStaleRatio         float64             `toml:"max_stale_ratio"`
	MaxErrorRate          float64             `toml:"max_error_rate"`
	HealthDecay           float64             `toml:"health_decay"`
	Caps                  []CapConfig         `toml:"caps"`
	Correlations          []CorrelationConfig `toml:"correlations"`
}

// CapConfig overrides the position cap for one venue/instrument.
type CapConfig struct {
	Venue      string  `toml:"venue"`
	Instrument string  `toml:"instrument"`
	Max        float64 `toml:"max"`
}

// CorrelationConfig declares a static correlation between two instruments.
type CorrelationConfig struct {
	A           string  `toml:"a"`
	B           string  `toml:"b"`
	Coefficient float64 `toml:"coefficient"`
}

// ExecutorConfig holds coordinator timeouts and unwind policy.
type ExecutorConfig struct {
	AckTimeout             duration `toml:"ack_timeout"`
	MinAckTimeout          duration `toml:"min_ack_timeout"`
	StatusTimeout          duration `toml:"status_timeout"`
	SubmitRetries          int      `toml:"submit_retries"`
	UnwindTimeout          duration `toml:"unwind_timeout"`
	UnwindRetries          int      `toml:"unwind_retries"`
	UnwindSlippageBps      float64  `toml:"unwind_slippage_bps"`
	MaxResidual            float64  `toml:"max_residual"`
	StatisticalRetries     int      `toml:"statistical_retries"`
	StatisticalExpiryGrace duration `toml:"statistical_expiry_grace"`
	MaxConcurrentAttempts  int      `toml:"max_concurrent_attempts"`
	DedupTTL               duration `toml:"dedup_ttl"`
}

// PaperConfig tunes the simulated venues used in paper mode.
type PaperConfig struct {
	Latency    duration `toml:"latency"`
	RejectRate float64  `toml:"reject_rate"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// QuoteChannel, when set, is subscribed for normalized quotes published
	// by external adapter processes.
	QuoteChannel string `toml:"quote_channel"`
	EventChannel string `toml:"event_channel"`
	EventStream  string `toml:"event_stream"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	ArchiveAfter   duration `toml:"archive_after"`
	// ArchiveCron schedules archival during paper and live runs, e.g.
	// "0 3 * * *". Empty disables it.
	ArchiveCron string `toml:"archive_cron"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// APIConfig holds the read-only operator HTTP API settings.
type APIConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	APIKey      string   `toml:"api_key"` // empty disables authentication
	CORSOrigins []string `toml:"cors_origins"`
	// RequestsPerSecond is the per-client request budget; 0 disables it.
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Dur builds a duration value; used by callers constructing configs in code.
func Dur(d time.Duration) duration { return duration{d} }

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			Mode:             "monitor",
			LogLevel:         "info",
			DefaultStaleness: duration{2 * time.Second},
			DrainTimeout:     duration{5 * time.Second},
		},
		Detector: DetectorConfig{
			Interval:     duration{250 * time.Millisecond},
			DedupTTL:     duration{3 * time.Second},
			OutputBuffer: 64,
			LockTTL:      duration{2 * time.Second},
			Spread: SpreadConfig{
				Enabled:     true,
				MinProfit:   0.01,
				MinNotional: 10,
				MaxQuantity: 0,
			},
			Triangular: TriangularConfig{
				Enabled:       true,
				MaxDepth:      3,
				Epsilon:       0.0005,
				MaxIterations: 50_000,
				TimeBudget:    duration{20 * time.Millisecond},
			},
			Statistical: StatisticalConfig{
				Enabled:          false,
				Lookback:         120,
				ZThreshold:       2.0,
				MinCorrelation:   0.7,
				CorrelationEvery: 20,
				Notional:         1_000,
			},
		},
		Risk: RiskConfig{
			DefaultPositionCap:    100,
			MaxPortfolioNotional:  1_000_000,
			MaxCorrelation:        0.8,
			LargeExposureNotional: 50_000,
			MaxStaleRatio:         0.5,
			MaxErrorRate:          0.5,
			HealthDecay:           0.05,
		},
		Executor: ExecutorConfig{
			AckTimeout:             duration{2 * time.Second},
			MinAckTimeout:          duration{200 * time.Millisecond},
			StatusTimeout:          duration{time.Second},
			SubmitRetries:          2,
			UnwindTimeout:          duration{5 * time.Second},
			UnwindRetries:          3,
			UnwindSlippageBps:      50,
			MaxResidual:            1e-9,
			StatisticalRetries:     1,
			StatisticalExpiryGrace: duration{30 * time.Second},
			MaxConcurrentAttempts:  8,
			DedupTTL:               duration{time.Minute},
		},
		Paper: PaperConfig{
			Latency: duration{5 * time.Millisecond},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "arbengine",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			EventChannel: "arb_events",
			EventStream:  "arb_events_stream",
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "arbengine",
			UseSSL:         true,
			ForcePathStyle: true,
			ArchiveAfter:   duration{30 * 24 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"attempt_failed"},
		},
		API: APIConfig{
			Addr:              ":8080",
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
}

var validModes = map[string]bool{
	"monitor": true,
	"paper":   true,
	"live":    true,
	"archive": true,
	"report":  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Engine.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, paper, live, archive, report)", c.Engine.Mode))
	}
	if !validLogLevels[strings.ToLower(c.Engine.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.Engine.LogLevel))
	}
	if c.Engine.DefaultStaleness.Duration <= 0 {
		errs = append(errs, "engine: default_staleness must be positive")
	}

	// Venues
	needsVenues := c.Engine.Mode != "archive" && c.Engine.Mode != "report"
	if needsVenues && len(c.Venues) == 0 {
		errs = append(errs, "venues: at least one venue must be configured")
	}
	seenVenue := make(map[string]bool, len(c.Venues))
	for i, v := range c.Venues {
		if v.ID == "" {
			errs = append(errs, fmt.Sprintf("venues[%d]: id must not be empty", i))
			continue
		}
		if seenVenue[v.ID] {
			errs = append(errs, fmt.Sprintf("venues: duplicate id %q", v.ID))
		}
		seenVenue[v.ID] = true
		if v.FeeBps < 0 || v.FeeBps >= 10_000 {
			errs = append(errs, fmt.Sprintf("venues[%s]: fee_bps must be in [0, 10000), got %g", v.ID, v.FeeBps))
		}
		if v.Staleness.Duration < 0 {
			errs = append(errs, fmt.Sprintf("venues[%s]: staleness must not be negative", v.ID))
		}
		if v.OrdersPerSecond < 0 {
			errs = append(errs, fmt.Sprintf("venues[%s]: orders_per_second must not be negative", v.ID))
		}
	}

	// Instruments
	seenInstr := make(map[string]bool, len(c.Instruments))
	for i, in := range c.Instruments {
		if in.ID == "" || in.Base == "" || in.Quote == "" {
			errs = append(errs, fmt.Sprintf("instruments[%d]: id, base and quote must all be set", i))
			continue
		}
		if in.Base == in.Quote {
			errs = append(errs, fmt.Sprintf("instruments[%s]: base and quote must differ", in.ID))
		}
		if seenInstr[in.ID] {
			errs = append(errs, fmt.Sprintf("instruments: duplicate id %q", in.ID))
		}
		seenInstr[in.ID] = true
	}

	// Detector
	d := c.Detector
	if d.Interval.Duration <= 0 {
		errs = append(errs, "detector: interval must be positive")
	}
	if d.DedupTTL.Duration < 0 {
		errs = append(errs, "detector: dedup_ttl must not be negative")
	}
	if d.OutputBuffer < 1 {
		errs = append(errs, "detector: output_buffer must be >= 1")
	}
	if d.Spread.MinProfit < 0 {
		errs = append(errs, "detector.spread: min_profit must not be negative")
	}
	if d.Triangular.Enabled {
		if d.Triangular.MaxDepth < 3 || d.Triangular.MaxDepth > 4 {
			errs = append(errs, fmt.Sprintf("detector.triangular: max_depth must be 3 or 4, got %d", d.Triangular.MaxDepth))
		}
		if d.Triangular.Epsilon < 0 {
			errs = append(errs, "detector.triangular: epsilon must not be negative")
		}
		if d.Triangular.MaxIterations <= 0 {
			errs = append(errs, "detector.triangular: max_iterations must be positive")
		}
		if d.Triangular.TimeBudget.Duration <= 0 {
			errs = append(errs, "detector.triangular: time_budget must be positive")
		}
		if len(c.Instruments) == 0 {
			errs = append(errs, "detector.triangular: requires [[instruments]] with base/quote")
		}
	}
	if d.Statistical.Enabled {
		s := d.Statistical
		if s.Lookback < 3 {
			errs = append(errs, "detector.statistical: lookback must be >= 3")
		}
		if s.ZThreshold <= 0 {
			errs = append(errs, "detector.statistical: z_threshold must be positive")
		}
		if s.MinCorrelation < -1 || s.MinCorrelation > 1 {
			errs = append(errs, "detector.statistical: min_correlation must be in [-1, 1]")
		}
		if s.CorrelationEvery < 1 {
			errs = append(errs, "detector.statistical: correlation_every must be >= 1")
		}
		if s.Notional <= 0 {
			errs = append(errs, "detector.statistical: notional must be positive")
		}
		if len(s.Pairs) == 0 {
			errs = append(errs, "detector.statistical: at least one pair is required when enabled")
		}
		for i, p := range s.Pairs {
			if p.ID == "" || p.Venue == "" || p.A == "" || p.B == "" || p.A == p.B {
				errs = append(errs, fmt.Sprintf("detector.statistical.pairs[%d]: id, venue, a, b required and a != b", i))
			}
		}
	}

	// Risk
	r := c.Risk
	if r.DefaultPositionCap <= 0 {
		errs = append(errs, "risk: default_position_cap must be positive")
	}
	if r.MaxPortfolioNotional <= 0 {
		errs = append(errs, "risk: max_portfolio_notional must be positive")
	}
	if r.MaxCorrelation <= 0 || r.MaxCorrelation > 1 {
		errs = append(errs, "risk: max_correlation must be in (0, 1]")
	}
	if r.MaxStaleRatio <= 0 || r.MaxStaleRatio > 1 {
		errs = append(errs, "risk: max_stale_ratio must be in (0, 1]")
	}
	if r.MaxErrorRate <= 0 || r.MaxErrorRate > 1 {
		errs = append(errs, "risk: max_error_rate must be in (0, 1]")
	}
	if r.HealthDecay <= 0 || r.HealthDecay > 1 {
		errs = append(errs, "risk: health_decay must be in (0, 1]")
	}
	for i, cp := range r.Caps {
		if cp.Venue == "" || cp.Instrument == "" || cp.Max <= 0 {
			errs = append(errs, fmt.Sprintf("risk.caps[%d]: venue, instrument and positive max required", i))
		}
	}
	for i, cr := range r.Correlations {
		if cr.A == "" || cr.B == "" || cr.Coefficient < -1 || cr.Coefficient > 1 {
			errs = append(errs, fmt.Sprintf("risk.correlations[%d]: a, b and coefficient in [-1, 1] required", i))
		}
	}

	// Executor
	e := c.Executor
	if e.AckTimeout.Duration <= 0 || e.MinAckTimeout.Duration <= 0 {
		errs = append(errs, "executor: ack_timeout and min_ack_timeout must be positive")
	}
	if e.MinAckTimeout.Duration > e.AckTimeout.Duration {
		errs = append(errs, "executor: min_ack_timeout must not exceed ack_timeout")
	}
	if e.StatusTimeout.Duration <= 0 || e.UnwindTimeout.Duration <= 0 {
		errs = append(errs, "executor: status_timeout and unwind_timeout must be positive")
	}
	if e.SubmitRetries < 0 || e.UnwindRetries < 0 || e.StatisticalRetries < 0 {
		errs = append(errs, "executor: retry counts must not be negative")
	}
	if e.UnwindSlippageBps < 0 {
		errs = append(errs, "executor: unwind_slippage_bps must not be negative")
	}
	if e.MaxResidual < 0 {
		errs = append(errs, "executor: max_residual must not be negative")
	}
	if e.MaxConcurrentAttempts < 1 {
		errs = append(errs, "executor: max_concurrent_attempts must be >= 1")
	}

	if c.Paper.RejectRate < 0 || c.Paper.RejectRate > 1 {
		errs = append(errs, "paper: reject_rate must be in [0, 1]")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be in [0, pool_max_conns]")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}

	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}
	if c.Engine.Mode == "archive" {
		if !c.S3.Enabled || !c.Postgres.Enabled {
			errs = append(errs, "archive mode requires both postgres and s3 to be enabled")
		}
		if c.S3.ArchiveAfter.Duration <= 0 {
			errs = append(errs, "s3: archive_after must be positive")
		}
	}

	if c.S3.ArchiveCron != "" {
		if !c.S3.Enabled || !c.Postgres.Enabled {
			errs = append(errs, "s3: archive_cron requires both postgres and s3 to be enabled")
		}
		if c.S3.ArchiveAfter.Duration <= 0 {
			errs = append(errs, "s3: archive_after must be positive")
		}
	}
	if c.Engine.Mode == "report" && !c.Postgres.Enabled {
		errs = append(errs, "report mode requires postgres to be enabled")
	}

	if c.API.Enabled {
		if c.API.Addr == "" {
			errs = append(errs, "api: addr must not be empty")
		}
		if c.API.RequestsPerSecond < 0 || c.API.Burst < 0 {
			errs = append(errs, "api: requests_per_second and burst must not be negative")
		}
	}

	tgToken := c.Notify.TelegramToken != ""
	tgChat := c.Notify.TelegramChatID != ""
	if tgToken != tgChat {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// VenueByID returns the venue config with the given id.
func (c *Config) VenueByID(id string) (VenueConfig, bool) {
	for _, v := range c.Venues {
		if v.ID == id {
			return v, true
		}
	}
	return VenueConfig{}, false
}

// StalenessThresholds returns the per-venue staleness thresholds, falling
// back to the engine default for venues that do not set one.
func (c *Config) StalenessThresholds() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Venues))
	for _, v := range c.Venues {
		d := v.Staleness.Duration
		if d <= 0 {
			d = c.Engine.DefaultStaleness.Duration
		}
		out[v.ID] = d
	}
	return out
}

// FeeRates returns venue id -> taker fee fraction.
func (c *Config) FeeRates() map[string]float64 {
	out := make(map[string]float64, len(c.Venues))
	for _, v := range c.Venues {
		out[v.ID] = v.FeeRate()
	}
	return out
}
