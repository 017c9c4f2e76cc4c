package domain

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete Vigil configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Tier determines feature availability
	Tier Tier `yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"eventBus"`

	// Pipeline configurations
	Correlation CorrelationConfig `yaml:"correlation"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Escalation  EscalationConfig  `yaml:"escalation"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Baseline    BaselineConfig    `yaml:"baseline"`
	Training    TrainingConfig    `yaml:"training"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"readTimeout"`  // seconds
	WriteTimeout int    `yaml:"writeTimeout"` // seconds
}

// CorrelationConfig tunes the sliding-window incident grouping.
type CorrelationConfig struct {
	// WindowSize is the default incident window; WindowSizeByType
	// overrides it per incident type.
	WindowSize       time.Duration            `yaml:"windowSize"`
	WindowSizeByType map[string]time.Duration `yaml:"windowSizeByType"`

	// Slack widens the window match for slightly out-of-order signals.
	Slack time.Duration `yaml:"slack"`

	// GracePeriod is the quiet time after WindowEnd before an incident
	// closes and becomes immutable.
	GracePeriod time.Duration `yaml:"gracePeriod"`

	// SourceWeights and SourceCaps drive severity scoring: the weighted
	// sum over member signal sources, each source capped.
	SourceWeights map[SignalSource]float64 `yaml:"sourceWeights"`
	SourceCaps    map[SignalSource]float64 `yaml:"sourceCaps"`

	// Severity thresholds map the weighted sum to MED/HIGH/CRITICAL;
	// anything below MedThreshold is LOW.
	MedThreshold      float64 `yaml:"medThreshold"`
	HighThreshold     float64 `yaml:"highThreshold"`
	CriticalThreshold float64 `yaml:"criticalThreshold"`

	// CloseInterval is how often the close job sweeps expired incidents.
	CloseInterval time.Duration `yaml:"closeInterval"`
}

// HeuristicRule is one weighted CEL rule of the scoring fallback. The
// expressions and weights are configuration, not business logic, and should
// be validated against historical data before deployment.
type HeuristicRule struct {
	ID         string  `yaml:"id" json:"id"`
	Expression string  `yaml:"expression" json:"expression"`
	Weight     float64 `yaml:"weight" json:"weight"`
	Enabled    bool    `yaml:"enabled" json:"enabled"`
}

// ScoringConfig tunes the fraud scoring engine.
type ScoringConfig struct {
	// WorkerCount bounds the scoring worker pool so scoring latency
	// never blocks signal ingestion.
	WorkerCount int `yaml:"workerCount"`

	// ScoreTimeout is the hard per-request timeout after which scoring
	// falls back to the heuristic path.
	ScoreTimeout time.Duration `yaml:"scoreTimeout"`

	// ModelCacheTTL bounds staleness of the per-tenant active-model
	// cache; activation events invalidate it early.
	ModelCacheTTL time.Duration `yaml:"modelCacheTtl"`

	// DefaultThreshold seeds baselines and tiering when no model exists.
	DefaultThreshold float64 `yaml:"defaultThreshold"`

	// HeuristicRules is the weighted rule combination used when no
	// active model is available.
	HeuristicRules []HeuristicRule `yaml:"heuristicRules"`
}

// EscalationConfig tunes ticket deduplication.
type EscalationConfig struct {
	// DedupWindowIncident buckets incident escalations (default 4h).
	DedupWindowIncident time.Duration `yaml:"dedupWindowIncident"`

	// DedupWindowFraud buckets fraud escalations (default 24h).
	DedupWindowFraud time.Duration `yaml:"dedupWindowFraud"`

	// MinIncidentSeverity and MinRiskTier gate what escalates at all.
	MinIncidentSeverity Severity `yaml:"minIncidentSeverity"`
	MinRiskTier         RiskTier `yaml:"minRiskTier"`

	// GuardRules optionally suppress escalation (CEL over trigger
	// attributes), e.g. during maintenance windows.
	GuardRules []HeuristicRule `yaml:"guardRules"`
}

// BroadcastConfig tunes the real-time fan-out layer.
type BroadcastConfig struct {
	// DedupWindow suppresses re-delivery of an identical idempotency key
	// (duplicates are still audited).
	DedupWindow time.Duration `yaml:"dedupWindow"`

	// SubscriberBuffer is the per-subscriber outbound buffer; when full
	// the oldest unsent event is dropped (documented lossy policy).
	SubscriberBuffer int `yaml:"subscriberBuffer"`

	// EvictAfter evicts a subscriber that has not drained anything for
	// this long.
	EvictAfter time.Duration `yaml:"evictAfter"`
}

// BaselineConfig tunes the weekly threshold self-tuning loop.
type BaselineConfig struct {
	TuneInterval time.Duration `yaml:"tuneInterval"`

	// TargetFPRate is the acceptable false-positive ceiling; above it the
	// threshold rises (stricter), below LowerFPRate it drops (more
	// sensitive).
	TargetFPRate float64 `yaml:"targetFpRate"`
	LowerFPRate  float64 `yaml:"lowerFpRate"`

	// ThresholdStep bounds one cycle's adjustment.
	ThresholdStep float64 `yaml:"thresholdStep"`

	MinThreshold float64 `yaml:"minThreshold"`
	MaxThreshold float64 `yaml:"maxThreshold"`

	// TrailingWindow is the labeled-outcome lookback period.
	TrailingWindow time.Duration `yaml:"trailingWindow"`
}

// TrainingConfig tunes the offline training pipeline.
type TrainingConfig struct {
	// MinExamples is the labeled-example floor below which training is
	// skipped.
	MinExamples int `yaml:"minExamples"`

	// HoldoutFraction is the held-out validation split.
	HoldoutFraction float64 `yaml:"holdoutFraction"`

	// Boosting parameters.
	Rounds       int     `yaml:"rounds"`
	LearningRate float64 `yaml:"learningRate"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"serviceName"`
	ExporterType string `yaml:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `yaml:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"

	// TierEnterprise includes multi-node, SSO, etc.
	TierEnterprise Tier = "enterprise"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./vigil.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Correlation: CorrelationConfig{
			WindowSize: 30 * time.Minute,
			WindowSizeByType: map[string]time.Duration{
				"attendance-anomaly": 30 * time.Minute,
				"patrol-gap":         45 * time.Minute,
			},
			Slack:       2 * time.Minute,
			GracePeriod: 5 * time.Minute,
			SourceWeights: map[SignalSource]float64{
				SourceAttendance: 1.0,
				SourceTour:       1.5,
				SourceTicket:     1.0,
				SourceGPS:        2.0,
			},
			SourceCaps: map[SignalSource]float64{
				SourceAttendance: 2.0,
				SourceTour:       3.0,
				SourceTicket:     2.0,
				SourceGPS:        4.0,
			},
			MedThreshold:      2.5,
			HighThreshold:     4.5,
			CriticalThreshold: 7.0,
			CloseInterval:     time.Minute,
		},
		Scoring: ScoringConfig{
			WorkerCount:      8,
			ScoreTimeout:     2 * time.Second,
			ModelCacheTTL:    5 * time.Minute,
			DefaultThreshold: 0.7,
			HeuristicRules:   DefaultHeuristicRules(),
		},
		Escalation: EscalationConfig{
			DedupWindowIncident: 4 * time.Hour,
			DedupWindowFraud:    24 * time.Hour,
			MinIncidentSeverity: SeverityMed,
			MinRiskTier:         TierHigh,
		},
		Broadcast: BroadcastConfig{
			DedupWindow:      60 * time.Second,
			SubscriberBuffer: 64,
			EvictAfter:       30 * time.Second,
		},
		Baseline: BaselineConfig{
			TuneInterval:   7 * 24 * time.Hour,
			TargetFPRate:   0.20,
			LowerFPRate:    0.05,
			ThresholdStep:  0.05,
			MinThreshold:   0.50,
			MaxThreshold:   0.95,
			TrailingWindow: 30 * 24 * time.Hour,
		},
		Training: TrainingConfig{
			MinExamples:     200,
			HoldoutFraction: 0.2,
			Rounds:          50,
			LearningRate:    0.1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "vigil",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "vigil",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// DefaultHeuristicRules is the shipped weighted rule combination for the
// scoring fallback. Expressions evaluate over the named feature variables.
func DefaultHeuristicRules() []HeuristicRule {
	return []HeuristicRule{
		{ID: "gps-drift", Expression: "gps_drift_meters > 100.0 ? 1.0 : gps_drift_meters / 100.0", Weight: 0.30, Enabled: true},
		{ID: "location-consistency", Expression: "1.0 - location_consistency", Weight: 0.15, Enabled: true},
		{ID: "checkin-deviation", Expression: "checkin_deviation_z > 3.0 ? 1.0 : (checkin_deviation_z < 0.0 ? 0.0 : checkin_deviation_z / 3.0)", Weight: 0.20, Enabled: true},
		{ID: "interval-deviation", Expression: "interval_deviation_z > 3.0 ? 1.0 : (interval_deviation_z < 0.0 ? 0.0 : interval_deviation_z / 3.0)", Weight: 0.10, Enabled: true},
		{ID: "verification", Expression: "1.0 - verification_confidence", Weight: 0.15, Enabled: true},
		{ID: "mismatches", Expression: "mismatch_count >= 3.0 ? 1.0 : mismatch_count / 3.0", Weight: 0.10, Enabled: true},
	}
}

// LoadFile overlays YAML config from path onto cfg.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// WindowFor returns the incident window size for an incident type.
func (c *CorrelationConfig) WindowFor(incidentType string) time.Duration {
	if d, ok := c.WindowSizeByType[incidentType]; ok && d > 0 {
		return d
	}
	if c.WindowSize > 0 {
		return c.WindowSize
	}
	return 30 * time.Minute
}
