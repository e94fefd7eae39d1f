// Package config loads and validates engine configuration from defaults, an
// optional YAML file, and environment overrides. Invalid configuration is
// fatal at startup: an ambiguous precedence table must never be guessed at
// resolution time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"lerian-regulatory-engine/pkg/types"
)

// Config is the full engine configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Similarity SimilarityConfig `yaml:"similarity"`
	Detection  DetectionConfig  `yaml:"detection"`
	Resolution ResolutionConfig `yaml:"resolution"`
	Escalation EscalationConfig `yaml:"escalation"`
	Notify     NotifyConfig     `yaml:"notify"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the query API server.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout_seconds"`
	WriteTimeout int    `yaml:"write_timeout_seconds"`
}

// StorageConfig selects the conflict store and the analytics stats store.
type StorageConfig struct {
	Provider   string      `yaml:"provider"` // memory | sqlite
	SQLitePath string      `yaml:"sqlite_path"`
	Stats      StatsConfig `yaml:"stats"`
}

// StatsConfig selects the StrategyOutcomeStat backend.
type StatsConfig struct {
	Provider    string `yaml:"provider"` // memory | postgres | redis
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
}

// SimilarityConfig configures the semantic similarity scorer.
type SimilarityConfig struct {
	Provider       string `yaml:"provider"` // qdrant | none
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	APIKey         string `yaml:"-"`
	UseTLS         bool   `yaml:"use_tls"`
	Collection     string `yaml:"collection"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SeverityWeights are the coefficients of the severity formula. All three
// must be positive; consumers read them through Normalized.
type SeverityWeights struct {
	AuthorityGap float64 `yaml:"authority_gap"`
	Reach        float64 `yaml:"reach"`
	Urgency      float64 `yaml:"urgency"`
}

// Normalized returns the weights scaled to sum to 1 so the severity score
// stays within [0,1] whatever coefficients the operator configured.
func (w SeverityWeights) Normalized() SeverityWeights {
	sum := w.AuthorityGap + w.Reach + w.Urgency
	if sum <= 0 {
		return SeverityWeights{AuthorityGap: 1.0 / 3, Reach: 1.0 / 3, Urgency: 1.0 / 3}
	}
	return SeverityWeights{
		AuthorityGap: w.AuthorityGap / sum,
		Reach:        w.Reach / sum,
		Urgency:      w.Urgency / sum,
	}
}

// DetectionConfig configures the conflict detector.
type DetectionConfig struct {
	SimilarityThreshold float64         `yaml:"similarity_threshold"`
	SeverityWeights     SeverityWeights `yaml:"severity_weights"`
	MaxParallelBuckets  int             `yaml:"max_parallel_buckets"`

	// UrgencyHorizon is the look-ahead window for the urgency term: a
	// conflict whose provisions become effective now scores 1, one at the
	// horizon scores 0.
	UrgencyHorizon time.Duration `yaml:"urgency_horizon"`
}

// ResolutionConfig configures the strategy engine.
type ResolutionConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// HarmonizationPolicy selects the merge rule for compatible but
	// quantitatively different obligations.
	HarmonizationPolicy string `yaml:"harmonization_policy"` // most_restrictive | least_restrictive

	// PrecedenceTable orders jurisdiction classes for arbitration, highest
	// precedence first (e.g. treaty, supranational, federal, state).
	PrecedenceTable []string `yaml:"precedence_table"`

	// DelegationTable maps a topic tag to the named body that holds
	// resolution authority for it.
	DelegationTable map[string]string `yaml:"delegation_table"`

	// MaxWriteRetries bounds retries on write collisions before escalating.
	MaxWriteRetries int `yaml:"max_write_retries"`
}

// SLAWindow is the acknowledgment window for one escalation level.
type SLAWindow struct {
	Level  int           `yaml:"level"`
	Window time.Duration `yaml:"window"`
}

// EscalationConfig configures the escalation manager.
type EscalationConfig struct {
	SLAWindows            []SLAWindow   `yaml:"sla_windows"`
	MaxLevel              int           `yaml:"max_level"`
	HighSeverityThreshold float64       `yaml:"high_severity_threshold"`
	TimerResolution       time.Duration `yaml:"timer_resolution"`
}

// NotifyConfig configures the webhook notification collaborator.
type NotifyConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Storage: StorageConfig{
			Provider:   "memory",
			SQLitePath: "./data/conflicts.db",
			Stats: StatsConfig{
				Provider:  "memory",
				RedisAddr: "localhost:6379",
			},
		},
		Similarity: SimilarityConfig{
			Provider:       "none",
			Host:           "localhost",
			Port:           6334,
			Collection:     "provisions",
			TimeoutSeconds: 5,
		},
		Detection: DetectionConfig{
			SimilarityThreshold: 0.8,
			SeverityWeights: SeverityWeights{
				AuthorityGap: 0.4,
				Reach:        0.3,
				Urgency:      0.3,
			},
			MaxParallelBuckets: 4,
			UrgencyHorizon:     365 * 24 * time.Hour,
		},
		Resolution: ResolutionConfig{
			ConfidenceThreshold: 0.6,
			HarmonizationPolicy: "most_restrictive",
			PrecedenceTable:     []string{},
			DelegationTable:     map[string]string{},
			MaxWriteRetries:     3,
		},
		Escalation: EscalationConfig{
			SLAWindows: []SLAWindow{
				{Level: 1, Window: 72 * time.Hour},
				{Level: 2, Window: 24 * time.Hour},
				{Level: 3, Window: 4 * time.Hour},
			},
			MaxLevel:              3,
			HighSeverityThreshold: 0.8,
			TimerResolution:       time.Second,
		},
		Notify: NotifyConfig{
			TimeoutSeconds: 5,
			MaxRetries:     5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig builds the effective configuration: defaults, then the YAML
// file named by CONFIG_FILE (if any), then environment overrides. The result
// is validated; errors here abort startup.
func LoadConfig() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFromFile merges a YAML document over cfg. The document is decoded to a
// generic map first and then mapped onto the config struct so partial files
// only touch the keys they name.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return err
	}

	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

func loadFromEnv(cfg *Config) {
	setString(&cfg.Server.Host, "SERVER_HOST")
	setInt(&cfg.Server.Port, "SERVER_PORT")

	setString(&cfg.Storage.Provider, "STORAGE_PROVIDER")
	setString(&cfg.Storage.SQLitePath, "SQLITE_PATH")
	setString(&cfg.Storage.Stats.Provider, "STATS_PROVIDER")
	setString(&cfg.Storage.Stats.PostgresDSN, "STATS_POSTGRES_DSN")
	setString(&cfg.Storage.Stats.RedisAddr, "STATS_REDIS_ADDR")
	setInt(&cfg.Storage.Stats.RedisDB, "STATS_REDIS_DB")

	setString(&cfg.Similarity.Provider, "SIMILARITY_PROVIDER")
	setString(&cfg.Similarity.Host, "QDRANT_HOST")
	setInt(&cfg.Similarity.Port, "QDRANT_PORT")
	setString(&cfg.Similarity.APIKey, "QDRANT_API_KEY")
	setString(&cfg.Similarity.Collection, "QDRANT_COLLECTION")

	setFloat(&cfg.Detection.SimilarityThreshold, "SIMILARITY_THRESHOLD")
	setFloat(&cfg.Resolution.ConfidenceThreshold, "CONFIDENCE_THRESHOLD")

	setString(&cfg.Notify.WebhookURL, "NOTIFY_WEBHOOK_URL")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
}

func setString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func setFloat(target *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// Validate enforces startup invariants. Precedence ambiguity, zero-width SLA
// windows, and out-of-range thresholds are refused rather than repaired.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}

	switch c.Storage.Provider {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown storage provider %q", c.Storage.Provider)
	}
	if c.Storage.Provider == "sqlite" && c.Storage.SQLitePath == "" {
		return fmt.Errorf("sqlite storage requires sqlite_path")
	}

	switch c.Storage.Stats.Provider {
	case "memory":
	case "postgres":
		if c.Storage.Stats.PostgresDSN == "" {
			return fmt.Errorf("postgres stats store requires postgres_dsn")
		}
	case "redis":
		if c.Storage.Stats.RedisAddr == "" {
			return fmt.Errorf("redis stats store requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown stats provider %q", c.Storage.Stats.Provider)
	}

	switch c.Similarity.Provider {
	case "none", "qdrant":
	default:
		return fmt.Errorf("unknown similarity provider %q", c.Similarity.Provider)
	}

	if c.Detection.SimilarityThreshold <= 0 || c.Detection.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold %f must be in (0,1]", c.Detection.SimilarityThreshold)
	}
	if c.Resolution.ConfidenceThreshold <= 0 || c.Resolution.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold %f must be in (0,1]", c.Resolution.ConfidenceThreshold)
	}

	w := c.Detection.SeverityWeights
	if w.AuthorityGap <= 0 || w.Reach <= 0 || w.Urgency <= 0 {
		return fmt.Errorf("severity weights must all be positive, got %+v", w)
	}
	if c.Detection.UrgencyHorizon <= 0 {
		return fmt.Errorf("urgency horizon must be positive")
	}

	switch c.Resolution.HarmonizationPolicy {
	case "most_restrictive", "least_restrictive":
	default:
		return fmt.Errorf("unknown harmonization policy %q", c.Resolution.HarmonizationPolicy)
	}

	if err := validatePrecedenceTable(c.Resolution.PrecedenceTable); err != nil {
		return err
	}

	if len(c.Escalation.SLAWindows) == 0 {
		return fmt.Errorf("at least one escalation SLA window is required")
	}
	seen := map[int]bool{}
	for _, sla := range c.Escalation.SLAWindows {
		if sla.Level < 1 {
			return fmt.Errorf("SLA window level %d below minimum", sla.Level)
		}
		if sla.Window <= 0 {
			return fmt.Errorf("SLA window for level %d must be positive", sla.Level)
		}
		if seen[sla.Level] {
			return fmt.Errorf("duplicate SLA window for level %d", sla.Level)
		}
		seen[sla.Level] = true
	}
	if c.Escalation.MaxLevel < 1 {
		return fmt.Errorf("max escalation level %d below minimum", c.Escalation.MaxLevel)
	}
	if c.Escalation.HighSeverityThreshold <= 0 || c.Escalation.HighSeverityThreshold > 1 {
		return fmt.Errorf("high severity threshold %f must be in (0,1]", c.Escalation.HighSeverityThreshold)
	}

	return nil
}

// validatePrecedenceTable rejects ambiguity: the same class listed twice has
// no single rank and must not be guessed.
func validatePrecedenceTable(table []string) error {
	seen := map[string]bool{}
	for _, entry := range table {
		n := types.NormalizeTag(entry)
		if n == "" {
			return fmt.Errorf("precedence table contains an empty entry")
		}
		if seen[n] {
			return fmt.Errorf("precedence table lists %q more than once", n)
		}
		seen[n] = true
	}
	return nil
}

// PrecedenceRank returns the rank of a jurisdiction class in the arbitration
// table (0 is highest precedence) and whether the class is ranked at all.
func (c *Config) PrecedenceRank(class string) (int, bool) {
	return c.Resolution.PrecedenceRank(class)
}

// PrecedenceRank looks up a jurisdiction class in the arbitration table.
func (rc ResolutionConfig) PrecedenceRank(class string) (int, bool) {
	n := types.NormalizeTag(class)
	for i, entry := range rc.PrecedenceTable {
		if types.NormalizeTag(entry) == n {
			return i, true
		}
	}
	return 0, false
}

// SLAWindowFor returns the acknowledgment window for a level, falling back
// to the highest configured level's window.
func (ec EscalationConfig) SLAWindowFor(level int) time.Duration {
	var best SLAWindow
	for _, sla := range ec.SLAWindows {
		if sla.Level == level {
			return sla.Window
		}
		if sla.Level > best.Level {
			best = sla
		}
	}
	return best.Window
}

// SLAWindowFor exposes the escalation SLA lookup at the top level.
func (c *Config) SLAWindowFor(level int) time.Duration {
	return c.Escalation.SLAWindowFor(level)
}
