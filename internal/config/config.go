// Package config loads process configuration from the environment. It is
// read only by the binaries under cmd/.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Log       LogConfig
	AWS       AWSConfig
	Secrets   SecretsConfig
	Pool      PoolConfig
	Dispatch  DispatchConfig
	Synthesis SynthesisConfig
	Evaluate  EvaluateConfig
	OpenAI    OpenAIConfig
	Feeds     FeedsConfig
	Server    ServerConfig
}

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"json"`
}

type AWSConfig struct {
	// StateTable holds persisted runs. Empty disables persistence.
	StateTable  string `envconfig:"STATE_TABLE"`
	ParamPrefix string `envconfig:"PARAM_PREFIX"`
}

// SecretsConfig lets local runs bypass Parameter Store. Any key left empty
// is read from PARAM_PREFIX instead.
type SecretsConfig struct {
	OpenAIKey string `envconfig:"OPENAI_API_KEY"`
	FREDKey   string `envconfig:"FRED_API_KEY"`
	NewsKey   string `envconfig:"NEWS_API_KEY"`
}

type PoolConfig struct {
	Capacity       int           `envconfig:"POOL_CAPACITY" default:"8"`
	MaxIdle        time.Duration `envconfig:"POOL_MAX_IDLE" default:"90s"`
	MaxLifetime    time.Duration `envconfig:"POOL_MAX_LIFETIME" default:"10m"`
	AcquireTimeout time.Duration `envconfig:"POOL_ACQUIRE_TIMEOUT" default:"5s"`
	RequestTimeout time.Duration `envconfig:"POOL_REQUEST_TIMEOUT" default:"15s"`
	// RetryCount applies to feed requests only; inference calls are not retried.
	RetryCount int           `envconfig:"POOL_RETRY_COUNT" default:"3"`
	RetryWait  time.Duration `envconfig:"POOL_RETRY_WAIT" default:"2s"`
}

type DispatchConfig struct {
	// Quorum of zero means a simple majority of the registered agents.
	Quorum       int           `envconfig:"DISPATCH_QUORUM" default:"0"`
	RoundTimeout time.Duration `envconfig:"DISPATCH_ROUND_TIMEOUT" default:"30s"`
	AgentTimeout time.Duration `envconfig:"DISPATCH_AGENT_TIMEOUT" default:"20s"`
	// JoinGrace bounds how long a closed round waits for agents to exit.
	JoinGrace time.Duration `envconfig:"DISPATCH_JOIN_GRACE" default:"250ms"`
}

type SynthesisConfig struct {
	Weights            map[string]float64 `envconfig:"SYNTHESIS_WEIGHTS" default:"macro:0.30,technical:0.30,sentiment:0.40"`
	ConfidenceFloor    float64            `envconfig:"SYNTHESIS_CONFIDENCE_FLOOR" default:"0.35"`
	ConflictMargin     float64            `envconfig:"SYNTHESIS_CONFLICT_MARGIN" default:"0.15"`
	UnavailablePenalty float64            `envconfig:"SYNTHESIS_UNAVAILABLE_PENALTY" default:"0.05"`
	EntryOffsets       []float64          `envconfig:"SYNTHESIS_ENTRY_OFFSETS" default:"0.02,0.05"`
	StopOffset         float64            `envconfig:"SYNTHESIS_STOP_OFFSET" default:"0.10"`
	TargetOffsets      []float64          `envconfig:"SYNTHESIS_TARGET_OFFSETS" default:"0.10,0.20"`
}

// EvaluateConfig tunes the facade. A zero CacheTTL disables result caching.
type EvaluateConfig struct {
	CacheTTL          time.Duration `envconfig:"EVALUATE_CACHE_TTL" default:"30m"`
	MaxQuestionLength int           `envconfig:"EVALUATE_MAX_QUESTION_LENGTH" default:"500"`
}

type OpenAIConfig struct {
	BaseURL string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	Model   string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	// Per-agent overrides; empty falls back to Model.
	MacroModel     string  `envconfig:"OPENAI_MACRO_MODEL"`
	TechnicalModel string  `envconfig:"OPENAI_TECHNICAL_MODEL"`
	SentimentModel string  `envconfig:"OPENAI_SENTIMENT_MODEL"`
	Temperature    float64 `envconfig:"OPENAI_TEMPERATURE" default:"0.2"`
	Moderation     bool    `envconfig:"OPENAI_MODERATION" default:"true"`
}

type FeedsConfig struct {
	BinanceURL   string        `envconfig:"FEEDS_BINANCE_URL" default:"https://api.binance.com"`
	FREDURL      string        `envconfig:"FEEDS_FRED_URL" default:"https://api.stlouisfed.org"`
	NewsURL      string        `envconfig:"FEEDS_NEWS_URL" default:"https://newsapi.org"`
	FearGreedURL string        `envconfig:"FEEDS_FEAR_GREED_URL" default:"https://api.alternative.me"`
	QuoteTTL     time.Duration `envconfig:"FEEDS_QUOTE_TTL" default:"5m"`
}

type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port            string        `envconfig:"SERVER_PORT" default:"8000"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"30s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"15s"`
}

func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// Load reads the configuration and checks the cross-field rules envconfig
// cannot express.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.AWS.ParamPrefix = strings.TrimRight(strings.TrimSpace(c.AWS.ParamPrefix), "/")
	if c.AWS.ParamPrefix == "" && (c.Secrets.OpenAIKey == "" || c.Secrets.FREDKey == "" || c.Secrets.NewsKey == "") {
		return fmt.Errorf("config: PARAM_PREFIX is required unless OPENAI_API_KEY, FRED_API_KEY and NEWS_API_KEY are all set")
	}
	if c.Pool.Capacity <= 0 {
		return fmt.Errorf("config: POOL_CAPACITY must be positive, got %d", c.Pool.Capacity)
	}
	if c.Dispatch.Quorum < 0 {
		return fmt.Errorf("config: DISPATCH_QUORUM must not be negative, got %d", c.Dispatch.Quorum)
	}
	if c.Dispatch.AgentTimeout > c.Dispatch.RoundTimeout {
		return fmt.Errorf("config: DISPATCH_AGENT_TIMEOUT (%s) exceeds DISPATCH_ROUND_TIMEOUT (%s)", c.Dispatch.AgentTimeout, c.Dispatch.RoundTimeout)
	}
	return nil
}

// NewLogger builds a text or JSON slog.Logger. It does not touch the global
// logger.
func NewLogger(levelStr, formatStr string, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(formatStr) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
