// Package bootstrap wires configuration into a ready EvaluateService. Both
// binaries under cmd/ share it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"marketsense/internal/agent"
	"marketsense/internal/config"
	"marketsense/internal/dispatch"
	"marketsense/internal/domain"
	"marketsense/internal/feeds"
	"marketsense/internal/integrations/openai"
	"marketsense/internal/integrations/paramstore"
	"marketsense/internal/pool"
	"marketsense/internal/repository"
	"marketsense/internal/synthesis"
	"marketsense/internal/usecase"
)

const (
	openAITokenParam = "open-ai-token"
	fredKeyParam     = "fred-api-key"
	newsKeyParam     = "news-api-key"
)

type keySource interface {
	Value(ctx context.Context) (string, error)
}

// App owns the long-lived pieces. Close releases the pool.
type App struct {
	Service *usecase.EvaluateService
	Pool    *pool.Pool
}

func (a *App) Close() error {
	if a == nil || a.Pool == nil {
		return nil
	}
	return a.Pool.Close()
}

// New loads the AWS config when Parameter Store or DynamoDB is needed and
// builds the App.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config must not be nil")
	}
	var (
		params paramstore.Getter
		runs   usecase.RunStore
	)
	if cfg.AWS.ParamPrefix != "" || cfg.AWS.StateTable != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: load AWS config: %w", err)
		}
		if cfg.AWS.ParamPrefix != "" {
			ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
			if err != nil {
				return nil, fmt.Errorf("bootstrap: SSM client: %w", err)
			}
			params = ssmClient
		}
		if cfg.AWS.StateTable != "" {
			store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.AWS.StateTable)
			if err != nil {
				return nil, fmt.Errorf("bootstrap: run store: %w", err)
			}
			runs = store
		}
	}
	return Build(cfg, logger, params, runs)
}

// Build wires the service from already constructed AWS collaborators.
// params may be nil when every secret is set in the environment; runs may
// be nil to disable persistence.
func Build(cfg *config.Config, logger *slog.Logger, params paramstore.Getter, runs usecase.RunStore) (*App, error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	openaiKey, err := resolveKey(cfg.Secrets.OpenAIKey, params, cfg.AWS.ParamPrefix, openAITokenParam, paramstore.WithJSONField("token"))
	if err != nil {
		return nil, err
	}
	fredKey, err := resolveKey(cfg.Secrets.FREDKey, params, cfg.AWS.ParamPrefix, fredKeyParam)
	if err != nil {
		return nil, err
	}
	newsKey, err := resolveKey(cfg.Secrets.NewsKey, params, cfg.AWS.ParamPrefix, newsKeyParam)
	if err != nil {
		return nil, err
	}

	llm, err := openai.NewClient(openaiKey, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: OpenAI client: %w", err)
	}
	market := feeds.NewMarket(cfg.Feeds.BinanceURL, feeds.WithQuoteTTL(cfg.Feeds.QuoteTTL))
	macroFeed, err := feeds.NewMacro(cfg.Feeds.FREDURL, fredKey)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: macro feed: %w", err)
	}
	newsFeed, err := feeds.NewNews(cfg.Feeds.NewsURL, cfg.Feeds.FearGreedURL, newsKey)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: news feed: %w", err)
	}

	p := pool.New(pool.Config{
		Capacity:       cfg.Pool.Capacity,
		MaxIdle:        cfg.Pool.MaxIdle,
		MaxLifetime:    cfg.Pool.MaxLifetime,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		RequestTimeout: cfg.Pool.RequestTimeout,
		Retry:          pool.Retry{Count: cfg.Pool.RetryCount, Wait: cfg.Pool.RetryWait},
	}, pool.WithLogger(logger))

	app, err := assemble(cfg, logger, p, llm, market, macroFeed, newsFeed, runs)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return app, nil
}

func assemble(cfg *config.Config, logger *slog.Logger, p *pool.Pool, llm *openai.Client,
	market *feeds.Market, macroFeed *feeds.Macro, newsFeed *feeds.News, runs usecase.RunStore,
) (*App, error) {
	temperature := cfg.OpenAI.Temperature
	deps := func(model string) agent.Deps {
		if model == "" {
			model = cfg.OpenAI.Model
		}
		return agent.Deps{Pool: p, LLM: llm, Model: model, Temperature: &temperature, Logger: logger}
	}

	macro, err := agent.NewMacro(deps(cfg.OpenAI.MacroModel), macroFeed)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: macro agent: %w", err)
	}
	technical, err := agent.NewTechnical(deps(cfg.OpenAI.TechnicalModel), market)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: technical agent: %w", err)
	}
	sentiment, err := agent.NewSentiment(deps(cfg.OpenAI.SentimentModel), newsFeed)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: sentiment agent: %w", err)
	}

	disp, err := dispatch.New([]dispatch.Analyst{macro, technical, sentiment}, dispatch.Config{
		Quorum:       cfg.Dispatch.Quorum,
		RoundTimeout: cfg.Dispatch.RoundTimeout,
		AgentTimeout: cfg.Dispatch.AgentTimeout,
		JoinGrace:    cfg.Dispatch.JoinGrace,
	}, dispatch.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: dispatcher: %w", err)
	}

	engine, err := synthesis.New(SynthesisParams(cfg.Synthesis), synthesis.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: synthesis engine: %w", err)
	}

	opts := []usecase.Option{
		usecase.WithLogger(logger),
		usecase.WithResultCache(cfg.Evaluate.CacheTTL),
		usecase.WithMaxQuestionLength(cfg.Evaluate.MaxQuestionLength),
	}
	if cfg.OpenAI.Moderation {
		opts = append(opts, usecase.WithModerator(llm))
	}
	if runs != nil {
		opts = append(opts, usecase.WithRunStore(runs))
	}
	svc, err := usecase.NewEvaluateService(usecase.Deps{
		Pool:       p,
		Quotes:     market,
		Dispatcher: disp,
		Engine:     engine,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: evaluate service: %w", err)
	}
	return &App{Service: svc, Pool: p}, nil
}

// SynthesisParams overlays the configured values on the engine defaults.
func SynthesisParams(c config.SynthesisConfig) synthesis.Params {
	p := synthesis.DefaultParams()
	if len(c.Weights) > 0 {
		p.Weights = make(map[domain.AgentID]float64, len(c.Weights))
		for id, w := range c.Weights {
			p.Weights[domain.AgentID(id)] = w
		}
	}
	if c.ConfidenceFloor > 0 {
		p.ConfidenceFloor = c.ConfidenceFloor
	}
	if c.ConflictMargin > 0 {
		p.ConflictMargin = c.ConflictMargin
	}
	if c.UnavailablePenalty > 0 {
		p.UnavailablePenalty = c.UnavailablePenalty
	}
	if len(c.EntryOffsets) > 0 {
		p.EntryOffsets = append([]float64(nil), c.EntryOffsets...)
	}
	if c.StopOffset > 0 {
		p.StopOffset = c.StopOffset
	}
	if len(c.TargetOffsets) > 0 {
		p.TargetOffsets = append([]float64(nil), c.TargetOffsets...)
	}
	return p
}

func resolveKey(static string, params paramstore.Getter, prefix, name string, opts ...paramstore.SecretOption) (keySource, error) {
	if static != "" {
		return feeds.StaticKey(static), nil
	}
	if params == nil || prefix == "" {
		return nil, fmt.Errorf("bootstrap: no source for secret %q", name)
	}
	s, err := paramstore.NewSecret(params, paramstore.Path(prefix, name), opts...)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: secret %q: %w", name, err)
	}
	return s, nil
}
