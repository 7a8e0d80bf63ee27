package usecase

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"resty.dev/v3"

	"marketsense/internal/domain"
	"marketsense/internal/feeds"
	"marketsense/internal/pool"
	"marketsense/internal/repository"
)

const (
	defaultMaxQuestion = 500
	maxSymbolLen       = 15
)

type Leaser interface {
	With(ctx context.Context, fn func(*pool.Lease) error) error
}

type QuoteSource interface {
	Name() string
	Quote(ctx context.Context, rc *resty.Client, symbol string) (feeds.Quote, error)
}

// Moderator screens a question over the caller's leased client.
type Moderator interface {
	Moderate(ctx context.Context, hc *http.Client, input string) (bool, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, q domain.Query, price *float64) domain.Round
}

type Synthesizer interface {
	Synthesize(round domain.Round, q domain.Query, price *float64) domain.SynthesisResult
}

type RunStore interface {
	SaveRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, runID string) (domain.Run, error)
}

// Deps are the required collaborators of EvaluateService.
type Deps struct {
	Pool       Leaser
	Quotes     QuoteSource
	Dispatcher Dispatcher
	Engine     Synthesizer
}

type Option func(*EvaluateService)

// WithModerator screens questions before any agent runs.
func WithModerator(m Moderator) Option {
	return func(s *EvaluateService) { s.moderator = m }
}

// WithRunStore persists every run and enables GetRun.
func WithRunStore(r RunStore) Option {
	return func(s *EvaluateService) { s.runs = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *EvaluateService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithResultCache reuses a non-degraded evaluation of the same question,
// asset, horizon and price for ttl. Concurrent identical requests share one
// round. A non-positive ttl disables the cache.
func WithResultCache(ttl time.Duration) Option {
	return func(s *EvaluateService) { s.cacheTTL = ttl }
}

func WithMaxQuestionLength(n int) Option {
	return func(s *EvaluateService) {
		if n > 0 {
			s.maxQuestionLen = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *EvaluateService) {
		if now != nil {
			s.now = now
		}
	}
}

type EvaluateService struct {
	pool       Leaser
	quotes     QuoteSource
	dispatcher Dispatcher
	engine     Synthesizer
	moderator  Moderator
	runs       RunStore
	logger     *slog.Logger

	maxQuestionLen int
	now            func() time.Time

	cacheTTL time.Duration
	cache    *resultCache
	flight   singleflight.Group
}

type EvaluateInput struct {
	Question     string
	AssetSymbol  string
	Timeframe    string
	CurrentPrice *float64
}

// Evaluation is the facade result. Findings and Failures are exposed so the
// evaluation harness can score the specialists individually.
type Evaluation struct {
	RunID           string
	Result          domain.SynthesisResult
	Findings        []domain.Finding
	Failures        map[domain.AgentID]string
	ElapsedSeconds  float64
	DataSourcesUsed int
}

func NewEvaluateService(d Deps, opts ...Option) (*EvaluateService, error) {
	if d.Pool == nil {
		return nil, errors.New("usecase: pool must not be nil")
	}
	if d.Quotes == nil {
		return nil, errors.New("usecase: quote source must not be nil")
	}
	if d.Dispatcher == nil {
		return nil, errors.New("usecase: dispatcher must not be nil")
	}
	if d.Engine == nil {
		return nil, errors.New("usecase: synthesis engine must not be nil")
	}
	s := &EvaluateService{
		pool:           d.Pool,
		quotes:         d.Quotes,
		dispatcher:     d.Dispatcher,
		engine:         d.Engine,
		logger:         slog.Default(),
		maxQuestionLen: defaultMaxQuestion,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cacheTTL > 0 {
		s.cache = newResultCache(s.cacheTTL, s.now)
	}
	return s, nil
}

// Evaluate runs one full round for the query. Only an invalid or flagged
// query is an error; agent, feed and persistence failures degrade the
// result instead.
func (s *EvaluateService) Evaluate(ctx context.Context, in EvaluateInput) (Evaluation, error) {
	start := s.now()
	q, err := s.validate(in)
	if err != nil {
		return Evaluation{}, err
	}
	if s.cache == nil {
		if err := s.screen(ctx, q.Text); err != nil {
			return Evaluation{}, err
		}
		return s.run(ctx, q, start), nil
	}

	key := cacheKey(q)
	if ev, ok := s.cache.get(key); ok {
		s.logger.Info("evaluation served from cache", "run_id", ev.RunID, "asset", q.AssetSymbol)
		return ev, nil
	}
	if err := s.screen(ctx, q.Text); err != nil {
		return Evaluation{}, err
	}
	v, _, _ := s.flight.Do(key, func() (any, error) {
		if ev, ok := s.cache.get(key); ok {
			return ev, nil
		}
		ev := s.run(ctx, q, start)
		if !ev.Result.Degraded {
			s.cache.put(key, ev)
		}
		return ev, nil
	})
	return v.(Evaluation), nil
}

// run resolves the price, dispatches one round, synthesizes and persists it.
func (s *EvaluateService) run(ctx context.Context, q domain.Query, start time.Time) Evaluation {
	price, priceSource := s.resolvePrice(ctx, q)
	round := s.dispatcher.Dispatch(ctx, q, price)
	result := s.engine.Synthesize(round, q, price)

	out := Evaluation{
		RunID:           newUUID(),
		Result:          result,
		Findings:        round.Findings,
		Failures:        round.Failures,
		ElapsedSeconds:  s.now().Sub(start).Seconds(),
		DataSourcesUsed: countSources(round.Findings, priceSource),
	}
	s.save(ctx, q, out, start)

	s.logger.Info("evaluation complete",
		"run_id", out.RunID,
		"asset", q.AssetSymbol,
		"action", result.Action,
		"elapsed_seconds", out.ElapsedSeconds,
		"data_sources", out.DataSourcesUsed,
	)
	return out
}

// GetRun returns a persisted run with its per-agent findings.
func (s *EvaluateService) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Run{}, newError(ErrorInvalidInput, "empty_run_id", nil)
	}
	if s.runs == nil {
		return domain.Run{}, newError(ErrorNotFound, "run_store_disabled", nil)
	}
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Run{}, newError(ErrorNotFound, "run_not_found", err)
		}
		return domain.Run{}, newError(ErrorInternal, "dynamodb_read_error", err)
	}
	return run, nil
}

func (s *EvaluateService) validate(in EvaluateInput) (domain.Query, error) {
	q := domain.Query{
		Text:         in.Question,
		AssetSymbol:  in.AssetSymbol,
		Timeframe:    domain.Timeframe(in.Timeframe),
		CurrentPrice: in.CurrentPrice,
	}.Normalize()

	switch err := q.Validate(); {
	case err == nil:
	case errors.Is(err, domain.ErrMissingText):
		return domain.Query{}, newError(ErrorInvalidInput, "empty_question", err)
	case errors.Is(err, domain.ErrMissingAsset):
		return domain.Query{}, newError(ErrorInvalidInput, "missing_asset", err)
	case errors.Is(err, domain.ErrMissingTimeframe):
		return domain.Query{}, newError(ErrorInvalidInput, "missing_timeframe", err)
	case q.CurrentPrice != nil && *q.CurrentPrice < 0:
		return domain.Query{}, newError(ErrorInvalidInput, "invalid_price", err)
	default:
		return domain.Query{}, newError(ErrorInvalidInput, "invalid_timeframe", err)
	}
	if len(q.Text) > s.maxQuestionLen {
		return domain.Query{}, newError(ErrorInvalidInput, "question_too_long", nil)
	}
	if !validSymbol(q.AssetSymbol) {
		return domain.Query{}, newError(ErrorInvalidInput, "invalid_asset", nil)
	}
	if q.CurrentPrice != nil && (math.IsNaN(*q.CurrentPrice) || math.IsInf(*q.CurrentPrice, 0)) {
		return domain.Query{}, newError(ErrorInvalidInput, "invalid_price", nil)
	}
	if q.CurrentPrice != nil && *q.CurrentPrice == 0 {
		q.CurrentPrice = nil
	}
	return q, nil
}

func (s *EvaluateService) screen(ctx context.Context, text string) error {
	if s.moderator == nil {
		return nil
	}
	var flagged bool
	err := s.pool.With(ctx, func(l *pool.Lease) error {
		var err error
		flagged, err = s.moderator.Moderate(ctx, l.HTTP(), text)
		return err
	})
	if err != nil {
		s.logger.Warn("moderation skipped", "err", err, "status", upstreamStatus(err))
		return nil
	}
	if flagged {
		return newError(ErrorInvalidQuestion, "moderation_flagged", nil)
	}
	return nil
}

// resolvePrice prefers the caller's price and otherwise borrows one pooled
// handle for a quote. A failed quote leaves the price unavailable.
func (s *EvaluateService) resolvePrice(ctx context.Context, q domain.Query) (*float64, string) {
	if q.CurrentPrice != nil {
		p := *q.CurrentPrice
		return &p, ""
	}
	var price float64
	err := s.pool.With(ctx, func(l *pool.Lease) error {
		quote, err := s.quotes.Quote(ctx, l.REST(), q.AssetSymbol)
		if err != nil {
			return err
		}
		price = quote.Price
		return nil
	})
	if err != nil {
		s.logger.Warn("current price unavailable", "asset", q.AssetSymbol, "err", err, "status", upstreamStatus(err))
		return nil, ""
	}
	return &price, s.quotes.Name()
}

func (s *EvaluateService) save(ctx context.Context, q domain.Query, ev Evaluation, start time.Time) {
	if s.runs == nil {
		return
	}
	err := s.runs.SaveRun(ctx, domain.Run{
		RunID:           ev.RunID,
		Query:           q,
		Result:          ev.Result,
		Findings:        ev.Findings,
		Failures:        ev.Failures,
		ElapsedSeconds:  ev.ElapsedSeconds,
		DataSourcesUsed: ev.DataSourcesUsed,
		CreatedAt:       start.UTC(),
	})
	if err != nil {
		s.logger.Error("run not persisted", "run_id", ev.RunID, "err", err)
	}
}

// countSources counts the distinct upstream sources behind the result.
func countSources(findings []domain.Finding, extra ...string) int {
	seen := make(map[string]struct{})
	for _, f := range findings {
		for _, src := range f.Sources {
			if src = strings.TrimSpace(src); src != "" {
				seen[src] = struct{}{}
			}
		}
	}
	for _, src := range extra {
		if src != "" {
			seen[src] = struct{}{}
		}
	}
	return len(seen)
}

func validSymbol(s string) bool {
	if s == "" || len(s) > maxSymbolLen {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatus(err error) int {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0
	}
	return statusErr.HTTPStatusCode()
}

var newUUID = func() string {
	return uuid.NewString()
}
