// Package dispatch runs one round of specialist analysis: every agent starts
// concurrently under a shared deadline, and the round resolves with whatever
// findings arrived in time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketsense/internal/agent"
	"marketsense/internal/domain"
	"marketsense/internal/pool"
)

const (
	defaultRoundTimeout = 30 * time.Second
	defaultAgentTimeout = 20 * time.Second
	defaultJoinGrace    = 250 * time.Millisecond
)

// Failure reasons recorded on a Round.
const (
	ReasonTimeout        = "timeout"
	ReasonCanceled       = "canceled"
	ReasonPoolExhausted  = "pool_exhausted"
	ReasonDataError      = "data_error"
	ReasonInferenceError = "inference_error"
	ReasonInvalidFinding = "invalid_finding"
	ReasonPanic          = "panic"
)

// Analyst is one specialist. *agent.Macro, *agent.Technical and
// *agent.Sentiment satisfy it.
type Analyst interface {
	ID() domain.AgentID
	Analyze(ctx context.Context, q domain.Query, price *float64) (domain.Finding, error)
}

type Config struct {
	// Quorum is the minimum number of findings for a non-degraded round.
	// Zero means a simple majority.
	Quorum       int
	RoundTimeout time.Duration
	AgentTimeout time.Duration
	// JoinGrace is how long a closed round waits for agent goroutines to
	// exit. Agents that ignore cancellation are left behind and logged.
	JoinGrace time.Duration
}

type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// Dispatcher fans a query out to a fixed set of agents.
type Dispatcher struct {
	agents []Analyst
	cfg    Config
	logger *slog.Logger
}

type outcome struct {
	index   int
	finding domain.Finding
	reason  string
	err     error
}

func New(agents []Analyst, cfg Config, opts ...Option) (*Dispatcher, error) {
	if len(agents) == 0 {
		return nil, errors.New("dispatch: at least one agent is required")
	}
	seen := make(map[domain.AgentID]struct{}, len(agents))
	for i, a := range agents {
		if a == nil {
			return nil, fmt.Errorf("dispatch: agent %d is nil", i)
		}
		if _, dup := seen[a.ID()]; dup {
			return nil, fmt.Errorf("dispatch: duplicate agent id %q", a.ID())
		}
		seen[a.ID()] = struct{}{}
	}
	if cfg.Quorum == 0 {
		cfg.Quorum = len(agents)/2 + 1
	}
	if cfg.Quorum < 0 || cfg.Quorum > len(agents) {
		return nil, fmt.Errorf("dispatch: quorum %d outside [1,%d]", cfg.Quorum, len(agents))
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = defaultRoundTimeout
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = defaultAgentTimeout
	}
	if cfg.JoinGrace <= 0 {
		cfg.JoinGrace = defaultJoinGrace
	}

	d := &Dispatcher{
		agents: append([]Analyst(nil), agents...),
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Agents lists the registered agent IDs in registration order.
func (d *Dispatcher) Agents() []domain.AgentID {
	ids := make([]domain.AgentID, len(d.agents))
	for i, a := range d.agents {
		ids[i] = a.ID()
	}
	return ids
}

func (d *Dispatcher) Quorum() int { return d.cfg.Quorum }

// Dispatch runs one round. Once the round closes it waits up to JoinGrace
// for the agent goroutines to exit; agents honoring their context return
// their leases in that window. Results that arrive after the round deadline
// are discarded.
func (d *Dispatcher) Dispatch(ctx context.Context, q domain.Query, price *float64) domain.Round {
	start := time.Now()
	roundCtx, cancel := context.WithTimeout(ctx, d.cfg.RoundTimeout)
	defer cancel()

	results := make(chan outcome, len(d.agents))
	var wg sync.WaitGroup
	for i, a := range d.agents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- d.run(roundCtx, i, a, q, price)
		}()
	}

	collected := make([]*outcome, len(d.agents))
	pending := len(d.agents)
collect:
	for pending > 0 {
		select {
		case o := <-results:
			collected[o.index] = &o
			pending--
		case <-roundCtx.Done():
			break collect
		}
	}
	cancel()
	d.join(&wg, q.AssetSymbol)

	round := domain.Round{
		Failures: make(map[domain.AgentID]string),
		Queried:  d.Agents(),
	}
	for i, a := range d.agents {
		o := collected[i]
		if o == nil {
			o = &outcome{reason: lateReason(ctx), err: roundCtx.Err()}
		}
		if o.reason != "" {
			round.Unavailable = append(round.Unavailable, a.ID())
			round.Failures[a.ID()] = o.reason
			d.logger.Warn("agent unavailable", "agent", string(a.ID()), "reason", o.reason, "err", o.err)
			continue
		}
		round.Findings = append(round.Findings, o.finding)
	}
	round.Degraded = len(round.Findings) < d.cfg.Quorum

	d.logger.Info("round resolved",
		"asset", q.AssetSymbol,
		"findings", len(round.Findings),
		"unavailable", len(round.Unavailable),
		"degraded", round.Degraded,
		"elapsed", time.Since(start),
	)
	return round
}

// join waits for the agent goroutines, but never longer than JoinGrace.
// Stragglers still hold their lease until they return; the buffered results
// channel lets them finish without blocking.
func (d *Dispatcher) join(wg *sync.WaitGroup, asset string) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(d.cfg.JoinGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		d.logger.Warn("agents still running after round closed", "asset", asset, "grace", d.cfg.JoinGrace)
	}
}

func (d *Dispatcher) run(ctx context.Context, index int, a Analyst, q domain.Query, price *float64) (out outcome) {
	out.index = index
	agentCtx, cancel := context.WithTimeout(ctx, d.cfg.AgentTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			out = outcome{index: index, reason: ReasonPanic, err: fmt.Errorf("dispatch: agent %s panicked: %v", a.ID(), r)}
		}
	}()

	f, err := a.Analyze(agentCtx, q, price)
	if err != nil {
		out.reason = classify(agentCtx, err)
		out.err = err
		return out
	}
	out.finding = f
	return out
}

// lateReason labels an agent that had not reported when the round closed.
func lateReason(parent context.Context) string {
	if errors.Is(parent.Err(), context.Canceled) {
		return ReasonCanceled
	}
	return ReasonTimeout
}

func classify(agentCtx context.Context, err error) string {
	switch {
	case errors.Is(err, pool.ErrExhausted):
		return ReasonPoolExhausted
	case errors.Is(err, context.DeadlineExceeded), errors.Is(agentCtx.Err(), context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled), errors.Is(agentCtx.Err(), context.Canceled):
		return ReasonCanceled
	case errors.Is(err, agent.ErrInference):
		return ReasonInferenceError
	case errors.Is(err, agent.ErrMalformedPayload), errors.Is(err, agent.ErrInvalidFinding):
		return ReasonInvalidFinding
	default:
		return ReasonDataError
	}
}
