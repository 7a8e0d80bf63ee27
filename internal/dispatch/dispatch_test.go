package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketsense/internal/agent"
	"marketsense/internal/domain"
	"marketsense/internal/pool"
)

type fakeAnalyst struct {
	id       domain.AgentID
	outlook  domain.Outlook
	conf     float64
	delay    time.Duration
	err      error
	panicMsg string
	// ignoreCtx sleeps through cancellation.
	ignoreCtx bool
	calls     atomic.Int32
}

func (f *fakeAnalyst) ID() domain.AgentID { return f.id }

func (f *fakeAnalyst) Analyze(ctx context.Context, _ domain.Query, _ *float64) (domain.Finding, error) {
	f.calls.Add(1)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.delay > 0 {
		if f.ignoreCtx {
			time.Sleep(f.delay)
		} else {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return domain.Finding{}, fmt.Errorf("agent: %s: %w", f.id, ctx.Err())
			}
		}
	}
	if f.err != nil {
		return domain.Finding{}, f.err
	}
	return domain.Finding{
		Agent:       f.id,
		Outlook:     f.outlook,
		Confidence:  f.conf,
		Risks:       []domain.Risk{{Category: domain.RiskOther, Description: "r"}},
		Mitigations: []domain.Mitigation{{Category: domain.MitigationOther, Description: "m"}},
	}, nil
}

// leasingAnalyst holds a pool lease until its context ends.
type leasingAnalyst struct {
	id   domain.AgentID
	pool *pool.Pool
}

func (l *leasingAnalyst) ID() domain.AgentID { return l.id }

func (l *leasingAnalyst) Analyze(ctx context.Context, _ domain.Query, _ *float64) (domain.Finding, error) {
	err := l.pool.With(ctx, func(*pool.Lease) error {
		<-ctx.Done()
		return ctx.Err()
	})
	return domain.Finding{}, err
}

func query() domain.Query {
	return domain.Query{Text: "outlook?", AssetSymbol: "BTC", Timeframe: domain.TimeframeShort}
}

func threeAgents() (*fakeAnalyst, *fakeAnalyst, *fakeAnalyst) {
	return &fakeAnalyst{id: domain.AgentMacro, outlook: domain.OutlookBullish, conf: 0.8},
		&fakeAnalyst{id: domain.AgentTechnical, outlook: domain.OutlookBullish, conf: 0.75},
		&fakeAnalyst{id: domain.AgentSentiment, outlook: domain.OutlookNeutral, conf: 0.6}
}

func TestNew_Validation(t *testing.T) {
	m, tech, s := threeAgents()

	_, err := New(nil, Config{})
	require.Error(t, err)

	_, err = New([]Analyst{m, m}, Config{})
	require.ErrorContains(t, err, "duplicate")

	_, err = New([]Analyst{m, tech, s}, Config{Quorum: 4})
	require.ErrorContains(t, err, "quorum")

	d, err := New([]Analyst{m, tech, s}, Config{})
	require.NoError(t, err)
	require.Equal(t, 2, d.Quorum())
	require.Equal(t, []domain.AgentID{domain.AgentMacro, domain.AgentTechnical, domain.AgentSentiment}, d.Agents())
}

func TestDispatch_AllSucceed_RegistrationOrder(t *testing.T) {
	m, tech, s := threeAgents()
	// finish in reverse order
	m.delay = 30 * time.Millisecond
	tech.delay = 15 * time.Millisecond

	d, err := New([]Analyst{m, tech, s}, Config{})
	require.NoError(t, err)

	round := d.Dispatch(context.Background(), query(), nil)
	require.False(t, round.Degraded)
	require.Empty(t, round.Unavailable)
	require.Empty(t, round.Failures)
	require.Len(t, round.Findings, 3)
	require.Equal(t, domain.AgentMacro, round.Findings[0].Agent)
	require.Equal(t, domain.AgentTechnical, round.Findings[1].Agent)
	require.Equal(t, domain.AgentSentiment, round.Findings[2].Agent)
	require.Equal(t, d.Agents(), round.Queried)
}

func TestDispatch_RunsAgentsConcurrently(t *testing.T) {
	m, tech, s := threeAgents()
	for _, a := range []*fakeAnalyst{m, tech, s} {
		a.delay = 100 * time.Millisecond
	}
	d, err := New([]Analyst{m, tech, s}, Config{})
	require.NoError(t, err)

	start := time.Now()
	round := d.Dispatch(context.Background(), query(), nil)
	require.Len(t, round.Findings, 3)
	require.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestDispatch_FailureReasons(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"no data", fmt.Errorf("agent: macro: %w", agent.ErrNoData), ReasonDataError},
		{"inference", fmt.Errorf("agent: macro: %w: boom", agent.ErrInference), ReasonInferenceError},
		{"malformed", fmt.Errorf("agent: macro: %w", agent.ErrMalformedPayload), ReasonInvalidFinding},
		{"invalid", fmt.Errorf("agent: macro: %w", agent.ErrInvalidFinding), ReasonInvalidFinding},
		{"exhausted", fmt.Errorf("agent: macro: %w", pool.ErrExhausted), ReasonPoolExhausted},
		{"unknown", errors.New("weird"), ReasonDataError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, tech, s := threeAgents()
			m.err = tc.err
			d, err := New([]Analyst{m, tech, s}, Config{})
			require.NoError(t, err)

			round := d.Dispatch(context.Background(), query(), nil)
			require.Equal(t, map[domain.AgentID]string{domain.AgentMacro: tc.want}, round.Failures)
			require.Equal(t, []domain.AgentID{domain.AgentMacro}, round.Unavailable)
			require.Len(t, round.Findings, 2)
			require.False(t, round.Degraded)
		})
	}
}

func TestDispatch_BelowQuorumIsDegraded(t *testing.T) {
	m, tech, s := threeAgents()
	m.err = agent.ErrNoData
	tech.err = agent.ErrNoData

	d, err := New([]Analyst{m, tech, s}, Config{})
	require.NoError(t, err)

	round := d.Dispatch(context.Background(), query(), nil)
	require.True(t, round.Degraded)
	require.Len(t, round.Findings, 1)
	require.Equal(t, []domain.AgentID{domain.AgentMacro, domain.AgentTechnical}, round.Unavailable)
}

func TestDispatch_AllFail(t *testing.T) {
	m, tech, s := threeAgents()
	m.err, tech.err, s.err = agent.ErrNoData, agent.ErrNoData, agent.ErrNoData

	d, err := New([]Analyst{m, tech, s}, Config{})
	require.NoError(t, err)

	round := d.Dispatch(context.Background(), query(), nil)
	require.True(t, round.Degraded)
	require.Empty(t, round.Findings)
	require.Len(t, round.Unavailable, 3)
}

func TestDispatch_AgentTimeout(t *testing.T) {
	m, tech, s := threeAgents()
	s.delay = time.Second

	d, err := New([]Analyst{m, tech, s}, Config{AgentTimeout: 50 * time.Millisecond, RoundTimeout: time.Second})
	require.NoError(t, err)

	start := time.Now()
	round := d.Dispatch(context.Background(), query(), nil)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, ReasonTimeout, round.Failures[domain.AgentSentiment])
	require.Len(t, round.Findings, 2)
	require.False(t, round.Degraded)
}

func TestDispatch_RoundDeadlineDiscardsLateResults(t *testing.T) {
	m, tech, s := threeAgents()
	// ignores cancellation and would succeed after the round closes
	s.delay = 150 * time.Millisecond
	s.ignoreCtx = true

	d, err := New([]Analyst{m, tech, s}, Config{RoundTimeout: 40 * time.Millisecond, AgentTimeout: time.Second})
	require.NoError(t, err)

	round := d.Dispatch(context.Background(), query(), nil)
	require.Equal(t, ReasonTimeout, round.Failures[domain.AgentSentiment])
	require.Len(t, round.Findings, 2)
	for _, f := range round.Findings {
		require.NotEqual(t, domain.AgentSentiment, f.Agent)
	}
}

func TestDispatch_AgentIgnoringContextDoesNotHoldTheRound(t *testing.T) {
	m, tech, s := threeAgents()
	s.delay = 1500 * time.Millisecond
	s.ignoreCtx = true

	d, err := New([]Analyst{m, tech, s}, Config{
		RoundTimeout: 50 * time.Millisecond,
		AgentTimeout: time.Second,
		JoinGrace:    50 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	round := d.Dispatch(context.Background(), query(), nil)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, ReasonTimeout, round.Failures[domain.AgentSentiment])
	require.Len(t, round.Findings, 2)
}

func TestDispatch_ParentCanceled(t *testing.T) {
	m, tech, s := threeAgents()
	for _, a := range []*fakeAnalyst{m, tech, s} {
		a.delay = time.Second
	}
	d, err := New([]Analyst{m, tech, s}, Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	round := d.Dispatch(ctx, query(), nil)
	require.True(t, round.Degraded)
	for _, id := range round.Queried {
		require.Equal(t, ReasonCanceled, round.Failures[id])
	}
}

func TestDispatch_PanicIsContained(t *testing.T) {
	m, tech, s := threeAgents()
	tech.panicMsg = "nil map write"

	d, err := New([]Analyst{m, tech, s}, Config{})
	require.NoError(t, err)

	round := d.Dispatch(context.Background(), query(), nil)
	require.Equal(t, ReasonPanic, round.Failures[domain.AgentTechnical])
	require.Len(t, round.Findings, 2)
}

func TestDispatch_LeasesReturnedBeforeReturn(t *testing.T) {
	p := pool.New(pool.Config{Capacity: 3, ReapInterval: -1})
	t.Cleanup(func() { _ = p.Close() })

	m, _, _ := threeAgents()
	hung := &leasingAnalyst{id: domain.AgentTechnical, pool: p}
	hung2 := &leasingAnalyst{id: domain.AgentSentiment, pool: p}

	d, err := New([]Analyst{m, hung, hung2}, Config{RoundTimeout: 50 * time.Millisecond, AgentTimeout: time.Second})
	require.NoError(t, err)

	round := d.Dispatch(context.Background(), query(), nil)
	require.True(t, round.Degraded)
	require.Equal(t, ReasonTimeout, round.Failures[domain.AgentTechnical])
	require.Equal(t, ReasonTimeout, round.Failures[domain.AgentSentiment])

	stats := p.Stats()
	require.Equal(t, 0, stats.InUse)
	require.Equal(t, stats.Open, stats.Idle)
}

func TestDispatch_EachAgentRunsOncePerRound(t *testing.T) {
	m, tech, s := threeAgents()
	d, err := New([]Analyst{m, tech, s}, Config{})
	require.NoError(t, err)

	d.Dispatch(context.Background(), query(), nil)
	d.Dispatch(context.Background(), query(), nil)
	for _, a := range []*fakeAnalyst{m, tech, s} {
		require.Equal(t, int32(2), a.calls.Load())
	}
}
