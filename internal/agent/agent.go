// Package agent holds the specialist analysts. Each one borrows a single
// pooled handle per invocation, gathers its own data, asks the inference
// service for a structured view, and returns one validated Finding.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketsense/internal/domain"
	"marketsense/internal/integrations/openai"
	"marketsense/internal/pool"
)

var (
	// ErrNoData means none of the agent's inputs could be gathered.
	ErrNoData = errors.New("agent: no usable data")
	// ErrInference wraps failures talking to the inference service.
	ErrInference = errors.New("agent: inference failed")
	// ErrMalformedPayload means the model reply did not match the payload schema.
	ErrMalformedPayload = errors.New("agent: malformed payload")
	// ErrInvalidFinding means the assembled finding failed validation.
	ErrInvalidFinding = errors.New("agent: invalid finding")
)

// Leaser hands out pooled handles. *pool.Pool satisfies it.
type Leaser interface {
	With(ctx context.Context, fn func(*pool.Lease) error) error
}

// Inference is the chat-completion collaborator.
type Inference interface {
	Chat(ctx context.Context, hc *http.Client, req openai.ChatRequest) (string, error)
}

// Deps are the collaborators every specialist needs.
type Deps struct {
	Pool        Leaser
	LLM         Inference
	Model       string
	Temperature *float64
	Logger      *slog.Logger
}

func (d Deps) validate() error {
	if d.Pool == nil {
		return errors.New("agent: pool must not be nil")
	}
	if d.LLM == nil {
		return errors.New("agent: inference client must not be nil")
	}
	if strings.TrimSpace(d.Model) == "" {
		return errors.New("agent: model must not be empty")
	}
	return nil
}

// evidence is what a specialist gathered before inference.
type evidence struct {
	dataPoints  []domain.DataPoint
	sources     []string
	risks       []domain.Risk
	mitigations []domain.Mitigation
	// quality is the share of requested inputs that arrived, in [0,1].
	quality float64
}

func (e *evidence) add(key string, value string) {
	e.dataPoints = append(e.dataPoints, domain.DataPoint{Key: key, Value: value})
}

func (e *evidence) addFloat(key string, v float64) {
	e.add(key, strconv.FormatFloat(v, 'f', 2, 64))
}

func (e *evidence) risk(c domain.RiskCategory, format string, args ...any) {
	e.risks = append(e.risks, domain.Risk{Category: c, Description: fmt.Sprintf(format, args...)})
}

func (e *evidence) mitigate(c domain.MitigationCategory, format string, args ...any) {
	e.mitigations = append(e.mitigations, domain.Mitigation{Category: c, Description: fmt.Sprintf(format, args...)})
}

type collectFunc func(ctx context.Context, l *pool.Lease, q domain.Query, price *float64) (evidence, error)

// runner is the shared analyze pipeline.
type runner struct {
	id     domain.AgentID
	role   string
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
	// qualityWeight blends data quality into the model confidence.
	qualityWeight float64
}

func newRunner(id domain.AgentID, role string, d Deps) (runner, error) {
	if err := d.validate(); err != nil {
		return runner{}, err
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return runner{
		id:     id,
		role:   role,
		deps:   d,
		logger: logger.With("agent", string(id)),
		now:    time.Now,
	}, nil
}

func (r *runner) analyze(ctx context.Context, q domain.Query, price *float64, collect collectFunc) (domain.Finding, error) {
	start := r.now()
	var f domain.Finding
	err := r.deps.Pool.With(ctx, func(l *pool.Lease) error {
		ev, err := collect(ctx, l, q, price)
		if err != nil {
			return err
		}

		raw, err := r.deps.LLM.Chat(ctx, l.HTTP(), openai.ChatRequest{
			Model:       r.deps.Model,
			Messages:    buildMessages(r.id, r.role, q, price, ev),
			Temperature: r.deps.Temperature,
			Schema:      &openai.Schema{Name: string(r.id) + "_finding", Definition: payloadSchema.raw},
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInference, err)
		}

		p, err := parsePayload(raw)
		if err != nil {
			return err
		}
		f = r.assemble(p, ev)
		return nil
	})
	if err != nil {
		return domain.Finding{}, fmt.Errorf("agent: %s: %w", r.id, err)
	}

	f.Elapsed = r.now().Sub(start)
	if err := f.Validate(); err != nil {
		return domain.Finding{}, fmt.Errorf("agent: %s: %w: %w", r.id, ErrInvalidFinding, err)
	}
	r.logger.Debug("finding ready",
		"outlook", f.Outlook,
		"confidence", f.Confidence,
		"risks", len(f.Risks),
		"elapsed", f.Elapsed,
	)
	return f, nil
}

func (r *runner) assemble(p findingPayload, ev evidence) domain.Finding {
	outlook, _ := domain.ParseOutlook(p.Outlook)
	conf := p.Confidence
	if r.qualityWeight > 0 {
		conf = (1-r.qualityWeight)*conf + r.qualityWeight*ev.quality
	}

	f := domain.Finding{
		Agent:      r.id,
		Outlook:    outlook,
		Confidence: clamp01(conf),
		Summary:    strings.TrimSpace(p.Summary),
		DataPoints: ev.dataPoints,
		Sources:    ev.sources,
	}
	if f.Summary == "" {
		f.Summary = fmt.Sprintf("%s view is %s.", r.id, outlook)
	}
	for _, k := range p.KeyFactors {
		if k = strings.TrimSpace(k); k != "" {
			f.KeyFactors = append(f.KeyFactors, k)
		}
	}
	for _, it := range p.Risks {
		if d := strings.TrimSpace(it.Description); d != "" {
			f.Risks = append(f.Risks, domain.Risk{Category: domain.NormalizeRiskCategory(it.Category), Description: d})
		}
	}
	for _, it := range p.Mitigations {
		if d := strings.TrimSpace(it.Description); d != "" {
			f.Mitigations = append(f.Mitigations, domain.Mitigation{Category: domain.NormalizeMitigationCategory(it.Category), Description: d})
		}
	}

	if len(f.Risks) == 0 {
		f.Risks = append(f.Risks, ev.risks...)
	}
	if len(f.Mitigations) == 0 {
		f.Mitigations = append(f.Mitigations, ev.mitigations...)
	}
	return f
}

// warnSkipped logs an input that could not be gathered. It reports whether
// the caller should stop because its context is done.
func (r *runner) warnSkipped(ctx context.Context, input string, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	r.logger.Warn("input unavailable", "input", input, "err", err)
	return false
}

func clamp01(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
