package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// findingPayload is the reply shape requested from the inference service.
type findingPayload struct {
	Outlook     string        `json:"outlook" jsonschema:"enum=bullish,enum=bearish,enum=neutral" jsonschema_description:"Directional view for the requested timeframe."`
	Confidence  float64       `json:"confidence" jsonschema:"minimum=0,maximum=1" jsonschema_description:"Confidence in the outlook between 0 and 1."`
	Summary     string        `json:"summary" jsonschema_description:"Two or three sentence summary of the analysis."`
	KeyFactors  []string      `json:"key_factors" jsonschema_description:"Most important drivers behind the outlook."`
	Risks       []payloadItem `json:"risks" jsonschema_description:"Risks to the outlook."`
	Mitigations []payloadItem `json:"mitigations" jsonschema_description:"Concrete actions that reduce those risks."`
}

type payloadItem struct {
	Category    string `json:"category" jsonschema_description:"Short category tag such as volatility, macro_policy, liquidity, stop_loss or position_scaling."`
	Description string `json:"description"`
}

// replyEnvelope is what a reply is checked against. Only outlook and
// confidence must be well formed; the rest is taken leniently so a sloppy
// risk list falls back to the agent's own derived risks.
type replyEnvelope struct {
	Outlook     string  `json:"outlook" jsonschema:"enum=bullish,enum=bearish,enum=neutral"`
	Confidence  float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Summary     any     `json:"summary,omitempty"`
	KeyFactors  any     `json:"key_factors,omitempty"`
	Risks       any     `json:"risks,omitempty"`
	Mitigations any     `json:"mitigations,omitempty"`
}

type compiledSchema struct {
	raw      json.RawMessage
	compiled *gojsonschema.Schema
}

var (
	// payloadSchema is sent to the model as the response format.
	payloadSchema = mustCompileSchema(findingPayload{})
	// replySchema is what replies are validated against.
	replySchema = mustCompileSchema(replyEnvelope{})
)

func mustCompileSchema(v any) compiledSchema {
	reflector := &jsonschema.Reflector{
		Anonymous:      true,
		ExpandedStruct: true,
		DoNotReference: true,
	}
	raw, err := json.Marshal(reflector.Reflect(v))
	if err != nil {
		panic(fmt.Sprintf("agent: marshal schema: %v", err))
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("agent: compile schema: %v", err))
	}
	return compiledSchema{raw: raw, compiled: compiled}
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// drop an info string such as "json"
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func parsePayload(raw string) (findingPayload, error) {
	body := stripFences(raw)
	if body == "" {
		return findingPayload{}, fmt.Errorf("%w: empty reply", ErrMalformedPayload)
	}

	result, err := replySchema.compiled.Validate(gojsonschema.NewStringLoader(body))
	if err != nil {
		return findingPayload{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if !result.Valid() {
		var sb strings.Builder
		for i, e := range result.Errors() {
			if i > 0 {
				sb.WriteString("; ")
			}
			sb.WriteString(e.String())
		}
		return findingPayload{}, fmt.Errorf("%w: %s", ErrMalformedPayload, sb.String())
	}

	var env replyEnvelope
	dec := json.NewDecoder(bytes.NewBufferString(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return findingPayload{}, fmt.Errorf("%w: decode: %w", ErrMalformedPayload, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return findingPayload{}, fmt.Errorf("%w: multiple JSON values", ErrMalformedPayload)
		}
		return findingPayload{}, fmt.Errorf("%w: trailing data: %w", ErrMalformedPayload, err)
	}

	summary, _ := env.Summary.(string)
	return findingPayload{
		Outlook:     env.Outlook,
		Confidence:  env.Confidence,
		Summary:     summary,
		KeyFactors:  looseStrings(env.KeyFactors),
		Risks:       looseItems(env.Risks),
		Mitigations: looseItems(env.Mitigations),
	}, nil
}

// looseStrings keeps the non-empty strings of a list. A bare string counts
// as a list of one.
func looseStrings(v any) []string {
	var out []string
	for _, it := range asList(v) {
		if s, ok := it.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// looseItems accepts objects with a description and plain strings, which
// become category "other". Anything else is dropped.
func looseItems(v any) []payloadItem {
	var out []payloadItem
	for _, it := range asList(v) {
		switch x := it.(type) {
		case string:
			if strings.TrimSpace(x) != "" {
				out = append(out, payloadItem{Category: "other", Description: x})
			}
		case map[string]any:
			d, _ := x["description"].(string)
			if strings.TrimSpace(d) == "" {
				continue
			}
			c, _ := x["category"].(string)
			out = append(out, payloadItem{Category: c, Description: d})
		}
	}
	return out
}

func asList(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case nil:
		return nil
	default:
		return []any{x}
	}
}
