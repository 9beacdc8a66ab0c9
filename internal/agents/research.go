package agents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/quantbot/internal/indicators"
	"github.com/eddiefleurent/quantbot/internal/llm"
	"github.com/eddiefleurent/quantbot/internal/models"
	"github.com/eddiefleurent/quantbot/internal/util"
)

// softFailConfidence is what the research agent reports when the LLM cannot
// be reached. Low but non-zero so it still registers in the audit trail.
const softFailConfidence = 0.2

var confidencePattern = regexp.MustCompile(`(?i)confidence[:\s]+([0-9]*\.?[0-9]+)`)

// ResearchAgent asks the LLM for a fundamentals/sentiment read and parses
// the verdict out of its answer.
type ResearchAgent struct {
	client llm.Client
	logger zerolog.Logger
}

var _ Agent = (*ResearchAgent)(nil)

// NewResearchAgent creates the research specialist.
func NewResearchAgent(client llm.Client, logger zerolog.Logger) *ResearchAgent {
	return &ResearchAgent{
		client: client,
		logger: logger.With().Str("agent", AgentResearch).Logger(),
	}
}

// ID implements Agent.
func (a *ResearchAgent) ID() string { return AgentResearch }

// Analyze prompts the LLM and maps its answer to a recommendation. An
// unavailable LLM soft-fails to HOLD rather than erroring so the pipeline
// keeps moving.
func (a *ResearchAgent) Analyze(ctx context.Context, actx *Context) (models.SpecialistRecommendation, error) {
	res, err := a.client.Analyze(ctx, a.buildPrompt(actx))
	if err != nil {
		if errors.Is(err, llm.ErrLLMUnavailable) {
			a.logger.Warn().Str("symbol", actx.Symbol).Msg("llm unavailable, soft-failing to HOLD")
			return holdRec(AgentResearch, softFailConfidence, "llm unavailable"), nil
		}
		return models.SpecialistRecommendation{}, fmt.Errorf("research analysis for %s: %w", actx.Symbol, err)
	}

	action, confidence := parseVerdict(res.Text)
	if res.ConfidenceHint > 0 {
		confidence = res.ConfidenceHint
	}
	return models.SpecialistRecommendation{
		AgentID:    AgentResearch,
		Action:     action,
		Confidence: util.Clamp(confidence, 0, 1),
		Rationale:  firstLine(res.Text),
	}, nil
}

func (a *ResearchAgent) buildPrompt(actx *Context) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Assess %s for a one-day hold. Latest close %.2f.\n", actx.Symbol, actx.Price)
	if rsi, ok := indicators.Last(actx.Ind.RSI); ok {
		fmt.Fprintf(&sb, "RSI(14): %.1f. ", rsi)
	}
	if hist, ok := indicators.Last(actx.Ind.MACD.Histogram); ok {
		fmt.Fprintf(&sb, "MACD histogram: %.3f. ", hist)
	}
	fmt.Fprintf(&sb, "Market regime: %s.\n", actx.Regime)
	sb.WriteString("Answer with exactly one of BUY, SELL or HOLD on the first line, ")
	sb.WriteString("then 'Confidence: <0..1>' and a one-sentence rationale.")
	return sb.String()
}

// parseVerdict extracts the action keyword and an optional stated
// confidence. Unparseable answers are treated as a weak HOLD.
func parseVerdict(text string) (models.Action, float64) {
	action, ok := verdictAction(strings.ToUpper(text))
	if !ok {
		return models.ActionHold, softFailConfidence
	}

	confidence := 0.5
	if m := confidencePattern.FindStringSubmatch(text); len(m) == 2 {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			confidence = v
			if confidence > 1 { // tolerate "Confidence: 70"
				confidence /= 100
			}
		}
	}
	return action, confidence
}

// verdictAction picks the earliest action keyword in the answer, treating a
// negated keyword ("do not buy", "avoid selling") as HOLD. Matching on the
// first occurrence keeps "HOLD, do not BUY yet" from parsing as BUY.
func verdictAction(upper string) (models.Action, bool) {
	type hit struct {
		idx    int
		action models.Action
	}
	best := hit{idx: -1}
	for kw, action := range map[string]models.Action{
		"BUY":  models.ActionBuy,
		"SELL": models.ActionSell,
		"HOLD": models.ActionHold,
	} {
		if i := strings.Index(upper, kw); i >= 0 && (best.idx < 0 || i < best.idx) {
			best = hit{idx: i, action: action}
		}
	}
	if best.idx < 0 {
		return models.ActionHold, false
	}
	if negatedAt(upper, best.idx) {
		return models.ActionHold, true
	}
	return best.action, true
}

// negatedAt reports whether a negation word appears shortly before idx.
func negatedAt(upper string, idx int) bool {
	start := idx - 24
	if start < 0 {
		start = 0
	}
	window := upper[start:idx]
	for _, neg := range []string{"NOT ", "N'T ", "NO ", "NEVER ", "AVOID"} {
		if strings.Contains(window, neg) {
			return true
		}
	}
	return false
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return strings.TrimSpace(text[:i])
	}
	return strings.TrimSpace(text)
}
