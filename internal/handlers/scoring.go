package handlers

import (
	"context"
	"log/slog"
	"sort"

	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/pkg/schema"
)

const (
	ScoringName = "ScoringAgent"

	// DefaultScoreFormula sums the weighted components. Each component is
	// already scaled to its weight * 100.
	DefaultScoreFormula = "seniority + company_size + tech_stack + signal"

	topLeadCount = 10
)

// DefaultScoringCriteria is the ICP used when a step supplies none. Keys a
// step does supply override these one by one.
func DefaultScoringCriteria() map[string]any {
	return map[string]any{
		"seniority_weight":        0.3,
		"company_size_weight":     0.2,
		"tech_stack_weight":       0.2,
		"signal_weight":           0.3,
		"preferred_seniority":     []any{"Executive", "Manager"},
		"preferred_company_sizes": []any{"100-500", "500-1000"},
		"preferred_technologies":  []any{"Salesforce", "HubSpot"},
		"formula":                 DefaultScoreFormula,
	}
}

// Scoring scores leads against ICP criteria with an expr formula, grades
// them A-D and ranks them. It has no live dependency.
type Scoring struct {
	formulas *expressions.ExprEngine
	logger   *slog.Logger
}

func NewScoring(logger *slog.Logger) *Scoring {
	return &Scoring{formulas: expressions.NewExprEngine(), logger: logging.OrDiscard(logger)}
}

func (h *Scoring) Name() string { return ScoringName }
func (h *Scoring) Mode() Mode   { return ModeSimulated }

func (h *Scoring) Description() string {
	return "Scores leads against ICP criteria, assigns grades A-D and ranks them"
}

// Execute reads inputs.enriched_leads (or inputs.leads) and
// inputs.scoring_criteria.
func (h *Scoring) Execute(ctx context.Context, _ string, inputs map[string]any, _ []schema.ToolDescriptor) (map[string]any, error) {
	leads := recordsParam(inputs, "enriched_leads", "leads")
	criteria := DefaultScoringCriteria()
	for k, v := range mapParam(inputs, "scoring_criteria") {
		criteria[k] = v
	}
	formula := stringParam(criteria, "formula", DefaultScoreFormula)

	scored := make([]map[string]any, 0, len(leads))
	total := 0.0
	for _, lead := range leads {
		vars := scoreComponents(lead, criteria)
		score, err := h.formulas.Number(ctx, formula, vars)
		if err != nil {
			return nil, executionError(ScoringName, "score formula failed for %s: %s",
				stringParam(lead, "email", "lead"), err.Error()).WithCause(err)
		}
		score = round2(score)

		out := copyRecord(lead)
		out["score"] = score
		out["grade"] = Grade(score)
		scored = append(scored, out)
		total += score
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return floatParam(scored[i], "score", 0) > floatParam(scored[j], "score", 0)
	})

	top := scored
	if len(top) > topLeadCount {
		top = top[:topLeadCount]
	}
	avg := 0.0
	if len(scored) > 0 {
		avg = round2(total / float64(len(scored)))
	}

	h.logger.InfoContext(ctx, "leads scored", slog.Int("count", len(scored)), slog.Float64("average", avg))
	return map[string]any{
		"ranked_leads":  toAnySlice(scored),
		"top_leads":     toAnySlice(top),
		"average_score": avg,
	}, nil
}

// scoreComponents computes the weighted partial scores exposed to the
// formula, plus the weights and the lead itself.
func scoreComponents(lead, criteria map[string]any) map[string]any {
	seniorityW := floatParam(criteria, "seniority_weight", 0.3)
	sizeW := floatParam(criteria, "company_size_weight", 0.2)
	techW := floatParam(criteria, "tech_stack_weight", 0.2)
	signalW := floatParam(criteria, "signal_weight", 0.3)

	vars := map[string]any{
		"seniority":           0.0,
		"company_size":        0.0,
		"tech_stack":          0.0,
		"signal":              0.0,
		"seniority_weight":    seniorityW,
		"company_size_weight": sizeW,
		"tech_stack_weight":   techW,
		"signal_weight":       signalW,
		"lead":                lead,
	}

	if contains(stringsParam(criteria, "preferred_seniority"), stringParam(lead, "seniority", "")) {
		vars["seniority"] = seniorityW * 100
	}
	if contains(stringsParam(criteria, "preferred_company_sizes"), stringParam(lead, "company_size", "")) {
		vars["company_size"] = sizeW * 100
	}

	preferred := distinct(stringsParam(criteria, "preferred_technologies"))
	if len(preferred) > 0 {
		have := distinct(stringsParam(lead, "technologies"))
		overlap := 0
		for t := range preferred {
			if _, ok := have[t]; ok {
				overlap++
			}
		}
		vars["tech_stack"] = techW * 100 * float64(overlap) / float64(len(preferred))
	}

	if stringParam(lead, "signal", "") != "" {
		vars["signal"] = signalW * 100
	}
	return vars
}

// Grade maps a score to A (>=80), B (>=60), C (>=40) or D.
func Grade(score float64) string {
	switch {
	case score >= 80:
		return "A"
	case score >= 60:
		return "B"
	case score >= 40:
		return "C"
	default:
		return "D"
	}
}

func contains(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func distinct(list []string) map[string]struct{} {
	out := make(map[string]struct{}, len(list))
	for _, v := range list {
		out[v] = struct{}{}
	}
	return out
}
