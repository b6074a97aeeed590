package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/pkg/schema"
)

const (
	FeedbackTrainerName = "FeedbackTrainerAgent"

	sheetsTool = "GoogleSheets"

	// RecommendationPending marks a recommendation that needs a human decision.
	RecommendationPending = "pending_approval"
	// FeedbackAwaitingApproval is the step-level status of a feedback run.
	FeedbackAwaitingApproval = "awaiting_approval"

	feedbackSystemPrompt = `You are a B2B outreach optimization expert. Analyze campaign metrics and
suggest concrete improvements. Return a JSON array of objects with the fields
type, priority, current_performance, suggestion and expected_impact.`
)

// FeedbackRule turns a CEL condition over campaign metrics into a
// recommendation. Metric names the value quoted as current performance.
type FeedbackRule struct {
	Condition      string `json:"condition"`
	Metric         string `json:"metric"`
	Type           string `json:"type"`
	Priority       string `json:"priority"`
	Suggestion     string `json:"suggestion"`
	ExpectedImpact string `json:"expected_impact"`
}

// DefaultFeedbackRules are evaluated in order when a step supplies no rules.
func DefaultFeedbackRules() []FeedbackRule {
	return []FeedbackRule{
		{
			Condition:      "metrics.open_rate < 25.0",
			Metric:         "open_rate",
			Type:           "subject_line",
			Priority:       "high",
			Suggestion:     "Test more personalized subject lines with company-specific triggers",
			ExpectedImpact: "+10-15% open rate",
		},
		{
			Condition:      "metrics.click_rate < 10.0",
			Metric:         "click_rate",
			Type:           "email_body",
			Priority:       "medium",
			Suggestion:     "Add more compelling CTA and reduce email length to 2-3 sentences",
			ExpectedImpact: "+5-8% click rate",
		},
		{
			Condition:      "metrics.reply_rate < 5.0",
			Metric:         "reply_rate",
			Type:           "targeting",
			Priority:       "high",
			Suggestion:     "Refine ICP to focus on companies with recent funding or expansion signals",
			ExpectedImpact: "+3-5% reply rate",
		},
		{
			Condition:      "metrics.meeting_rate > 2.0",
			Metric:         "meeting_rate",
			Type:           "scaling",
			Priority:       "medium",
			Suggestion:     "Current approach is working well. Increase daily outreach volume by 50%",
			ExpectedImpact: "50% more meetings",
		},
	}
}

// FeedbackTrainer reviews campaign performance and proposes changes that
// wait for approval. Rules are CEL expressions; with an LLM configured its
// suggestions are preferred and the rules are the fallback.
type FeedbackTrainer struct {
	llm    LLM
	rules  *expressions.CELEngine
	jq     *expressions.GoJQEngine
	logger *slog.Logger
}

func NewFeedbackTrainer(cfg Config) (*FeedbackTrainer, error) {
	cfg = cfg.withDefaults()
	engine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &FeedbackTrainer{
		llm:    cfg.LLM,
		rules:  engine,
		jq:     expressions.NewGoJQEngine(),
		logger: cfg.Logger,
	}, nil
}

func (h *FeedbackTrainer) Name() string { return FeedbackTrainerName }

func (h *FeedbackTrainer) Mode() Mode {
	if h.llm != nil {
		return ModeLive
	}
	return ModeSimulated
}

func (h *FeedbackTrainer) Description() string {
	return "Analyzes campaign metrics and proposes improvements for approval"
}

// Execute reads inputs.metrics, or derives them from inputs.responses.
// inputs.rules replaces the default rule set.
func (h *FeedbackTrainer) Execute(ctx context.Context, _ string, inputs map[string]any, tools []schema.ToolDescriptor) (map[string]any, error) {
	metrics := mapParam(inputs, "metrics")
	if len(metrics) == 0 {
		if responses, ok := inputs["responses"].([]any); ok {
			computed, err := EngagementMetrics(ctx, h.jq, responses)
			if err != nil {
				return nil, executionError(FeedbackTrainerName, "compute metrics: %s", err.Error()).WithCause(err)
			}
			metrics = computed
		}
	}
	if metrics == nil {
		metrics = map[string]any{}
	}

	rules := DefaultFeedbackRules()
	if raw, ok := inputs["rules"]; ok {
		custom, err := decodeRules(raw)
		if err != nil {
			return nil, executionError(FeedbackTrainerName, "invalid rules: %s", err.Error()).WithCause(err)
		}
		rules = custom
	}

	var recs []map[string]any
	if h.llm != nil {
		recs = h.suggest(ctx, metrics)
	}
	if len(recs) == 0 {
		var err error
		recs, err = h.applyRules(ctx, rules, metrics)
		if err != nil {
			return nil, err
		}
	}

	if tool := schema.FindTool(tools, sheetsTool); tool != nil {
		h.logger.InfoContext(ctx, "feedback ready for sheet",
			slog.String("sheet_id", tool.ConfigString("sheet_id")),
			slog.Int("recommendations", len(recs)))
	}

	return map[string]any{
		"recommendations": toAnySlice(recs),
		"metrics":         metrics,
		"status":          FeedbackAwaitingApproval,
	}, nil
}

func (h *FeedbackTrainer) applyRules(ctx context.Context, rules []FeedbackRule, metrics map[string]any) ([]map[string]any, error) {
	// CEL compares doubles with doubles; counts come in as ints.
	activation := map[string]any{"metrics": asFloats(metrics)}

	recs := make([]map[string]any, 0, len(rules))
	for _, rule := range rules {
		// Rates are absent when nothing was sent; no rule applies then.
		if _, ok := metrics[rule.Metric]; rule.Metric != "" && !ok {
			continue
		}
		hit, err := h.rules.Match(ctx, rule.Condition, activation)
		if err != nil {
			return nil, executionError(FeedbackTrainerName, "rule %q: %s", rule.Condition, err.Error()).WithCause(err)
		}
		if !hit {
			continue
		}
		recs = append(recs, map[string]any{
			"type":                rule.Type,
			"priority":            rule.Priority,
			"current_performance": fmt.Sprintf("%.1f%%", floatParam(metrics, rule.Metric, 0)),
			"suggestion":          rule.Suggestion,
			"expected_impact":     rule.ExpectedImpact,
			"status":              RecommendationPending,
		})
	}
	return recs, nil
}

func (h *FeedbackTrainer) suggest(ctx context.Context, metrics map[string]any) []map[string]any {
	payload, _ := json.Marshal(metrics)
	reply, err := h.llm.Complete(ctx, feedbackSystemPrompt,
		"Campaign metrics:\n"+string(payload)+"\n\nSuggest up to 4 improvements.")
	if err == nil {
		var recs []map[string]any
		if err = extractJSON(reply, '[', ']', &recs); err == nil {
			for _, r := range recs {
				r["status"] = RecommendationPending
			}
			return recs
		}
	}
	h.logger.WarnContext(ctx, "llm feedback failed, using rules", slog.Any("error", err))
	return nil
}

func decodeRules(raw any) ([]FeedbackRule, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var rules []FeedbackRule
	if err := json.Unmarshal(b, &rules); err != nil {
		return nil, err
	}
	for i, r := range rules {
		if r.Condition == "" {
			return nil, fmt.Errorf("rule %d has no condition", i)
		}
	}
	return rules, nil
}

func asFloats(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch n := v.(type) {
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		default:
			out[k] = v
		}
	}
	return out
}
