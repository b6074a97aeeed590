package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/pkg/schema"
)

const (
	ResponseTrackerName = "ResponseTrackerAgent"

	activityQuery = `[.data[]? | {
		contact_id: (.contact_id // ""),
		sent: true,
		opened: (.opened // false),
		clicked: (.clicked // false),
		replied: (.replied // false),
		meeting_booked: (.meeting_booked // false),
		sentiment: (.sentiment // "neutral")
	}]`

	// engagementCountsQuery tallies a response list. Rates are derived from
	// these counts in Go.
	engagementCountsQuery = `{
		total: length,
		opened: map(select(.opened == true)) | length,
		clicked: map(select(.clicked == true)) | length,
		replied: map(select(.replied == true)) | length,
		meetings: map(select(.meeting_booked == true)) | length,
		positive: map(select(.sentiment == "positive")) | length
	}`
)

// Funnel probabilities for simulated engagement, each conditional on the
// previous stage.
const (
	simOpenRate    = 0.35
	simClickRate   = 0.15
	simReplyRate   = 0.25
	simMeetingRate = 0.30
)

// ResponseTracker collects engagement for a campaign and computes funnel
// metrics. Simulated responses are seeded by the campaign id, so the same
// campaign always yields the same numbers.
type ResponseTracker struct {
	mode     Mode
	apiKey   string
	endpoint string
	client   *Client
	jq       *expressions.GoJQEngine
	logger   *slog.Logger
}

func NewResponseTracker(cfg Config) *ResponseTracker {
	cfg = cfg.withDefaults()
	return &ResponseTracker{
		mode:     ModeFor(cfg.ApolloAPIKey),
		apiKey:   cfg.ApolloAPIKey,
		endpoint: cfg.ApolloActivityURL,
		client:   cfg.Client,
		jq:       expressions.NewGoJQEngine(),
		logger:   cfg.Logger,
	}
}

func (h *ResponseTracker) Name() string { return ResponseTrackerName }
func (h *ResponseTracker) Mode() Mode   { return h.mode }

func (h *ResponseTracker) Description() string {
	return "Tracks opens, clicks, replies and meetings for a campaign"
}

func (h *ResponseTracker) Execute(ctx context.Context, _ string, inputs map[string]any, tools []schema.ToolDescriptor) (map[string]any, error) {
	campaignID := stringParam(inputs, "campaign_id", "")

	var (
		responses []any
		err       error
	)
	if h.mode == ModeLive {
		endpoint := h.endpoint
		if tool := schema.FindTool(tools, apolloTool); tool != nil {
			if ep := tool.ConfigString("activity_endpoint"); ep != "" {
				endpoint = ep
			}
		}
		responses, err = h.fetch(ctx, endpoint, campaignID)
		if err != nil {
			return nil, executionError(ResponseTrackerName, "fetch activity for %q: %s", campaignID, err.Error()).WithCause(err)
		}
	} else {
		responses = simulatedResponses(campaignID, len(recordsParam(inputs, "sent_status")))
	}

	metrics, err := EngagementMetrics(ctx, h.jq, responses)
	if err != nil {
		return nil, executionError(ResponseTrackerName, "compute metrics: %s", err.Error()).WithCause(err)
	}

	h.logger.InfoContext(ctx, "responses tracked",
		slog.String("campaign_id", campaignID),
		slog.Int("responses", len(responses)))
	return map[string]any{
		"responses":   responses,
		"campaign_id": campaignID,
		"metrics":     metrics,
	}, nil
}

func (h *ResponseTracker) fetch(ctx context.Context, endpoint, campaignID string) ([]any, error) {
	resp, err := h.client.Do(ctx, Request{
		Method:  "GET",
		URL:     endpoint,
		Query:   map[string]string{"campaign_id": campaignID},
		Headers: map[string]string{"Authorization": "Bearer " + h.apiKey},
	})
	if err != nil {
		return nil, err
	}
	v, err := h.jq.Query(ctx, activityQuery, resp)
	if err != nil {
		return nil, err
	}
	list, _ := v.([]any)
	for _, item := range list {
		if rec, ok := item.(map[string]any); ok {
			rec["campaign_id"] = campaignID
		}
	}
	if list == nil {
		list = []any{}
	}
	return list, nil
}

// EngagementMetrics tallies responses and returns counts plus percentage
// rates rounded to two decimals. No responses yields an empty map.
func EngagementMetrics(ctx context.Context, jq *expressions.GoJQEngine, responses []any) (map[string]any, error) {
	if len(responses) == 0 {
		return map[string]any{}, nil
	}
	v, err := jq.Query(ctx, engagementCountsQuery, responses)
	if err != nil {
		return nil, err
	}
	counts, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("metrics query returned %T", v)
	}

	total := floatParam(counts, "total", 0)
	rate := func(key string) float64 {
		return round2(floatParam(counts, key, 0) / total * 100)
	}
	return map[string]any{
		"total_sent":         int(total),
		"open_rate":          rate("opened"),
		"click_rate":         rate("clicked"),
		"reply_rate":         rate("replied"),
		"meeting_rate":       rate("meetings"),
		"opened":             int(floatParam(counts, "opened", 0)),
		"clicked":            int(floatParam(counts, "clicked", 0)),
		"replied":            int(floatParam(counts, "replied", 0)),
		"meetings_booked":    int(floatParam(counts, "meetings", 0)),
		"positive_sentiment": int(floatParam(counts, "positive", 0)),
	}, nil
}

// simulatedResponses builds one response per sent message, or 15 to 20 when
// the sent count is unknown.
func simulatedResponses(campaignID string, sent int) []any {
	rng := seededRand("responses|" + campaignID)
	if sent <= 0 {
		sent = 15 + rng.IntN(6)
	}

	out := make([]any, 0, sent)
	for i := 0; i < sent; i++ {
		opened := rng.Float64() < simOpenRate
		clicked := opened && rng.Float64() < simClickRate
		replied := clicked && rng.Float64() < simReplyRate
		meeting := replied && rng.Float64() < simMeetingRate
		sentiment := "neutral"
		if replied {
			sentiment = "positive"
		}
		out = append(out, map[string]any{
			"contact_id":     fmt.Sprintf("contact_%d", i+1),
			"campaign_id":    campaignID,
			"sent":           true,
			"opened":         opened,
			"clicked":        clicked,
			"replied":        replied,
			"meeting_booked": meeting,
			"sentiment":      sentiment,
		})
	}
	return out
}
