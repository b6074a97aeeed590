package handlers

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/leadflow/pkg/schema"
)

const (
	OutreachExecutorName = "OutreachExecutorAgent"

	// simulatedDeliveryRate is the share of simulated sends that succeed.
	simulatedDeliveryRate = 0.95
)

// OutreachExecutor sends drafted messages under one campaign id. Per-message
// failures are reported in sent_status and do not fail the step.
type OutreachExecutor struct {
	mode      Mode
	apiKey    string
	endpoint  string
	fromEmail string
	client    *Client
	now       func() time.Time
	logger    *slog.Logger
}

func NewOutreachExecutor(cfg Config) *OutreachExecutor {
	cfg = cfg.withDefaults()
	return &OutreachExecutor{
		mode:      ModeFor(cfg.ApolloAPIKey),
		apiKey:    cfg.ApolloAPIKey,
		endpoint:  cfg.ApolloEmailURL,
		fromEmail: cfg.FromEmail,
		client:    cfg.Client,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
}

func (h *OutreachExecutor) Name() string { return OutreachExecutorName }
func (h *OutreachExecutor) Mode() Mode   { return h.mode }

func (h *OutreachExecutor) Description() string {
	return "Sends outreach messages and reports per-message delivery status"
}

// Execute sends inputs.messages. inputs.campaign_id pins the campaign id;
// otherwise a new one is generated.
func (h *OutreachExecutor) Execute(ctx context.Context, _ string, inputs map[string]any, tools []schema.ToolDescriptor) (map[string]any, error) {
	messages := recordsParam(inputs, "messages")
	campaignID := stringParam(inputs, "campaign_id", "campaign_"+uuid.NewString())

	endpoint := h.endpoint
	if tool := schema.FindTool(tools, apolloTool); tool != nil {
		if ep := tool.ConfigString("send_endpoint"); ep != "" {
			endpoint = ep
		}
	}

	statuses := make([]map[string]any, 0, len(messages))
	sent := 0
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var sendErr error
		if h.mode == ModeLive {
			sendErr = h.sendLive(ctx, endpoint, campaignID, msg)
		} else {
			sendErr = simulateSend(campaignID, stringParam(msg, "email", ""))
		}

		status := map[string]any{
			"email":        stringParam(msg, "email", ""),
			"contact_name": stringParam(msg, "lead", ""),
			"company":      stringParam(msg, "company", ""),
			"campaign_id":  campaignID,
			"sent_at":      h.now().UTC().Format(time.RFC3339),
			"status":       "sent",
			"error":        nil,
		}
		if sendErr != nil {
			status["status"] = "failed"
			status["error"] = sendErr.Error()
		} else {
			sent++
		}
		statuses = append(statuses, status)
	}

	h.logger.InfoContext(ctx, "outreach sent",
		slog.String("campaign_id", campaignID),
		slog.Int("sent", sent),
		slog.Int("total", len(messages)))
	return map[string]any{
		"sent_status":   toAnySlice(statuses),
		"campaign_id":   campaignID,
		"success_count": sent,
		"total":         len(messages),
	}, nil
}

func (h *OutreachExecutor) sendLive(ctx context.Context, endpoint, campaignID string, msg map[string]any) error {
	_, err := h.client.Do(ctx, Request{
		Method:  "POST",
		URL:     endpoint,
		Headers: map[string]string{"Authorization": "Bearer " + h.apiKey},
		Body: map[string]any{
			"email_subject": stringParam(msg, "subject", "Hello"),
			"email_body":    stringParam(msg, "email_body", ""),
			"to_email":      stringParam(msg, "email", ""),
			"from_email":    h.fromEmail,
			"campaign_id":   campaignID,
		},
	})
	return err
}

var errSimulatedBounce = errors.New("simulated delivery failure")

// simulateSend fails about 5% of sends, always the same ones for a given
// campaign and address.
func simulateSend(campaignID, email string) error {
	if seededRand(campaignID+"|"+email).Float64() < simulatedDeliveryRate {
		return nil
	}
	return errSimulatedBounce
}

func seededRand(seed string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	s := h.Sum64()
	return rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))
}
