package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/leadflow/pkg/schema"
)

const (
	OutreachContentName = "OutreachContentAgent"

	maxMessages = 20

	contentSystemPrompt = `You are an expert %s writing personalized outreach emails.
Write in a %s tone. Keep emails concise (3-4 sentences max).
Focus on the prospect's pain points and how we can help.`

	contentUserPrompt = `Write a personalized email for:
Contact: %s
Title: %s
Company: %s
Signal: %s
Technologies: %s

Goal: Book a 15-minute discovery call.

Return JSON with 'subject' and 'body' fields.`
)

// OutreachContent drafts one email per A or B grade lead, up to 20.
// Live mode asks the LLM; a reply that cannot be parsed falls back to the
// template for that lead only.
type OutreachContent struct {
	llm    LLM
	logger *slog.Logger
}

func NewOutreachContent(cfg Config) *OutreachContent {
	cfg = cfg.withDefaults()
	return &OutreachContent{llm: cfg.LLM, logger: cfg.Logger}
}

func (h *OutreachContent) Name() string { return OutreachContentName }

func (h *OutreachContent) Mode() Mode {
	if h.llm != nil {
		return ModeLive
	}
	return ModeSimulated
}

func (h *OutreachContent) Description() string {
	return "Generates personalized outreach emails for A and B grade leads"
}

func (h *OutreachContent) Execute(ctx context.Context, _ string, inputs map[string]any, _ []schema.ToolDescriptor) (map[string]any, error) {
	ranked := recordsParam(inputs, "ranked_leads", "leads")
	persona := stringParam(inputs, "persona", "SDR")
	tone := stringParam(inputs, "tone", "friendly")

	var qualified []map[string]any
	for _, lead := range ranked {
		if g := stringParam(lead, "grade", ""); g == "A" || g == "B" {
			qualified = append(qualified, lead)
		}
	}
	if len(qualified) > maxMessages {
		qualified = qualified[:maxMessages]
	}

	messages := make([]map[string]any, 0, len(qualified))
	for _, lead := range qualified {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		subject, body := h.draft(ctx, lead, persona, tone)
		messages = append(messages, map[string]any{
			"lead":       stringParam(lead, "contact_name", "Unknown"),
			"email":      stringParam(lead, "email", ""),
			"company":    stringParam(lead, "company", ""),
			"subject":    subject,
			"email_body": body,
			"score":      floatParam(lead, "score", 0),
			"grade":      stringParam(lead, "grade", "N/A"),
		})
	}

	h.logger.InfoContext(ctx, "outreach drafted", slog.Int("messages", len(messages)), slog.String("mode", h.Mode().String()))
	return map[string]any{
		"messages": toAnySlice(messages),
		"count":    len(messages),
	}, nil
}

func (h *OutreachContent) draft(ctx context.Context, lead map[string]any, persona, tone string) (string, string) {
	if h.llm != nil {
		reply, err := h.llm.Complete(ctx,
			fmt.Sprintf(contentSystemPrompt, persona, tone),
			fmt.Sprintf(contentUserPrompt,
				stringParam(lead, "contact_name", "there"),
				stringParam(lead, "title", "sales leader"),
				stringParam(lead, "company", "your company"),
				stringParam(lead, "signal", "interest in analytics"),
				strings.Join(stringsParam(lead, "technologies"), ", ")))
		if err == nil {
			var msg struct {
				Subject string `json:"subject"`
				Body    string `json:"body"`
			}
			if err = extractJSON(reply, '{', '}', &msg); err == nil && msg.Subject != "" && msg.Body != "" {
				return msg.Subject, msg.Body
			}
		}
		h.logger.WarnContext(ctx, "llm draft failed, using template",
			slog.String("email", stringParam(lead, "email", "")),
			slog.Any("error", err))
	}
	return templateMessage(lead)
}

func templateMessage(lead map[string]any) (string, string) {
	company := stringParam(lead, "company", "your company")
	subject := fmt.Sprintf("Quick question about %s's analytics", company)
	body := fmt.Sprintf(`Hi %s,

I noticed %s is %s. Many %s we work with struggle to get actionable insights from their data.

We help B2B teams like yours turn raw data into revenue-driving decisions. Would you be open to a quick 15-min call to explore if we can help?

Best regards`,
		stringParam(lead, "contact_name", "there"),
		company,
		stringParam(lead, "signal", "growing fast"),
		stringParam(lead, "title", "sales leaders"))
	return subject, body
}
