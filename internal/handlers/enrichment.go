package handlers

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/pkg/schema"
)

const (
	DataEnrichmentName = "DataEnrichmentAgent"

	builtWithTool = "BuiltWithTool"

	builtWithGroupsQuery = `[.groups[]?.name // empty] | unique`
)

// DataEnrichment adds seniority, firmographics and tech stack to each lead.
// In live mode the tech stack comes from BuiltWith for leads whose company
// looks like a domain.
type DataEnrichment struct {
	mode     Mode
	apiKey   string
	endpoint string
	client   *Client
	jq       *expressions.GoJQEngine
	logger   *slog.Logger
}

func NewDataEnrichment(cfg Config) *DataEnrichment {
	cfg = cfg.withDefaults()
	return &DataEnrichment{
		mode:     ModeFor(cfg.BuiltWithAPIKey),
		apiKey:   cfg.BuiltWithAPIKey,
		endpoint: cfg.BuiltWithURL,
		client:   cfg.Client,
		jq:       expressions.NewGoJQEngine(),
		logger:   cfg.Logger,
	}
}

func (h *DataEnrichment) Name() string { return DataEnrichmentName }
func (h *DataEnrichment) Mode() Mode   { return h.mode }

func (h *DataEnrichment) Description() string {
	return "Infers seniority and adds firmographic and technology data to leads"
}

// Execute enriches inputs.leads. A failed BuiltWith lookup leaves the lead
// with default firmographics and builtwith_enriched=false.
func (h *DataEnrichment) Execute(ctx context.Context, _ string, inputs map[string]any, tools []schema.ToolDescriptor) (map[string]any, error) {
	leads := recordsParam(inputs, "leads")

	endpoint := h.endpoint
	if tool := schema.FindTool(tools, builtWithTool); tool != nil {
		if ep := tool.ConfigString("endpoint"); ep != "" {
			endpoint = ep
		}
	}

	enriched := make([]map[string]any, 0, len(leads))
	for _, lead := range leads {
		out := enrichDefaults(lead)
		if h.mode == ModeLive {
			h.lookupTechnologies(ctx, endpoint, out)
		}
		enriched = append(enriched, out)
	}

	h.logger.InfoContext(ctx, "leads enriched", slog.Int("count", len(enriched)), slog.String("mode", h.mode.String()))
	return map[string]any{
		"enriched_leads": toAnySlice(enriched),
		"count":          len(enriched),
	}, nil
}

func enrichDefaults(lead map[string]any) map[string]any {
	out := copyRecord(lead)
	title := stringParam(lead, "title", "")
	out["role"] = stringParam(lead, "title", "Unknown")
	out["seniority"] = Seniority(title)
	out["department"] = "Sales"
	out["technologies"] = []any{"Salesforce", "HubSpot", "Outreach"}
	out["company_size"] = "100-500"
	out["company_industry"] = "SaaS"
	out["funding_stage"] = "Series B"
	out["enrichment_confidence"] = 0.85
	return out
}

func (h *DataEnrichment) lookupTechnologies(ctx context.Context, endpoint string, lead map[string]any) {
	domain := stringParam(lead, "company", "")
	if !strings.Contains(domain, ".") {
		lead["builtwith_enriched"] = false
		return
	}

	resp, err := h.client.Do(ctx, Request{
		Method: "GET",
		URL:    endpoint,
		Query:  map[string]string{"KEY": h.apiKey, "LOOKUP": domain},
	})
	if err == nil {
		if body, ok := resp.(map[string]any); ok && body["Errors"] != nil {
			if errs, isList := body["Errors"].([]any); !isList || len(errs) > 0 {
				err = executionError(DataEnrichmentName, "builtwith returned errors for %s", domain)
			}
		}
	}
	var techs []any
	if err == nil {
		var v any
		v, err = h.jq.Query(ctx, builtWithGroupsQuery, resp)
		techs, _ = v.([]any)
	}
	if err != nil {
		h.logger.WarnContext(ctx, "builtwith lookup failed", slog.String("domain", domain), slog.String("error", err.Error()))
		lead["builtwith_enriched"] = false
		return
	}

	names := make([]string, 0, len(techs))
	for _, t := range techs {
		if s, ok := t.(string); ok && s != "" {
			names = append(names, s)
		}
	}
	sort.Strings(names)
	list := make([]any, len(names))
	for i, n := range names {
		list[i] = n
	}
	lead["technologies"] = list
	lead["builtwith_enriched"] = true
}

// Seniority buckets a job title: VP, chief, head and director titles are
// Executive; manager and lead titles are Manager.
func Seniority(title string) string {
	t := strings.ToLower(title)
	for _, w := range []string{"vp", "chief", "head", "director"} {
		if strings.Contains(t, w) {
			return "Executive"
		}
	}
	for _, w := range []string{"manager", "lead"} {
		if strings.Contains(t, w) {
			return "Manager"
		}
	}
	return "Individual Contributor"
}
