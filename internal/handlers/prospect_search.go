package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/pkg/schema"
)

const (
	ProspectSearchName = "ProspectSearchAgent"

	apolloTool = "ApolloAPI"
	clayTool   = "ClayAPI"

	simulatedLeadsPerSource = 5
)

const (
	apolloPeopleQuery = `[.people[]? | {
		company: (.organization.name // ""),
		contact_name: (.name // ""),
		email: (.email // ""),
		linkedin: (.linkedin_url // ""),
		title: (.title // "")
	}]`

	clayResultsQuery = `[.results[]? | {
		company: (.name // ""),
		contact_name: (.primary_contact.name // "Unknown"),
		email: (.primary_contact.email // ""),
		linkedin: (.linkedin_url // ""),
		title: (.primary_contact.title // "")
	}]`
)

var (
	simulatedCompanies = []string{
		"TechCorp Solutions", "DataDrive Inc", "CloudScale Systems",
		"Innovation Labs", "Digital Ventures", "SmartOps Co",
		"FutureStack Inc", "AgileWorks", "NexGen Software", "Quantum Analytics",
	}
	simulatedTitles = []string{
		"VP of Sales", "Head of Revenue", "Chief Revenue Officer",
		"Sales Director", "VP Marketing",
	}
	signalDescriptions = map[string]string{
		"recent_funding":    "Recent $10M Series B",
		"hiring_for_sales":  "Hiring 5+ sales roles",
		"tech_stack_change": "Migrating to new CRM",
		"expansion":         "Opening new office",
	}
)

type leadSource struct {
	name     string
	tool     string
	mode     Mode
	apiKey   string
	endpoint string
	query    string
	request  func(src leadSource, icp map[string]any) Request
}

// ProspectSearch discovers leads matching an ICP from Apollo and Clay.
// Sources without a credential produce deterministic sample leads.
type ProspectSearch struct {
	sources []leadSource
	client  *Client
	jq      *expressions.GoJQEngine
	logger  *slog.Logger
}

func NewProspectSearch(cfg Config) *ProspectSearch {
	cfg = cfg.withDefaults()
	return &ProspectSearch{
		sources: []leadSource{
			{
				name: "Apollo", tool: apolloTool,
				mode: ModeFor(cfg.ApolloAPIKey), apiKey: cfg.ApolloAPIKey,
				endpoint: cfg.ApolloSearchURL, query: apolloPeopleQuery,
				request: apolloSearchRequest,
			},
			{
				name: "Clay", tool: clayTool,
				mode: ModeFor(cfg.ClayAPIKey), apiKey: cfg.ClayAPIKey,
				endpoint: cfg.ClaySearchURL, query: clayResultsQuery,
				request: claySearchRequest,
			},
		},
		client: cfg.Client,
		jq:     expressions.NewGoJQEngine(),
		logger: cfg.Logger,
	}
}

func (h *ProspectSearch) Name() string { return ProspectSearchName }

func (h *ProspectSearch) Description() string {
	return "Finds prospects matching an ICP via Apollo and Clay, deduplicated by email"
}

// Mode is live when any source is live.
func (h *ProspectSearch) Mode() Mode {
	for _, s := range h.sources {
		if s.mode == ModeLive {
			return ModeLive
		}
	}
	return ModeSimulated
}

// Execute reads inputs.icp and inputs.signals. Only sources whose tool is
// declared on the step are searched; with no such tool, all are.
func (h *ProspectSearch) Execute(ctx context.Context, _ string, inputs map[string]any, tools []schema.ToolDescriptor) (map[string]any, error) {
	icp := mapParam(inputs, "icp")
	if icp == nil {
		icp = map[string]any{}
	}
	signals := stringsParam(inputs, "signals")
	if len(signals) == 0 {
		signals = stringsParam(icp, "signals")
	}

	selected := h.selectSources(tools)

	var (
		leads   []map[string]any
		sources []any
	)
	for _, src := range selected {
		found, err := h.search(ctx, src, icp, signals)
		if err != nil {
			return nil, executionError(ProspectSearchName, "%s search failed: %s", src.name, err.Error()).WithCause(err)
		}
		h.logger.InfoContext(ctx, "prospect source searched",
			slog.String("source", src.name),
			slog.String("mode", src.mode.String()),
			slog.Int("leads", len(found)))
		leads = append(leads, found...)
		sources = append(sources, src.name)
	}

	unique := dedupByEmail(leads)
	return map[string]any{
		"leads":   toAnySlice(unique),
		"count":   len(unique),
		"sources": sources,
	}, nil
}

func (h *ProspectSearch) selectSources(tools []schema.ToolDescriptor) []leadSource {
	var out []leadSource
	for _, src := range h.sources {
		tool := schema.FindTool(tools, src.tool)
		if tool == nil {
			continue
		}
		if ep := tool.ConfigString("endpoint"); ep != "" {
			src.endpoint = ep
		}
		if q := tool.ConfigString("results_query"); q != "" {
			src.query = q
		}
		if key := tool.ConfigString("api_key"); key != "" && src.mode == ModeLive {
			src.apiKey = key
		}
		out = append(out, src)
	}
	if len(out) == 0 {
		return h.sources
	}
	return out
}

func (h *ProspectSearch) search(ctx context.Context, src leadSource, icp map[string]any, signals []string) ([]map[string]any, error) {
	if src.mode == ModeSimulated {
		return simulatedLeads(src.name, signals, simulatedLeadsPerSource), nil
	}

	resp, err := h.client.Do(ctx, src.request(src, icp))
	if err != nil {
		return nil, err
	}
	extracted, err := h.jq.Query(ctx, src.query, resp)
	if err != nil {
		return nil, err
	}
	list, ok := extracted.([]any)
	if !ok && extracted != nil {
		return nil, fmt.Errorf("results query returned %T, want list", extracted)
	}

	signal := "general"
	if len(signals) > 0 {
		signal = signals[0]
	}
	leads := make([]map[string]any, 0, len(list))
	for _, item := range list {
		rec, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rec["signal"] = signal
		rec["source"] = src.name
		leads = append(leads, rec)
	}
	return leads, nil
}

func apolloSearchRequest(src leadSource, icp map[string]any) Request {
	employees := mapParam(icp, "employee_count")
	return Request{
		Method: "POST",
		URL:    src.endpoint,
		Headers: map[string]string{
			"Cache-Control": "no-cache",
			"x-api-key":     src.apiKey,
		},
		Body: map[string]any{
			"person_titles": []string{"VP Sales", "Head of Sales", "Chief Revenue Officer", "Sales Director"},
			"organization_num_employees_ranges": []string{
				fmt.Sprintf("%g,%g", floatParam(employees, "min", 100), floatParam(employees, "max", 1000)),
			},
			"organization_locations": []string{stringParam(icp, "location", "USA")},
			"per_page":               25,
		},
	}
}

func claySearchRequest(src leadSource, icp map[string]any) Request {
	revenue := mapParam(icp, "revenue")
	return Request{
		Method:  "POST",
		URL:     src.endpoint,
		Headers: map[string]string{"Authorization": "Bearer " + src.apiKey},
		Body: map[string]any{
			"filters": map[string]any{
				"industry":    stringParam(icp, "industry", "SaaS"),
				"location":    stringParam(icp, "location", "USA"),
				"revenue_min": floatParam(revenue, "min", 20_000_000),
				"revenue_max": floatParam(revenue, "max", 200_000_000),
			},
			"limit": 35,
		},
	}
}

func simulatedLeads(source string, signals []string, count int) []map[string]any {
	signal := "Active in target market"
	if len(signals) > 0 {
		if d, ok := signalDescriptions[signals[0]]; ok {
			signal = d
		}
	}

	leads := make([]map[string]any, 0, count)
	for i := 0; i < count; i++ {
		company := simulatedCompanies[i%len(simulatedCompanies)]
		domain := strings.ToLower(strings.ReplaceAll(company, " ", ""))
		leads = append(leads, map[string]any{
			"company":      company,
			"contact_name": fmt.Sprintf("John Doe %d", i+1),
			"email":        fmt.Sprintf("john.doe%d@%s.com", i+1, domain),
			"linkedin":     fmt.Sprintf("https://linkedin.com/in/johndoe%d", i+1),
			"title":        simulatedTitles[i%len(simulatedTitles)],
			"signal":       signal,
			"source":       source,
		})
	}
	return leads
}

// dedupByEmail keeps the first lead per case-insensitive email and drops
// leads without one.
func dedupByEmail(leads []map[string]any) []map[string]any {
	seen := make(map[string]struct{}, len(leads))
	out := make([]map[string]any, 0, len(leads))
	for _, lead := range leads {
		email := strings.ToLower(stringParam(lead, "email", ""))
		if email == "" {
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, lead)
	}
	return out
}
