package handlers

import (
	"log/slog"
	"time"

	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/internal/logging"
)

// Default live endpoints. A step's tool config may override them with an
// "endpoint" key.
const (
	DefaultApolloSearchURL   = "https://api.apollo.io/v1/mixed_people/search"
	DefaultApolloEmailURL    = "https://api.apollo.io/v1/emails"
	DefaultApolloActivityURL = "https://api.apollo.io/v1/email_activities"
	DefaultClaySearchURL     = "https://api.clay.com/v1/search"
	DefaultBuiltWithURL      = "https://api.builtwith.com/free1/api.json"
	DefaultLLMURL            = "https://api.openai.com/v1/chat/completions"
	DefaultLLMModel          = "gpt-4o-mini"
	DefaultFromEmail         = "outreach@example.com"
)

// Config carries what the built-in handlers need at construction. Empty
// credentials select ModeSimulated for the handlers that depend on them.
type Config struct {
	ApolloAPIKey      string
	ApolloSearchURL   string
	ApolloEmailURL    string
	ApolloActivityURL string

	ClayAPIKey    string
	ClaySearchURL string

	BuiltWithAPIKey string
	BuiltWithURL    string

	LLMAPIKey string
	LLMURL    string
	LLMModel  string

	FromEmail string

	// LLM overrides the chat client built from the LLM settings.
	LLM LLM

	Client *Client
	Logger *slog.Logger
	Now    func() time.Time
}

// ConfigFromEnv reads credentials and endpoint overrides from env.
func ConfigFromEnv(env expressions.Environment) Config {
	get := func(name string) string {
		v, _ := env.Lookup(name)
		return v
	}
	return Config{
		ApolloAPIKey:      get("APOLLO_API_KEY"),
		ApolloSearchURL:   get("APOLLO_SEARCH_URL"),
		ApolloEmailURL:    get("APOLLO_EMAIL_URL"),
		ApolloActivityURL: get("APOLLO_ACTIVITY_URL"),
		ClayAPIKey:        get("CLAY_API_KEY"),
		ClaySearchURL:     get("CLAY_SEARCH_URL"),
		BuiltWithAPIKey:   get("BUILTWITH_API_KEY"),
		BuiltWithURL:      get("BUILTWITH_URL"),
		LLMAPIKey:         get("LLM_API_KEY"),
		LLMURL:            get("LLM_BASE_URL"),
		LLMModel:          get("LLM_MODEL"),
		FromEmail:         get("LEADFLOW_FROM_EMAIL"),
	}
}

// withDefaults fills endpoints, the shared client, logger and clock.
func (c Config) withDefaults() Config {
	def := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}
	c.ApolloSearchURL = def(c.ApolloSearchURL, DefaultApolloSearchURL)
	c.ApolloEmailURL = def(c.ApolloEmailURL, DefaultApolloEmailURL)
	c.ApolloActivityURL = def(c.ApolloActivityURL, DefaultApolloActivityURL)
	c.ClaySearchURL = def(c.ClaySearchURL, DefaultClaySearchURL)
	c.BuiltWithURL = def(c.BuiltWithURL, DefaultBuiltWithURL)
	c.LLMURL = def(c.LLMURL, DefaultLLMURL)
	c.LLMModel = def(c.LLMModel, DefaultLLMModel)
	c.FromEmail = def(c.FromEmail, DefaultFromEmail)
	c.Logger = logging.OrDiscard(c.Logger)
	if c.Client == nil {
		c.Client = NewClient(WithClientLogger(c.Logger))
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.LLM == nil {
		if l := NewChatLLM(c.Client, c.LLMURL, c.LLMAPIKey, c.LLMModel); l != nil {
			c.LLM = l
		}
	}
	return c
}
