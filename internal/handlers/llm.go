package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/leadflow/internal/expressions"
)

// LLM completes a system+user prompt pair.
type LLM interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// ChatLLM talks to an OpenAI-compatible chat completions endpoint.
type ChatLLM struct {
	client *Client
	jq     *expressions.GoJQEngine
	url    string
	apiKey string
	model  string
}

// NewChatLLM returns nil when apiKey is empty so callers can treat a nil
// LLM as "not configured".
func NewChatLLM(client *Client, url, apiKey, model string) *ChatLLM {
	if apiKey == "" {
		return nil
	}
	return &ChatLLM{
		client: client,
		jq:     expressions.NewGoJQEngine(),
		url:    url,
		apiKey: apiKey,
		model:  model,
	}
}

func (l *ChatLLM) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := l.client.Do(ctx, Request{
		Method:  "POST",
		URL:     l.url,
		Headers: map[string]string{"Authorization": "Bearer " + l.apiKey},
		Body: map[string]any{
			"model":       l.model,
			"temperature": 0.2,
			"messages": []map[string]string{
				{"role": "system", "content": system},
				{"role": "user", "content": user},
			},
		},
	})
	if err != nil {
		return "", err
	}

	content, err := l.jq.Query(ctx, `.choices[0].message.content // empty`, resp)
	if err != nil {
		return "", err
	}
	s, ok := content.(string)
	if !ok || s == "" {
		return "", errors.New("completion response has no message content")
	}
	return s, nil
}

// extractJSON decodes the outermost {...} or [...] span of an LLM reply
// into v. Models often wrap JSON in prose or code fences.
func extractJSON(content string, open, close byte, v any) error {
	start := strings.IndexByte(content, open)
	end := strings.LastIndexByte(content, close)
	if start < 0 || end < start {
		return fmt.Errorf("no JSON %c...%c span in reply", open, close)
	}
	return json.Unmarshal([]byte(content[start:end+1]), v)
}
