package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"perpdesk/internal/logger"
)

// AnthropicClient Messages 接口。
type AnthropicClient struct {
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float64
	Timeout      time.Duration
	ExtraHeaders map[string]string

	http *resty.Client
}

func NewAnthropicClient(c AnthropicClient) *AnthropicClient {
	out := c
	if out.Timeout <= 0 {
		out.Timeout = 120 * time.Second
	}
	base := strings.TrimRight(strings.TrimSpace(out.BaseURL), "/")
	if base == "" {
		base = "https://api.anthropic.com/v1"
	}
	out.BaseURL = strings.TrimSuffix(base, "/messages")
	out.http = resty.New().SetBaseURL(out.BaseURL).SetTimeout(out.Timeout)
	return &out
}

func (c *AnthropicClient) Call(ctx context.Context, payload ChatPayload) (string, error) {
	maxTokens := payload.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	body := map[string]any{
		"model":       c.Model,
		"messages":    []map[string]any{{"role": "user", "content": payload.User}},
		"temperature": c.Temperature,
		"max_tokens":  maxTokens,
	}
	if strings.TrimSpace(payload.System) != "" {
		body["system"] = payload.System
	}
	raw, _ := json.Marshal(body)
	logger.LogLLMPayload(c.Model, string(raw))
	headers := c.headers()
	logger.Debugf("[AI] 请求: POST %s/messages headers=%v", c.BaseURL, headersForLog(headers))

	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetBody(raw).Post("/messages")
	if err != nil {
		return "", AsFailure(err)
	}
	if !resp.IsSuccess() {
		return "", statusFailure(resp.StatusCode(), anthropicError(resp.Body(), resp.Status()))
	}
	var r struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(resp.Body(), &r); err != nil {
		return "", &Failure{Kind: FailureMalformed, Status: resp.StatusCode(), Err: fmt.Errorf("decode response: %w", err)}
	}
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" && block.Text != "" {
			b.WriteString(block.Text)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", &Failure{Kind: FailureMalformed, Status: resp.StatusCode(), Err: fmt.Errorf("empty text content")}
	}
	return out, nil
}

func (c *AnthropicClient) headers() map[string]string {
	out := map[string]string{"Content-Type": "application/json"}
	if c.APIKey != "" && !headerKeyExists(c.ExtraHeaders, "x-api-key") {
		out["x-api-key"] = c.APIKey
	}
	if !headerKeyExists(c.ExtraHeaders, "anthropic-version") {
		out["anthropic-version"] = "2023-06-01"
	}
	for k, v := range c.ExtraHeaders {
		out[k] = v
	}
	return out
}

func anthropicError(body []byte, status string) string {
	var eresp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &eresp); err == nil && strings.TrimSpace(eresp.Error.Message) != "" {
		return eresp.Error.Type + ": " + eresp.Error.Message
	}
	return status
}
