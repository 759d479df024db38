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

// OpenAIChatClient OpenAI 兼容的 chat/completions 接口（DeepSeek、Qwen 等）。
type OpenAIChatClient struct {
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float64
	JSONMode     bool
	Timeout      time.Duration
	ExtraHeaders map[string]string

	http *resty.Client
}

func NewOpenAIChatClient(c OpenAIChatClient) *OpenAIChatClient {
	out := c
	if out.Timeout <= 0 {
		out.Timeout = 120 * time.Second
	}
	base := strings.TrimRight(strings.TrimSpace(out.BaseURL), "/")
	if base == "" {
		base = "https://api.deepseek.com/v1"
	}
	out.BaseURL = strings.TrimSuffix(base, "/chat/completions")
	out.http = resty.New().SetBaseURL(out.BaseURL).SetTimeout(out.Timeout)
	return &out
}

func (c *OpenAIChatClient) Call(ctx context.Context, payload ChatPayload) (string, error) {
	body := c.body(payload)
	logger.LogLLMPayload(c.Model, string(body))
	headers := c.headers()
	logger.Debugf("[AI] 请求: POST %s/chat/completions headers=%v", c.BaseURL, headersForLog(headers))

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		Post("/chat/completions")
	if err != nil {
		return "", AsFailure(err)
	}
	if !resp.IsSuccess() {
		return "", statusFailure(resp.StatusCode(), openAIError(resp.Body(), resp.Status()))
	}
	var r struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(resp.Body(), &r); err != nil {
		return "", &Failure{Kind: FailureMalformed, Status: resp.StatusCode(), Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(r.Choices) == 0 || strings.TrimSpace(r.Choices[0].Message.Content) == "" {
		return "", &Failure{Kind: FailureMalformed, Status: resp.StatusCode(), Err: fmt.Errorf("empty choices")}
	}
	return strings.TrimSpace(r.Choices[0].Message.Content), nil
}

func (c *OpenAIChatClient) body(payload ChatPayload) []byte {
	msgs := make([]map[string]string, 0, 2)
	if strings.TrimSpace(payload.System) != "" {
		msgs = append(msgs, map[string]string{"role": "system", "content": payload.System})
	}
	msgs = append(msgs, map[string]string{"role": "user", "content": payload.User})
	maxTokens := payload.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	body := map[string]any{
		"model":       c.Model,
		"messages":    msgs,
		"temperature": c.Temperature,
		"max_tokens":  maxTokens,
	}
	if c.JSONMode {
		body["response_format"] = map[string]string{"type": "json_object"}
	}
	b, _ := json.Marshal(body)
	return b
}

func (c *OpenAIChatClient) headers() map[string]string {
	out := map[string]string{"Content-Type": "application/json"}
	if c.APIKey != "" && !headerKeyExists(c.ExtraHeaders, "Authorization") {
		out["Authorization"] = "Bearer " + c.APIKey
	}
	for k, v := range c.ExtraHeaders {
		out[k] = v
	}
	return out
}

func openAIError(body []byte, status string) string {
	var eresp struct {
		Error struct {
			Message string `json:"message"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &eresp); err == nil && strings.TrimSpace(eresp.Error.Message) != "" {
		if eresp.Error.Code != nil {
			return fmt.Sprintf("%v: %s", eresp.Error.Code, eresp.Error.Message)
		}
		return eresp.Error.Message
	}
	return status
}
