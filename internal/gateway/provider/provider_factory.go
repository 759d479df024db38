package provider

import (
	"fmt"
	"strings"
	"time"
)

// ModelCfg 顾问模型配置。
type ModelCfg struct {
	Provider     string // openai（兼容 deepseek/qwen 等）| anthropic
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float64
	JSONMode     bool
	MaxTokens    int
	Timeout      time.Duration
	ExtraHeaders map[string]string
}

// New 按 provider 名称构建 ChatAdvisor。
func New(cfg ModelCfg) (*ChatAdvisor, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("advisory model is required")
	}
	var client ChatClient
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai", "deepseek", "qwen":
		client = NewOpenAIChatClient(OpenAIChatClient{
			BaseURL:      cfg.BaseURL,
			APIKey:       cfg.APIKey,
			Model:        cfg.Model,
			Temperature:  cfg.Temperature,
			JSONMode:     cfg.JSONMode,
			Timeout:      cfg.Timeout,
			ExtraHeaders: cfg.ExtraHeaders,
		})
	case "anthropic", "claude":
		client = NewAnthropicClient(AnthropicClient{
			BaseURL:      cfg.BaseURL,
			APIKey:       cfg.APIKey,
			Model:        cfg.Model,
			Temperature:  cfg.Temperature,
			Timeout:      cfg.Timeout,
			ExtraHeaders: cfg.ExtraHeaders,
		})
	default:
		return nil, fmt.Errorf("unsupported advisory provider %q", cfg.Provider)
	}
	return &ChatAdvisor{Name: cfg.Model, Client: client, MaxTokens: cfg.MaxTokens}, nil
}
