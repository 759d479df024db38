package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"perpdesk/internal/alarm"
	"perpdesk/internal/logger"
)

const defaultAPIBase = "https://api.telegram.org"

// Telegram 通过 Bot API 推送文本消息。
type Telegram struct {
	token  string
	chatID string
	http   *resty.Client
}

// NewTelegram token 或 chatID 为空时返回 nil，调用方按未配置处理。
func NewTelegram(token, chatID string) *Telegram {
	return newTelegram(defaultAPIBase, token, chatID)
}

func newTelegram(base, token, chatID string) *Telegram {
	token = strings.TrimSpace(token)
	chatID = strings.TrimSpace(chatID)
	if token == "" || chatID == "" {
		return nil
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(base, "/")).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)
	return &Telegram{token: token, chatID: chatID, http: c}
}

var _ alarm.Notifier = (*Telegram)(nil)

// SendText Markdown 发送；解析失败时退回纯文本再发一次。ctx 取消后不再重试。
func (t *Telegram) SendText(ctx context.Context, text string) error {
	if t == nil {
		return nil
	}
	err := t.send(ctx, text, "Markdown")
	if err != nil && ctx.Err() == nil && strings.Contains(err.Error(), "can't parse entities") {
		err = t.send(ctx, text, "")
	}
	if err != nil {
		logger.Warnf("[telegram] 推送失败: %v", err)
	}
	return err
}

func (t *Telegram) send(ctx context.Context, text, parseMode string) error {
	body := map[string]any{
		"chat_id":                  t.chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	if parseMode != "" {
		body["parse_mode"] = parseMode
	}
	var out struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	if !resp.IsSuccess() || !out.OK {
		return fmt.Errorf("telegram sendMessage: status=%d %s", resp.StatusCode(), out.Description)
	}
	return nil
}
