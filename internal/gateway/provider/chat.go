package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ChatPayload 一次对话请求。
type ChatPayload struct {
	System    string
	User      string
	MaxTokens int
}

// ChatClient 底层模型接口，返回文本回复。
type ChatClient interface {
	Call(ctx context.Context, payload ChatPayload) (string, error)
}

// FailureKind 顾问调用失败类型。
type FailureKind string

const (
	FailureTimeout   FailureKind = "timeout"
	FailureMalformed FailureKind = "malformed"
	FailureQuota     FailureKind = "quota_exceeded"
	FailureTransport FailureKind = "transport"
)

// Failure 带类型的失败；Retryable 表示本轮内可以退避重试。
type Failure struct {
	Kind      FailureKind
	Status    int
	Retryable bool
	Err       error
}

func (f *Failure) Error() string {
	if f.Status != 0 {
		return fmt.Sprintf("advisory %s (status=%d): %v", f.Kind, f.Status, f.Err)
	}
	return fmt.Sprintf("advisory %s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure 把任意错误归类为 Failure。
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if isTimeout(err) {
		return &Failure{Kind: FailureTimeout, Retryable: true, Err: err}
	}
	return &Failure{Kind: FailureTransport, Retryable: !errors.Is(err, context.Canceled), Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// statusFailure HTTP 非 2xx 的归类。
func statusFailure(status int, msg string) *Failure {
	err := errors.New(msg)
	lower := strings.ToLower(msg)
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusPaymentRequired ||
		strings.Contains(lower, "quota") || strings.Contains(lower, "insufficient"):
		return &Failure{Kind: FailureQuota, Status: status, Retryable: status == http.StatusTooManyRequests, Err: err}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &Failure{Kind: FailureTimeout, Status: status, Retryable: true, Err: err}
	case status >= 500:
		return &Failure{Kind: FailureTransport, Status: status, Retryable: true, Err: err}
	default:
		return &Failure{Kind: FailureTransport, Status: status, Err: err}
	}
}

// headersForLog 凭证类请求头只保留末四位。
func headersForLog(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "auth") || strings.Contains(lk, "key") || strings.Contains(lk, "token") {
			if len(v) > 4 {
				out[k] = "****" + v[len(v)-4:]
			} else {
				out[k] = "****"
			}
			continue
		}
		out[k] = v
	}
	return out
}

func headerKeyExists(headers map[string]string, key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	for k := range headers {
		if strings.ToLower(strings.TrimSpace(k)) == key {
			return true
		}
	}
	return false
}
