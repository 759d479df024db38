package binance

import (
	"context"
	"errors"
	"fmt"

	"github.com/adshao/go-binance/v2/common"

	"perpdesk/internal/execution"
)

// 交易所错误码分类。
var (
	transientCodes = map[int64]bool{
		-1000: true, // UNKNOWN
		-1001: true, // DISCONNECTED
		-1003: true, // TOO_MANY_REQUESTS
		-1006: true, // UNEXPECTED_RESP
		-1007: true, // TIMEOUT
		-1008: true, // SERVER_BUSY
		-1015: true, // TOO_MANY_ORDERS
		-1021: true, // INVALID_TIMESTAMP，时钟漂移，重试即可
	}
	correctableCodes = map[int64]bool{
		-4164: true, // MIN_NOTIONAL
		-4003: true, // QTY_LESS_THAN_ZERO（取整后为 0）
	}
	unknownOrderCodes = map[int64]bool{
		-2011: true, // CANCEL_REJECTED: Unknown order sent
		-2013: true, // NO_SUCH_ORDER
	}
)

const (
	codeDuplicateClientID = -4116
	codeNoNeedMarginType  = -4046
)

// classify 把 go-binance 的错误映射为执行层的错误类型。
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch {
		case unknownOrderCodes[apiErr.Code]:
			return fmt.Errorf("%s: %w (code=%d %s)", op, execution.ErrUnknownOrder, apiErr.Code, apiErr.Message)
		case apiErr.Code == 0 || transientCodes[apiErr.Code]:
			// code 为 0 说明响应体不是合法的错误 JSON，多为网关 5xx
			return &execution.TransientError{Op: op, Code: int(apiErr.Code), Err: apiErr}
		case correctableCodes[apiErr.Code]:
			return &execution.PermanentError{Op: op, Code: int(apiErr.Code), Correctable: true, Err: apiErr}
		default:
			return &execution.PermanentError{Op: op, Code: int(apiErr.Code), Err: apiErr}
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &execution.TransientError{Op: op, Err: err}
}

func permanent(op string, code int, msg string) error {
	return &execution.PermanentError{Op: op, Code: code, Err: errors.New(msg)}
}

func apiCode(err error) int64 {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
