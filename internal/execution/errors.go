package execution

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrUnknownOrder 交易所找不到订单（已成交/已撤销/从未存在），撤单时视为已确认。
var ErrUnknownOrder = errors.New("unknown order")

// TransientError 网络、限频、超时等可重试错误。
type TransientError struct {
	Op   string
	Code int
	Err  error
}

func (e *TransientError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s transient (code=%d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError 交易所明确拒绝；Correctable 表示可通过抬升数量修正一次（名义价值过小）。
type PermanentError struct {
	Op          string
	Code        int
	Correctable bool
	Err         error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s rejected (code=%d): %v", e.Op, e.Code, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Kind 错误分类。
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
	KindUnknownOrder
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindUnknownOrder:
		return "unknown_order"
	}
	return "transient"
}

// Classify 超时与网络错误按临时错误处理；未识别的错误也按临时错误，由重试上限兜底。
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}
	if errors.Is(err, ErrUnknownOrder) {
		return KindUnknownOrder
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return KindPermanent
	}
	var te *TransientError
	if errors.As(err, &te) {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindTransient
}

// IsCorrectable 可修正的永久错误。
func IsCorrectable(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe) && pe.Correctable
}
