package execution

import (
	"context"
	"math/rand"
	"time"
)

const (
	defaultBackoffBase = 1 * time.Second
	defaultBackoffMax  = 60 * time.Second
)

// Backoff 显式重试状态机：已尝试次数、下一次等待、上限。
// 延迟为 base*2^n（封顶 max），再叠加 [50%,100%] 的抖动。
type Backoff struct {
	base     time.Duration
	max      time.Duration
	ceiling  int
	attempts int
	next     time.Duration
	jitter   func() float64
}

// NewBackoff ceiling 为总尝试次数上限（含首次）；jitter 为 nil 时使用 math/rand。
func NewBackoff(base, max time.Duration, ceiling int, jitter func() float64) *Backoff {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if max <= 0 {
		max = defaultBackoffMax
	}
	if ceiling < 1 {
		ceiling = 1
	}
	if jitter == nil {
		jitter = rand.Float64
	}
	return &Backoff{base: base, max: max, ceiling: ceiling, jitter: jitter}
}

// Start 记录一次尝试；超过上限返回 false。
func (b *Backoff) Start() bool {
	if b.attempts >= b.ceiling {
		return false
	}
	b.attempts++
	return true
}

// Attempts 已发起的尝试次数。
func (b *Backoff) Attempts() int { return b.attempts }

// Ceiling 尝试上限。
func (b *Backoff) Ceiling() int { return b.ceiling }

// Exhausted 是否已无剩余尝试。
func (b *Backoff) Exhausted() bool { return b.attempts >= b.ceiling }

// Fail 记录本次尝试失败，返回下一次前的等待；无剩余尝试时 ok=false。
func (b *Backoff) Fail() (time.Duration, bool) {
	if b.Exhausted() {
		b.next = 0
		return 0, false
	}
	b.next = b.delay(b.attempts - 1)
	return b.next, true
}

// NextDelay 最近一次 Fail 计算出的等待。
func (b *Backoff) NextDelay() time.Duration { return b.next }

func (b *Backoff) delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := b.max
	if n <= 30 {
		if exp := b.base * time.Duration(1<<n); exp > 0 && exp < b.max {
			d = exp
		}
	}
	half := d / 2
	return half + time.Duration(float64(d-half)*b.jitter())
}

// Clock 可注入时钟，测试中不真正等待。
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock 真实时钟。
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
