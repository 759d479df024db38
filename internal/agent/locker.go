package agent

import (
	"context"
	"strings"
	"sync"
)

// SymbolLocker 按币种互斥；等待者按到达顺序获得锁。
type SymbolLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewSymbolLocker() *SymbolLocker {
	return &SymbolLocker{slots: make(map[string]chan struct{})}
}

func (l *SymbolLocker) slot(symbol string) chan struct{} {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Lock 阻塞直到拿到锁或 ctx 结束；返回的函数释放锁。
func (l *SymbolLocker) Lock(ctx context.Context, symbol string) (func(), error) {
	ch := l.slot(symbol)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

// Busy 当前是否有轮次持有该币种。
func (l *SymbolLocker) Busy(symbol string) bool {
	return len(l.slot(symbol)) > 0
}
