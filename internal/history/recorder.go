package history

import (
	"context"
	"time"

	"perpdesk/internal/logger"
	"perpdesk/internal/metrics"
)

const persistTimeout = 5 * time.Second

// Recorder 尽力写入：任何存储失败只记日志，不阻塞交易流程。
type Recorder struct {
	stores []Store
}

func NewRecorder(stores ...Store) *Recorder {
	var live []Store
	for _, s := range stores {
		if s != nil {
			live = append(live, s)
		}
	}
	return &Recorder{stores: live}
}

// Record 写入已关闭的轮次；外层 ctx 取消后仍会写完。
func (r *Recorder) Record(ctx context.Context, c DecisionCycle) {
	metrics.Cycles.WithLabelValues(string(c.Outcome)).Inc()
	if r == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	for _, s := range r.stores {
		if err := s.AppendCycle(pctx, c); err != nil {
			logger.Errorf("[%s] cycle=%s 写入历史失败: %v", c.Symbol, c.ID, err)
		}
	}
}
