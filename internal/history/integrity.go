package history

import "sort"

// Gap 某个会话中缺失的连续序号区间。
type Gap struct {
	SessionID string `json:"session_id"`
	From      int64  `json:"from"`
	To        int64  `json:"to"`
	Count     int64  `json:"count"`
}

// IntegrityReport 回放检查结果。
type IntegrityReport struct {
	Sessions   int      `json:"sessions"`
	Cycles     int      `json:"cycles"`
	Gaps       []Gap    `json:"gaps"`
	Duplicates []string `json:"duplicates,omitempty"` // 重复的轮次 id
	OutOfOrder int      `json:"out_of_order"`         // 同会话内追加顺序与序号不一致的次数
}

func (r IntegrityReport) Complete() bool {
	return len(r.Gaps) == 0 && len(r.Duplicates) == 0 && r.OutOfOrder == 0
}

// CheckIntegrity 按追加顺序检查每个会话的序号是否从 1 连续递增。
func CheckIntegrity(cycles []DecisionCycle) IntegrityReport {
	var report IntegrityReport
	report.Cycles = len(cycles)
	seen := make(map[string]struct{}, len(cycles))
	bySession := make(map[string][]int64)
	var order []string
	last := make(map[string]int64)
	for _, c := range cycles {
		if _, dup := seen[c.ID]; dup {
			report.Duplicates = append(report.Duplicates, c.ID)
			continue
		}
		seen[c.ID] = struct{}{}
		if _, ok := bySession[c.SessionID]; !ok {
			order = append(order, c.SessionID)
		}
		if c.Seq < last[c.SessionID] {
			report.OutOfOrder++
		}
		last[c.SessionID] = c.Seq
		bySession[c.SessionID] = append(bySession[c.SessionID], c.Seq)
	}
	report.Sessions = len(order)
	for _, sid := range order {
		seqs := bySession[sid]
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		cursor := int64(1)
		for _, s := range seqs {
			if s < cursor {
				continue
			}
			if s > cursor {
				report.Gaps = append(report.Gaps, Gap{SessionID: sid, From: cursor, To: s - 1, Count: s - cursor})
			}
			cursor = s + 1
		}
	}
	return report
}
