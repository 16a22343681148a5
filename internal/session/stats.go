package session

import "ChainFlow-Eval/internal/flow"

// Stats 是会话存储的总体统计。
type Stats struct {
	Total        int                          `json:"total"`
	ByStatus     map[flow.ExecutionStatus]int `json:"by_status"`
	AverageScore float64                      `json:"average_score"`
	Consolidated int                          `json:"consolidated"`
}
