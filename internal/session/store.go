package session

import (
	"context"
	"time"

	"ChainFlow-Eval/internal/flow"
)

func nowMilli() int64 { return time.Now().UnixMilli() }

// Session 是一次流程执行的全量留痕：计划、逐次尝试的步骤结果、
// 恢复决策与最终得分。步骤结果只追加，最新尝试为权威结果。
type Session struct {
	ID         string                 `json:"id"`
	PlanID     string                 `json:"plan_id"`
	Request    string                 `json:"request"`
	Mode       flow.AtomicMode        `json:"mode"`
	Status     flow.ExecutionStatus   `json:"status"`
	Steps      []flow.StepResult      `json:"steps,omitempty"`
	Recoveries []flow.RecoveryAttempt `json:"recoveries,omitempty"`
	Score      *float64               `json:"score,omitempty"`
	Error      string                 `json:"error,omitempty"`
	CreatedAt  int64                  `json:"created_at"`
	FinishedAt int64                  `json:"finished_at,omitempty"`
}

// ConsolidatedSession 是归并器产出的会话汇总，供统计与评分读取。
// Steps 保留按 (序号, 尝试) 排好序的完整步骤明细，逐次尝试的成败
// 都在其中，聚合字段只是它的派生。
type ConsolidatedSession struct {
	ExecutionID    string               `json:"execution_id"`
	Status         flow.ExecutionStatus `json:"status"`
	Steps          []flow.StepResult    `json:"steps,omitempty"`
	StepCount      int                  `json:"step_count"`
	AttemptCount   int                  `json:"attempt_count"`
	SuccessRate    float64              `json:"success_rate"`
	ToolCounts     map[string]int       `json:"tool_counts,omitempty"`
	RecoveryCount  int                  `json:"recovery_count"`
	DurationMS     int64                `json:"duration_ms"`
	ConsolidatedAt int64                `json:"consolidated_at"`
}

// Store 抽象会话存储。驱动必须保证 AppendStep 的追加语义：
// 同一 (执行 ID, 序号, 尝试) 的记录只能写入一次。
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, executionID string) (*Session, error)
	ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error)
	FinalizeSession(ctx context.Context, executionID string, status flow.ExecutionStatus, score *float64, errDetail string) error

	AppendStep(ctx context.Context, executionID string, result flow.StepResult) error
	ListSteps(ctx context.Context, executionID string) ([]flow.StepResult, error)
	AppendRecovery(ctx context.Context, executionID string, attempt flow.RecoveryAttempt) error

	SaveConsolidated(ctx context.Context, c ConsolidatedSession) error
	GetConsolidated(ctx context.Context, executionID string) (ConsolidatedSession, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}
