package session

import (
	"context"
	"time"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/flow"
	"ChainFlow-Eval/internal/observability/metrics"
	"ChainFlow-Eval/pkg/logger"
)

// Consolidator 是异步归并工作器：消费队列里到达终态的执行,
// 把逐次尝试的明细压缩成一条可供统计与评分的汇总记录。
type Consolidator struct {
	store    Store
	consumer Consumer

	now func() time.Time
}

// NewConsolidator 创建归并器。
func NewConsolidator(store Store, consumer Consumer) *Consolidator {
	return &Consolidator{store: store, consumer: consumer, now: time.Now}
}

// Run 阻塞消费归并队列直到上下文取消。单条消息归并失败只记日志,
// 不中断工作器。
func (c *Consolidator) Run(ctx context.Context) error {
	messages, err := c.consumer.Consume(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅归并队列失败")
	}
	logger.L().Info("归并工作器已启动")
	for {
		select {
		case <-ctx.Done():
			logger.L().Info("归并工作器退出")
			return nil
		case msg, ok := <-messages:
			if !ok {
				logger.L().Info("归并队列已关闭，工作器退出")
				return nil
			}
			if _, err := c.Consolidate(ctx, msg.ExecutionID); err != nil {
				logger.L().Error("归并失败", "execution_id", msg.ExecutionID, "error", err)
				metrics.Default().Inc(metrics.ConsolidationsTotal, "result", "error")
				continue
			}
			metrics.Default().Inc(metrics.ConsolidationsTotal, "result", "ok")
			logger.L().Info("归并完成", "execution_id", msg.ExecutionID)
		}
	}
}

// Consolidate 对单条执行做归并并落库。以步骤明细的最新尝试为权威
// 结果计算成功率与工具分布。
func (c *Consolidator) Consolidate(ctx context.Context, executionID string) (ConsolidatedSession, error) {
	sess, err := c.store.GetSession(ctx, executionID)
	if err != nil {
		return ConsolidatedSession{}, err
	}
	steps, err := c.store.ListSteps(ctx, executionID)
	if err != nil {
		return ConsolidatedSession{}, err
	}

	latest := flow.LatestAttempts(steps)
	consolidated := ConsolidatedSession{
		ExecutionID:    executionID,
		Status:         sess.Status,
		Steps:          steps,
		StepCount:      len(latest),
		AttemptCount:   len(steps),
		ToolCounts:     make(map[string]int),
		RecoveryCount:  len(sess.Recoveries),
		ConsolidatedAt: c.now().UnixMilli(),
	}
	if sess.FinishedAt > sess.CreatedAt {
		consolidated.DurationMS = sess.FinishedAt - sess.CreatedAt
	}

	succeeded := 0
	for _, result := range latest {
		if result.Tool != "" {
			consolidated.ToolCounts[result.Tool]++
		}
		if result.Status == flow.StepSuccess {
			succeeded++
		}
	}
	if len(latest) > 0 {
		consolidated.SuccessRate = float64(succeeded) / float64(len(latest))
	}

	if err := c.store.SaveConsolidated(ctx, consolidated); err != nil {
		return ConsolidatedSession{}, err
	}
	return consolidated, nil
}

// AwaitConsolidated 轮询等待某条执行的归并结果，超过时限返回
// CONSOLIDATION_FAILED。
func AwaitConsolidated(ctx context.Context, store Store, executionID string, timeout time.Duration) (ConsolidatedSession, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		consolidated, err := store.GetConsolidated(ctx, executionID)
		if err == nil {
			return consolidated, nil
		}
		if xerrors.CodeOf(err) != xerrors.CodeNotFound {
			return ConsolidatedSession{}, err
		}
		if time.Now().After(deadline) {
			return ConsolidatedSession{}, xerrors.Wrap(flow.CodeConsolidationFailed, flow.ErrConsolidationFailed,
				"等待归并超时: "+executionID)
		}
		select {
		case <-ctx.Done():
			return ConsolidatedSession{}, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "等待归并被取消")
		case <-ticker.C:
		}
	}
}
