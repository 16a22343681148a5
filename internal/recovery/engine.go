package recovery

import (
	"context"
	"sync"
	"time"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/flow"
	"ChainFlow-Eval/pkg/logger"
)

// 恢复策略名，按固定优先级依次尝试。
const (
	StrategyRetry           = "retry"
	StrategyAlternative     = "alternative"
	StrategyUserFulfillment = "user_fulfillment"
)

// StepRunner 由执行器提供：以给定的尝试序号执行一次步骤。
// 恢复引擎不直接接触工具执行，只通过它发起重试。
type StepRunner func(ctx context.Context, step flow.FlowStep, attempt int) (flow.StepResult, error)

// Budget 是单条流程共享的恢复预算，每一次恢复尝试耗费的时间都
// 计入其中。多个步骤的恢复共享同一预算，耗尽后不再发起新尝试。
type Budget struct {
	mu        sync.Mutex
	remaining time.Duration
}

// NewBudget 创建预算。
func NewBudget(total time.Duration) *Budget {
	return &Budget{remaining: total}
}

// Consume 尝试扣减预算，余额不足时不扣减并返回 false。
func (b *Budget) Consume(d time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d > b.remaining {
		return false
	}
	b.remaining -= d
	return true
}

// Charge 扣减已经耗费的时长，最多扣到零。与 Consume 不同，事后
// 计费不能拒绝。
func (b *Budget) Charge(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining -= d
	if b.remaining < 0 {
		b.remaining = 0
	}
}

// Remaining 返回剩余预算。
func (b *Budget) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

// Engine 按固定优先级组合三种恢复策略：重试、替代步骤、用户补全。
// 引擎本身无状态，预算由调用方按流程传入。
type Engine struct {
	cfg      Config
	catalog  *Catalog
	answerer Answerer

	// 测试注入点。
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// EngineOption 配置 Engine。
type EngineOption func(*Engine)

// WithCatalog 设置替代规则集。
func WithCatalog(catalog *Catalog) EngineOption {
	return func(e *Engine) { e.catalog = catalog }
}

// WithAnswerer 设置用户补全通道。
func WithAnswerer(answerer Answerer) EngineOption {
	return func(e *Engine) { e.answerer = answerer }
}

// NewEngine 创建恢复引擎。
func NewEngine(cfg Config, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:   cfg.withDefaults(),
		sleep: sleepContext,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.catalog == nil && e.cfg.AlternativesEnabled() {
		e.catalog = NewCatalog()
	}
	return e
}

// Config 返回生效中的恢复配置。
func (e *Engine) Config() Config {
	return e.cfg
}

// NewBudget 按配置创建一条流程的恢复预算。
func (e *Engine) NewBudget() *Budget {
	return NewBudget(e.cfg.Budget)
}

// Recover 在步骤首次执行失败后接管。firstErr 是首次失败原因,
// 返回成功的结果或包装后的 RECOVERY_EXHAUSTED。无论成败，所有
// 恢复决策都以 RecoveryAttempt 留痕。
func (e *Engine) Recover(
	ctx context.Context,
	budget *Budget,
	executionID string,
	step flow.FlowStep,
	firstErr error,
	run StepRunner,
) (flow.StepResult, []flow.RecoveryAttempt, error) {
	attempts := make([]flow.RecoveryAttempt, 0, e.cfg.MaxAttempts)
	lastErr := firstErr
	attemptNum := 1

	// 策略一：指数退避重试，仅对瞬时错误适用。
	for retryIdx := 0; IsTransient(lastErr) && attemptNum < e.cfg.MaxAttempts; retryIdx++ {
		delay := Delay(e.cfg, retryIdx)
		if !budget.Consume(delay) {
			logger.L().Warn("恢复预算耗尽，停止重试",
				"execution_id", executionID, "step_id", step.ID, "remaining", budget.Remaining())
			break
		}
		if err := e.sleep(ctx, delay); err != nil {
			return flow.StepResult{}, attempts, err
		}

		record := flow.RecoveryAttempt{
			ExecutionID: executionID,
			StepID:      step.ID,
			Ordinal:     step.Ordinal,
			Strategy:    StrategyRetry,
			Delay:       delay,
			OccurredAt:  e.now().UnixMilli(),
		}
		started := e.now()
		result, err := run(ctx, step, attemptNum)
		budget.Charge(e.now().Sub(started))
		attemptNum++
		if err == nil {
			record.Outcome = flow.RecoveryRecovered
			attempts = append(attempts, record)
			return result, attempts, nil
		}
		record.Outcome = flow.RecoveryExhausted
		record.Cause = err.Error()
		attempts = append(attempts, record)
		lastErr = err
	}

	// 策略二：替代步骤，按失败指纹改写后重执行一次。预算耗尽时
	// 不再发起。
	if e.cfg.AlternativesEnabled() && e.catalog != nil && budget.Remaining() > 0 {
		if substitute, ok := e.catalog.Find(step, lastErr.Error()); ok {
			record := flow.RecoveryAttempt{
				ExecutionID: executionID,
				StepID:      step.ID,
				Ordinal:     step.Ordinal,
				Strategy:    StrategyAlternative,
				Substitute:  &substitute,
				OccurredAt:  e.now().UnixMilli(),
			}
			started := e.now()
			result, err := run(ctx, substitute, attemptNum)
			budget.Charge(e.now().Sub(started))
			attemptNum++
			if err == nil {
				record.Outcome = flow.RecoveryRecovered
				attempts = append(attempts, record)
				return result, attempts, nil
			}
			record.Outcome = flow.RecoveryExhausted
			record.Cause = err.Error()
			attempts = append(attempts, record)
			lastErr = err
		}
	}

	// 策略三：用户补全，向用户要修正参数后重执行一次。同样受
	// 预算约束。
	if e.cfg.EnableUserFulfillment && e.answerer != nil && budget.Remaining() > 0 {
		question := fulfillmentQuestion(step, lastErr.Error())
		record := flow.RecoveryAttempt{
			ExecutionID: executionID,
			StepID:      step.ID,
			Ordinal:     step.Ordinal,
			Strategy:    StrategyUserFulfillment,
			Question:    question,
			OccurredAt:  e.now().UnixMilli(),
		}
		started := e.now()
		answer, err := e.answerer.Answer(ctx, question)
		if err == nil {
			record.Answer = answer
			var patched flow.FlowStep
			patched, err = applyAnswer(step, answer)
			if err == nil {
				var result flow.StepResult
				result, err = run(ctx, patched, attemptNum)
				attemptNum++
				if err == nil {
					budget.Charge(e.now().Sub(started))
					record.Outcome = flow.RecoveryRecovered
					attempts = append(attempts, record)
					return result, attempts, nil
				}
			}
		}
		budget.Charge(e.now().Sub(started))
		record.Outcome = flow.RecoveryExhausted
		record.Cause = err.Error()
		attempts = append(attempts, record)
		lastErr = err
	}

	logger.L().Warn("所有恢复策略均已失败",
		"execution_id", executionID, "step_id", step.ID, "cause", lastErr.Error())
	return flow.StepResult{}, attempts,
		xerrors.Wrap(flow.CodeRecoveryExhausted, lastErr, "步骤 "+step.ID+" 恢复失败")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "恢复等待被取消")
	case <-timer.C:
		return nil
	}
}
