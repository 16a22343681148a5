package executor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"ChainFlow-Eval/internal/agent"
	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/flow"
	"ChainFlow-Eval/internal/observability/metrics"
	"ChainFlow-Eval/internal/recovery"
	"ChainFlow-Eval/internal/session"
	"ChainFlow-Eval/internal/web3"
	"ChainFlow-Eval/pkg/logger"
)

// Executor 驱动乒乓执行循环：每个步骤先问智能体要一个工具调用,
// 再交给工具执行器落链，结果追加落库后喂回下一回合。失败步骤交由
// 恢复引擎处理，恢复耗尽后查原子模式决定中止还是继续。
type Executor struct {
	decider  agent.Decider
	tools    web3.Executor
	store    session.Store
	engine   *recovery.Engine
	producer session.Producer

	now func() time.Time
}

// New 创建执行器。producer 可以为空，此时终态不投递归并队列。
func New(decider agent.Decider, tools web3.Executor, store session.Store, engine *recovery.Engine, producer session.Producer) *Executor {
	return &Executor{
		decider:  decider,
		tools:    tools,
		store:    store,
		engine:   engine,
		producer: producer,
		now:      time.Now,
	}
}

// Execute 执行整条计划并返回终态。要求会话已由调用方创建。
// 返回的 error 仅在流程中止时非空，描述中止原因。
func (e *Executor) Execute(ctx context.Context, executionID string, plan flow.FlowPlan) (flow.ExecutionStatus, error) {
	status := flow.ExecutionCompleted
	var abortCause error
	budget := e.engine.NewBudget()
	history := make([]flow.StepResult, 0, len(plan.Steps))

	for _, step := range plan.Steps {
		// 步骤之间响应取消。
		if err := ctx.Err(); err != nil {
			status = flow.ExecutionAborted
			abortCause = xerrors.Wrap(xerrors.CodeCancelled, err, "流程在步骤 "+step.ID+" 前被取消")
			break
		}

		result, err := e.runStep(ctx, executionID, plan, step, 0, history, "")
		if err != nil {
			if errors.Is(err, context.Canceled) || xerrors.CodeOf(err) == xerrors.CodeCancelled {
				status = flow.ExecutionAborted
				abortCause = err
				break
			}
			result, err = e.recover(ctx, budget, executionID, plan, step, history, err)
		}
		if err != nil {
			// 恢复等待期间的取消不走原子模式，直接中止。
			if xerrors.CodeOf(err) == xerrors.CodeCancelled {
				status = flow.ExecutionAborted
				abortCause = err
				break
			}
			// 恢复耗尽：查原子模式决定流程走向，每次耗尽只咨询一次。
			if plan.Mode.ShouldAbort(step.Critical) {
				status = flow.ExecutionAborted
				abortCause = err
				logger.L().Warn("步骤恢复耗尽，流程中止",
					"execution_id", executionID, "step_id", step.ID, "mode", plan.Mode)
				break
			}
			logger.L().Warn("步骤恢复耗尽，流程继续",
				"execution_id", executionID, "step_id", step.ID, "mode", plan.Mode)
			continue
		}
		history = append(history, result)
	}

	e.finish(executionID, status, abortCause)
	return status, abortCause
}

// runStep 执行一次步骤尝试：问询智能体、执行工具、落库结果。
// 无论成败都会追加一条 StepResult。lastErr 是上一次尝试的失败
// 原因，首次执行传空。
func (e *Executor) runStep(ctx context.Context, executionID string, plan flow.FlowPlan, step flow.FlowStep, attempt int, history []flow.StepResult, lastErr string) (flow.StepResult, error) {
	stepCtx := ctx
	cancel := func() {}
	if step.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
	}
	defer cancel()

	result := flow.StepResult{
		ExecutionID: executionID,
		StepID:      step.ID,
		Ordinal:     step.Ordinal,
		Attempt:     attempt,
		StartedAtMS: e.now().UnixMilli(),
	}

	sc := agent.StepContext{
		ExecutionID: executionID,
		Request:     plan.RefinedRequest,
		Wallet:      plan.Wallet,
		Step:        step,
		Attempt:     attempt,
		LastError:   lastErr,
		History:     flow.LatestAttempts(history),
	}
	decision, err := e.decider.Decide(stepCtx, sc)
	if err != nil {
		return e.concludeStep(executionID, result, "", err)
	}
	result.Tool = string(decision.Call.Kind)
	if params, merr := json.Marshal(decision.Call); merr == nil {
		result.Params = string(params)
	}

	outcome, err := e.tools.Execute(stepCtx, decision.Call)
	if err != nil {
		if stepCtx.Err() == context.DeadlineExceeded {
			err = xerrors.Wrap(flow.CodeStepTimeout, flow.ErrStepTimeout, "步骤 "+step.ID+" 超时")
		}
		return e.concludeStep(executionID, result, "", err)
	}

	output := outcome.Output
	if outcome.TxHash != "" {
		output = outcome.TxHash + " " + output
	}
	return e.concludeStep(executionID, result, output, nil)
}

// concludeStep 补全结果并落库。失败错误统一分类为瞬时/永久。
func (e *Executor) concludeStep(executionID string, result flow.StepResult, output string, cause error) (flow.StepResult, error) {
	result.EndedAtMS = e.now().UnixMilli()
	switch {
	case cause == nil:
		result.Status = flow.StepSuccess
		result.Output = output
	case xerrors.CodeOf(cause) == flow.CodeStepTimeout:
		result.Status = flow.StepTimedOut
		result.ErrorDetail = cause.Error()
	default:
		result.Status = flow.StepFailed
		result.ErrorDetail = cause.Error()
		cause = classify(result.StepID, cause)
	}

	metrics.Default().Inc(metrics.StepsTotal, "status", string(result.Status))
	if err := e.store.AppendStep(context.Background(), executionID, result); err != nil {
		logger.L().Error("步骤结果落库失败",
			"execution_id", executionID, "step_id", result.StepID, "error", err)
		if cause == nil {
			cause = err
		}
	}
	return result, cause
}

// classify 把任意失败错误归入瞬时或永久类别，供恢复引擎判断。
func classify(stepID string, cause error) error {
	if xerrors.RetryableError(cause) {
		return xerrors.Wrap(flow.CodeStepTransient, cause, "步骤 "+stepID+" 瞬时失败")
	}
	return xerrors.Wrap(flow.CodeStepPermanent, cause, "步骤 "+stepID+" 永久失败")
}

// recover 把失败步骤交给恢复引擎，并把每次恢复决策落库留痕。
func (e *Executor) recover(ctx context.Context, budget *recovery.Budget, executionID string, plan flow.FlowPlan, step flow.FlowStep, history []flow.StepResult, firstErr error) (flow.StepResult, error) {
	lastErr := firstErr
	run := func(ctx context.Context, s flow.FlowStep, attempt int) (flow.StepResult, error) {
		// 替代/补全步骤保持原序号，尝试序号递增。智能体能看到
		// 上一次尝试的失败原因。
		result, err := e.runStep(ctx, executionID, plan, s, attempt, history, lastErr.Error())
		if err != nil {
			lastErr = err
		}
		return result, err
	}
	result, attempts, err := e.engine.Recover(ctx, budget, executionID, step, firstErr, run)
	for _, attempt := range attempts {
		metrics.Default().Inc(metrics.RecoveriesTotal,
			"strategy", attempt.Strategy, "outcome", string(attempt.Outcome))
		if aerr := e.store.AppendRecovery(context.Background(), executionID, attempt); aerr != nil {
			logger.L().Error("恢复记录落库失败",
				"execution_id", executionID, "step_id", step.ID, "error", aerr)
		}
	}
	return result, err
}

// finish 写入会话终态并投递归并队列。终态写入使用独立上下文,
// 不受流程取消影响。
func (e *Executor) finish(executionID string, status flow.ExecutionStatus, abortCause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	detail := ""
	if abortCause != nil {
		detail = abortCause.Error()
	}
	if err := e.store.FinalizeSession(ctx, executionID, status, nil, detail); err != nil {
		logger.L().Error("会话终态写入失败", "execution_id", executionID, "error", err)
	}
	if e.producer == nil {
		return
	}
	msg := session.Message{ExecutionID: executionID, EnqueuedAt: e.now().UnixMilli()}
	if err := e.producer.Publish(ctx, msg); err != nil {
		logger.L().Error("归并消息投递失败", "execution_id", executionID, "error", err)
	}
	logger.Audit().Info("flow_finished", "execution_id", executionID, "status", string(status))
}
