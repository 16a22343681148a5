package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/executor"
	"ChainFlow-Eval/internal/flow"
	"ChainFlow-Eval/internal/observability/alerting"
	"ChainFlow-Eval/internal/observability/metrics"
	"ChainFlow-Eval/internal/planner"
	"ChainFlow-Eval/internal/session"
	"ChainFlow-Eval/internal/validator"
	"ChainFlow-Eval/internal/web3"
	"ChainFlow-Eval/pkg/logger"
)

// defaultConsolidationWait 是等待异步归并的时限，超时得分记零。
const defaultConsolidationWait = 60 * time.Second

// Gateway 是评估入口的门面：一次调用完成规划、执行、归并等待与
// 评分。只有规划失败与标准答案配置错误是同步硬失败，其余失败都
// 会体现在返回结果里。
type Gateway struct {
	planner  *planner.Planner
	executor *executor.Executor
	store    session.Store
	tools    web3.Executor
	bundles  map[string]validator.Bundle
	notifier alerting.Notifier

	consolidationWait time.Duration
	newID             func() string
}

// Option 配置 Gateway。
type Option func(*Gateway)

// WithConsolidationWait 覆盖归并等待时限。
func WithConsolidationWait(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.consolidationWait = d
		}
	}
}

// WithBundles 注入标准答案包。
func WithBundles(bundles map[string]validator.Bundle) Option {
	return func(g *Gateway) { g.bundles = bundles }
}

// WithNotifier 注入告警通道。
func WithNotifier(notifier alerting.Notifier) Option {
	return func(g *Gateway) { g.notifier = notifier }
}

// New 创建评估门面。
func New(p *planner.Planner, exec *executor.Executor, store session.Store, tools web3.Executor, opts ...Option) *Gateway {
	g := &Gateway{
		planner:           p,
		executor:          exec,
		store:             store,
		tools:             tools,
		bundles:           map[string]validator.Bundle{},
		consolidationWait: defaultConsolidationWait,
		newID:             uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// FlowRequest 是一次完整评估请求。
type FlowRequest struct {
	Request string             `json:"request"`
	Wallet  flow.WalletContext `json:"wallet"`
	Mode    string             `json:"mode,omitempty"`
	// Bundle 指定评分用的标准答案包，为空则只执行不评分。
	Bundle string `json:"bundle,omitempty"`
}

// ExecutionResult 汇总一次评估的全部产出。
type ExecutionResult struct {
	ExecutionID  string                       `json:"execution_id"`
	PlanID       string                       `json:"plan_id"`
	Status       flow.ExecutionStatus         `json:"status"`
	Score        *float64                     `json:"score,omitempty"`
	Validation   *validator.Result            `json:"validation,omitempty"`
	Consolidated *session.ConsolidatedSession `json:"consolidated,omitempty"`
	Error        string                       `json:"error,omitempty"`
}

// ExecuteFlow 执行一次完整评估。
func (g *Gateway) ExecuteFlow(ctx context.Context, req FlowRequest) (ExecutionResult, error) {
	mode, err := flow.ParseAtomicMode(req.Mode)
	if err != nil {
		return ExecutionResult{}, err
	}
	var bundle validator.Bundle
	scored := false
	if req.Bundle != "" {
		var ok bool
		if bundle, ok = g.bundles[req.Bundle]; !ok {
			return ExecutionResult{}, xerrors.Wrap(flow.CodeGroundTruthConfig, flow.ErrGroundTruthConfig,
				"未知的标准答案包: "+req.Bundle)
		}
		scored = true
	}

	plan, err := g.planner.Plan(planner.Request{
		Raw:    req.Request,
		Wallet: req.Wallet,
		Mode:   mode,
	})
	if err != nil {
		// 规划失败是同步硬失败，不产生会话。
		return ExecutionResult{}, err
	}

	executionID := g.newID()
	sess := &session.Session{
		ID:        executionID,
		PlanID:    plan.ID,
		Request:   req.Request,
		Mode:      plan.Mode,
		Status:    flow.ExecutionRunning,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := g.store.CreateSession(ctx, sess); err != nil {
		return ExecutionResult{}, err
	}
	logger.Audit().Info("flow_started",
		"execution_id", executionID, "plan_id", plan.ID, "mode", string(plan.Mode), "steps", len(plan.Steps))

	status, execErr := g.executor.Execute(ctx, executionID, plan)
	metrics.Default().Inc(metrics.FlowsTotal, "status", string(status))
	result := ExecutionResult{
		ExecutionID: executionID,
		PlanID:      plan.ID,
		Status:      status,
	}
	if execErr != nil {
		result.Error = execErr.Error()
		alerting.NotifyError(ctx, g.notifier, execErr, map[string]string{"execution_id": executionID})
	}

	consolidated, err := session.AwaitConsolidated(ctx, g.store, executionID, g.consolidationWait)
	if err != nil {
		// 归并失败或超时：得分强制记零。中止原因保留，归并错误
		// 追加在其后。
		zero := 0.0
		result.Score = &zero
		if result.Error != "" {
			result.Error = result.Error + "; " + err.Error()
		} else {
			result.Error = err.Error()
		}
		alerting.NotifyError(ctx, g.notifier, err, map[string]string{"execution_id": executionID})
		if ferr := g.store.FinalizeSession(ctx, executionID, status, &zero, result.Error); ferr != nil {
			logger.L().Error("归并失败后写入零分失败", "execution_id", executionID, "error", ferr)
		}
		return result, nil
	}
	result.Consolidated = &consolidated

	if scored {
		steps, err := g.store.ListSteps(ctx, executionID)
		if err != nil {
			return result, err
		}
		snapshot, err := g.tools.Snapshot(ctx, []string{req.Wallet.Address})
		if err != nil {
			logger.L().Error("读取链上快照失败", "execution_id", executionID, "error", err)
			snapshot = web3.AccountSnapshot{}
		}
		validation := validator.Score(bundle, flow.LatestAttempts(steps), snapshot)
		result.Validation = &validation
		result.Score = &validation.Total
		if err := g.store.FinalizeSession(ctx, executionID, status, &validation.Total, result.Error); err != nil {
			logger.L().Error("写入评分失败", "execution_id", executionID, "error", err)
		}
		logger.Audit().Info("flow_scored",
			"execution_id", executionID, "score", validation.Total,
			"instruction", validation.Instruction, "outcome", validation.Outcome)
	}
	return result, nil
}
