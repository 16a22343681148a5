package flow

import (
	"time"

	xerrors "ChainFlow-Eval/internal/errors"
)

// StepStatus 表示单个步骤一次执行尝试的最终状态。
type StepStatus string

const (
	StepSuccess  StepStatus = "success"
	StepFailed   StepStatus = "failed"
	StepTimedOut StepStatus = "timed_out"
)

// ExecutionStatus 表示整条流程的终态。
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionAborted   ExecutionStatus = "aborted"
)

// WalletContext 是规划时刻钱包/账户上下文的快照。
type WalletContext struct {
	Address  string            `json:"address"`
	ChainID  string            `json:"chain_id,omitempty"`
	Balances map[string]string `json:"balances,omitempty"`
}

// FlowStep 描述计划中的一次工具调用。ExpectedTool 仅是提示，
// 智能体可以偏离；Critical 决定恢复耗尽后是否中止整条流程。
type FlowStep struct {
	ID           string            `json:"id"`
	Ordinal      int               `json:"ordinal"`
	Description  string            `json:"description"`
	ExpectedTool string            `json:"expected_tool,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
	Critical     bool              `json:"critical"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	Timeout      time.Duration     `json:"timeout,omitempty"`
}

// FlowPlan 由规划器一次性产出，此后不可变更。恢复产生的是替换步骤，
// 不会回写计划本身。
type FlowPlan struct {
	ID             string        `json:"id"`
	RawRequest     string        `json:"raw_request"`
	RefinedRequest string        `json:"refined_request"`
	Wallet         WalletContext `json:"wallet"`
	Mode           AtomicMode    `json:"mode"`
	Steps          []FlowStep    `json:"steps"`
	CreatedAt      int64         `json:"created_at"`
}

// StepResult 记录一次步骤尝试的完整结果。创建后不再修改：
// 重试会以递增的 Attempt 追加新记录，而不是覆盖旧记录。
type StepResult struct {
	ExecutionID string     `json:"execution_id"`
	StepID      string     `json:"step_id"`
	Ordinal     int        `json:"ordinal"`
	Attempt     int        `json:"attempt"`
	Tool        string     `json:"tool"`
	Params      string     `json:"params,omitempty"`
	Output      string     `json:"output,omitempty"`
	Status      StepStatus `json:"status"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	StartedAtMS int64      `json:"started_at_ms"`
	EndedAtMS   int64      `json:"ended_at_ms"`
}

// RecoveryOutcome 表示一次恢复尝试的结论。
type RecoveryOutcome string

const (
	RecoveryRecovered RecoveryOutcome = "recovered"
	RecoveryExhausted RecoveryOutcome = "exhausted"
)

// RecoveryAttempt 记录恢复子系统的一次决策，无论成败都会留痕。
type RecoveryAttempt struct {
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	Ordinal     int             `json:"ordinal"`
	Strategy    string          `json:"strategy"`
	Delay       time.Duration   `json:"delay,omitempty"`
	Substitute  *FlowStep       `json:"substitute,omitempty"`
	Question    string          `json:"question,omitempty"`
	Answer      string          `json:"answer,omitempty"`
	Outcome     RecoveryOutcome `json:"outcome"`
	Cause       string          `json:"cause,omitempty"`
	OccurredAt  int64           `json:"occurred_at"`
}

var (
	// ErrPlanningFailed 表示请求无法映射到任何已知操作模式。
	ErrPlanningFailed = xerrors.New(CodePlanningFailed, "request cannot be planned")
	// ErrStepTransient 表示步骤因瞬时原因失败，可以重试。
	ErrStepTransient = xerrors.New(CodeStepTransient, "step failed transiently", xerrors.WithRetryable(true))
	// ErrStepPermanent 表示步骤因永久原因失败，重试无意义。
	ErrStepPermanent = xerrors.New(CodeStepPermanent, "step failed permanently")
	// ErrStepTimeout 表示步骤在限定时间内未完成。
	ErrStepTimeout = xerrors.New(CodeStepTimeout, "step timed out", xerrors.WithRetryable(true))
	// ErrRecoveryExhausted 表示所有恢复策略都已失败或预算耗尽。
	ErrRecoveryExhausted = xerrors.New(CodeRecoveryExhausted, "recovery exhausted", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrConsolidationFailed 表示归并超时或存储不可用，得分强制为零。
	ErrConsolidationFailed = xerrors.New(CodeConsolidationFailed, "consolidation failed")
	// ErrGroundTruthConfig 表示断言配置非法，加载阶段即失败。
	ErrGroundTruthConfig = xerrors.New(CodeGroundTruthConfig, "ground truth config invalid", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodePlanningFailed      xerrors.Code = "FLOW_PLANNING_FAILED"
	CodeStepTransient       xerrors.Code = "STEP_TRANSIENT"
	CodeStepPermanent       xerrors.Code = "STEP_PERMANENT"
	CodeStepTimeout         xerrors.Code = "STEP_TIMEOUT"
	CodeRecoveryExhausted   xerrors.Code = "RECOVERY_EXHAUSTED"
	CodeConsolidationFailed xerrors.Code = "CONSOLIDATION_FAILED"
	CodeGroundTruthConfig   xerrors.Code = "GROUND_TRUTH_CONFIG"
)

func init() {
	xerrors.Register(CodePlanningFailed, xerrors.Attributes{
		Message:   "request cannot be planned",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStepTransient, xerrors.Attributes{
		Message:   "step failed transiently",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeStepPermanent, xerrors.Attributes{
		Message:   "step failed permanently",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStepTimeout, xerrors.Attributes{
		Message:   "step timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeRecoveryExhausted, xerrors.Attributes{
		Message:   "recovery exhausted",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeConsolidationFailed, xerrors.Attributes{
		Message:   "consolidation failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeGroundTruthConfig, xerrors.Attributes{
		Message:   "ground truth config invalid",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidStepStatus 检查步骤状态是否为支持的枚举值。
func IsValidStepStatus(status StepStatus) bool {
	switch status {
	case StepSuccess, StepFailed, StepTimedOut:
		return true
	default:
		return false
	}
}

// CloneStep 返回步骤的深拷贝，依赖列表独立。
func CloneStep(step FlowStep) FlowStep {
	clone := step
	if step.DependsOn != nil {
		clone.DependsOn = append([]string(nil), step.DependsOn...)
	}
	if step.Params != nil {
		clone.Params = make(map[string]string, len(step.Params))
		for key, value := range step.Params {
			clone.Params[key] = value
		}
	}
	return clone
}

// CloneWallet 返回钱包快照的深拷贝。
func CloneWallet(wallet WalletContext) WalletContext {
	clone := wallet
	if wallet.Balances != nil {
		clone.Balances = make(map[string]string, len(wallet.Balances))
		for asset, amount := range wallet.Balances {
			clone.Balances[asset] = amount
		}
	}
	return clone
}

// LatestAttempts 按序号筛选出每个步骤的最后一次尝试，评分以此为准。
// 输入无需有序，输出按序号升序排列。
func LatestAttempts(results []StepResult) []StepResult {
	latest := make(map[int]StepResult, len(results))
	for _, result := range results {
		current, ok := latest[result.Ordinal]
		if !ok || result.Attempt > current.Attempt {
			latest[result.Ordinal] = result
		}
	}
	maxOrdinal := -1
	for ordinal := range latest {
		if ordinal > maxOrdinal {
			maxOrdinal = ordinal
		}
	}
	ordered := make([]StepResult, 0, len(latest))
	for ordinal := 0; ordinal <= maxOrdinal; ordinal++ {
		if result, ok := latest[ordinal]; ok {
			ordered = append(ordered, result)
		}
	}
	return ordered
}
