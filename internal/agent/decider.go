package agent

import (
	"context"

	"ChainFlow-Eval/internal/flow"
	"ChainFlow-Eval/internal/web3"
)

// StepContext 是乒乓回合里传给智能体的一回合上下文：当前步骤、
// 钱包快照与此前步骤的结果。智能体只能看到这些信息。
type StepContext struct {
	ExecutionID string
	Request     string
	Wallet      flow.WalletContext
	Step        flow.FlowStep
	Attempt     int
	History     []flow.StepResult
	LastError   string
}

// Decision 是智能体对一个步骤给出的工具调用决定。
type Decision struct {
	Call      web3.ToolCall
	Rationale string
}

// Decider 抽象被评估的智能体。实现方决定调用哪个工具、带什么参数；
// 编排器负责执行并把结果喂回下一回合。
type Decider interface {
	Decide(ctx context.Context, sc StepContext) (Decision, error)
}
