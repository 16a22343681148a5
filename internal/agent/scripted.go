package agent

import (
	"context"
	"strings"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/web3"
)

// ScriptedDecider 按计划照本宣科：采用步骤的期望工具与规划参数。
// 既是回归基线，也用于在无真实模型时走通整条评估链路。
type ScriptedDecider struct {
	// Overrides 按步骤 ID 覆盖决策，用于构造偏离计划的场景。
	Overrides map[string]web3.ToolCall
}

// NewScriptedDecider 创建照本宣科的智能体。
func NewScriptedDecider() *ScriptedDecider {
	return &ScriptedDecider{Overrides: map[string]web3.ToolCall{}}
}

// Decide 实现 Decider。
func (d *ScriptedDecider) Decide(_ context.Context, sc StepContext) (Decision, error) {
	if d != nil && d.Overrides != nil {
		if call, ok := d.Overrides[sc.Step.ID]; ok {
			return Decision{Call: call, Rationale: "scripted override"}, nil
		}
	}

	kind, err := web3.ParseToolKind(sc.Step.ExpectedTool)
	if err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeAgentFailure, err, "步骤缺少可执行的期望工具: "+sc.Step.ID)
	}
	call := web3.ToolCall{
		Kind:     kind,
		From:     sc.Wallet.Address,
		To:       sc.Step.Params["to"],
		Asset:    sc.Step.Params["asset"],
		Amount:   sc.Step.Params["amount"],
		Protocol: sc.Step.Params["protocol"],
	}
	if from := strings.TrimSpace(sc.Step.Params["from"]); from != "" {
		call.From = from
	}
	return Decision{Call: call, Rationale: "follow plan"}, nil
}

var _ Decider = (*ScriptedDecider)(nil)
