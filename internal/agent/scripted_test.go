package agent

import (
	"context"
	"testing"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/flow"
	"ChainFlow-Eval/internal/web3"
)

func TestScriptedDeciderFollowsPlan(t *testing.T) {
	decider := NewScriptedDecider()
	decision, err := decider.Decide(context.Background(), StepContext{
		ExecutionID: "exec-1",
		Wallet:      flow.WalletContext{Address: "0xabc"},
		Step: flow.FlowStep{
			ID:           "plan-s1",
			ExpectedTool: "transfer",
			Params: map[string]string{
				"to":     "0xdef",
				"amount": "1000",
			},
		},
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Call.Kind != web3.ToolTransfer {
		t.Fatalf("工具 = %s, 期望 transfer", decision.Call.Kind)
	}
	if decision.Call.From != "0xabc" || decision.Call.To != "0xdef" || decision.Call.Amount != "1000" {
		t.Fatalf("调用参数不符: %+v", decision.Call)
	}
}

func TestScriptedDeciderFromOverride(t *testing.T) {
	decider := NewScriptedDecider()
	decision, err := decider.Decide(context.Background(), StepContext{
		Wallet: flow.WalletContext{Address: "0xabc"},
		Step: flow.FlowStep{
			ID:           "plan-s1",
			ExpectedTool: "balance",
			Params:       map[string]string{"from": "0x999"},
		},
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Call.From != "0x999" {
		t.Fatalf("from = %s, 期望参数覆盖钱包地址", decision.Call.From)
	}
}

func TestScriptedDeciderStepOverride(t *testing.T) {
	decider := NewScriptedDecider()
	decider.Overrides["plan-s1"] = web3.ToolCall{Kind: web3.ToolSwap, Protocol: "curve"}

	decision, err := decider.Decide(context.Background(), StepContext{
		Wallet: flow.WalletContext{Address: "0xabc"},
		Step:   flow.FlowStep{ID: "plan-s1", ExpectedTool: "transfer"},
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Call.Kind != web3.ToolSwap || decision.Call.Protocol != "curve" {
		t.Fatalf("覆盖未生效: %+v", decision.Call)
	}
}

func TestScriptedDeciderUnknownTool(t *testing.T) {
	decider := NewScriptedDecider()
	_, err := decider.Decide(context.Background(), StepContext{
		Wallet: flow.WalletContext{Address: "0xabc"},
		Step:   flow.FlowStep{ID: "plan-s1", ExpectedTool: "teleport"},
	})
	if err == nil {
		t.Fatal("未知工具应当返回错误")
	}
	if xerrors.CodeOf(err) != xerrors.CodeAgentFailure {
		t.Fatalf("错误码 = %s, 期望 AGENT_FAILURE", xerrors.CodeOf(err))
	}
}

func TestParseModelDecisionTolerantOfProse(t *testing.T) {
	parsed, err := parseModelDecision(`Sure, here is the call: {"tool":"swap","asset":"USDC","amount":"5","protocol":"uniswap"} hope it helps`)
	if err != nil {
		t.Fatalf("parseModelDecision: %v", err)
	}
	if parsed.Tool != "swap" || parsed.Asset != "USDC" {
		t.Fatalf("解析结果不符: %+v", parsed)
	}
}

func TestParseModelDecisionRejectsNonJSON(t *testing.T) {
	if _, err := parseModelDecision("I cannot help with that"); err == nil {
		t.Fatal("无 JSON 的输出应当解析失败")
	}
}
