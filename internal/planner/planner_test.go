package planner

import (
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/flow"
)

const (
	testWallet    = "0x1111111111111111111111111111111111111111"
	testRecipient = "0x2222222222222222222222222222222222222222"
)

func testRequest(raw string) Request {
	return Request{
		Raw:    raw,
		Wallet: flow.WalletContext{Address: testWallet, ChainID: "1337"},
	}
}

func TestPlanTransfer(t *testing.T) {
	p := New()
	plan, err := p.Plan(testRequest("send 1.5 eth to " + testRecipient))
	if err != nil {
		t.Fatalf("Plan 返回错误: %v", err)
	}
	if len(plan.Steps) != 1 {
		t.Fatalf("期望 1 个步骤, 得到 %d", len(plan.Steps))
	}
	step := plan.Steps[0]
	if step.ExpectedTool != "transfer" {
		t.Errorf("期望工具 transfer, 得到 %s", step.ExpectedTool)
	}
	if !step.Critical {
		t.Error("transfer 步骤应为关键步骤")
	}
	if got := step.Params["amount"]; got != "1500000000000000000" {
		t.Errorf("金额换算错误: %s", got)
	}
	if got := step.Params["to"]; got != testRecipient {
		t.Errorf("收款地址错误: %s", got)
	}
	if plan.Mode != flow.ModeStrict {
		t.Errorf("默认模式应为 strict, 得到 %s", plan.Mode)
	}
}

func TestPlanMultiIntent(t *testing.T) {
	p := New(WithDefaultProtocol("uniswap"))
	raw := "send 1 eth to " + testRecipient + ", then swap 2 eth for USDC, then deposit 1 eth into aave"
	plan, err := p.Plan(testRequest(raw))
	if err != nil {
		t.Fatalf("Plan 返回错误: %v", err)
	}
	if len(plan.Steps) != 3 {
		t.Fatalf("期望 3 个步骤, 得到 %d", len(plan.Steps))
	}
	tools := []string{"transfer", "swap", "deposit"}
	for i, want := range tools {
		if plan.Steps[i].ExpectedTool != want {
			t.Errorf("步骤 %d 期望 %s, 得到 %s", i, want, plan.Steps[i].ExpectedTool)
		}
		if plan.Steps[i].Ordinal != i {
			t.Errorf("步骤 %d 序号错误: %d", i, plan.Steps[i].Ordinal)
		}
	}
	if got := plan.Steps[1].Params["protocol"]; got != "uniswap" {
		t.Errorf("swap 应回落默认协议, 得到 %s", got)
	}
	if got := plan.Steps[2].Params["protocol"]; got != "aave" {
		t.Errorf("deposit 协议解析错误: %s", got)
	}
	// 顺序依赖：每个步骤依赖前一个。
	if len(plan.Steps[0].DependsOn) != 0 {
		t.Error("首步骤不应有依赖")
	}
	if got := plan.Steps[2].DependsOn; len(got) != 1 || got[0] != plan.Steps[1].ID {
		t.Errorf("步骤 2 依赖错误: %v", got)
	}
	if !strings.Contains(plan.RefinedRequest, "swap 2000000000000000000 wei into USDC") {
		t.Errorf("精炼请求缺少 swap 描述: %s", plan.RefinedRequest)
	}
}

func TestPlanBalanceNotCritical(t *testing.T) {
	p := New()
	plan, err := p.Plan(testRequest("check my balance"))
	if err != nil {
		t.Fatalf("Plan 返回错误: %v", err)
	}
	if plan.Steps[0].Critical {
		t.Error("balance 步骤不应为关键步骤")
	}
}

func TestPlanFailures(t *testing.T) {
	p := New()
	cases := []struct {
		name string
		raw  string
	}{
		{"空请求", "   "},
		{"无法识别", "make me a sandwich"},
		{"缺少金额", "send eth to " + testRecipient},
		{"缺少收款地址", "send 1 eth to my friend"},
		{"swap 缺少协议", "swap 1 eth for USDC"},
		{"deposit 缺少协议", "deposit 1 eth"},
		{"精度超过 wei", "send 0.0000000000000000001 eth to " + testRecipient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Plan(testRequest(tc.raw))
			if err == nil {
				t.Fatal("期望规划失败")
			}
			if xerrors.CodeOf(err) != flow.CodePlanningFailed {
				t.Errorf("期望 FLOW_PLANNING_FAILED, 得到 %s", xerrors.CodeOf(err))
			}
			if !errors.Is(err, flow.ErrPlanningFailed) {
				t.Error("错误链应包含 ErrPlanningFailed")
			}
		})
	}
}

func TestPlanMissingWallet(t *testing.T) {
	p := New()
	_, err := p.Plan(Request{Raw: "check my balance"})
	if err == nil {
		t.Fatal("缺少钱包时应规划失败")
	}
}

func TestPlanDeterministic(t *testing.T) {
	p := New()
	req := testRequest("send 1 eth to " + testRecipient)
	req.ID = "fixed-plan"
	first, err := p.Plan(req)
	if err != nil {
		t.Fatalf("Plan 返回错误: %v", err)
	}
	second, err := p.Plan(req)
	if err != nil {
		t.Fatalf("Plan 返回错误: %v", err)
	}
	if first.Steps[0].ID != second.Steps[0].ID || first.Steps[0].Params["amount"] != second.Steps[0].Params["amount"] {
		t.Error("同一请求应产出一致的计划")
	}
}

func TestWithStepTimeout(t *testing.T) {
	p := New(WithStepTimeout(3 * time.Second))
	plan, err := p.Plan(testRequest("check my balance"))
	if err != nil {
		t.Fatalf("Plan 返回错误: %v", err)
	}
	if plan.Steps[0].Timeout != 3*time.Second {
		t.Errorf("步骤时限错误: %v", plan.Steps[0].Timeout)
	}
}
