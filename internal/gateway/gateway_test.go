package gateway

import (
	"context"
	"strings"
	"testing"
	"time"

	"ChainFlow-Eval/internal/agent"
	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/executor"
	"ChainFlow-Eval/internal/flow"
	"ChainFlow-Eval/internal/planner"
	"ChainFlow-Eval/internal/recovery"
	"ChainFlow-Eval/internal/session"
	"ChainFlow-Eval/internal/validator"
	"ChainFlow-Eval/internal/web3"
)

const (
	walletAddr = "0x1111111111111111111111111111111111111111"
	friendAddr = "0x2222222222222222222222222222222222222222"
)

type stubTools struct {
	balances map[string]string
}

func (s *stubTools) Execute(_ context.Context, call web3.ToolCall) (web3.ToolOutcome, error) {
	return web3.ToolOutcome{TxHash: "0xdead", Output: "ok: " + string(call.Kind)}, nil
}

func (s *stubTools) Snapshot(context.Context, []string) (web3.AccountSnapshot, error) {
	return web3.AccountSnapshot{ChainID: "1337", Balances: s.balances}, nil
}

func (s *stubTools) Close() {}

type fixture struct {
	gateway *Gateway
	store   *session.MemoryStore
	cancel  context.CancelFunc
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := session.NewMemoryStore()
	queue := session.NewMemoryQueue(8)
	tools := &stubTools{balances: map[string]string{walletAddr: "500"}}
	engine := recovery.NewEngine(recovery.Config{BaseDelay: time.Millisecond, Budget: time.Second})
	exec := executor.New(agent.NewScriptedDecider(), tools, store, engine, queue)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = session.NewConsolidator(store, queue).Run(ctx) }()
	t.Cleanup(cancel)

	base := []Option{
		WithConsolidationWait(2 * time.Second),
		WithBundles(map[string]validator.Bundle{
			"transfer-basic": {
				Name: "transfer-basic",
				Instruction: []validator.InstructionAssertion{
					{Ordinal: 0, Tool: "transfer", Weight: 1.0},
				},
				Outcome: []validator.OutcomeAssertion{
					{Kind: validator.KindBalanceAtLeast, Key: walletAddr, Amount: "100", Weight: 1.0},
				},
			},
		}),
	}
	g := New(planner.New(), exec, store, tools, append(base, opts...)...)
	return &fixture{gateway: g, store: store, cancel: cancel}
}

func TestExecuteFlowScored(t *testing.T) {
	f := newFixture(t)
	result, err := f.gateway.ExecuteFlow(context.Background(), FlowRequest{
		Request: "send 1 wei to " + friendAddr,
		Wallet:  flow.WalletContext{Address: walletAddr, ChainID: "1337"},
		Bundle:  "transfer-basic",
	})
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if result.Status != flow.ExecutionCompleted {
		t.Errorf("期望 completed, 得到 %s", result.Status)
	}
	if result.Score == nil || *result.Score != 1.0 {
		t.Errorf("期望满分, 得到 %v", result.Score)
	}
	if result.Consolidated == nil || result.Consolidated.StepCount != 1 {
		t.Errorf("归并汇总错误: %+v", result.Consolidated)
	}

	sess, err := f.store.GetSession(context.Background(), result.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Score == nil || *sess.Score != 1.0 {
		t.Errorf("会话得分未写入: %+v", sess)
	}
}

func TestExecuteFlowWithoutBundle(t *testing.T) {
	f := newFixture(t)
	result, err := f.gateway.ExecuteFlow(context.Background(), FlowRequest{
		Request: "send 1 wei to " + friendAddr,
		Wallet:  flow.WalletContext{Address: walletAddr},
	})
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if result.Score != nil {
		t.Errorf("未指定标准答案时不应评分: %v", *result.Score)
	}
	if result.Validation != nil {
		t.Error("未指定标准答案时不应有校验明细")
	}
}

func TestExecuteFlowUnknownBundle(t *testing.T) {
	f := newFixture(t)
	_, err := f.gateway.ExecuteFlow(context.Background(), FlowRequest{
		Request: "send 1 wei to " + friendAddr,
		Wallet:  flow.WalletContext{Address: walletAddr},
		Bundle:  "ghost",
	})
	if err == nil {
		t.Fatal("未知标准答案包应同步失败")
	}
	if code := xerrors.CodeOf(err); code != flow.CodeGroundTruthConfig {
		t.Errorf("期望 GROUND_TRUTH_CONFIG, 得到 %s", code)
	}
	// 同步失败不产生会话。
	if sessions, _ := f.store.ListSessions(context.Background(), session.ListOptions{}); len(sessions) != 0 {
		t.Errorf("不应产生会话: %d", len(sessions))
	}
}

func TestExecuteFlowPlanningFailure(t *testing.T) {
	f := newFixture(t)
	_, err := f.gateway.ExecuteFlow(context.Background(), FlowRequest{
		Request: "do something vague",
		Wallet:  flow.WalletContext{Address: walletAddr},
	})
	if err == nil {
		t.Fatal("规划失败应同步返回")
	}
	if code := xerrors.CodeOf(err); code != flow.CodePlanningFailed {
		t.Errorf("期望 FLOW_PLANNING_FAILED, 得到 %s", code)
	}
	if sessions, _ := f.store.ListSessions(context.Background(), session.ListOptions{}); len(sessions) != 0 {
		t.Errorf("规划失败不应产生会话: %d", len(sessions))
	}
}

func TestExecuteFlowConsolidationTimeoutScoresZero(t *testing.T) {
	f := newFixture(t, WithConsolidationWait(80*time.Millisecond))
	// 先停掉归并器，让等待必然超时。
	f.cancel()
	time.Sleep(10 * time.Millisecond)

	result, err := f.gateway.ExecuteFlow(context.Background(), FlowRequest{
		Request: "send 1 wei to " + friendAddr,
		Wallet:  flow.WalletContext{Address: walletAddr},
		Bundle:  "transfer-basic",
	})
	if err != nil {
		t.Fatalf("归并超时不是同步失败: %v", err)
	}
	if result.Score == nil || *result.Score != 0.0 {
		t.Errorf("归并超时应记零分: %v", result.Score)
	}
	if result.Error == "" {
		t.Error("结果应携带归并失败原因")
	}

	sess, _ := f.store.GetSession(context.Background(), result.ExecutionID)
	if sess.Score == nil || *sess.Score != 0.0 {
		t.Errorf("零分未写入会话: %+v", sess)
	}
}

type failingTools struct {
	stubTools
}

func (f *failingTools) Execute(context.Context, web3.ToolCall) (web3.ToolOutcome, error) {
	return web3.ToolOutcome{}, xerrors.New(xerrors.CodeToolFailure, "insufficient funds")
}

func TestExecuteFlowConsolidationTimeoutKeepsAbortCause(t *testing.T) {
	store := session.NewMemoryStore()
	queue := session.NewMemoryQueue(8)
	tools := &failingTools{}
	engine := recovery.NewEngine(recovery.Config{BaseDelay: time.Millisecond, Budget: time.Second})
	exec := executor.New(agent.NewScriptedDecider(), tools, store, engine, queue)
	// 不启动归并器，等待必然超时。
	g := New(planner.New(), exec, store, tools, WithConsolidationWait(80*time.Millisecond))

	result, err := g.ExecuteFlow(context.Background(), FlowRequest{
		Request: "send 1 wei to " + friendAddr,
		Wallet:  flow.WalletContext{Address: walletAddr},
	})
	if err != nil {
		t.Fatalf("归并超时不是同步失败: %v", err)
	}
	if result.Status != flow.ExecutionAborted {
		t.Fatalf("期望 aborted, 得到 %s", result.Status)
	}
	// 中止原因与归并失败原因都应保留。
	if !strings.Contains(result.Error, "insufficient funds") {
		t.Errorf("中止原因被丢弃: %q", result.Error)
	}
	if !strings.Contains(result.Error, "等待归并超时") {
		t.Errorf("归并失败原因缺失: %q", result.Error)
	}

	sess, _ := store.GetSession(context.Background(), result.ExecutionID)
	if !strings.Contains(sess.Error, "insufficient funds") {
		t.Errorf("会话里的中止原因被覆盖: %q", sess.Error)
	}
}

func TestExecuteFlowInvalidMode(t *testing.T) {
	f := newFixture(t)
	_, err := f.gateway.ExecuteFlow(context.Background(), FlowRequest{
		Request: "send 1 wei to " + friendAddr,
		Wallet:  flow.WalletContext{Address: walletAddr},
		Mode:    "halfway",
	})
	if err == nil {
		t.Fatal("非法原子模式应同步失败")
	}
}
