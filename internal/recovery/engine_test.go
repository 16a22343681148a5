package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/flow"
)

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func testStep() flow.FlowStep {
	return flow.FlowStep{
		ID:           "plan-s0",
		Ordinal:      0,
		Description:  "swap 1 eth for USDC on uniswap",
		ExpectedTool: "swap",
		Critical:     true,
		Params:       map[string]string{"asset": "USDC", "amount": "1000000000000000000", "protocol": "uniswap"},
	}
}

func transientErr(msg string) error {
	return xerrors.Wrap(flow.CodeStepTransient, flow.ErrStepTransient, msg)
}

func permanentErr(msg string) error {
	return xerrors.Wrap(flow.CodeStepPermanent, flow.ErrStepPermanent, msg)
}

func TestRecoverRetrySucceeds(t *testing.T) {
	e := NewEngine(Config{})
	e.sleep = noSleep

	calls := 0
	run := func(_ context.Context, step flow.FlowStep, attempt int) (flow.StepResult, error) {
		calls++
		if attempt != calls {
			t.Errorf("尝试序号应递增: attempt=%d calls=%d", attempt, calls)
		}
		if calls < 2 {
			return flow.StepResult{}, transientErr("rpc 超时")
		}
		return flow.StepResult{StepID: step.ID, Attempt: attempt, Status: flow.StepSuccess}, nil
	}

	result, attempts, err := e.Recover(context.Background(), e.NewBudget(), "exec-1", testStep(), transientErr("首次失败"), run)
	if err != nil {
		t.Fatalf("恢复应成功: %v", err)
	}
	if result.Status != flow.StepSuccess || result.Attempt != 2 {
		t.Errorf("恢复结果错误: %+v", result)
	}
	if len(attempts) != 2 {
		t.Fatalf("期望 2 条恢复记录, 得到 %d", len(attempts))
	}
	for _, a := range attempts {
		if a.Strategy != StrategyRetry {
			t.Errorf("期望 retry 策略, 得到 %s", a.Strategy)
		}
	}
	if attempts[0].Outcome != flow.RecoveryExhausted || attempts[1].Outcome != flow.RecoveryRecovered {
		t.Errorf("恢复记录结论错误: %+v", attempts)
	}
}

func TestRecoverPermanentSkipsRetry(t *testing.T) {
	e := NewEngine(Config{})
	e.sleep = noSleep

	var strategies []string
	run := func(_ context.Context, step flow.FlowStep, attempt int) (flow.StepResult, error) {
		if step.Params["protocol"] != "sushiswap" {
			t.Errorf("替代步骤应切换协议, 得到 %s", step.Params["protocol"])
		}
		return flow.StepResult{StepID: step.ID, Attempt: attempt, Status: flow.StepSuccess}, nil
	}

	_, attempts, err := e.Recover(context.Background(), e.NewBudget(), "exec-2", testStep(),
		permanentErr("liquidity exceeded on uniswap"), run)
	if err != nil {
		t.Fatalf("替代策略应成功: %v", err)
	}
	for _, a := range attempts {
		strategies = append(strategies, a.Strategy)
	}
	if len(strategies) != 1 || strategies[0] != StrategyAlternative {
		t.Errorf("永久错误应直达替代策略, 得到 %v", strategies)
	}
	if attempts[0].Substitute == nil || attempts[0].Substitute.ID != "plan-s0-alt" {
		t.Errorf("恢复记录应携带替代步骤: %+v", attempts[0])
	}
}

func TestRecoverExhausted(t *testing.T) {
	e := NewEngine(Config{MaxAttempts: 3})
	e.sleep = noSleep

	run := func(_ context.Context, _ flow.FlowStep, _ int) (flow.StepResult, error) {
		return flow.StepResult{}, transientErr("liquidity exceeded")
	}

	_, attempts, err := e.Recover(context.Background(), e.NewBudget(), "exec-3", testStep(), transientErr("liquidity exceeded"), run)
	if err == nil {
		t.Fatal("期望恢复耗尽")
	}
	if !errors.Is(err, flow.ErrRecoveryExhausted) && xerrors.CodeOf(err) != flow.CodeRecoveryExhausted {
		t.Errorf("期望 RECOVERY_EXHAUSTED, 得到 %v", err)
	}
	// 2 次重试（首次之外）+ 1 次替代 = 3 条记录。
	if len(attempts) != 3 {
		t.Fatalf("期望 3 条恢复记录, 得到 %d: %+v", len(attempts), attempts)
	}
	if attempts[0].Strategy != StrategyRetry || attempts[2].Strategy != StrategyAlternative {
		t.Errorf("策略顺序错误: %+v", attempts)
	}
}

func TestRecoverBudgetStopsRetries(t *testing.T) {
	e := NewEngine(Config{Budget: 1500 * time.Millisecond})
	e.sleep = noSleep

	calls := 0
	run := func(_ context.Context, _ flow.FlowStep, _ int) (flow.StepResult, error) {
		calls++
		return flow.StepResult{}, transientErr("仍在失败")
	}

	step := testStep()
	step.ExpectedTool = "transfer" // 无替代规则可用
	_, _, err := e.Recover(context.Background(), e.NewBudget(), "exec-4", step, transientErr("首次失败"), run)
	if err == nil {
		t.Fatal("期望恢复耗尽")
	}
	// 预算 1.5s 只够第一次 1s 的退避，第二次 2s 被拒。
	if calls != 1 {
		t.Errorf("预算应只放行一次重试, 实际 %d 次", calls)
	}
}

func TestRecoverChargesAttemptTime(t *testing.T) {
	e := NewEngine(Config{MaxAttempts: 2, Budget: time.Minute})
	e.sleep = noSleep
	clock := time.Unix(0, 0)
	e.now = func() time.Time {
		clock = clock.Add(250 * time.Millisecond)
		return clock
	}

	run := func(_ context.Context, step flow.FlowStep, attempt int) (flow.StepResult, error) {
		return flow.StepResult{StepID: step.ID, Attempt: attempt, Status: flow.StepSuccess}, nil
	}

	budget := e.NewBudget()
	if _, _, err := e.Recover(context.Background(), budget, "exec-7", testStep(), transientErr("rpc 超时"), run); err != nil {
		t.Fatalf("恢复应成功: %v", err)
	}
	// 尝试本身的耗时也计入预算，扣减必须超过单纯的退避等待。
	spent := time.Minute - budget.Remaining()
	if spent <= Delay(e.Config(), 0) {
		t.Errorf("预算扣减 %v, 应包含尝试耗时", spent)
	}
}

func TestRecoverExhaustedBudgetSkipsAllStrategies(t *testing.T) {
	asked := false
	answerer := AnswererFunc(func(_ context.Context, _ string) (string, error) {
		asked = true
		return "{}", nil
	})
	e := NewEngine(Config{EnableUserFulfillment: true}, WithAnswerer(answerer))
	e.sleep = noSleep

	calls := 0
	run := func(_ context.Context, _ flow.FlowStep, _ int) (flow.StepResult, error) {
		calls++
		return flow.StepResult{}, permanentErr("liquidity exceeded")
	}

	// 失败指纹本可命中替代规则，但预算已耗尽，三种策略都不应发起。
	_, attempts, err := e.Recover(context.Background(), NewBudget(0), "exec-8", testStep(),
		permanentErr("liquidity exceeded"), run)
	if err == nil {
		t.Fatal("期望恢复耗尽")
	}
	if calls != 0 {
		t.Errorf("预算耗尽后不应再执行, 实际 %d 次", calls)
	}
	if asked {
		t.Error("预算耗尽后不应触发用户补全")
	}
	if len(attempts) != 0 {
		t.Errorf("不应产生恢复记录: %+v", attempts)
	}
}

func TestRecoverUserFulfillment(t *testing.T) {
	answerer := AnswererFunc(func(_ context.Context, question string) (string, error) {
		if question == "" {
			t.Error("问题不应为空")
		}
		return `{"protocol":"curve"}`, nil
	})
	e := NewEngine(Config{EnableUserFulfillment: true}, WithAnswerer(answerer))
	e.sleep = noSleep

	run := func(_ context.Context, step flow.FlowStep, attempt int) (flow.StepResult, error) {
		if step.Params["protocol"] == "curve" {
			return flow.StepResult{StepID: step.ID, Attempt: attempt, Status: flow.StepSuccess}, nil
		}
		return flow.StepResult{}, permanentErr("unsupported pair")
	}

	_, attempts, err := e.Recover(context.Background(), e.NewBudget(), "exec-5", testStep(), permanentErr("unsupported pair"), run)
	if err != nil {
		t.Fatalf("用户补全应成功: %v", err)
	}
	last := attempts[len(attempts)-1]
	if last.Strategy != StrategyUserFulfillment || last.Outcome != flow.RecoveryRecovered {
		t.Errorf("末条记录应为成功的用户补全: %+v", last)
	}
	if last.Answer != `{"protocol":"curve"}` {
		t.Errorf("记录应保留用户回答: %s", last.Answer)
	}
}

func TestRecoverUserFulfillmentDisabledByDefault(t *testing.T) {
	asked := false
	answerer := AnswererFunc(func(_ context.Context, _ string) (string, error) {
		asked = true
		return "{}", nil
	})
	e := NewEngine(Config{}, WithAnswerer(answerer))
	e.sleep = noSleep

	run := func(_ context.Context, _ flow.FlowStep, _ int) (flow.StepResult, error) {
		return flow.StepResult{}, permanentErr("unsupported pair")
	}
	step := testStep()
	step.ExpectedTool = "transfer"
	_, _, err := e.Recover(context.Background(), e.NewBudget(), "exec-6", step, permanentErr("unsupported pair"), run)
	if err == nil {
		t.Fatal("期望恢复耗尽")
	}
	if asked {
		t.Error("默认配置下不应触发用户补全")
	}
}

func TestCatalogFind(t *testing.T) {
	catalog := NewCatalog()
	step := testStep()

	substitute, ok := catalog.Find(step, "执行失败: Liquidity Exceeded")
	if !ok {
		t.Fatal("应命中内置规则")
	}
	if substitute.Params["protocol"] != "sushiswap" {
		t.Errorf("替代协议错误: %s", substitute.Params["protocol"])
	}
	if substitute.Ordinal != step.Ordinal {
		t.Error("替代步骤应保持原序号")
	}
	// 原步骤参数不被就地修改。
	if step.Params["protocol"] != "uniswap" {
		t.Error("原步骤被意外修改")
	}

	if _, ok := catalog.Find(step, "completely novel failure"); ok {
		t.Error("未知指纹不应命中")
	}
	transfer := step
	transfer.ExpectedTool = "transfer"
	if _, ok := catalog.Find(transfer, "liquidity exceeded"); ok {
		t.Error("工具不匹配时不应命中")
	}
}
