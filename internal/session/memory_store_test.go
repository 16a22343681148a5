package session

import (
	"context"
	"testing"

	xerrors "ChainFlow-Eval/internal/errors"
	"ChainFlow-Eval/internal/flow"
)

func newTestSession(id string) *Session {
	return &Session{
		ID:        id,
		PlanID:    "plan-" + id,
		Request:   "send 1 eth",
		Mode:      flow.ModeStrict,
		Status:    flow.ExecutionRunning,
		CreatedAt: 1000,
	}
}

func TestMemoryStoreSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	if err := store.CreateSession(ctx, newTestSession("exec-1")); err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}
	if err := store.CreateSession(ctx, newTestSession("exec-1")); err == nil {
		t.Error("重复创建应失败")
	}

	score := 0.75
	if err := store.FinalizeSession(ctx, "exec-1", flow.ExecutionCompleted, &score, ""); err != nil {
		t.Fatalf("终结会话失败: %v", err)
	}
	sess, err := store.GetSession(ctx, "exec-1")
	if err != nil {
		t.Fatalf("读取会话失败: %v", err)
	}
	if sess.Status != flow.ExecutionCompleted || sess.Score == nil || *sess.Score != 0.75 {
		t.Errorf("终态写入错误: %+v", sess)
	}
	if sess.FinishedAt == 0 {
		t.Error("终结时间未写入")
	}

	if _, err := store.GetSession(ctx, "ghost"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Errorf("未知会话应返回 NOT_FOUND, 得到 %v", err)
	}
}

func TestMemoryStoreAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()
	if err := store.CreateSession(ctx, newTestSession("exec-2")); err != nil {
		t.Fatal(err)
	}

	first := flow.StepResult{StepID: "s0", Ordinal: 0, Attempt: 0, Tool: "swap", Status: flow.StepFailed}
	if err := store.AppendStep(ctx, "exec-2", first); err != nil {
		t.Fatalf("写入步骤失败: %v", err)
	}
	// 同一 (序号, 尝试) 不可重复写入。
	if err := store.AppendStep(ctx, "exec-2", first); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Errorf("重复写入应被拒绝, 得到 %v", err)
	}
	// 重试以新的尝试序号追加。
	retry := first
	retry.Attempt = 1
	retry.Status = flow.StepSuccess
	if err := store.AppendStep(ctx, "exec-2", retry); err != nil {
		t.Fatalf("追加重试结果失败: %v", err)
	}

	steps, err := store.ListSteps(ctx, "exec-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 {
		t.Fatalf("应保留全部尝试, 得到 %d", len(steps))
	}
	latest := flow.LatestAttempts(steps)
	if len(latest) != 1 || latest[0].Status != flow.StepSuccess {
		t.Errorf("权威结果应为最新尝试: %+v", latest)
	}

	bogus := flow.StepResult{StepID: "s1", Ordinal: 1, Status: flow.StepStatus("weird")}
	if err := store.AppendStep(ctx, "exec-2", bogus); err == nil {
		t.Error("非法状态应被拒绝")
	}
}

func TestMemoryStoreListAndStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.CreateSession(ctx, newTestSession(id)); err != nil {
			t.Fatal(err)
		}
	}
	score := 0.5
	if err := store.FinalizeSession(ctx, "a", flow.ExecutionCompleted, &score, ""); err != nil {
		t.Fatal(err)
	}
	if err := store.FinalizeSession(ctx, "b", flow.ExecutionAborted, nil, "步骤失败"); err != nil {
		t.Fatal(err)
	}

	all, err := store.ListSessions(ctx, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Errorf("列表应按创建倒序: %+v", all)
	}

	aborted, err := store.ListSessions(ctx, ListOptions{Status: flow.ExecutionAborted})
	if err != nil {
		t.Fatal(err)
	}
	if len(aborted) != 1 || aborted[0].ID != "b" {
		t.Errorf("状态过滤错误: %+v", aborted)
	}

	paged, err := store.ListSessions(ctx, ListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(paged) != 1 || paged[0].ID != "b" {
		t.Errorf("分页错误: %+v", paged)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.ByStatus[flow.ExecutionCompleted] != 1 {
		t.Errorf("统计错误: %+v", stats)
	}
	if stats.AverageScore != 0.5 {
		t.Errorf("平均得分错误: %v", stats.AverageScore)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()
	if err := store.CreateSession(ctx, newTestSession("exec-3")); err != nil {
		t.Fatal(err)
	}
	sess, _ := store.GetSession(ctx, "exec-3")
	sess.Status = flow.ExecutionAborted

	again, _ := store.GetSession(ctx, "exec-3")
	if again.Status != flow.ExecutionRunning {
		t.Error("读取结果被外部修改污染")
	}
}
