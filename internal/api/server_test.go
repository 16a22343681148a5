package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ChainFlow-Eval/internal/agent"
	"ChainFlow-Eval/internal/executor"
	"ChainFlow-Eval/internal/flow"
	"ChainFlow-Eval/internal/gateway"
	"ChainFlow-Eval/internal/planner"
	"ChainFlow-Eval/internal/recovery"
	"ChainFlow-Eval/internal/session"
	"ChainFlow-Eval/internal/web3"
)

const (
	testWallet = "0x1111111111111111111111111111111111111111"
	testFriend = "0x2222222222222222222222222222222222222222"
)

type okTools struct{}

func (okTools) Execute(context.Context, web3.ToolCall) (web3.ToolOutcome, error) {
	return web3.ToolOutcome{TxHash: "0xok", Output: "ok"}, nil
}

func (okTools) Snapshot(context.Context, []string) (web3.AccountSnapshot, error) {
	return web3.AccountSnapshot{Balances: map[string]string{testWallet: "100"}}, nil
}

func (okTools) Close() {}

func newTestServer(t *testing.T) (*Server, *session.MemoryStore) {
	t.Helper()
	store := session.NewMemoryStore()
	queue := session.NewMemoryQueue(8)
	engine := recovery.NewEngine(recovery.Config{BaseDelay: time.Millisecond, Budget: time.Second})
	exec := executor.New(agent.NewScriptedDecider(), okTools{}, store, engine, queue)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = session.NewConsolidator(store, queue).Run(ctx) }()
	t.Cleanup(cancel)

	gw := gateway.New(planner.New(), exec, store, okTools{},
		gateway.WithConsolidationWait(2*time.Second))
	return NewServer(Config{Addr: "127.0.0.1:0"}, gw, store), store
}

func TestHandleExecuteFlow(t *testing.T) {
	server, store := newTestServer(t)

	body := `{"request": "send 1 wei to ` + testFriend + `", "wallet": {"address": "` + testWallet + `"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/flows", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 得到 %d: %s", rec.Code, rec.Body.String())
	}
	var result gateway.ExecutionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Status != flow.ExecutionCompleted || result.ExecutionID == "" {
		t.Errorf("执行结果错误: %+v", result)
	}

	sess, err := store.GetSession(context.Background(), result.ExecutionID)
	if err != nil || sess.Status != flow.ExecutionCompleted {
		t.Errorf("会话未落库: %v %v", sess, err)
	}
}

func TestHandleExecuteFlowPlanningError(t *testing.T) {
	server, _ := newTestServer(t)

	body := `{"request": "defy gravity", "wallet": {"address": "` + testWallet + `"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/flows", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("规划失败应返回 400, 得到 %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "FLOW_PLANNING_FAILED") {
		t.Errorf("响应应携带错误码: %s", rec.Body.String())
	}
}

func TestHandleExecuteFlowBadJSON(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/flows", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("期望 400, 得到 %d", rec.Code)
	}
}

func TestHandleSessionEndpoints(t *testing.T) {
	server, store := newTestServer(t)
	err := store.CreateSession(context.Background(), &session.Session{
		ID: "exec-api", Status: flow.ExecutionCompleted, CreatedAt: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/exec-api", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 得到 %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("未知会话应 404, 得到 %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions?status=completed", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "exec-api") {
		t.Errorf("列表查询错误: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/exec-api/consolidated", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("未归并会话应 404, 得到 %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "total") {
		t.Errorf("统计查询错误: %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandleHealthAndMetrics(t *testing.T) {
	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("健康检查失败: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("指标端点失败: %d", rec.Code)
	}
}
