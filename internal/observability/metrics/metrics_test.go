package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistryCounters(t *testing.T) {
	reg := NewRegistry()
	reg.Inc(FlowsTotal, "status", "success")
	reg.Inc(FlowsTotal, "status", "success")
	reg.Add(StepsTotal, 3, "result", "ok")

	if got := reg.Value(FlowsTotal, "status", "success"); got != 2 {
		t.Fatalf("计数 = %d, 期望 2", got)
	}
	if got := reg.Value(StepsTotal, "result", "ok"); got != 3 {
		t.Fatalf("计数 = %d, 期望 3", got)
	}
	if got := reg.Value(FlowsTotal, "status", "failed"); got != 0 {
		t.Fatalf("未计数的序列应为 0, 实际 %d", got)
	}
}

func TestSeriesKeyLabelOrderInsensitive(t *testing.T) {
	reg := NewRegistry()
	reg.Inc(RecoveriesTotal, "strategy", "retry", "outcome", "recovered")
	if got := reg.Value(RecoveriesTotal, "outcome", "recovered", "strategy", "retry"); got != 1 {
		t.Fatalf("标签顺序不同应命中同一序列, 实际 %d", got)
	}
}

func TestHandlerRendersSortedText(t *testing.T) {
	reg := NewRegistry()
	reg.Inc(StepsTotal, "result", "ok")
	reg.Inc(ConsolidationsTotal, "result", "ok")

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Result().Body)
	text := string(body)
	if !strings.Contains(text, ConsolidationsTotal) || !strings.Contains(text, StepsTotal) {
		t.Fatalf("输出缺少指标: %s", text)
	}
	if strings.Index(text, ConsolidationsTotal) > strings.Index(text, StepsTotal) {
		t.Fatalf("输出应按名称排序: %s", text)
	}
}
