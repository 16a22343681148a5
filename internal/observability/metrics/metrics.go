package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Registry 维护一组计数器，以文本格式暴露给抓取端。
type Registry struct {
	mu       sync.RWMutex
	counters map[string]uint64
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]uint64)}
}

var defaultRegistry = NewRegistry()

// Default 返回进程级默认注册表。
func Default() *Registry { return defaultRegistry }

// Inc 给计数器加一。labels 成对出现 (键, 值)。
func (r *Registry) Inc(name string, labels ...string) {
	r.Add(name, 1, labels...)
}

// Add 给计数器加 delta。
func (r *Registry) Add(name string, delta uint64, labels ...string) {
	key := seriesKey(name, labels)
	r.mu.Lock()
	r.counters[key] += delta
	r.mu.Unlock()
}

// Value 返回计数器当前值，主要供测试使用。
func (r *Registry) Value(name string, labels ...string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[seriesKey(name, labels)]
}

func seriesKey(name string, labels []string) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		pairs = append(pairs, fmt.Sprintf("%s=%q", labels[i], labels[i+1]))
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

// Handler 返回文本格式的抓取端点。
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		r.mu.RLock()
		lines := make([]string, 0, len(r.counters))
		for key, value := range r.counters {
			lines = append(lines, fmt.Sprintf("%s %d", key, value))
		}
		r.mu.RUnlock()
		sort.Strings(lines)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(strings.Join(lines, "\n") + "\n"))
	})
}

// 系统暴露的指标名。
const (
	FlowsTotal          = "chainflow_flows_total"
	StepsTotal          = "chainflow_steps_total"
	RecoveriesTotal     = "chainflow_recoveries_total"
	ConsolidationsTotal = "chainflow_consolidations_total"
)
