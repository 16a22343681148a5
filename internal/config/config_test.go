package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("默认监听地址错误: %s", cfg.Server.Addr())
	}
	if cfg.Store.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Errorf("默认驱动错误: %s %s", cfg.Store.Driver, cfg.Queue.Driver)
	}
	if cfg.Agent.Provider != "scripted" {
		t.Errorf("默认智能体错误: %s", cfg.Agent.Provider)
	}
	if cfg.Execution.ConsolidationWait() != 60*time.Second {
		t.Errorf("默认归并等待错误: %v", cfg.Execution.ConsolidationWait())
	}
}

func TestLoadFullConfig(t *testing.T) {
	content := `{
		"server": {"host": "127.0.0.1", "port": 9090},
		"store": {"driver": "sqlite", "sqlite": {"path": "/tmp/chainflow.db"}},
		"queue": {"driver": "redis", "redis": {"addr": "localhost:6379"}},
		"agent": {"provider": "langchain", "model": "gpt-4o-mini", "temperature": 0.2},
		"recovery": {"base_delay_ms": 500, "max_attempts": 5},
		"execution": {"step_timeout_ms": 3000, "default_protocol": "uniswap"}
	}`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.Server.Addr() != "127.0.0.1:9090" {
		t.Errorf("监听地址错误: %s", cfg.Server.Addr())
	}
	engine := cfg.Recovery.EngineConfig()
	if engine.BaseDelay != 500*time.Millisecond || engine.MaxAttempts != 5 {
		t.Errorf("恢复配置转换错误: %+v", engine)
	}
	if cfg.Execution.StepTimeout() != 3*time.Second {
		t.Errorf("步骤时限错误: %v", cfg.Execution.StepTimeout())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"未知存储驱动", `{"store": {"driver": "etcd"}}`},
		{"未知队列驱动", `{"queue": {"driver": "kafka"}}`},
		{"未知智能体", `{"agent": {"provider": "psychic"}}`},
		{"mysql 缺少 DSN", `{"store": {"driver": "mysql"}}`},
		{"sqlite 缺少路径", `{"store": {"driver": "sqlite"}}`},
		{"JSON 损坏", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Fatal("期望加载失败")
			}
		})
	}
}

func TestLoadEnvFallback(t *testing.T) {
	path := writeConfig(t, `{"server": {"port": 7070}}`)
	t.Setenv(EnvConfigPath, path)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("应读取环境变量指定的配置: %d", cfg.Server.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "ghost.json")); err == nil {
		t.Fatal("缺失文件应报错")
	}
}
