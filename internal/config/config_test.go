package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aegis.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"auth":{"secret":"s3cret"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("默认监听地址不符: %s", cfg.Server.Address)
	}
	if cfg.Storage.OperationStore.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Fatalf("默认驱动不符: %s/%s", cfg.Storage.OperationStore.Driver, cfg.Queue.Driver)
	}
	if cfg.Auth.Mode != "token" {
		t.Fatalf("默认鉴权模式不符: %s", cfg.Auth.Mode)
	}
	if cfg.Auth.SessionTTL.Std() != 24*time.Hour {
		t.Fatalf("默认会话时长不符: %v", cfg.Auth.SessionTTL.Std())
	}
	if cfg.Executor.MaxAttempts != 3 || cfg.Executor.RetryDelay.Std() != time.Second {
		t.Fatalf("默认重试策略不符: %d/%v", cfg.Executor.MaxAttempts, cfg.Executor.RetryDelay.Std())
	}
	if !filepath.IsAbs(cfg.Runtime.DataDir) {
		t.Fatalf("数据目录应为绝对路径: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadParsesDurationStrings(t *testing.T) {
	path := writeConfig(t, `{
  "auth": {"secret": "s3cret", "session_ttl": "2h", "sweep_interval": "30s"},
  "executor": {"max_attempts": 5, "retry_delay": "250ms"}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Auth.SessionTTL.Std() != 2*time.Hour {
		t.Fatalf("会话时长不符: %v", cfg.Auth.SessionTTL.Std())
	}
	if cfg.Auth.SweepInterval.Std() != 30*time.Second {
		t.Fatalf("清理间隔不符: %v", cfg.Auth.SweepInterval.Std())
	}
	if cfg.Executor.RetryDelay.Std() != 250*time.Millisecond {
		t.Fatalf("重试间隔不符: %v", cfg.Executor.RetryDelay.Std())
	}
}

func TestLoadRejectsInvalidCombinations(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"mysql 缺 dsn", `{"auth":{"secret":"x"},"storage":{"operation_store":{"driver":"mysql"}}}`},
		{"未知队列驱动", `{"auth":{"secret":"x"},"queue":{"driver":"kafka"}}`},
		{"redis 缺 address", `{"auth":{"secret":"x"},"queue":{"driver":"redis"}}`},
		{"token 模式缺 secret", `{"auth":{"mode":"token"}}`},
		{"未知鉴权模式", `{"auth":{"mode":"oauth","secret":"x"}}`},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.content)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: 非法配置未被拒绝", tc.name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("不存在的配置文件应报错")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("空路径应报错")
	}
}
