package tools

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSettingsToolPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	ctx := context.Background()

	tool, err := NewSettingsTool(path)
	if err != nil {
		t.Fatalf("创建设置后端失败: %v", err)
	}
	if err := tool.Set(ctx, "display.brightness", "80"); err != nil {
		t.Fatalf("写入设置失败: %v", err)
	}
	if err := tool.Set(ctx, "volume.level", "35"); err != nil {
		t.Fatalf("写入设置失败: %v", err)
	}

	reloaded, err := NewSettingsTool(path)
	if err != nil {
		t.Fatalf("重新加载设置失败: %v", err)
	}
	value, err := reloaded.Get(ctx, "display.brightness")
	if err != nil {
		t.Fatalf("读取设置失败: %v", err)
	}
	if value != "80" {
		t.Fatalf("期望 80,得到 %q", value)
	}
}

func TestSettingsToolGetUnknownKey(t *testing.T) {
	tool, err := NewSettingsTool(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("创建设置后端失败: %v", err)
	}
	if _, err := tool.Get(context.Background(), "missing.key"); err == nil {
		t.Fatal("读取不存在的设置应返回错误")
	}
}

func TestSettingsToolRejectsEmptyKey(t *testing.T) {
	tool, err := NewSettingsTool(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("创建设置后端失败: %v", err)
	}
	if err := tool.Set(context.Background(), "  ", "x"); err == nil {
		t.Fatal("空键应被拒绝")
	}
}
