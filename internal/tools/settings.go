package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	xerrors "Aegis-Assist/internal/errors"
)

// SettingsTool 把系统设置保存为磁盘上的 JSON 键值文件。读写都在
// 互斥锁内完成,写入先落临时文件再原子改名,避免半写状态。
type SettingsTool struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

// NewSettingsTool 加载(或初始化)设置文件。
func NewSettingsTool(path string) (*SettingsTool, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "设置文件路径不能为空")
	}
	tool := &SettingsTool{path: path, values: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tool, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取设置文件失败")
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &tool.values); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析设置文件失败")
		}
	}
	return tool, nil
}

// Get 返回指定设置的当前值。
func (t *SettingsTool) Get(_ context.Context, key string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	value, ok := t.values[key]
	if !ok {
		return "", xerrors.New(xerrors.CodeNotFound, "设置不存在: "+key)
	}
	return value, nil
}

// Set 更新设置并持久化。持久化失败时回退内存中的改动,
// 保证内存视图与磁盘一致。
func (t *SettingsTool) Set(_ context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return xerrors.New(xerrors.CodeValidationError, "设置键不能为空")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	previous, existed := t.values[key]
	t.values[key] = value
	if err := t.flushLocked(); err != nil {
		if existed {
			t.values[key] = previous
		} else {
			delete(t.values, key)
		}
		return err
	}
	return nil
}

func (t *SettingsTool) flushLocked() error {
	data, err := json.MarshalIndent(t.values, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码设置失败")
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建设置目录失败")
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入设置文件失败")
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换设置文件失败")
	}
	return nil
}
