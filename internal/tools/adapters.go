package tools

import (
	"fmt"
	"time"

	"Aegis-Assist/pkg/backend"
)

// 适配器把各个工具包装成 backend.Backend,由后端目录统一管理
// 生命周期。守护进程通过 Resolve 拿回适配器后访问具体工具。

// FileAdapter 以 backend.Backend 的形式暴露文件工具。
type FileAdapter struct {
	root string
	tool *FileTool
}

// NewFileFactory 返回文件后端的构造工厂。
func NewFileFactory() backend.Factory {
	return func(cfg map[string]any) (backend.Backend, error) {
		a := &FileAdapter{}
		if err := a.Configure(cfg); err != nil {
			return nil, err
		}
		return a, nil
	}
}

func (a *FileAdapter) Info() backend.Info {
	return backend.Info{
		Name:         "local-file",
		Description:  "rooted filesystem operations",
		Version:      "1.0.0",
		Kind:         backend.KindFile,
		Capabilities: []backend.Capability{backend.CapabilityFilesystem},
	}
}

func (a *FileAdapter) Configure(cfg map[string]any) error {
	root, _ := cfg["root"].(string)
	if root == "" {
		return fmt.Errorf("文件后端缺少 root 配置")
	}
	a.root = root
	return nil
}

func (a *FileAdapter) Init(*backend.ExecutionContext) error {
	tool, err := NewFileTool(a.root)
	if err != nil {
		return err
	}
	a.tool = tool
	return nil
}

func (a *FileAdapter) Start(*backend.ExecutionContext) error { return nil }
func (a *FileAdapter) Stop(*backend.ExecutionContext) error  { return nil }

// Tool 返回底层文件工具,Init 之前为 nil。
func (a *FileAdapter) Tool() *FileTool { return a.tool }

// BrowserAdapter 以 backend.Backend 的形式暴露浏览器工具。
type BrowserAdapter struct {
	cfg  BrowserConfig
	tool *BrowserTool
}

// NewBrowserFactory 返回浏览器后端的构造工厂。
func NewBrowserFactory() backend.Factory {
	return func(cfg map[string]any) (backend.Backend, error) {
		a := &BrowserAdapter{}
		if err := a.Configure(cfg); err != nil {
			return nil, err
		}
		return a, nil
	}
}

func (a *BrowserAdapter) Info() backend.Info {
	return backend.Info{
		Name:         "remote-browser",
		Description:  "remote browser session over HTTP",
		Version:      "1.0.0",
		Kind:         backend.KindBrowser,
		Capabilities: []backend.Capability{backend.CapabilityNetwork},
	}
}

func (a *BrowserAdapter) Configure(cfg map[string]any) error {
	endpoint, _ := cfg["endpoint"].(string)
	if endpoint == "" {
		return fmt.Errorf("浏览器后端缺少 endpoint 配置")
	}
	a.cfg.Endpoint = endpoint
	if raw, ok := cfg["navigation_timeout"].(string); ok && raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("解析 navigation_timeout 失败: %w", err)
		}
		a.cfg.NavigationTimeout = timeout
	}
	return nil
}

// Init 建立远端会话。会话在 Stop 时关闭。
func (a *BrowserAdapter) Init(*backend.ExecutionContext) error {
	tool, err := NewBrowserTool(a.cfg, nil)
	if err != nil {
		return err
	}
	a.tool = tool
	return nil
}

func (a *BrowserAdapter) Start(*backend.ExecutionContext) error { return nil }

func (a *BrowserAdapter) Stop(*backend.ExecutionContext) error {
	if a.tool == nil {
		return nil
	}
	return a.tool.Close()
}

// Tool 返回底层浏览器工具,Init 之前为 nil。
func (a *BrowserAdapter) Tool() *BrowserTool { return a.tool }

// ProcessAdapter 以 backend.Backend 的形式暴露进程工具。
type ProcessAdapter struct {
	shell string
	tool  *ProcessTool
}

// NewProcessFactory 返回进程后端的构造工厂。
func NewProcessFactory() backend.Factory {
	return func(cfg map[string]any) (backend.Backend, error) {
		a := &ProcessAdapter{}
		if err := a.Configure(cfg); err != nil {
			return nil, err
		}
		return a, nil
	}
}

func (a *ProcessAdapter) Info() backend.Info {
	return backend.Info{
		Name:         "local-process",
		Description:  "application launching and shell execution",
		Version:      "1.0.0",
		Kind:         backend.KindProcess,
		Capabilities: []backend.Capability{backend.CapabilityExecution},
	}
}

func (a *ProcessAdapter) Configure(cfg map[string]any) error {
	if shell, ok := cfg["shell"].(string); ok {
		a.shell = shell
	}
	return nil
}

func (a *ProcessAdapter) Init(*backend.ExecutionContext) error {
	a.tool = NewProcessTool(a.shell)
	return nil
}

func (a *ProcessAdapter) Start(*backend.ExecutionContext) error { return nil }
func (a *ProcessAdapter) Stop(*backend.ExecutionContext) error  { return nil }

// Tool 返回底层进程工具,Init 之前为 nil。
func (a *ProcessAdapter) Tool() *ProcessTool { return a.tool }

// SettingsAdapter 以 backend.Backend 的形式暴露设置工具。
type SettingsAdapter struct {
	path string
	tool *SettingsTool
}

// NewSettingsFactory 返回设置后端的构造工厂。
func NewSettingsFactory() backend.Factory {
	return func(cfg map[string]any) (backend.Backend, error) {
		a := &SettingsAdapter{}
		if err := a.Configure(cfg); err != nil {
			return nil, err
		}
		return a, nil
	}
}

func (a *SettingsAdapter) Info() backend.Info {
	return backend.Info{
		Name:         "file-settings",
		Description:  "JSON file backed system settings",
		Version:      "1.0.0",
		Kind:         backend.KindSettings,
		Capabilities: []backend.Capability{backend.CapabilitySettings},
	}
}

func (a *SettingsAdapter) Configure(cfg map[string]any) error {
	path, _ := cfg["path"].(string)
	if path == "" {
		return fmt.Errorf("设置后端缺少 path 配置")
	}
	a.path = path
	return nil
}

func (a *SettingsAdapter) Init(*backend.ExecutionContext) error {
	tool, err := NewSettingsTool(a.path)
	if err != nil {
		return err
	}
	a.tool = tool
	return nil
}

func (a *SettingsAdapter) Start(*backend.ExecutionContext) error { return nil }
func (a *SettingsAdapter) Stop(*backend.ExecutionContext) error  { return nil }

// Tool 返回底层设置工具,Init 之前为 nil。
func (a *SettingsAdapter) Tool() *SettingsTool { return a.tool }
