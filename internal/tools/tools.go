// Package tools 提供执行器后端的具体实现:受限目录文件操作、
// 远端浏览器会话、进程管理以及基于文件的系统设置存储。
package tools

import (
	"Aegis-Assist/internal/executor"
	"Aegis-Assist/pkg/backend"
)

var (
	_ executor.FileBackend     = (*FileTool)(nil)
	_ executor.BrowserBackend  = (*BrowserTool)(nil)
	_ executor.ProcessBackend  = (*ProcessTool)(nil)
	_ executor.SettingsBackend = (*SettingsTool)(nil)

	_ backend.Backend = (*FileAdapter)(nil)
	_ backend.Backend = (*BrowserAdapter)(nil)
	_ backend.Backend = (*ProcessAdapter)(nil)
	_ backend.Backend = (*SettingsAdapter)(nil)
)
