package tools

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"

	xerrors "Aegis-Assist/internal/errors"
	"Aegis-Assist/pkg/logger"
)

// ProcessTool 负责启动应用与执行 shell 命令。
type ProcessTool struct {
	shell string
	log   *slog.Logger
}

// NewProcessTool 创建进程后端,shell 为空时使用 /bin/sh。
func NewProcessTool(shell string) *ProcessTool {
	if strings.TrimSpace(shell) == "" {
		shell = "/bin/sh"
	}
	return &ProcessTool{shell: shell, log: logger.Named("process-tool")}
}

// Launch 在后台启动应用并返回进程号。进程与守护进程脱钩,
// 启动后不再跟踪其生命周期。
func (t *ProcessTool) Launch(ctx context.Context, app string, args []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeTimeout, err, "启动应用前上下文已取消")
	}
	cmd := exec.Command(app, args...)
	if err := cmd.Start(); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeBackendError, err, "启动应用失败: "+app)
	}
	pid := cmd.Process.Pid
	t.log.Info("应用已启动", "app", app, "pid", pid)

	// 回收子进程,避免僵尸进程残留。
	go func() {
		if err := cmd.Wait(); err != nil {
			t.log.Warn("应用退出异常", "app", app, "pid", pid, "error", err)
		}
	}()
	return pid, nil
}

// Exec 通过 shell 执行命令,返回标准输出与退出码。命令失败
// (非零退出码)不是错误,由调用方根据退出码判断。
func (t *ProcessTool) Exec(ctx context.Context, command string) (string, int, error) {
	cmd := exec.CommandContext(ctx, t.shell, "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			t.log.Info("命令以非零退出码结束", "exit_code", exitErr.ExitCode(), "stderr", strings.TrimSpace(stderr.String()))
			return stdout.String(), exitErr.ExitCode(), nil
		}
		return "", 0, xerrors.Wrap(xerrors.CodeBackendError, err, "执行命令失败")
	}
	return stdout.String(), 0, nil
}
