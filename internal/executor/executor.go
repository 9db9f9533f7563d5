package executor

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	xerrors "Aegis-Assist/internal/errors"
	"Aegis-Assist/internal/operation"
	"Aegis-Assist/pkg/logger"
)

// FileBackend 定义文件类操作所需的后端能力。
type FileBackend interface {
	Read(ctx context.Context, path string) (string, error)
	Write(ctx context.Context, path, content string) (created bool, err error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, path string) ([]string, error)
	Search(ctx context.Context, path, query string) ([]string, error)
}

// BrowserBackend 定义浏览器类操作所需的后端能力。
// 该句柄不支持并发使用，执行器会对其串行化。
type BrowserBackend interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Screenshot(ctx context.Context) (string, error)
	Close() error
}

// ProcessBackend 定义应用启动与命令执行所需的后端能力。
type ProcessBackend interface {
	Launch(ctx context.Context, app string, args []string) (pid int, err error)
	Exec(ctx context.Context, command string) (stdout string, exitCode int, err error)
}

// SettingsBackend 定义系统设置读写所需的后端能力。
type SettingsBackend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// RetryPolicy 描述对后端调用的有界重试：固定次数、固定间隔、
// 不做指数退避。首次成功即短路，耗尽后返回最后一次错误。
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

func (p *RetryPolicy) applyDefaults() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Delay <= 0 {
		p.Delay = 1000 * time.Millisecond
	}
}

// RollbackHook 在操作失败后尝试消除部分生效的副作用。
// 返回 ErrNothingToUndo 表示没有可消除的副作用，操作保持 Failed。
type RollbackHook func(ctx context.Context, op *operation.Operation) error

// ErrNothingToUndo 由回滚钩子返回，表示本次失败没有留下可以
// 安全消除的副作用。操作不会被标记为 RolledBack。
var ErrNothingToUndo = errors.New("没有可回滚的副作用")

// Config 配置执行器。
type Config struct {
	Retry RetryPolicy
}

// Executor 是流水线中唯一允许产生真实副作用的组件。它持有
// 类别到校验与分发逻辑的映射，以及按类别注册的回滚钩子。
type Executor struct {
	file     FileBackend
	browser  BrowserBackend
	process  ProcessBackend
	settings SettingsBackend

	retry     RetryPolicy
	rollbacks map[operation.Type]RollbackHook

	// 浏览器句柄一次只允许一个在途操作。
	browserMu sync.Mutex

	active atomic.Int64
	logger *slog.Logger
}

// Option 定义执行器的可选配置。
type Option func(*Executor)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithRollbackHook 覆盖指定类别的回滚钩子。传入 nil 表示该类别
// 不做回滚，失败保持 Failed 终态。
func WithRollbackHook(t operation.Type, hook RollbackHook) Option {
	return func(e *Executor) {
		if hook == nil {
			delete(e.rollbacks, t)
			return
		}
		e.rollbacks[t] = hook
	}
}

// New 构造执行器。未显式覆盖时，文件写入注册默认回滚钩子：
// 删除本次执行新建的半成品文件。
func New(cfg Config, file FileBackend, browser BrowserBackend, process ProcessBackend, settings SettingsBackend, opts ...Option) *Executor {
	cfg.Retry.applyDefaults()
	e := &Executor{
		file:      file,
		browser:   browser,
		process:   process,
		settings:  settings,
		retry:     cfg.Retry,
		rollbacks: make(map[operation.Type]RollbackHook),
	}
	if file != nil {
		e.rollbacks[operation.TypeFileOp] = e.rollbackFileWrite
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = logger.Named("executor")
	}
	return e
}

// Execute 推进操作状态机直至终态。后端失败不向上抛出，
// 而是落在操作自身的错误与状态上；返回非 nil 仅代表基础设施故障。
func (e *Executor) Execute(ctx context.Context, op *operation.Operation) error {
	if op == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "operation 不能为空")
	}
	e.active.Add(1)
	defer e.active.Add(-1)

	// 1. 校验。失败时不触碰任何后端。
	if err := e.validate(op); err != nil {
		op.Status = operation.StatusFailed
		op.Error = &operation.OperationError{
			Code:    xerrors.CodeValidationError,
			Message: err.Error(),
		}
		return nil
	}

	// 2. 严格前向推进：Validating → Approved → Executing。
	op.Status = operation.StatusApproved
	e.logger.Debug("操作通过校验",
		slog.String("operation_id", op.ID),
		slog.String("status", string(op.Status)),
	)
	op.Status = operation.StatusExecuting
	op.StartedAt = time.Now().Unix()

	// 3. 分发到类别对应的后端，带有界重试。
	result, execErr := e.dispatchWithRetry(ctx, op)
	if execErr == nil {
		op.CompletedAt = time.Now().Unix()
		op.Context.Result = result
		op.Status = operation.StatusCompleted
		return nil
	}

	// 4. 重试耗尽。保留原始错误，必要时尝试回滚。
	op.Error = &operation.OperationError{
		Code:    xerrors.CodeBackendError,
		Message: execErr.Error(),
	}
	op.Status = operation.StatusFailed

	hook, ok := e.rollbacks[op.Type]
	if ok && hook != nil && hasSideEffects(op) {
		switch rbErr := hook(ctx, op); {
		case rbErr == nil:
			op.Status = operation.StatusRolledBack
			e.logger.Warn("操作已回滚",
				slog.String("operation_id", op.ID),
				slog.String("type", string(op.Type)),
			)
		case errors.Is(rbErr, ErrNothingToUndo):
			// 没有副作用可消除，维持 Failed 终态。
		default:
			// 回滚失败要与原始失败区分开，运维据此判断是否残留副作用。
			op.Error.Details = map[string]string{
				"rollback_code":  string(xerrors.CodeRollbackFailed),
				"rollback_error": rbErr.Error(),
			}
			e.logger.Error("回滚失败",
				slog.String("operation_id", op.ID),
				slog.String("type", string(op.Type)),
				slog.Any("error", rbErr),
			)
		}
	}
	op.CompletedAt = time.Now().Unix()
	return nil
}

// validate 做类别相关的结构与语义检查。
func (e *Executor) validate(op *operation.Operation) error {
	if err := operation.ValidateShape(op.Type, op.Params); err != nil {
		return err
	}
	switch op.Type {
	case operation.TypeFileOp:
		if op.Params.Action == operation.FileActionWrite && op.Params.Content == "" {
			return xerrors.New(xerrors.CodeValidationError, "文件写入缺少 content 参数")
		}
		if op.Params.Action == operation.FileActionSearch && op.Params.Query == "" {
			return xerrors.New(xerrors.CodeValidationError, "文件搜索缺少 query 参数")
		}
	case operation.TypeCommandExec:
		if strings.ContainsRune(op.Params.Command, 0) {
			return xerrors.New(xerrors.CodeValidationError, "命令包含非法的空字节")
		}
	}
	return nil
}

// dispatchWithRetry 在有界重试策略下调用后端。
// 重试循环不感知取消令牌，固定间隔等待是唯一的超时机制。
func (e *Executor) dispatchWithRetry(ctx context.Context, op *operation.Operation) (map[string]any, error) {
	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		result, err := e.dispatch(ctx, op)
		if err == nil {
			return result, nil
		}
		lastErr = err
		e.logger.Warn("后端调用失败",
			slog.String("operation_id", op.ID),
			slog.String("type", string(op.Type)),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", e.retry.MaxAttempts),
			slog.Any("error", err),
		)
		if attempt < e.retry.MaxAttempts {
			time.Sleep(e.retry.Delay)
		}
	}
	return nil, xerrors.Wrap(xerrors.CodeBackendError, lastErr, "后端调用在重试耗尽后仍然失败")
}

func (e *Executor) dispatch(ctx context.Context, op *operation.Operation) (map[string]any, error) {
	switch op.Type {
	case operation.TypeFileOp:
		return e.dispatchFile(ctx, op)
	case operation.TypeWebNav:
		return e.dispatchBrowser(ctx, op)
	case operation.TypeAppControl:
		return e.dispatchApp(ctx, op)
	case operation.TypeSystemSettings:
		return e.dispatchSettings(ctx, op)
	case operation.TypeCommandExec:
		return e.dispatchCommand(ctx, op)
	default:
		return nil, xerrors.New(xerrors.CodeValidationError, "未知的操作类别: "+string(op.Type))
	}
}

func (e *Executor) dispatchFile(ctx context.Context, op *operation.Operation) (map[string]any, error) {
	if e.file == nil {
		return nil, xerrors.New(xerrors.CodeBackendError, "文件后端未配置")
	}
	switch op.Params.Action {
	case operation.FileActionRead:
		content, err := e.file.Read(ctx, op.Params.Path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": op.Params.Path, "content": content}, nil
	case operation.FileActionWrite:
		created, err := e.file.Write(ctx, op.Params.Path, op.Params.Content)
		if err != nil {
			recordWriteEffect(op, created)
			return nil, err
		}
		return map[string]any{"path": op.Params.Path, "created": created, "bytes": len(op.Params.Content)}, nil
	case operation.FileActionDelete:
		if err := e.file.Delete(ctx, op.Params.Path); err != nil {
			return nil, err
		}
		return map[string]any{"path": op.Params.Path, "deleted": true}, nil
	case operation.FileActionList:
		entries, err := e.file.List(ctx, op.Params.Path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": op.Params.Path, "entries": entries}, nil
	case operation.FileActionSearch:
		matches, err := e.file.Search(ctx, op.Params.Path, op.Params.Query)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": op.Params.Path, "query": op.Params.Query, "matches": matches}, nil
	default:
		return nil, xerrors.New(xerrors.CodeValidationError, "文件操作动作无效: "+op.Params.Action)
	}
}

// dispatchBrowser 对浏览器句柄串行化：同一时刻至多一个在途操作。
func (e *Executor) dispatchBrowser(ctx context.Context, op *operation.Operation) (map[string]any, error) {
	if e.browser == nil {
		return nil, xerrors.New(xerrors.CodeBackendError, "浏览器后端未配置")
	}
	e.browserMu.Lock()
	defer e.browserMu.Unlock()

	switch op.Params.Action {
	case operation.WebActionNavigate:
		if err := e.browser.Navigate(ctx, op.Params.URL); err != nil {
			return nil, err
		}
		return map[string]any{"url": op.Params.URL, "navigated": true}, nil
	case operation.WebActionClick:
		if err := e.browser.Click(ctx, op.Params.Selector); err != nil {
			return nil, err
		}
		return map[string]any{"selector": op.Params.Selector, "clicked": true}, nil
	case operation.WebActionType:
		if err := e.browser.Type(ctx, op.Params.Selector, op.Params.Text); err != nil {
			return nil, err
		}
		return map[string]any{"selector": op.Params.Selector, "typed": len(op.Params.Text)}, nil
	case operation.WebActionScreenshot:
		data, err := e.browser.Screenshot(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"screenshot": data}, nil
	default:
		return nil, xerrors.New(xerrors.CodeValidationError, "浏览器操作动作无效: "+op.Params.Action)
	}
}

func (e *Executor) dispatchApp(ctx context.Context, op *operation.Operation) (map[string]any, error) {
	if e.process == nil {
		return nil, xerrors.New(xerrors.CodeBackendError, "进程后端未配置")
	}
	pid, err := e.process.Launch(ctx, op.Params.App, op.Params.Args)
	if err != nil {
		return nil, err
	}
	return map[string]any{"app": op.Params.App, "pid": pid}, nil
}

func (e *Executor) dispatchSettings(ctx context.Context, op *operation.Operation) (map[string]any, error) {
	if e.settings == nil {
		return nil, xerrors.New(xerrors.CodeBackendError, "设置后端未配置")
	}
	switch op.Params.Action {
	case operation.SettingActionGet:
		value, err := e.settings.Get(ctx, op.Params.Setting)
		if err != nil {
			return nil, err
		}
		return map[string]any{"setting": op.Params.Setting, "value": value}, nil
	case operation.SettingActionSet:
		if err := e.settings.Set(ctx, op.Params.Setting, op.Params.Value); err != nil {
			return nil, err
		}
		return map[string]any{"setting": op.Params.Setting, "value": op.Params.Value, "updated": true}, nil
	default:
		return nil, xerrors.New(xerrors.CodeValidationError, "系统设置动作无效: "+op.Params.Action)
	}
}

func (e *Executor) dispatchCommand(ctx context.Context, op *operation.Operation) (map[string]any, error) {
	if e.process == nil {
		return nil, xerrors.New(xerrors.CodeBackendError, "进程后端未配置")
	}
	stdout, exitCode, err := e.process.Exec(ctx, op.Params.Command)
	if err != nil {
		return nil, err
	}
	return map[string]any{"command": op.Params.Command, "stdout": stdout, "exit_code": exitCode}, nil
}

// recordWriteEffect 在写入失败时记录文件是否由本次操作新建。
// 重试期间任意一次尝试新建了文件都算新建，后续尝试看到的是
// 半成品而非既有数据。
func recordWriteEffect(op *operation.Operation, created bool) {
	if op.Context.Result == nil {
		op.Context.Result = make(map[string]any, 1)
	}
	prev, _ := op.Context.Result["created"].(bool)
	op.Context.Result["created"] = prev || created
}

// rollbackFileWrite 是文件类别的默认回滚钩子：删除失败写入
// 留下的半成品文件。只有文件确为本次操作新建时才删除，
// 覆盖既有文件的失败写入无法恢复原内容，保持 Failed。
func (e *Executor) rollbackFileWrite(ctx context.Context, op *operation.Operation) error {
	if op.Params.Action != operation.FileActionWrite {
		return ErrNothingToUndo
	}
	if created, _ := op.Context.Result["created"].(bool); !created {
		return ErrNothingToUndo
	}
	if err := e.file.Delete(ctx, op.Params.Path); err != nil {
		return xerrors.Wrap(xerrors.CodeRollbackFailed, err, "删除半成品文件失败")
	}
	return nil
}

// hasSideEffects 判断失败的操作是否可能留下部分生效的副作用。
// 只读动作不触发回滚。
func hasSideEffects(op *operation.Operation) bool {
	switch op.Type {
	case operation.TypeFileOp:
		switch op.Params.Action {
		case operation.FileActionWrite, operation.FileActionDelete:
			return true
		}
		return false
	case operation.TypeSystemSettings:
		return op.Params.Action == operation.SettingActionSet
	case operation.TypeWebNav, operation.TypeAppControl, operation.TypeCommandExec:
		return true
	default:
		return false
	}
}

// SystemState 是只读的观测快照，不得用于门控执行决策。
type SystemState struct {
	ActiveOperations int64  `json:"active_operations"`
	Goroutines       int    `json:"goroutines"`
	HeapAllocBytes   uint64 `json:"heap_alloc_bytes"`
	NumCPU           int    `json:"num_cpu"`
}

// SystemState 返回执行器当前的资源快照。
func (e *Executor) SystemState() SystemState {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return SystemState{
		ActiveOperations: e.active.Load(),
		Goroutines:       runtime.NumGoroutine(),
		HeapAllocBytes:   mem.HeapAlloc,
		NumCPU:           runtime.NumCPU(),
	}
}

// Shutdown 释放长生命周期的后端句柄。释放失败只记录，不向外抛出。
func (e *Executor) Shutdown() {
	if e.browser != nil {
		if err := e.browser.Close(); err != nil {
			e.logger.Warn("关闭浏览器句柄失败", slog.Any("error", err))
		}
	}
}
