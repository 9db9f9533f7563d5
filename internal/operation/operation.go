package operation

import (
	stdErrors "errors"
	"time"

	xerrors "Aegis-Assist/internal/errors"
)

// Type 表示操作面向的后端类别，是一个封闭枚举：
// 扩展它需要同时补充解析模板、授权规则与执行分支。
type Type string

const (
	TypeFileOp         Type = "file_op"
	TypeWebNav         Type = "web_nav"
	TypeAppControl     Type = "app_control"
	TypeSystemSettings Type = "system_settings"
	TypeCommandExec    Type = "command_exec"
)

// Types 按固定顺序列出所有操作类别。
func Types() []Type {
	return []Type{TypeFileOp, TypeWebNav, TypeAppControl, TypeSystemSettings, TypeCommandExec}
}

// IsValidType 检查操作类别是否为支持的枚举值。
func IsValidType(t Type) bool {
	switch t {
	case TypeFileOp, TypeWebNav, TypeAppControl, TypeSystemSettings, TypeCommandExec:
		return true
	default:
		return false
	}
}

// Status 表示操作在生命周期状态机中的位置。
// 状态只能向前推进：Pending → Validating → Approved → Executing →
// {Completed | Failed}，仅当执行失败且存在回滚钩子时才会出现
// Failed → RolledBack 的回退边。
type Status string

const (
	StatusPending    Status = "pending"
	StatusValidating Status = "validating"
	StatusApproved   Status = "approved"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// IsValidStatus 检查状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusValidating, StatusApproved, StatusExecuting,
		StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为终态。终态的操作不再被任何组件修改。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRolledBack
}

// Priority 表示操作的优先级。当前仅作为契约的一部分透传，
// 不参与调度排序。
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// 文件操作动作。
const (
	FileActionRead   = "read"
	FileActionWrite  = "write"
	FileActionDelete = "delete"
	FileActionList   = "list"
	FileActionSearch = "search"
)

// 浏览器操作动作。
const (
	WebActionNavigate   = "navigate"
	WebActionClick      = "click"
	WebActionType       = "type"
	WebActionScreenshot = "screenshot"
)

// 系统设置操作动作。
const (
	SettingActionGet = "get"
	SettingActionSet = "set"
)

// Params 是与操作类别配套的参数集合。字段按类别取用，
// ValidateShape 保证类别与参数形状的自洽。
type Params struct {
	// 文件操作。
	Action      string `json:"action,omitempty"`
	Path        string `json:"path,omitempty"`
	Content     string `json:"content,omitempty"`
	Destination string `json:"destination,omitempty"`
	Query       string `json:"query,omitempty"`
	// 浏览器操作。
	URL      string `json:"url,omitempty"`
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
	// 应用控制。
	App  string   `json:"app,omitempty"`
	Args []string `json:"args,omitempty"`
	// 命令执行。
	Command string `json:"command,omitempty"`
	// 系统设置。
	Setting string `json:"setting,omitempty"`
	Value   string `json:"value,omitempty"`
}

// Context 携带操作的执行上下文：发起者、追踪标识与完成后的结果。
type Context struct {
	PrincipalID string         `json:"principal_id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	TraceID     string         `json:"trace_id,omitempty"`
	Source      string         `json:"source,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
}

// OperationError 记录终态失败信息，仅在 Failed / RolledBack 时填充。
type OperationError struct {
	Code    xerrors.Code      `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Operation 描述一个已解析、待授权与执行的工作单元。
type Operation struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Params      Params          `json:"params"`
	Context     Context         `json:"context"`
	Priority    Priority        `json:"priority"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxRetries  int             `json:"max_retries"`
	Error       *OperationError `json:"error,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	StartedAt   int64           `json:"started_at,omitempty"`
	CompletedAt int64           `json:"completed_at,omitempty"`
	UpdatedAt   int64           `json:"updated_at"`
}

// 操作模块的统一错误。
var (
	// ErrOperationNotFound 表示指定的操作不存在。
	ErrOperationNotFound = xerrors.New(CodeOperationNotFound, "operation not found")
	// ErrOperationConflict 表示操作在当前状态下无法被领取或修改。
	ErrOperationConflict = xerrors.New(CodeOperationConflict, "operation conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrOperationCompleted 表示操作已经到达终态。
	ErrOperationCompleted = xerrors.New(CodeOperationCompleted, "operation already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrOperationExhausted 表示操作的重试次数已经耗尽。
	ErrOperationExhausted = xerrors.New(CodeOperationExhausted, "operation retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeOperationNotFound  xerrors.Code = "OPERATION_NOT_FOUND"
	CodeOperationConflict  xerrors.Code = "OPERATION_CONFLICT"
	CodeOperationCompleted xerrors.Code = "OPERATION_COMPLETED"
	CodeOperationExhausted xerrors.Code = "OPERATION_RETRIES_EXHAUSTED"
	CodeOperationPublish   xerrors.Code = "OPERATION_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeOperationNotFound, xerrors.Attributes{
		Message:   "operation not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOperationConflict, xerrors.Attributes{
		Message:   "operation conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOperationCompleted, xerrors.Attributes{
		Message:   "operation already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOperationExhausted, xerrors.Attributes{
		Message:   "operation retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeOperationPublish, xerrors.Attributes{
		Message:   "failed to publish operation",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// IsOperationError 判断错误是否对应指定的操作错误码。
func IsOperationError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch {
	case stdErrors.Is(err, ErrOperationNotFound):
		return target == CodeOperationNotFound
	case stdErrors.Is(err, ErrOperationConflict):
		return target == CodeOperationConflict
	case stdErrors.Is(err, ErrOperationCompleted):
		return target == CodeOperationCompleted
	case stdErrors.Is(err, ErrOperationExhausted):
		return target == CodeOperationExhausted
	}
	return false
}

// ValidateShape 校验类别与参数集合是否自洽。授权器与执行器
// 都会重新调用它，而不是信任解析器的产物。
func ValidateShape(t Type, params Params) error {
	switch t {
	case TypeFileOp:
		switch params.Action {
		case FileActionRead, FileActionWrite, FileActionDelete, FileActionList, FileActionSearch:
		default:
			return xerrors.New(xerrors.CodeValidationError, "文件操作动作无效: "+params.Action)
		}
		if params.Path == "" {
			return xerrors.New(xerrors.CodeValidationError, "文件操作缺少 path 参数")
		}
	case TypeWebNav:
		switch params.Action {
		case WebActionNavigate:
			if params.URL == "" {
				return xerrors.New(xerrors.CodeValidationError, "导航操作缺少 url 参数")
			}
		case WebActionClick, WebActionType:
			if params.Selector == "" {
				return xerrors.New(xerrors.CodeValidationError, "页面交互缺少 selector 参数")
			}
		case WebActionScreenshot:
		default:
			return xerrors.New(xerrors.CodeValidationError, "浏览器操作动作无效: "+params.Action)
		}
	case TypeAppControl:
		if params.App == "" {
			return xerrors.New(xerrors.CodeValidationError, "应用控制缺少 app 参数")
		}
	case TypeSystemSettings:
		switch params.Action {
		case SettingActionGet, SettingActionSet:
		default:
			return xerrors.New(xerrors.CodeValidationError, "系统设置动作无效: "+params.Action)
		}
		if params.Setting == "" {
			return xerrors.New(xerrors.CodeValidationError, "系统设置缺少 setting 参数")
		}
	case TypeCommandExec:
		if params.Command == "" {
			return xerrors.New(xerrors.CodeValidationError, "命令执行缺少 command 参数")
		}
	default:
		return xerrors.New(xerrors.CodeValidationError, "未知的操作类别: "+string(t))
	}
	return nil
}

// Clone 返回操作的深拷贝，存储层出入口都使用它隔离内部状态。
func (op *Operation) Clone() *Operation {
	if op == nil {
		return nil
	}
	clone := *op
	if op.Params.Args != nil {
		clone.Params.Args = append([]string(nil), op.Params.Args...)
	}
	if op.Context.Result != nil {
		result := make(map[string]any, len(op.Context.Result))
		for k, v := range op.Context.Result {
			result[k] = v
		}
		clone.Context.Result = result
	}
	if op.Error != nil {
		errCopy := *op.Error
		if op.Error.Details != nil {
			details := make(map[string]string, len(op.Error.Details))
			for k, v := range op.Error.Details {
				details[k] = v
			}
			errCopy.Details = details
		}
		clone.Error = &errCopy
	}
	return &clone
}

// touch 更新操作的修改时间。
func (op *Operation) touch() {
	op.UpdatedAt = time.Now().Unix()
}
