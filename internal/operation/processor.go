package operation

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "Aegis-Assist/internal/errors"
	"Aegis-Assist/internal/observability/alerting"
	"Aegis-Assist/pkg/logger"
)

// Executor 定义了处理器执行单个操作所需的能力。
// 执行器就地推进操作的状态机，返回错误仅代表基础设施故障。
type Executor interface {
	Execute(ctx context.Context, op *Operation) error
}

// Authorizer 定义了处理器在执行前进行能力授权所需的能力。
type Authorizer interface {
	Authorize(ctx context.Context, op *Operation, principalID string) bool
}

// Processor 负责从队列消费操作并交给执行器处理。
type Processor struct {
	executor    Executor
	authorizer  Authorizer
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAuthorizer 配置执行前的能力授权检查。
func WithAuthorizer(authorizer Authorizer) ProcessorOption {
	return func(p *Processor) {
		p.authorizer = authorizer
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动操作处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置操作消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, operationID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	op, err := p.store.Claim(ctx, operationID)
	if err != nil {
		if stdErrors.Is(err, ErrOperationNotFound) || stdErrors.Is(err, ErrOperationCompleted) ||
			stdErrors.Is(err, ErrOperationExhausted) || stdErrors.Is(err, ErrOperationConflict) {
			p.logDebug("跳过操作", slog.String("operation_id", operationID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取操作失败", slog.Any("error", err), slog.String("operation_id", operationID))
		p.emitAlert(ctx, &Operation{ID: operationID}, xerrors.CodeStorageFailure, err, "claim")
		return err
	}

	if p.authorizer != nil && !p.authorizer.Authorize(ctx, op, op.Context.PrincipalID) {
		op.Status = StatusFailed
		op.Error = &OperationError{
			Code:    xerrors.CodeUnauthorized,
			Message: "principal lacks required capabilities",
		}
		if storeErr := p.store.Update(ctx, op); storeErr != nil {
			logger.L().Error("回写未授权状态失败", slog.Any("error", storeErr), slog.String("operation_id", op.ID))
			return storeErr
		}
		logger.Audit().Warn("操作被拒绝",
			slog.String("operation_id", op.ID),
			slog.String("type", string(op.Type)),
			slog.String("principal_id", op.Context.PrincipalID),
		)
		return nil
	}

	if execErr := p.executor.Execute(ctx, op); execErr != nil {
		return p.handleInfraFailure(ctx, op, execErr)
	}

	if storeErr := p.store.Update(ctx, op); storeErr != nil {
		logger.L().Error("回写操作状态失败", slog.Any("error", storeErr), slog.String("operation_id", op.ID))
		return storeErr
	}

	switch op.Status {
	case StatusCompleted:
		logger.Audit().Info("操作执行成功",
			slog.String("operation_id", op.ID),
			slog.String("type", string(op.Type)),
			slog.String("trace_id", op.Context.TraceID),
			slog.Int("attempts", op.Attempts),
		)
	case StatusFailed, StatusRolledBack:
		p.reportFailure(ctx, op)
	}
	return nil
}

// handleInfraFailure 处理执行器自身的基础设施故障（非操作终态）。
func (p *Processor) handleInfraFailure(ctx context.Context, op *Operation, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeBackendError
	}
	logger.L().Error("执行器运行失败", slog.Any("error", execErr), slog.String("operation_id", op.ID))
	if storeErr := p.store.MarkFailed(ctx, op.ID, string(code), execErr.Error(), false); storeErr != nil {
		logger.L().Error("标记操作失败状态出错", slog.Any("error", storeErr), slog.String("operation_id", op.ID))
		return storeErr
	}
	p.emitAlert(ctx, op, code, execErr, "executor")
	if xerrors.RetryableError(execErr) && op.Attempts < op.MaxRetries {
		if pubErr := p.producer.Publish(ctx, op.ID); pubErr != nil {
			return xerrors.Wrap(CodeOperationPublish, pubErr, "操作 "+op.ID+" 重投失败")
		}
		p.logDebug("操作已重新排队", slog.String("operation_id", op.ID), slog.Int("attempts", op.Attempts))
	}
	return nil
}

// reportFailure 记录执行后到达失败终态的操作。
func (p *Processor) reportFailure(ctx context.Context, op *Operation) {
	code := xerrors.CodeBackendError
	message := ""
	if op.Error != nil {
		code = op.Error.Code
		message = op.Error.Message
	}
	logger.Audit().Warn("操作执行失败",
		slog.String("operation_id", op.ID),
		slog.String("type", string(op.Type)),
		slog.String("status", string(op.Status)),
		slog.String("error_code", string(code)),
		slog.String("error", message),
		slog.Int("attempts", op.Attempts),
		slog.Int("max_retries", op.MaxRetries),
	)
	stage := "terminal"
	if op.Status == StatusRolledBack {
		stage = "rolled_back"
	}
	p.emitAlert(ctx, op, code, stdErrors.New(message), stage)
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, op *Operation, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || op == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil && cause.Error() != "" {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
		"type":  string(op.Type),
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    attrs.Severity,
		OperationID: op.ID,
		Attempts:    op.Attempts,
		MaxRetries:  op.MaxRetries,
		Metadata:    metadata,
		OccurredAt:  time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("operation_id", op.ID),
			slog.String("stage", stage),
		)
	}
}
