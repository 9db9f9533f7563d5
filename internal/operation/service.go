package operation

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Aegis-Assist/internal/errors"
	"Aegis-Assist/pkg/logger"
)

// Draft 描述提交操作时由调用方给出的字段。
type Draft struct {
	ID          string   `json:"id,omitempty"`
	Type        Type     `json:"type"`
	Params      Params   `json:"params"`
	Priority    Priority `json:"priority,omitempty"`
	PrincipalID string   `json:"principal_id,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	TraceID     string   `json:"trace_id,omitempty"`
	Source      string   `json:"source,omitempty"`
}

// Service 负责操作的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造操作服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// NewOperation 根据草稿构建一个待执行的操作，生成缺失的标识与时间戳。
func NewOperation(draft Draft, maxRetries int) (*Operation, error) {
	if !IsValidType(draft.Type) {
		return nil, xerrors.New(xerrors.CodeValidationError, "未知的操作类别: "+string(draft.Type))
	}
	if err := ValidateShape(draft.Type, draft.Params); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(draft.ID)
	if id == "" {
		id = uuid.NewString()
	}
	traceID := strings.TrimSpace(draft.TraceID)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	priority := draft.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Operation{
		ID:       id,
		Type:     draft.Type,
		Params:   draft.Params,
		Priority: priority,
		Context: Context{
			PrincipalID: draft.PrincipalID,
			SessionID:   draft.SessionID,
			TraceID:     traceID,
			Source:      draft.Source,
		},
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().Unix(),
	}, nil
}

// Submit 创建一个新的操作并推送到队列。
func (s *Service) Submit(ctx context.Context, draft Draft) (*Operation, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "操作服务未初始化")
	}

	if id := strings.TrimSpace(draft.ID); id != "" {
		existing, err := s.store.Get(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrOperationNotFound) {
			return nil, err
		}
	}

	op, err := NewOperation(draft, s.maxRetries)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, op); err != nil {
		if stdErrors.Is(err, ErrOperationConflict) {
			existing, getErr := s.store.Get(ctx, op.ID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrOperationNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, op.ID); err != nil {
		logger.L().Error("操作入队失败", slog.Any("error", err), slog.String("operation_id", op.ID))
		wrapped := xerrors.Wrap(CodeOperationPublish, err, "发布操作到队列失败")
		_ = s.store.MarkFailed(ctx, op.ID, string(CodeOperationPublish), wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("操作入队成功",
		slog.String("operation_id", op.ID),
		slog.String("type", string(op.Type)),
		slog.String("principal_id", op.Context.PrincipalID),
		slog.String("trace_id", op.Context.TraceID),
		slog.Int("max_retries", op.MaxRetries),
	)
	return op, nil
}

// Get 返回指定操作的状态。
func (s *Service) Get(ctx context.Context, id string) (*Operation, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "操作存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的操作列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Operation, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "操作存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的操作统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "操作存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在指定超时时间内轮询操作状态直至终态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Operation, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		op, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if op.Status.IsTerminal() {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
