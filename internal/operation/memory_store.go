package operation

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "Aegis-Assist/internal/errors"
)

// MemoryStore 以内存方式保存操作状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu  sync.RWMutex
	ops map[string]*Operation
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[string]*Operation)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, op *Operation) error {
	if op == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "operation 不能为空")
	}
	if op.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "操作 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[op.ID]; ok {
		return ErrOperationConflict
	}
	now := time.Now().Unix()
	if op.CreatedAt == 0 {
		op.CreatedAt = now
	}
	op.UpdatedAt = now
	m.ops[op.ID] = op.Clone()
	return nil
}

// Get 返回操作的副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.ops[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return op.Clone(), nil
}

// Claim 领取操作并推进到 Validating。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	if op.Status.IsTerminal() && op.Status != StatusFailed {
		return op.Clone(), ErrOperationCompleted
	}
	switch op.Status {
	case StatusValidating, StatusApproved, StatusExecuting:
		return op.Clone(), ErrOperationConflict
	}
	if op.Attempts >= op.MaxRetries {
		return op.Clone(), ErrOperationExhausted
	}
	op.Status = StatusValidating
	op.Attempts++
	op.Error = nil
	op.touch()
	return op.Clone(), nil
}

// Update 回写执行器产出的状态。
func (m *MemoryStore) Update(_ context.Context, op *Operation) error {
	if op == nil || op.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "operation 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[op.ID]; !ok {
		return ErrOperationNotFound
	}
	stored := op.Clone()
	stored.touch()
	m.ops[op.ID] = stored
	return nil
}

// MarkFailed 直接标记操作失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code, message string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	op.Status = StatusFailed
	op.Error = &OperationError{Code: xerrors.Code(code), Message: message}
	op.touch()
	return nil
}

// List 返回符合过滤条件的操作列表。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Operation, 0, len(m.ops))
	for _, op := range m.ops {
		if !matchesListFilters(op, opts) {
			continue
		}
		results = append(results, op.Clone())
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt == b.UpdatedAt {
			if a.CreatedAt == b.CreatedAt {
				return a.ID > b.ID
			}
			return a.CreatedAt > b.CreatedAt
		}
		return a.UpdatedAt > b.UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的操作数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, op := range m.ops {
		if !matchesListFilters(op, opts) {
			continue
		}
		stats.observe(op)
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(op *Operation, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if op.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(opts.Types) > 0 {
		matched := false
		for _, t := range opts.Types {
			if op.Type == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.PrincipalID != "" && op.Context.PrincipalID != opts.PrincipalID {
		return false
	}
	if opts.UpdatedGTE > 0 && op.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && op.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && (len(op.Context.Result) > 0) != *opts.HasResult {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
