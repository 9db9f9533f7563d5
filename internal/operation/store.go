package operation

import "context"

// Store 抽象了操作状态的持久化接口。
type Store interface {
	// Create 保存一个新的操作，ID 冲突时返回 ErrOperationConflict。
	Create(ctx context.Context, op *Operation) error
	// Get 返回指定操作的副本。
	Get(ctx context.Context, id string) (*Operation, error)
	// Claim 领取一个待执行的操作：递增尝试次数并把状态推进到
	// Validating。不可领取时返回对应的统一错误。
	Claim(ctx context.Context, id string) (*Operation, error)
	// Update 回写执行器修改后的状态、时间戳、结果与错误。
	Update(ctx context.Context, op *Operation) error
	// MarkFailed 在不经过执行器的情况下直接标记失败（例如入队失败）。
	MarkFailed(ctx context.Context, id string, code, message string, terminal bool) error
	// List 返回符合过滤条件的操作列表。
	List(ctx context.Context, opts ListOptions) ([]*Operation, error)
	// Stats 返回符合过滤条件的统计信息。
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
