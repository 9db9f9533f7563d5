package operation

// Stats 聚合了操作状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	InFlight        int   `json:"in_flight"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	RolledBack      int   `json:"rolled_back"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// observe 将一个操作计入统计。
func (s *Stats) observe(op *Operation) {
	s.Total++
	switch op.Status {
	case StatusPending:
		s.Pending++
	case StatusValidating, StatusApproved, StatusExecuting:
		s.InFlight++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusRolledBack:
		s.RolledBack++
	}
	if op.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = op.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (op.UpdatedAt != 0 && op.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = op.UpdatedAt
	}
}
