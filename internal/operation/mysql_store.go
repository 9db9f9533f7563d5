package operation

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "Aegis-Assist/internal/errors"
)

// MySQLStore 基于 MySQL 的操作存储实现，供多实例部署使用。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 连接 MySQL 并初始化操作表。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 MySQL 连接失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS operation_states (
        id VARCHAR(64) PRIMARY KEY,
        type VARCHAR(32) NOT NULL,
        params TEXT,
        principal_id VARCHAR(128) DEFAULT '',
        session_id VARCHAR(64) DEFAULT '',
        trace_id VARCHAR(64) DEFAULT '',
        source VARCHAR(64) DEFAULT '',
        result TEXT,
        priority VARCHAR(16) NOT NULL DEFAULT 'medium',
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        error_code VARCHAR(64) DEFAULT '',
        error_message TEXT,
        error_details TEXT,
        created_at BIGINT NOT NULL,
        started_at BIGINT NOT NULL DEFAULT 0,
        completed_at BIGINT NOT NULL DEFAULT 0,
        updated_at BIGINT NOT NULL,
        INDEX idx_operation_status (status),
        INDEX idx_operation_principal (principal_id),
        INDEX idx_operation_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 operation_states 表失败")
	}
	if _, err := s.db.Exec(`ALTER TABLE operation_states ADD COLUMN error_details TEXT AFTER error_message`); err != nil {
		var mysqlErr *mysql.MySQLError
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 operation_states.error_details 失败")
		}
	}
	return nil
}

// Create 插入新的操作记录。
func (s *MySQLStore) Create(ctx context.Context, op *Operation) error {
	if op == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "operation 不能为空")
	}
	if strings.TrimSpace(op.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "操作 ID 不能为空")
	}

	now := time.Now().Unix()
	if op.CreatedAt == 0 {
		op.CreatedAt = now
	}
	op.UpdatedAt = now

	paramsValue, err := marshalJSONColumn(op.Params)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码操作参数失败")
	}

	const stmt = `INSERT INTO operation_states
        (id, type, params, principal_id, session_id, trace_id, source, priority, status, attempts, max_retries, error_code, error_message, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		op.ID,
		string(op.Type),
		paramsValue,
		op.Context.PrincipalID,
		op.Context.SessionID,
		op.Context.TraceID,
		op.Context.Source,
		string(op.Priority),
		string(op.Status),
		op.Attempts,
		op.MaxRetries,
		op.CreatedAt,
		op.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrOperationConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入操作失败")
	}
	return nil
}

const operationColumns = `id, type, params, principal_id, session_id, trace_id, source, result, priority, status,
        attempts, max_retries, error_code, error_message, error_details, created_at, started_at, completed_at, updated_at`

// Get 查询指定操作。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Operation, error) {
	stmt := `SELECT ` + operationColumns + ` FROM operation_states WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)
	op, err := scanOperation(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}
	return op, nil
}

// Claim 领取操作：递增尝试次数并把状态推进到 Validating。
// 仅 Pending 与 Failed 状态可被领取，用条件更新保证并发安全。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Operation, error) {
	const updateStmt = `UPDATE operation_states SET status = ?, attempts = attempts + 1, updated_at = ?,
        error_code = '', error_message = '', error_details = NULL
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		string(StatusValidating),
		now,
		id,
		string(StatusPending),
		string(StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新操作状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		op, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch {
		case op.Status.IsTerminal() && op.Status != StatusFailed:
			return op, ErrOperationCompleted
		case op.Status == StatusValidating, op.Status == StatusApproved, op.Status == StatusExecuting:
			return op, ErrOperationConflict
		case op.Attempts >= op.MaxRetries:
			return op, ErrOperationExhausted
		default:
			return op, ErrOperationConflict
		}
	}
	return s.Get(ctx, id)
}

// Update 回写执行器修改后的完整状态。
func (s *MySQLStore) Update(ctx context.Context, op *Operation) error {
	if op == nil || strings.TrimSpace(op.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "operation 不能为空")
	}

	resultValue, err := marshalJSONColumn(op.Context.Result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码操作结果失败")
	}

	var errCode, errMessage string
	var errDetails sql.NullString
	if op.Error != nil {
		errCode = string(op.Error.Code)
		errMessage = op.Error.Message
		errDetails, err = marshalJSONColumn(op.Error.Details)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码错误详情失败")
		}
	}

	const stmt = `UPDATE operation_states SET status = ?, result = ?, error_code = ?, error_message = ?, error_details = ?,
        started_at = ?, completed_at = ?, updated_at = ? WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		string(op.Status),
		resultValue,
		errCode,
		errMessage,
		errDetails,
		op.StartedAt,
		op.CompletedAt,
		now,
		op.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回写操作状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrOperationNotFound
	}
	return nil
}

// MarkFailed 将操作标记为失败，不经过执行器。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code, message string, _ bool) error {
	const stmt = `UPDATE operation_states SET status = ?, error_code = ?, error_message = ?, updated_at = ? WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusFailed),
		code,
		message,
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记操作失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrOperationNotFound
	}
	return nil
}

// List 返回最近的操作。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Operation, error) {
	opts.applyDefaults()

	query := `SELECT ` + operationColumns + ` FROM operation_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作列表失败")
	}
	defer rows.Close()

	ops := make([]*Operation, 0, opts.Limit)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历操作失败")
	}
	return ops, nil
}

// Stats 返回符合过滤条件的操作聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status IN (?, ?, ?) THEN 1 ELSE 0 END) AS in_flight,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS rolled_back,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM operation_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(StatusPending),
		string(StatusValidating), string(StatusApproved), string(StatusExecuting),
		string(StatusCompleted),
		string(StatusFailed),
		string(StatusRolledBack),
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats Stats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.InFlight,
		&stats.Completed,
		&stats.Failed,
		&stats.RolledBack,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*Operation, error) {
	var op Operation
	var params, result, errDetails sql.NullString
	var errCode, errMessage string

	if err := row.Scan(
		&op.ID,
		&op.Type,
		&params,
		&op.Context.PrincipalID,
		&op.Context.SessionID,
		&op.Context.TraceID,
		&op.Context.Source,
		&result,
		&op.Priority,
		&op.Status,
		&op.Attempts,
		&op.MaxRetries,
		&errCode,
		&errMessage,
		&errDetails,
		&op.CreatedAt,
		&op.StartedAt,
		&op.CompletedAt,
		&op.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析操作记录失败")
	}

	if params.Valid && strings.TrimSpace(params.String) != "" {
		if err := json.Unmarshal([]byte(params.String), &op.Params); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析操作参数失败")
		}
	}
	if result.Valid && strings.TrimSpace(result.String) != "" {
		if err := json.Unmarshal([]byte(result.String), &op.Context.Result); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析操作结果失败")
		}
	}
	if errCode != "" || errMessage != "" {
		opErr := &OperationError{Code: xerrors.Code(errCode), Message: errMessage}
		if errDetails.Valid && strings.TrimSpace(errDetails.String) != "" {
			if err := json.Unmarshal([]byte(errDetails.String), &opErr.Details); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析错误详情失败")
			}
		}
		op.Error = opErr
	}
	return &op, nil
}

func marshalJSONColumn(v any) (sql.NullString, error) {
	switch value := v.(type) {
	case map[string]any:
		if len(value) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]string:
		if len(value) == 0 {
			return sql.NullString{}, nil
		}
	case nil:
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if len(opts.Types) > 0 {
		placeholders := make([]string, 0, len(opts.Types))
		for range opts.Types {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("type IN (%s)", strings.Join(placeholders, ",")))
		for _, t := range opts.Types {
			args = append(args, string(t))
		}
	}
	if opts.PrincipalID != "" {
		conditions = append(conditions, "principal_id = ?")
		args = append(args, opts.PrincipalID)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(result IS NOT NULL AND result <> '')")
		} else {
			conditions = append(conditions, "(result IS NULL OR result = '')")
		}
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
