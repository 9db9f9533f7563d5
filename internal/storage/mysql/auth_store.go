package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"Aegis-Assist/internal/auth"
)

// SQLAuthStore persists users, roles and capabilities in MySQL.
type SQLAuthStore struct {
	db *sql.DB
}

// NewSQLAuthStore creates the store using the provided connection settings
// and applies pending schema migrations.
func NewSQLAuthStore(ctx context.Context, cfg Config) (*SQLAuthStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLAuthStore{db: db}, nil
}

// Close releases the underlying database connection pool.
func (s *SQLAuthStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// FindUserByUsername implements auth.Store.
func (s *SQLAuthStore) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	const query = `SELECT id, username, password_hash, disabled FROM auth_users WHERE username = ?`
	row := s.db.QueryRowContext(ctx, query, strings.TrimSpace(username))
	var user auth.User
	var disabled int
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	user.Disabled = disabled == 1
	return &user, nil
}

// LoadPrincipal loads a principal with its roles and effective capabilities.
func (s *SQLAuthStore) LoadPrincipal(ctx context.Context, username string) (*auth.Principal, error) {
	const userQuery = `SELECT id, username, disabled FROM auth_users WHERE username = ?`
	row := s.db.QueryRowContext(ctx, userQuery, strings.TrimSpace(username))
	var userID int64
	var name string
	var disabled int
	if err := row.Scan(&userID, &name, &disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrInvalidToken
		}
		return nil, fmt.Errorf("查询用户信息失败: %w", err)
	}
	principal := &auth.Principal{ID: name, Disabled: disabled == 1}

	const rolesQuery = `SELECT r.name FROM auth_roles r
JOIN auth_user_roles ur ON ur.role_id = r.id
WHERE ur.user_id = ?`
	roles, err := s.collectStrings(ctx, rolesQuery, userID)
	if err != nil {
		return nil, err
	}
	principal.Roles = roles

	const capsQuery = `SELECT c.name FROM auth_capabilities c
JOIN auth_user_capabilities uc ON uc.capability_id = c.id
WHERE uc.user_id = ?`
	names, err := s.collectStrings(ctx, capsQuery, userID)
	if err != nil {
		return nil, err
	}
	capabilities := make([]auth.Capability, 0, len(names))
	for _, value := range names {
		capabilities = append(capabilities, auth.Capability(value))
	}
	principal.Capabilities = capabilities
	return principal, nil
}

func (s *SQLAuthStore) collectStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询列表失败: %w", err)
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("解析列表失败: %w", err)
		}
		result = append(result, strings.ToLower(strings.TrimSpace(value)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历列表失败: %w", err)
	}
	sort.Strings(result)
	return result, nil
}

// ApplySeed upserts a seed account with its roles and capabilities.
func (s *SQLAuthStore) ApplySeed(ctx context.Context, seed auth.Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("seed username cannot be empty")
	}
	passwordHash, err := auth.HashPassword(seed.Password)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var userID int64
	const upsertUser = `INSERT INTO auth_users (username, password_hash, disabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE password_hash = VALUES(password_hash), disabled = VALUES(disabled), updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`
	res, execErr := tx.ExecContext(ctx, upsertUser, username, passwordHash, boolToInt(seed.Disabled), now, now)
	if execErr != nil {
		err = fmt.Errorf("保存用户失败: %w", execErr)
		return err
	}
	userID, execErr = res.LastInsertId()
	if execErr != nil {
		err = fmt.Errorf("获取用户ID失败: %w", execErr)
		return err
	}

	for _, role := range dedupeValues(seed.Roles) {
		const upsertRole = `INSERT INTO auth_roles (name, description, created_at, updated_at)
VALUES (?, '', ?, ?)
ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`
		res, execErr = tx.ExecContext(ctx, upsertRole, role, now, now)
		if execErr != nil {
			err = fmt.Errorf("保存角色失败: %w", execErr)
			return err
		}
		roleID, e := res.LastInsertId()
		if e != nil {
			err = fmt.Errorf("获取角色ID失败: %w", e)
			return err
		}
		if _, execErr = tx.ExecContext(ctx, `INSERT IGNORE INTO auth_user_roles (user_id, role_id, assigned_at) VALUES (?, ?, ?)`, userID, roleID, now); execErr != nil {
			err = fmt.Errorf("绑定用户角色失败: %w", execErr)
			return err
		}
	}

	capabilities := make([]string, 0, len(seed.Capabilities))
	for _, c := range seed.Capabilities {
		capabilities = append(capabilities, string(c))
	}
	for _, name := range dedupeValues(capabilities) {
		const upsertCapability = `INSERT INTO auth_capabilities (name, description, created_at, updated_at)
VALUES (?, '', ?, ?)
ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`
		res, execErr = tx.ExecContext(ctx, upsertCapability, name, now, now)
		if execErr != nil {
			err = fmt.Errorf("保存能力失败: %w", execErr)
			return err
		}
		capabilityID, e := res.LastInsertId()
		if e != nil {
			err = fmt.Errorf("获取能力ID失败: %w", e)
			return err
		}
		if _, execErr = tx.ExecContext(ctx, `INSERT IGNORE INTO auth_user_capabilities (user_id, capability_id, assigned_at) VALUES (?, ?, ?)`, userID, capabilityID, now); execErr != nil {
			err = fmt.Errorf("绑定用户能力失败: %w", execErr)
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交种子数据失败: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dedupeValues(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		seen[strings.ToLower(value)] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}

var (
	_ auth.Store      = (*SQLAuthStore)(nil)
	_ auth.SeedWriter = (*SQLAuthStore)(nil)
)
