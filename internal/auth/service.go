package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"Aegis-Assist/internal/operation"
	"Aegis-Assist/pkg/logger"
)

// 常量定义。
const (
	tokenHeaderJSON   = `{"alg":"HS256","typ":"AAT"}`
	passwordSaltBytes = 16
	defaultSessionTTL = 24 * time.Hour
)

// encodedTokenHeader 是编码后的令牌头部。
var encodedTokenHeader = base64.RawURLEncoding.EncodeToString([]byte(tokenHeaderJSON))

// Service 负责主体认证、会话有效性检查与按操作类别的能力授权。
type Service struct {
	mode     Mode
	store    Store
	signer   *tokenManager
	ttl      time.Duration
	audit    *slog.Logger
	security *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewService 构造认证服务实例。
func NewService(ctx context.Context, cfg Config, store Store) (*Service, error) {
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	svc := &Service{
		mode:     mode,
		store:    store,
		audit:    logger.Audit(),
		security: logger.Security(),
		sessions: make(map[string]*Session),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
		if store == nil {
			return nil, errors.New("token mode requires a principal store")
		}
		if strings.TrimSpace(cfg.Secret) == "" {
			return nil, errors.New("token secret must be configured")
		}
		if cfg.SessionTTL <= 0 {
			cfg.SessionTTL = defaultSessionTTL
		}
		svc.ttl = cfg.SessionTTL
		svc.signer = &tokenManager{secret: []byte(cfg.Secret)}
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if len(cfg.Seeds) > 0 && store != nil {
		if writer, ok := store.(SeedWriter); ok {
			for _, seed := range cfg.Seeds {
				if err := writer.ApplySeed(ctx, seed); err != nil {
					return nil, fmt.Errorf("apply seed %s: %w", seed.Username, err)
				}
			}
		}
	}
	return svc, nil
}

// Mode 返回当前认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Authenticate 校验凭证并铸造一个带签名令牌的会话。
// 失败时不产生任何半成品会话。
func (s *Service) Authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	username := strings.TrimSpace(creds.Username)
	user, err := s.store.FindUserByUsername(ctx, username)
	if err != nil {
		s.securityLog().Warn("login_failed",
			slog.String("principal_id", username),
			slog.String("reason", "unknown user"),
		)
		return nil, ErrInvalidCredentials
	}
	if user.Disabled {
		s.securityLog().Warn("login_failed",
			slog.String("principal_id", username),
			slog.String("reason", "principal disabled"),
		)
		return nil, ErrPrincipalRevoked
	}
	if !verifyPassword(user.PasswordHash, creds.Password) {
		s.securityLog().Warn("login_failed",
			slog.String("principal_id", username),
			slog.String("reason", "bad password"),
		)
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	session := &Session{
		ID:           uuid.NewString(),
		PrincipalID:  username,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
		LastActivity: now,
	}
	token, err := s.signer.Sign(tokenClaims{
		PrincipalID: session.PrincipalID,
		SessionID:   session.ID,
		IssuedAt:    now.Unix(),
		ExpiresAt:   session.ExpiresAt.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}
	session.Token = token

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	s.securityLog().Info("user_login",
		slog.String("severity", "low"),
		slog.String("principal_id", session.PrincipalID),
		slog.String("session_id", session.ID),
		slog.Time("expires_at", session.ExpiresAt),
	)
	return cloneSession(session), nil
}

// ValidateSession 检查会话是否仍然有效。过期路径会驱逐会话并发出
// SessionExpired 事件；除此之外，false 路径不得产生任何副作用。
func (s *Service) ValidateSession(sessionID string) bool {
	if s == nil || s.mode == ModeDisabled {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	if claims, err := s.signer.Verify(session.Token); err != nil ||
		claims.SessionID != session.ID || claims.PrincipalID != session.PrincipalID {
		return false
	}
	if time.Now().After(session.ExpiresAt) {
		delete(s.sessions, sessionID)
		s.securityLog().Info("session_expired",
			slog.String("principal_id", session.PrincipalID),
			slog.String("session_id", session.ID),
		)
		return false
	}
	session.LastActivity = time.Now()
	return true
}

// Authorize 对操作执行能力授权：按操作类别查出固定的能力需求集合，
// 要求主体持有其中全部能力。每次调用都会落一条审计记录。
func (s *Service) Authorize(ctx context.Context, op *operation.Operation, principalID string) bool {
	if op == nil {
		return false
	}
	if s == nil || s.mode == ModeDisabled {
		return true
	}
	required := RequiredCapabilities(op.Type)
	allowed := false
	principal, err := s.store.LoadPrincipal(ctx, principalID)
	if err == nil {
		allowed = principal.Require(required...) == nil
	}

	record := s.audit
	if record == nil {
		record = logger.Audit()
	}
	record.Info("operation_authorization",
		slog.String("operation_id", op.ID),
		slog.String("principal_id", principalID),
		slog.Any("required_capabilities", required),
		slog.Bool("allowed", allowed),
	)
	if !allowed {
		s.securityLog().Warn("authorization_denied",
			slog.String("operation_id", op.ID),
			slog.String("principal_id", principalID),
			slog.String("type", string(op.Type)),
		)
	}
	return allowed
}

// AuthenticateRequest 验证 Authorization 头部并返回对应的主体。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Principal, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	claims, err := s.signer.Verify(token)
	if err != nil {
		return nil, err
	}
	if !s.ValidateSession(claims.SessionID) {
		return nil, ErrSessionExpired
	}
	principal, err := s.store.LoadPrincipal(ctx, claims.PrincipalID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if principal.Disabled {
		return nil, ErrPrincipalRevoked
	}
	principal.normalise()
	return principal, nil
}

// SessionIDFromToken 提取令牌中携带的会话标识,不做任何副作用校验。
// 调用方应先通过 AuthenticateRequest 完成认证。
func (s *Service) SessionIDFromToken(authorization string) string {
	if s == nil || s.signer == nil {
		return ""
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	claims, err := s.signer.Verify(strings.TrimSpace(parts[1]))
	if err != nil {
		return ""
	}
	return claims.SessionID
}

// Session 返回指定会话的副本，供观测与测试使用。
func (s *Service) Session(sessionID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return cloneSession(session), true
}

// CleanupSessions 驱逐所有已过期的会话，并为每次驱逐发出一条
// SessionCleanup 事件。返回驱逐数量，供周期任务记录。
func (s *Service) CleanupSessions() int {
	if s == nil || s.mode == ModeDisabled {
		return 0
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, id)
			evicted++
			s.securityLog().Info("session_cleanup",
				slog.String("principal_id", session.PrincipalID),
				slog.String("session_id", session.ID),
			)
		}
	}
	return evicted
}

// StartSessionSweeper 周期性执行 CleanupSessions，直至上下文取消。
func (s *Service) StartSessionSweeper(ctx context.Context, interval time.Duration) {
	if s == nil || s.mode == ModeDisabled {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := s.CleanupSessions(); evicted > 0 {
				logger.L().Info("过期会话已清理", slog.Int("evicted", evicted))
			}
		}
	}
}

func (s *Service) securityLog() *slog.Logger {
	if s != nil && s.security != nil {
		return s.security
	}
	return logger.Security()
}

func cloneSession(session *Session) *Session {
	if session == nil {
		return nil
	}
	clone := *session
	return &clone
}

// tokenManager 负责会话令牌的签名与验证。令牌绑定主体与会话标识。
type tokenManager struct {
	secret []byte
}

// tokenClaims 定义会话令牌的声明结构。
type tokenClaims struct {
	PrincipalID string `json:"principal_id"`
	SessionID   string `json:"session_id"`
	IssuedAt    int64  `json:"iat,omitempty"`
	ExpiresAt   int64  `json:"exp,omitempty"`
}

// Sign 使用 HMAC-SHA256 签名令牌。
func (m *tokenManager) Sign(claims tokenClaims) (string, error) {
	if m == nil {
		return "", errors.New("token manager not initialised")
	}
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := m.signature(encodedTokenHeader, payload)
	return strings.Join([]string{encodedTokenHeader, payload, base64.RawURLEncoding.EncodeToString(signature)}, "."), nil
}

// signature 计算令牌的签名部分。
func (m *tokenManager) signature(header, payload string) []byte {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(header))
	mac.Write([]byte("."))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// Verify 验证令牌签名与有效期并返回其声明。
func (m *tokenManager) Verify(token string) (*tokenClaims, error) {
	if m == nil {
		return nil, errors.New("token manager not initialised")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	expected := m.signature(parts[0], parts[1])
	actual, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return nil, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt != 0 && time.Now().Unix() > claims.ExpiresAt {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// HashPassword 对给定的密码进行哈希处理并返回哈希值。
func HashPassword(password string) (string, error) {
	return hashPassword(password)
}

func hashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password cannot be empty")
	}
	salt := make([]byte, passwordSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	digest := sha256.Sum256(append(salt, []byte(password)...))
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedDigest := base64.RawStdEncoding.EncodeToString(digest[:])
	return encodedSalt + ":" + encodedDigest, nil
}

// verifyPassword 验证给定的密码是否与哈希值匹配。
func verifyPassword(hashed, password string) bool {
	if hashed == "" {
		return false
	}
	parts := strings.SplitN(hashed, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	digest := sha256.Sum256(append(salt, []byte(password)...))
	return subtle.ConstantTimeCompare(expected, digest[:]) == 1
}
