package auth

import "context"

// principalKey 是上下文中存储 Principal 的键类型。
type principalKey struct{}

// WithPrincipal 将经过认证的主体信息存储到上下文中。
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	if principal == nil {
		return ctx
	}
	principal.normalise()
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFromContext 从上下文中提取经过认证的主体信息。
func PrincipalFromContext(ctx context.Context) *Principal {
	if ctx == nil {
		return nil
	}
	if principal, ok := ctx.Value(principalKey{}).(*Principal); ok {
		principal.normalise()
		return principal
	}
	return nil
}

// sessionKey 是上下文中存储会话标识的键类型。
type sessionKey struct{}

// WithSessionID 将令牌携带的会话标识存储到上下文中。
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionIDFromContext 从上下文中提取会话标识。
func SessionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(sessionKey{}).(string); ok {
		return id
	}
	return ""
}
