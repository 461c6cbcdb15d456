/*
 * @module api/middleware/identity
 * @description 调用方身份中间件，解析 JWT 或请求头得到租户、调用方和来源 IP
 * @architecture 中间件模式 - HTTP请求拦截和上下文注入
 * @documentReference ai_docs/push_design.md
 * @stateFlow 白名单判断 -> Token提取 -> Token验证 -> 上下文注入 -> 下一个处理器
 * @rules
 *   - 启用认证时必须携带有效的 Bearer Token，租户取自 tenant_id 声明
 *   - 未启用认证时从 X-Tenant-ID / X-User-ID 请求头读取身份
 * @dependencies github.com/golang-jwt/jwt/v5, github.com/go-chi/render
 * @refs api/routes.go, service/change_detect/permission.go
 */

package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v5"
)

// ContextKey 上下文键类型
type ContextKey string

// IdentityKey 调用方身份在上下文中的键
const IdentityKey ContextKey = "identity"

// Identity 调用方身份
type Identity struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	IP       string `json:"ip"`
}

// Claims JWT 声明
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// IdentityMiddleware 身份解析中间件
type IdentityMiddleware struct {
	secret   []byte
	issuer   string
	required bool
	// 白名单路径（不需要鉴权）
	whitelistPaths []string
}

// NewIdentityMiddleware 创建身份解析中间件
func NewIdentityMiddleware(secret, issuer string, required bool) *IdentityMiddleware {
	return &IdentityMiddleware{
		secret:   []byte(secret),
		issuer:   issuer,
		required: required,
		whitelistPaths: []string{
			"/health",
			"/ready",
			"/metrics",
		},
	}
}

// AddWhitelistPath 添加白名单路径
func (m *IdentityMiddleware) AddWhitelistPath(path string) {
	m.whitelistPaths = append(m.whitelistPaths, path)
}

// IsWhitelistPath 检查路径是否在白名单中，支持前缀匹配
func (m *IdentityMiddleware) IsWhitelistPath(path string) bool {
	for _, p := range m.whitelistPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Middleware 身份解析处理函数
func (m *IdentityMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.IsWhitelistPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity := Identity{IP: clientIP(r)}
		authHeader := r.Header.Get("Authorization")
		switch {
		case authHeader != "":
			if !strings.HasPrefix(authHeader, "Bearer ") {
				m.respondUnauthorized(w, r, "无效的Authorization格式，需要Bearer Token")
				return
			}
			claims, err := m.parseToken(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				m.respondUnauthorized(w, r, fmt.Sprintf("Token验证失败: %v", err))
				return
			}
			identity.ID = claims.Subject
			identity.TenantID = claims.TenantID
		case m.required:
			m.respondUnauthorized(w, r, "缺少Authorization头")
			return
		default:
			identity.ID = r.Header.Get("X-User-ID")
			identity.TenantID = r.Header.Get("X-Tenant-ID")
		}

		ctx := context.WithValue(r.Context(), IdentityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *IdentityMiddleware) parseToken(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("Token为空")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("缺少 tenant_id 声明")
	}
	return claims, nil
}

// respondUnauthorized 返回未授权响应
func (m *IdentityMiddleware) respondUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	render.Status(r, http.StatusUnauthorized)
	render.JSON(w, r, map[string]interface{}{
		"status": http.StatusUnauthorized,
		"msg":    message,
	})
}

// GetIdentity 从上下文中获取调用方身份
func GetIdentity(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(IdentityKey).(Identity)
	return identity, ok
}

// WithIdentity 把身份写入上下文
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
