// 文件: pkg/api/auth.go
// 鉴权中间件
//
// 【两种凭证】
// - 定时触发: X-Trigger-Secret 共享密钥, 常数时间比较
// - 管理员:   Authorization: Bearer <JWT>, HS256, sub 为操作人, 角色必须包含 admin
//
// 两者都在调用引擎之前完成校验, 失败直接 401

package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	HeaderTriggerSecret = "X-Trigger-Secret"
	RoleAdmin           = "admin"

	ctxOperator = "operator"
)

var (
	errSecretNotConfigured = errors.New("secret not configured")
	errSubjectRequired     = errors.New("subject claim required")
	errNotAdmin            = errors.New("admin role required")
)

// =============================================================================
// 定时触发密钥
// =============================================================================

// TriggerAuth 校验定时触发密钥; 未配置密钥时拒绝所有请求
func TriggerAuth(secret string, log *zap.Logger) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(HeaderTriggerSecret))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			log.Warn("[API] trigger secret rejected",
				zap.String("path", c.FullPath()),
				zap.String("client_ip", c.ClientIP()))
			Error(c, http.StatusUnauthorized, "invalid trigger credential", nil)
			return
		}
		c.Next()
	}
}

// =============================================================================
// 管理员 JWT
// =============================================================================

type adminClaims struct {
	jwt.RegisteredClaims
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

func (c *adminClaims) isAdmin() bool {
	return c.Role == RoleAdmin || slices.Contains(c.Roles, RoleAdmin)
}

// authenticateAdmin 解析 JWT, 返回操作人 (sub)
func authenticateAdmin(token, secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errSecretNotConfigured
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &adminClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errSubjectRequired
	}
	if !claims.isAdmin() {
		return "", errNotAdmin
	}
	return claims.Subject, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// AdminAuth 校验管理员 JWT, 操作人写入 gin.Context
func AdminAuth(secret string, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			Error(c, http.StatusUnauthorized, "authentication required", nil)
			return
		}
		operator, err := authenticateAdmin(token, secret)
		if err != nil {
			log.Warn("[API] admin token rejected",
				zap.String("path", c.FullPath()),
				zap.Error(err))
			Error(c, http.StatusUnauthorized, "invalid credentials", nil)
			return
		}
		c.Set(ctxOperator, operator)
		c.Next()
	}
}

func operatorFrom(c *gin.Context) string {
	return c.GetString(ctxOperator)
}
