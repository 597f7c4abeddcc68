package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"creditledger/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const ctxUserIDKey = "user_id"

var ErrUnauthorized = errors.New("未登录或登录已失效")

// LoggerMiddleware 日志中间件
func LoggerMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		if query != "" {
			path = path + "?" + query
		}

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
		}
		if uid, ok := c.Get(ctxUserIDKey); ok {
			fields = append(fields, zap.Any("user_id", uid))
		}
		log.Info("http", fields...)
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("panic", zap.Any("error", err), zap.String("path", c.Request.URL.Path), zap.Stack("stack"))
				response.ServerError(c, "服务器内部错误")
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID, X-Max-Price, X-Max-Latency")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// AuthMiddleware 校验 Authorization: Bearer <user_id>.<hex(hmac_sha256(secret, user_id))>
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := ParseUserToken(secret, c.GetHeader("Authorization"))
		if err != nil {
			response.Unauthorized(c, err.Error())
			return
		}
		c.Set(ctxUserIDKey, userID)
		c.Next()
	}
}

// AdminMiddleware 校验 X-Admin-Token，未配置管理令牌时拒绝所有请求
func AdminMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Admin-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			response.Forbidden(c, "无管理权限")
			return
		}
		c.Next()
	}
}

// SignUserToken 签发用户令牌
func SignUserToken(secret string, userID int64) string {
	uid := strconv.FormatInt(userID, 10)
	return uid + "." + userTokenMAC(secret, uid)
}

func ParseUserToken(secret, header string) (int64, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || secret == "" {
		return 0, ErrUnauthorized
	}
	uid, mac, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok {
		return 0, ErrUnauthorized
	}
	if !hmac.Equal([]byte(mac), []byte(userTokenMAC(secret, uid))) {
		return 0, ErrUnauthorized
	}
	userID, err := strconv.ParseInt(uid, 10, 64)
	if err != nil || userID <= 0 {
		return 0, ErrUnauthorized
	}
	return userID, nil
}

func userTokenMAC(secret, uid string) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(uid))
	return hex.EncodeToString(m.Sum(nil))
}

func currentUserID(c *gin.Context) int64 {
	return c.GetInt64(ctxUserIDKey)
}
