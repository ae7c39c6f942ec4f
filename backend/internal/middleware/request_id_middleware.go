package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader 是请求标识的响应头。
	RequestIDHeader = "X-Request-ID"
	// RequestIDKey 是请求标识在 gin.Context 中的键。
	RequestIDKey = "request_id"
)

// RequestID 为每个请求分配标识，沿用客户端传入的值。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}
