package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"datapush-service/service/rate_limiter"
)

// RateLimit 按租户限制每分钟请求数，limit<=0 时不限制
func RateLimit(limiter rate_limiter.Limiter, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := GetIdentity(r.Context())
			if limit <= 0 || !ok || identity.TenantID == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.CheckRateLimit(r.Context(), []rate_limiter.RateLimitRule{{
				Type:        rate_limiter.LimitTypeTenant,
				TargetID:    identity.TenantID,
				TimeWindow:  60,
				MaxRequests: limit,
			}})
			if err != nil {
				// 限流存储不可用时放行
				slog.Warn("限流检查失败", "tenant_id", identity.TenantID, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))
			if !result.Allowed {
				render.Status(r, http.StatusTooManyRequests)
				render.JSON(w, r, map[string]interface{}{
					"status": http.StatusTooManyRequests,
					"msg":    result.Message,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
