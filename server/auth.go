package server

import (
	"context"
	"net/http"
	"strings"

	"QFetch/core/auth"
	"QFetch/logger"
)

type ctxKey string

const subjectKey ctxKey = "subject"

// authMiddleware 配置了 API_JWT_SECRET 时校验 /api 下的请求。
// 浏览器的 WebSocket 无法设置请求头，允许 ?token= 传入。
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Config.APISecret == "" || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		raw := r.URL.Query().Get("token")
		if header := r.Header.Get("Authorization"); header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}
			raw = parts[1]
		}
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "authorization required")
			return
		}

		claims, err := auth.ParseToken(s.Config.APISecret, raw)
		if err != nil {
			logger.Debug("[Auth] 令牌无效", logger.String("path", r.URL.Path), logger.ErrorField(err))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SubjectFromContext 令牌中的调用方名称
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey).(string)
	return subject
}
