package http

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// WorkflowAuthMiddleware проверяет общий токен внешнего workflow-движка.
// Пустой токен отключает проверку (локальная разработка).
func WorkflowAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "недействительный токен", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ErrorResponse описывает ошибку API.
type ErrorResponse struct {
	Error string `json:"error"`
}
