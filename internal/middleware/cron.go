package middleware

import (
	"crypto/hmac"
	"net/http"
	"strings"
)

// CronAuth пропускает запрос только с верным bearer-токеном. Один и тот же
// токен используется cron-задачей и административными триггерами.
func CronAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			presented, found := strings.CutPrefix(header, "Bearer ")
			if !found || token == "" || !hmac.Equal([]byte(presented), []byte(token)) {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
