package auth

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"fair_platform/utils/logging"

	"github.com/go-chi/chi/v5"
)

var forwardedHeaders = []string{"X-Real-Ip", "X-Forwarded-For"}

func clientIp(r *http.Request) string {
	for _, header := range forwardedHeaders {
		if ip := r.Header.Get(header); ip != "" {
			return ip
		}
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "Unknown"
}

// requestAttrs returns the url params and query values of r as slog groups.
func requestAttrs(r *http.Request) []interface{} {
	path := []interface{}{}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, key := range rctx.URLParams.Keys {
			if key != "*" {
				path = append(path, slog.String(key, rctx.URLParams.Values[i]))
			}
		}
	}

	query := []interface{}{}
	for key, values := range r.URL.Query() {
		query = append(query, slog.String(key, strings.Join(values, ";")))
	}

	return []interface{}{slog.Group("path_params", path...), slog.Group("query_params", query...)}
}

// AuditLogger writes one json line per write request. It runs after
// authentication so the acting user is known; anonymous requests are logged
// with osm_id 0.
type AuditLogger struct {
	logger *slog.Logger
}

func NewAuditLogger(stream io.Writer) AuditLogger {
	return AuditLogger{logger: logging.NewLogger(stream, logging.AUDIT)}
}

func (log *AuditLogger) Middleware(next http.Handler) http.Handler {
	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		user, _ := UserFromContext(r)
		attrs := []interface{}{
			"username", user.Username,
			"osm_id", user.OsmId,
			"client_ip", clientIp(r),
			"method", r.Method,
			"url", r.URL.Path,
		}
		log.logger.Info("", append(attrs, requestAttrs(r)...)...)

		next.ServeHTTP(w, r)
	}
	return http.HandlerFunc(handler)
}

// AdminOnly rejects users without the staff flag.
func AdminOnly(next http.Handler) http.Handler {
	handler := func(w http.ResponseWriter, r *http.Request) {
		user, err := UserFromContext(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if !user.IsStaff {
			http.Error(w, "user is not an admin", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	}
	return http.HandlerFunc(handler)
}
