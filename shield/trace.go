package shield

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/slap/kit"
)

// TraceID gives each request a short random ID, returned in X-Trace-ID and
// stored in the context with the client IP (kit.GetTraceID,
// kit.GetRemoteAddr) for handler logging.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := make([]byte, 4)
		rand.Read(id)
		traceID := hex.EncodeToString(id)
		ip := ExtractIP(r)

		ctx := kit.WithTraceID(r.Context(), traceID)
		ctx = kit.WithRemoteAddr(ctx, ip)
		w.Header().Set("X-Trace-ID", traceID)

		slog.Debug("request",
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", ip,
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
