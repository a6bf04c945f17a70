// middleware.go implements the request-logging and panic-recovery wrappers.
// Grounded on infrastructure/middleware/logging.go's trace-id-plus-duration
// log line and recovery.go's recover-then-500 shape, adapted from the
// donor's gorilla/mux middleware signature to net/http's, and from its
// logging.Logger to pkg/logger's logrus embedding.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/qcfractal/fractal-core/internal/app/errorlog"
	"github.com/qcfractal/fractal-core/pkg/logger"
)

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.WithFields(map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}).Info("http request")
		})
	}
}

func recoverer(log *errorlog.Writer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					stack := string(debug.Stack())
					_ = log.Write(context.Background(), "panic", fmt.Sprintf("%v", rec), stack, userFromContext(r.Context()), r.URL.Path)
					writeBody(w, r, http.StatusInternalServerError, errorMessage{Msg: "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
