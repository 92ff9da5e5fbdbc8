package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/common"
	"github.com/ternarybob/formrunner/internal/handlers"
)

// withMiddleware wraps h so that requests are logged, get CORS headers and
// have panics turned into 500s. Logging is outermost.
func (s *Server) withMiddleware(h http.Handler) http.Handler {
	return s.loggingMiddleware(corsMiddleware(s.recoveryMiddleware(h)))
}

// withConditionalMiddleware skips logging and recovery for /ws: the upgraded
// connection outlives the request and the wrapped writer.
func (s *Server) withConditionalMiddleware(h http.Handler) http.Handler {
	wrapped := s.withMiddleware(h)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			setCORSHeaders(w)
			h.ServeHTTP(w, r)
			return
		}
		wrapped.ServeHTTP(w, r)
	})
}

// requestLogger tags the logger with the job a request targets, so control
// calls show up under the same correlation id as the batch they affect.
func (s *Server) requestLogger(r *http.Request) (arbor.ILogger, string) {
	jobID := requestJobID(r.URL.Path)
	if jobID == "" {
		return s.app.Logger, ""
	}
	return s.app.Logger.WithCorrelationId(jobID), jobID
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger, jobID := s.requestLogger(r)

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		event := logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.status).
			Dur("duration", time.Since(start))
		if jobID != "" {
			event = event.Str("job_id", jobID)
		}
		if r.URL.RawQuery != "" {
			event = event.Str("query", r.URL.RawQuery)
		}
		event.Msg("HTTP request")
	})
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// corsMiddleware lets a dashboard on another origin call the API. Preflight
// requests are answered here.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			logger, jobID := s.requestLogger(r)
			logger.Error().
				Str("panic", fmt.Sprintf("%v", rec)).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("job_id", jobID).
				Str("stack", common.GetStackTrace()).
				Msg("Recovered from panic in HTTP handler")
			handlers.WriteError(w, http.StatusInternalServerError, "Internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder keeps the status code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder.
func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}
