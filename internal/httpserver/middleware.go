package httpserver

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

type requestLogKey struct{}

// requestLog is the per-request logging state shared between the middleware
// and handlers. Handlers record the offset operations they ran so the access
// line doubles as the audit record for clock writes.
type requestLog struct {
	logger *slog.Logger

	mu         sync.Mutex
	operations []string
}

func (l *requestLog) addOperation(id string) {
	if id == "" {
		return
	}
	l.mu.Lock()
	l.operations = append(l.operations, id)
	l.mu.Unlock()
}

func (l *requestLog) operationIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.operations...)
}

// statusRecorder captures the response status and size. It must keep
// Hijack working for the WebSocket upgrade.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rec *statusRecorder) WriteHeader(status int) {
	if rec.status == 0 {
		rec.status = status
	}
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

func (rec *statusRecorder) statusCode() int {
	if rec.status == 0 {
		return http.StatusOK
	}
	return rec.status
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpserver: response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		rec.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := &requestLog{
			logger: s.logger.With(
				"req_id", s.requestIDs.Add(1),
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			),
		}

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()

		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestLogKey{}, entry)))

		attrs := []any{
			"status", rec.statusCode(),
			"duration", time.Since(start),
			"bytes", rec.bytes,
		}
		ops := entry.operationIDs()
		if len(ops) > 0 {
			attrs = append(attrs, "operation_ids", ops)
		}
		entry.logger.Log(r.Context(), requestLogLevel(r.Method, rec.statusCode(), len(ops) > 0), "request complete", attrs...)
	})
}

// requestLogLevel keeps polling traffic out of the default log while every
// state-changing request and server error stays visible.
func requestLogLevel(method string, status int, wroteOffsets bool) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelWarn
	case wroteOffsets:
		return slog.LevelInfo
	case method == http.MethodGet || method == http.MethodHead:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func requestLogFrom(ctx context.Context) *requestLog {
	if ctx == nil {
		return nil
	}
	entry, _ := ctx.Value(requestLogKey{}).(*requestLog)
	return entry
}

func (s *Server) loggerFromContext(ctx context.Context) *slog.Logger {
	if entry := requestLogFrom(ctx); entry != nil {
		return entry.logger
	}
	return s.logger
}

// recordOperation attaches an offset operation id to the request log line.
func recordOperation(ctx context.Context, id string) {
	if entry := requestLogFrom(ctx); entry != nil {
		entry.addOperation(id)
	}
}
