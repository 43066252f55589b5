package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ambulance-dispatch/internal/observability"
)

// refHeader carries the per-call correlation token. It is distinct from the
// emergency request id, hence "ref" in context and logs.
const refHeader = "X-Request-ID"

type refKey struct{}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.recovery, tagRef, s.instrument)
}

func tagRef(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ref := r.Header.Get(refHeader)
		if ref == "" {
			ref = newID()
		}
		w.Header().Set(refHeader, ref)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), refKey{}, ref)))
	})
}

func requestRef(ctx context.Context) string {
	ref, _ := ctx.Value(refKey{}).(string)
	return ref
}

// instrument records route metrics and one access log line per call. The
// level follows the status class.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		took := time.Since(began)

		code := rec.code()
		labels := []string{r.Method, routeName(r), strconv.Itoa(code)}
		observability.HTTPRequestsTotal.WithLabelValues(labels...).Inc()
		observability.HTTPRequestDuration.WithLabelValues(labels...).Observe(took.Seconds())

		s.logger.LogAttrs(r.Context(), accessLevel(code), "http_request",
			slog.String("method", r.Method),
			slog.String("route", labels[1]),
			slog.Int("status", code),
			slog.Int("bytes", rec.written),
			slog.Int64("duration_ms", took.Milliseconds()),
			slog.String("client_ip", clientIP(r)),
			slog.String("request_ref", requestRef(r.Context())),
		)
	})
}

func accessLevel(code int) slog.Level {
	if code >= http.StatusInternalServerError {
		return slog.LevelError
	}
	if code >= http.StatusBadRequest {
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			s.logger.Error("handler panic", "panic", v, "route", routeName(r), "request_ref", requestRef(r.Context()))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal"})
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder remembers the first status written and counts body bytes.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.written += n
	return n, err
}

func (w *statusRecorder) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Hijack is needed by the operator websocket upgrade.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// routeName prefers the mux template so ids do not explode label cardinality.
func routeName(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return r.URL.Path
	}
	tmpl, err := route.GetPathTemplate()
	if err != nil {
		return r.URL.Path
	}
	return tmpl
}

// clientIP trusts the first X-Forwarded-For hop when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
