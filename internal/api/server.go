package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/capture"
	"github.com/JakeFAU/pagesnap/internal/config"
	"github.com/JakeFAU/pagesnap/internal/metrics"
)

// Response headers set on capture responses.
const (
	HeaderCache         = "X-Cache"
	HeaderCaptureRegion = "X-Capture-Region"
	HeaderCaptureDetail = "X-Capture-Detail"
	HeaderAttempts      = "X-Capture-Attempts"
	HeaderRequestID     = "X-Request-ID"
	HeaderAPIKey        = "X-API-Key"

	regionNotFound    = "not-found"
	retryAfterSeconds = 5
)

// Capturer runs the capture pipeline for a resolved request.
type Capturer interface {
	Capture(ctx context.Context, req capture.Request) capture.Result
	CacheTTL() time.Duration
}

// IDGenerator issues request IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// ReadinessCheck reports whether a downstream dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Server wires HTTP handlers to the capture service.
type Server struct {
	router   chi.Router
	capturer Capturer
	idGen    IDGenerator
	defaults capture.ResolveDefaults
	ready    []ReadinessCheck
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	capturer Capturer,
	idGen IDGenerator,
	cfg config.Config,
	logger *zap.Logger,
	ready ...ReadinessCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		capturer: capturer,
		idGen:    idGen,
		defaults: capture.ResolveDefaults{
			FallbackURL: cfg.Capture.FallbackURL,
			Selectors:   cfg.Capture.Selectors,
		},
		ready:  ready,
		logger: logger.Named("api"),
	}

	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Use(timeoutMiddleware(timeout))
		r.Get("/capture", s.capture)
		r.Get("/", s.capture)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.ready {
		if err := check(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeText(w, http.StatusServiceUnavailable, "not ready: "+err.Error())
			return
		}
	}
	writeText(w, http.StatusOK, "ready")
}

func (s *Server) capture(w http.ResponseWriter, r *http.Request) {
	req, err := capture.Resolve(r.URL.Query(), s.defaults)
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	result := s.capturer.Capture(r.Context(), req)
	if result.Image != nil {
		s.writeImage(w, req, result)
		return
	}
	s.writeFailure(w, r, req, result)
}

func (s *Server) writeImage(w http.ResponseWriter, req capture.Request, result capture.Result) {
	img := result.Image
	h := w.Header()
	contentType := img.ContentType
	if contentType == "" {
		contentType = capture.PNG
	}
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(img.Data)))
	h.Set(HeaderAttempts, strconv.Itoa(result.Attempts))
	if result.Cached {
		h.Set(HeaderCache, "HIT")
	} else {
		h.Set(HeaderCache, "MISS")
	}

	switch {
	case img.RegionMissing:
		h.Set(HeaderCaptureRegion, regionNotFound)
		h.Set(HeaderCaptureDetail, headerSafe(img.Note))
		h.Set("Cache-Control", "no-store")
	default:
		if req.Mode == capture.ModeRegion && img.Region != "" {
			h.Set(HeaderCaptureRegion, headerSafe(img.Region))
		}
		if ttl := s.capturer.CacheTTL(); ttl > 0 {
			h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(ttl.Seconds())))
		} else {
			h.Set("Cache-Control", "no-store")
		}
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img.Data); err != nil {
		s.logger.Warn("write image failed", zap.Error(err))
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, req capture.Request, result capture.Result) {
	failure := result.Failure
	if failure == nil {
		failure = &capture.Failure{Kind: capture.KindFatal, Detail: "capture produced no image", Request: req}
	}

	status := http.StatusInternalServerError
	var hint string
	switch failure.Kind {
	case capture.KindInvalidRequest:
		status = http.StatusBadRequest
	case capture.KindRateLimited:
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		hint = fmt.Sprintf("the rendering backend is busy; retry in %ds", retryAfterSeconds)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "capture failed: %s\n", failure.Detail)
	fmt.Fprintf(&b, "target: %s\n", req.URL)
	fmt.Fprintf(&b, "mode: %s\n", req.Mode)
	if hint != "" {
		fmt.Fprintf(&b, "hint: %s\n", hint)
	}
	if req.Debug {
		fmt.Fprintf(&b, "attempts: %d\n", result.Attempts)
		fmt.Fprintf(&b, "kind: %s\n", failure.Kind)
		fmt.Fprintf(&b, "request_id: %s\n", requestIDFrom(r.Context()))
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(HeaderAttempts, strconv.Itoa(result.Attempts))
	writeText(w, status, b.String())
}

// headerSafe strips characters net/http refuses in header values.
func headerSafe(v string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, v)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" {
			id, err := s.idGen.NewID()
			if err != nil {
				id = uuid.NewString()
			}
			reqID = id
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set(HeaderRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestIDFrom(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered",
					zap.Any("error", rec),
					zap.String("request_id", requestIDFrom(r.Context())),
				)
				writeText(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderAPIKey)
			if key == "" {
				key = r.URL.Query().Get("key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeText(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprint(w, body)
}
