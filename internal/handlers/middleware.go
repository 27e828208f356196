package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"clientdesk/internal/apperr"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/tomasen/realip"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestID tags each request with an ID, reusing a well-formed inbound one.
func (h *Handlers) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), RequestIDContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (l *loggingResponseWriter) WriteHeader(code int) {
	if l.status == 0 {
		l.status = code
	}
	l.ResponseWriter.WriteHeader(code)
}

func (l *loggingResponseWriter) Write(b []byte) (int, error) {
	if l.status == 0 {
		l.status = http.StatusOK
	}
	n, err := l.ResponseWriter.Write(b)
	l.size += n
	return n, err
}

// AccessLog logs one line per request.
func (h *Handlers) AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lrw, r)

		status := lrw.status
		if status == 0 {
			status = http.StatusOK
		}
		h.logger(r).Infow("access",
			"ip", realip.FromRequest(r),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"size", lrw.size,
			"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
		)
	})
}

// Recover turns a panic into a 500 response.
func (h *Handlers) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.logger(r).Errorw("panic recovered", "panic", fmt.Sprint(rec), zap.StackSkip("stack", 2))
				w.Header().Set("Connection", "close")
				h.writeError(w, r, apperr.Internal("Unable to reach server", fmt.Errorf("panic: %v", rec)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// SecurityHeaders sets conservative browser security headers.
func (h *Handlers) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer-when-downgrade")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// CORS admits the configured front-end origin with credentials.
func (h *Handlers) CORS(next http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   []string{h.opts.AllowedOrigin},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           600,
	}).Handler(next)
}

const (
	maxVisitors     = 10000
	visitorIdleTime = 10 * time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per client IP.
type RateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	logger   *zap.SugaredLogger
}

// NewRateLimiter creates a new rate limiter. A non-positive rate or burst disables it.
func NewRateLimiter(requestsPerSecond float64, burst int, logger *zap.SugaredLogger) *RateLimiter {
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 || burst <= 0 {
		limit, burst = rate.Inf, 1
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     limit,
		burst:    burst,
		logger:   logger,
	}
}

// getLimiter returns the limiter for key, evicting idle visitors once the
// table grows large.
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, ok := rl.visitors[key]
	if !ok {
		if len(rl.visitors) >= maxVisitors {
			for k, old := range rl.visitors {
				if now.Sub(old.lastSeen) > visitorIdleTime {
					delete(rl.visitors, k)
				}
			}
		}
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Middleware rejects callers that exceed their budget with 429.
func (rl *RateLimiter) Middleware(onLimit func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := realip.FromRequest(r)
			if !rl.getLimiter(key).Allow() {
				rl.logger.Warnw("rate limit exceeded", "ip", key, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				onLimit(w, r, apperr.TooManyRequests("Too many requests, please try again later"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
