package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/time/rate"

	"github.com/leca/imagevault/internal/apperr"
	"github.com/leca/imagevault/internal/config"
	"github.com/leca/imagevault/internal/metrics"
	"github.com/leca/imagevault/internal/model"
	"github.com/leca/imagevault/internal/token"
)

type contextKey string

const principalKey contextKey = "principal"

// Resolver turns an access token into the tenant it was issued to.
type Resolver interface {
	Resolve(ctx context.Context, accessToken string) (*model.Tenant, *token.TenantClaims, error)
}

// Principal is the bearer identity attached to a request. Presented is set
// whenever an Authorization header was sent, even if it did not resolve.
type Principal struct {
	Tenant    *model.Tenant
	Claims    *token.TenantClaims
	Presented bool
}

// bearerToken extracts the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	const prefix = "bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", true
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

// RequireTenant rejects requests without a valid bearer token.
func RequireTenant(res Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, presented := bearerToken(r)
			if !presented || tok == "" {
				Error(w, r, apperr.AuthRequired("bearer token required"))
				return
			}
			t, claims, err := res.Resolve(r.Context(), tok)
			if err != nil {
				Error(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, &Principal{Tenant: t, Claims: claims, Presented: true})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalTenant resolves a bearer token when one is sent but lets the
// request through either way. Handlers decide what an unresolved bearer
// means.
func OptionalTenant(res Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, presented := bearerToken(r)
			if !presented {
				next.ServeHTTP(w, r)
				return
			}
			p := &Principal{Presented: true}
			if tok != "" {
				t, claims, err := res.Resolve(r.Context(), tok)
				if err == nil {
					p.Tenant, p.Claims = t, claims
				} else {
					hlog.FromRequest(r).Debug().Err(err).Msg("bearer token did not resolve")
				}
			}
			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFrom returns the request's principal, never nil.
func PrincipalFrom(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey).(*Principal); ok {
		return p
	}
	return &Principal{}
}

// TenantFrom returns the authenticated tenant, or nil.
func TenantFrom(ctx context.Context) *model.Tenant {
	return PrincipalFrom(ctx).Tenant
}

// WithPrincipal stores p in ctx. Used by tests.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// RateLimit limits each client IP to cfg.RPS with cfg.Burst. Idle limiters
// are dropped periodically.
func RateLimit(cfg config.RateLimit) func(http.Handler) http.Handler {
	if !cfg.Enabled || cfg.RPS <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	l := &ipLimiter{cfg: cfg, entries: map[string]*limiterEntry{}, sweptAt: time.Now()}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(clientIP(r), time.Now()) {
				w.Header().Set("Retry-After", "1")
				Error(w, r, apperr.RateLimited())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

const limiterIdle = 10 * time.Minute

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

type ipLimiter struct {
	cfg     config.RateLimit
	mu      sync.Mutex
	entries map[string]*limiterEntry
	sweptAt time.Time
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	if now.Sub(l.sweptAt) > limiterIdle {
		for k, e := range l.entries {
			if now.Sub(e.seen) > limiterIdle {
				delete(l.entries, k)
			}
		}
		l.sweptAt = now
	}
	e, ok := l.entries[ip]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.entries[ip] = e
	}
	e.seen = now
	l.mu.Unlock()

	return e.lim.AllowN(now, 1)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AccessLog attaches logger to each request and logs one line per request
// once it completes.
func AccessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	withLogger := hlog.NewHandler(logger)
	withID := hlog.RequestIDHandler("req_id", "X-Request-Id")
	withIP := hlog.RemoteAddrHandler("ip")
	access := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		ev := hlog.FromRequest(r).Info()
		if status >= http.StatusInternalServerError {
			ev = hlog.FromRequest(r).Error()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})
	return func(next http.Handler) http.Handler {
		return withLogger(withID(withIP(access(next))))
	}
}

// Metrics records request counts and latency per route pattern.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RequestCounter.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
