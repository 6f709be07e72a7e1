package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leca/imagevault/internal/apperr"
	"github.com/leca/imagevault/internal/config"
	"github.com/leca/imagevault/internal/logger"
	"github.com/leca/imagevault/internal/metrics"
	"github.com/leca/imagevault/internal/model"
	"github.com/leca/imagevault/internal/token"
)

// stubResolver accepts exactly one token.
type stubResolver struct {
	valid  string
	tenant *model.Tenant
}

func (s stubResolver) Resolve(_ context.Context, tok string) (*model.Tenant, *token.TenantClaims, error) {
	if tok != s.valid {
		return nil, nil, apperr.AuthRequired("invalid or expired token")
	}
	return s.tenant, &token.TenantClaims{SessionID: "s-1"}, nil
}

var resolver = stubResolver{valid: "good", tenant: &model.Tenant{ID: "t-1"}}

// echoPrincipal writes which tenant, if any, reached the handler.
func echoPrincipal(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	id := "anonymous"
	if p.Tenant != nil {
		id = p.Tenant.ID
	} else if p.Presented {
		id = "presented"
	}
	_, _ = w.Write([]byte(id))
}

func serve(h http.Handler, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// ---------- RequireTenant ----------

func TestRequireTenant(t *testing.T) {
	h := RequireTenant(resolver)(http.HandlerFunc(echoPrincipal))

	w := serve(h, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	w = serve(h, "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(h, "Bearer bad")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(h, "bearer good")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "t-1", w.Body.String())
}

// ---------- OptionalTenant ----------

func TestOptionalTenant(t *testing.T) {
	h := OptionalTenant(resolver)(http.HandlerFunc(echoPrincipal))

	assert.Equal(t, "anonymous", serve(h, "").Body.String())
	assert.Equal(t, "presented", serve(h, "Bearer bad").Body.String())
	assert.Equal(t, "t-1", serve(h, "Bearer good").Body.String())
}

// ---------- RateLimit ----------

func TestRateLimit(t *testing.T) {
	h := RateLimit(config.RateLimit{Enabled: true, RPS: 1, Burst: 2})(http.HandlerFunc(echoPrincipal))

	assert.Equal(t, http.StatusOK, serve(h, "").Code)
	assert.Equal(t, http.StatusOK, serve(h, "").Code)
	w := serve(h, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// Another client has its own budget.
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitDisabled(t *testing.T) {
	h := RateLimit(config.RateLimit{Enabled: false, RPS: 1, Burst: 1})(http.HandlerFunc(echoPrincipal))
	for range 5 {
		assert.Equal(t, http.StatusOK, serve(h, "").Code)
	}
}

// ---------- Metrics / AccessLog ----------

func TestMetricsUsesRoutePattern(t *testing.T) {
	m := metrics.New()
	r := chi.NewRouter()
	r.Use(AccessLog(logger.Nop()))
	r.Use(Metrics(m))
	r.Get("/images/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/images/abc", nil))
	require.Equal(t, http.StatusTeapot, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestCounter.WithLabelValues("GET", "/images/{id}", "418")))
}
