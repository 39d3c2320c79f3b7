package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	chimid "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/engine/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.UseNop()
	os.Exit(m.Run())
}

var secret = []byte("operator-secret-for-tests")

func sign(t *testing.T, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestAuth(t *testing.T) {
	var seen string
	h := Auth(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetSubject(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	valid := sign(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ops@example.com", "exp": time.Now().Add(time.Hour).Unix()})
	require.Equal(t, http.StatusNoContent, call("Bearer "+valid))
	require.Equal(t, "ops@example.com", seen)

	expired := sign(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ops", "exp": time.Now().Add(-time.Minute).Unix()})
	noExpiry := sign(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ops"})
	require.Equal(t, http.StatusUnauthorized, call(""))
	require.Equal(t, http.StatusUnauthorized, call("Basic abc"))
	require.Equal(t, http.StatusUnauthorized, call("Bearer "+expired))
	require.Equal(t, http.StatusUnauthorized, call("Bearer "+noExpiry))
	require.Equal(t, http.StatusUnauthorized, call("Bearer "+valid[:len(valid)-2]))
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(1, 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/hooks/host-1", nil)
		req.RemoteAddr = "203.0.113.7:5000"
		// A rotating forwarding header does not buy a fresh bucket.
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	require.Equal(t, []int{200, 200, 429}, codes)

	// Other clients have their own bucket.
	req := httptest.NewRequest(http.MethodPost, "/hooks/host-1", nil)
	req.RemoteAddr = "203.0.113.8:5000"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestRateLimitBehindTrustedProxy(t *testing.T) {
	h := chimid.RealIP(RateLimit(1, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	call := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/hooks/host-1", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		req.Header.Set("X-Forwarded-For", forwarded)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	require.Equal(t, http.StatusOK, call("203.0.113.7"))
	require.Equal(t, http.StatusTooManyRequests, call("203.0.113.7"))
	require.Equal(t, http.StatusOK, call("203.0.113.9"), "clients behind the proxy are told apart")
}

func TestRecoveryAndRequestID(t *testing.T) {
	h := RequestID(Recovery(Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, "req-42", rr.Header().Get("X-Request-ID"))
	require.Contains(t, rr.Body.String(), `"success":false`)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 500))
	rr = httptest.NewRecorder()
	RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rr, req)
	require.Len(t, rr.Header().Get("X-Request-ID"), 36)
}
