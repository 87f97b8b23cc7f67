package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1}, nil)
	handler := limiter.Middleware()(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/loans/L-100", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesClients(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1}, nil)
	handler := limiter.Middleware()(okHandler())

	reqA := httptest.NewRequest(http.MethodGet, "/v1/listings", nil)
	reqA.RemoteAddr = "10.0.0.1:5000"
	resA := httptest.NewRecorder()
	handler.ServeHTTP(resA, reqA)
	if resA.Code != http.StatusOK {
		t.Fatalf("expected first client to succeed, got %d", resA.Code)
	}

	reqB := httptest.NewRequest(http.MethodGet, "/v1/listings", nil)
	reqB.RemoteAddr = "10.0.0.2:5000"
	resB := httptest.NewRecorder()
	handler.ServeHTTP(resB, reqB)
	if resB.Code != http.StatusOK {
		t.Fatalf("expected second client to succeed, got %d", resB.Code)
	}
}

func TestRateLimiterHonorsForwardedFor(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1}, nil)
	handler := limiter.Middleware()(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/review", nil)
	req.RemoteAddr = "127.0.0.1:9"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected forwarded request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected same forwarded client to be limited, got %d", res.Code)
	}
}

func TestRateLimiterDisabledWhenZero(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{}, nil)
	handler := limiter.Middleware()(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/loans/L-100", nil)
	for i := 0; i < 10; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("request %d blocked with limiting disabled: %d", i, res.Code)
		}
	}
}
