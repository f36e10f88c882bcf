package middleware

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(okHandler())

	req := httptest.NewRequest("GET", "/v1/turns", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	expectedHeaders := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Content-Security-Policy": "default-src 'self'",
		"Referrer-Policy":         "strict-origin-when-cross-origin",
	}

	for header, want := range expectedHeaders {
		if got := w.Header().Get(header); got != want {
			t.Errorf("Header %s = %q, want %q", header, got, want)
		}
	}

	// HSTS should not be present without TLS
	if hsts := w.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("HSTS header should not be set without TLS, got: %q", hsts)
	}
}

func TestSecurityHeaders_HSTSWithTLS(t *testing.T) {
	handler := SecurityHeaders(okHandler())

	req := httptest.NewRequest("GET", "/v1/turns", nil)
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	want := "max-age=31536000; includeSubDomains"
	if got := w.Header().Get("Strict-Transport-Security"); got != want {
		t.Errorf("HSTS = %q, want %q", got, want)
	}
}

func TestRateLimit_AllowsNormalTraffic(t *testing.T) {
	handler := RateLimit(context.Background(), 10, 10)(okHandler())

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/v1/turns", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("request %d: status %d, want %d", i+1, w.Code, http.StatusOK)
		}
	}
}

func TestRateLimit_BlocksExcessiveTraffic(t *testing.T) {
	// Near-zero refill so only the burst passes
	handler := RateLimit(context.Background(), 0.1, 3)(okHandler())

	successCount := 0
	blockedCount := 0

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/v1/turns", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		switch w.Code {
		case http.StatusOK:
			successCount++
		case http.StatusTooManyRequests:
			blockedCount++
		}
	}

	if successCount != 3 {
		t.Errorf("successful requests = %d, want 3", successCount)
	}
	if blockedCount != 7 {
		t.Errorf("blocked requests = %d, want 7", blockedCount)
	}
}

func TestRateLimit_SeparatesClientsByIP(t *testing.T) {
	handler := RateLimit(context.Background(), 0.1, 2)(okHandler())

	client1Blocked := false
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/v1/turns", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			client1Blocked = true
		}
	}

	client2Success := 0
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/v1/turns", nil)
		req.RemoteAddr = "192.168.1.2:12345"
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)
		if w.Code == http.StatusOK {
			client2Success++
		}
	}

	if !client1Blocked {
		t.Error("client 1 should have been rate limited")
	}
	if client2Success != 2 {
		t.Errorf("client 2 successful requests = %d, want 2", client2Success)
	}
}

func TestClientIP_XForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/turns", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.1, 198.51.100.1")
	req.RemoteAddr = "192.168.1.1:12345"

	ip := clientIP(req, []string{"192.168.1.1"})
	if ip != "203.0.113.1" {
		t.Errorf("clientIP() = %q, want %q", ip, "203.0.113.1")
	}
}

func TestClientIP_XRealIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/turns", nil)
	req.Header.Set("X-Real-IP", "203.0.113.1")
	req.RemoteAddr = "192.168.1.1:12345"

	ip := clientIP(req, []string{"192.168.1.1"})
	if ip != "203.0.113.1" {
		t.Errorf("clientIP() = %q, want %q", ip, "203.0.113.1")
	}
}

func TestClientIP_RemoteAddr(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.1:12345", "192.168.1.1"},
		{"[::1]:8080", "::1"},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/v1/turns", nil)
		req.RemoteAddr = tt.remoteAddr

		if ip := clientIP(req, nil); ip != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remoteAddr, ip, tt.want)
		}
	}
}

func TestClientIP_SpoofingPrevention(t *testing.T) {
	tests := []struct {
		name           string
		remoteAddr     string
		xForwardedFor  string
		trustedProxies []string
		wantIP         string
	}{
		{
			name:           "untrusted source with XFF",
			remoteAddr:     "1.2.3.4:12345",
			xForwardedFor:  "8.8.8.8",
			trustedProxies: []string{"192.168.1.1"},
			wantIP:         "1.2.3.4",
		},
		{
			name:           "no trusted proxies with XFF",
			remoteAddr:     "1.2.3.4:12345",
			xForwardedFor:  "8.8.8.8",
			trustedProxies: nil,
			wantIP:         "1.2.3.4",
		},
		{
			name:           "trusted proxy with XFF",
			remoteAddr:     "192.168.1.1:12345",
			xForwardedFor:  "8.8.8.8",
			trustedProxies: []string{"192.168.1.1"},
			wantIP:         "8.8.8.8",
		},
		{
			name:           "attacker spoofing XFF",
			remoteAddr:     "203.0.113.1:12345",
			xForwardedFor:  "8.8.8.8",
			trustedProxies: []string{"10.0.0.1"},
			wantIP:         "203.0.113.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/turns", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}

			if got := clientIP(req, tt.trustedProxies); got != tt.wantIP {
				t.Errorf("clientIP() = %q, want %q", got, tt.wantIP)
			}
		})
	}
}

func TestRateLimit_TokenRefill(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping time-dependent test in short mode")
	}

	handler := RateLimit(context.Background(), 1, 1)(okHandler())

	req1 := httptest.NewRequest("GET", "/v1/turns", nil)
	req1.RemoteAddr = "192.168.1.1:12345"
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Errorf("first request: status %d, want %d", w1.Code, http.StatusOK)
	}

	req2 := httptest.NewRequest("GET", "/v1/turns", nil)
	req2.RemoteAddr = "192.168.1.1:12345"
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("immediate second request: status %d, want %d", w2.Code, http.StatusTooManyRequests)
	}

	time.Sleep(1100 * time.Millisecond)

	req3 := httptest.NewRequest("GET", "/v1/turns", nil)
	req3.RemoteAddr = "192.168.1.1:12345"
	w3 := httptest.NewRecorder()
	handler.ServeHTTP(w3, req3)
	if w3.Code != http.StatusOK {
		t.Errorf("request after refill: status %d, want %d", w3.Code, http.StatusOK)
	}
}

func TestRateLimit_CleanupGoroutineStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	runtime.GC()
	time.Sleep(10 * time.Millisecond)
	before := runtime.NumGoroutine()

	handler := RateLimit(ctx, 10, 10)(okHandler())

	req := httptest.NewRequest("GET", "/v1/turns", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	cancel()

	time.Sleep(100 * time.Millisecond)
	runtime.GC()
	time.Sleep(50 * time.Millisecond)

	after := runtime.NumGoroutine()
	if after > before+2 {
		t.Errorf("potential goroutine leak: before=%d, after=%d", before, after)
	}
}
