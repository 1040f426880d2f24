package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireBearer(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{name: "no token configured", token: "", header: "", want: http.StatusOK},
		{name: "valid token", token: "s3cret", header: "Bearer s3cret", want: http.StatusOK},
		{name: "missing header", token: "s3cret", header: "", want: http.StatusUnauthorized},
		{name: "wrong token", token: "s3cret", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "wrong scheme", token: "s3cret", header: "Basic s3cret", want: http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := requireBearer(tc.token, okHandler())
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestIPAllowlist(t *testing.T) {
	t.Parallel()

	allow := newIPAllowlist([]string{"127.0.0.1", "10.0.0.0/8"})

	cases := []struct {
		remote string
		want   bool
	}{
		{remote: "127.0.0.1:52110", want: true},
		{remote: "10.4.2.9:80", want: true},
		{remote: "192.168.1.5:443", want: false},
		{remote: "not-an-address", want: false},
	}
	for _, tc := range cases {
		if got := allow.allowed(tc.remote); got != tc.want {
			t.Errorf("allowed(%q) = %v, want %v", tc.remote, got, tc.want)
		}
	}
}

func TestIPAllowlistEmptyAdmitsAll(t *testing.T) {
	t.Parallel()

	allow := newIPAllowlist(nil)
	if !allow.allowed("203.0.113.7:9000") {
		t.Error("empty allowlist rejected a client")
	}
}

func TestIPAllowlistWrapRejects(t *testing.T) {
	t.Parallel()

	h := newIPAllowlist([]string{"10.0.0.0/8"}).wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "192.168.1.5:443"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "10.1.1.1:443"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
