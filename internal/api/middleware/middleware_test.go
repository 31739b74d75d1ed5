package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/decisions", nil))

	if seen == "" {
		t.Fatal("handler saw no request ID")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("response header %q, context %q", got, seen)
	}
}

func TestRequestIDHonorsClientHeader(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/decisions", nil)
	req.Header.Set("X-Request-ID", "portal-7781")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "portal-7781" {
		t.Errorf("request ID = %q, want the client-supplied one", seen)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	keys := map[string]string{"sk-valid": "pharmacy-portal"}
	var caller string
	h := APIKeyAuth(keys)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = GetCaller(r.Context())
	}))

	cases := []struct {
		name       string
		header     string
		value      string
		wantStatus int
	}{
		{"x-api-key", "X-API-Key", "sk-valid", http.StatusOK},
		{"bearer", "Authorization", "Bearer sk-valid", http.StatusOK},
		{"wrong key", "X-API-Key", "sk-bogus", http.StatusUnauthorized},
		{"missing", "", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			caller = ""
			req := httptest.NewRequest(http.MethodGet, "/runs", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if tc.wantStatus == http.StatusOK && caller != "pharmacy-portal" {
				t.Errorf("caller = %q, want pharmacy-portal", caller)
			}
		})
	}
}

func TestStatusWriterCapturesStatusAndBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	ww := newStatusWriter(rec)

	ww.WriteHeader(http.StatusUnprocessableEntity)
	ww.Write([]byte(`{"error":"run failed"}`))

	if ww.status != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", ww.status)
	}
	if ww.written != int64(len(`{"error":"run failed"}`)) {
		t.Errorf("written = %d", ww.written)
	}
}

func TestRecoverTurnsPanicInto500(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("nil snapshot")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("preflight must not reach the handler")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/decisions", nil))

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("missing allow-methods header")
	}
}
