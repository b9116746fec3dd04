package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeSessions int

func (f fakeSessions) Len() int { return int(f) }

func decode(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var res result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return res
}

func TestHealthz(t *testing.T) {
	h := New(fakeSessions(3))
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	res := decode(t, rec)
	if res.Status != "ok" || res.Sessions != 3 {
		t.Errorf("body = %+v", res)
	}
}

func TestHealthzWithoutCounter(t *testing.T) {
	h := New(nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if res := decode(t, rec); res.Sessions != 0 {
		t.Errorf("sessions = %d, want 0", res.Sessions)
	}
}

func TestReadyz(t *testing.T) {
	t.Run("all checks pass", func(t *testing.T) {
		h := New(fakeSessions(1),
			Checker{Name: "database", Check: func(context.Context) error { return nil }},
		)
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d", rec.Code)
		}
		res := decode(t, rec)
		if res.Status != "ok" || res.Checks["database"] != "ok" {
			t.Errorf("body = %+v", res)
		}
	})

	t.Run("failing check flips status", func(t *testing.T) {
		h := New(fakeSessions(1),
			Checker{Name: "database", Check: func(context.Context) error { return nil }},
			Checker{Name: "broker", Check: func(context.Context) error { return errors.New("boom") }},
		)
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d", rec.Code)
		}
		res := decode(t, rec)
		if res.Status != "fail" {
			t.Errorf("status field = %q", res.Status)
		}
		if res.Checks["database"] != "ok" || res.Checks["broker"] != "fail: boom" {
			t.Errorf("checks = %v", res.Checks)
		}
	})
}

func TestRegister(t *testing.T) {
	mux := http.NewServeMux()
	New(fakeSessions(0)).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d", path, rec.Code)
		}
	}
}
