package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/realtalk/internal/health"
	"github.com/MrWong99/realtalk/internal/store"
)

type body struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func serve(t *testing.T, h *health.Handler, path string) (int, body) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var b body
	if err := json.NewDecoder(rec.Body).Decode(&b); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, b
}

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()
	h := health.New(health.Checker{Name: "broken", Check: func(context.Context) error { return errors.New("down") }})
	h.SetDraining(true)

	code, b := serve(t, h, "/healthz")
	if code != http.StatusOK || b.Status != "ok" {
		t.Errorf("got %d %q, want 200 ok", code, b.Status)
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	t.Parallel()
	h := health.New(
		health.Ping("store", store.NewMemory()),
		health.Checker{Name: "hub", Check: func(context.Context) error { return nil }},
	)

	code, b := serve(t, h, "/readyz")
	if code != http.StatusOK || b.Status != "ok" {
		t.Fatalf("got %d %q, want 200 ok", code, b.Status)
	}
	if b.Checks["store"] != "ok" || b.Checks["hub"] != "ok" {
		t.Errorf("checks = %v", b.Checks)
	}
}

func TestReadyz_FailingChecker(t *testing.T) {
	t.Parallel()
	h := health.New(
		health.Checker{Name: "store", Check: func(context.Context) error { return errors.New("connection refused") }},
		health.Checker{Name: "hub", Check: func(context.Context) error { return nil }},
	)

	code, b := serve(t, h, "/readyz")
	if code != http.StatusServiceUnavailable || b.Status != "fail" {
		t.Fatalf("got %d %q, want 503 fail", code, b.Status)
	}
	if !strings.Contains(b.Checks["store"], "connection refused") {
		t.Errorf("store check = %q", b.Checks["store"])
	}
	if b.Checks["hub"] != "ok" {
		t.Errorf("hub check = %q", b.Checks["hub"])
	}
}

func TestReadyz_SlowCheckerSeesDeadline(t *testing.T) {
	t.Parallel()
	h := health.New(health.Checker{Name: "slow", Check: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		select {
		case <-time.After(10 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}})

	if code, b := serve(t, h, "/readyz"); code != http.StatusOK {
		t.Errorf("got %d, checks %v", code, b.Checks)
	}
}

func TestReadyz_Draining(t *testing.T) {
	t.Parallel()
	h := health.New()
	h.SetDraining(true)

	code, b := serve(t, h, "/readyz")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if !strings.Contains(b.Checks["server"], "draining") {
		t.Errorf("server check = %q", b.Checks["server"])
	}

	h.SetDraining(false)
	if code, _ := serve(t, h, "/readyz"); code != http.StatusOK {
		t.Errorf("status after drain cleared = %d", code)
	}
}
