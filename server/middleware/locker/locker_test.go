package locker_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/nanoprep/server"
	"github.com/nasa-jpl/nanoprep/server/middleware/locker"
)

type wrapper struct {
	rt server.RouteTable
}

func (w wrapper) RT() server.RouteTable { return w.rt }

func router(l *locker.Locker) chi.Router {
	w := wrapper{server.RouteTable{
		{Method: http.MethodPost, Path: "/output"}: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	}}
	locker.Inject(w, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	w.RT().Bind(r)
	return r
}

func do(r http.Handler, method, path, body string) int {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w.Code
}

func TestLockerReturns423WhileLocked(t *testing.T) {
	l := locker.New()
	r := router(l)
	if code := do(r, http.MethodPost, "/output", ""); code != http.StatusOK {
		t.Fatalf("expected 200 while unlocked, got %d", code)
	}
	if code := do(r, http.MethodPost, "/lock", `{"bool":true}`); code != http.StatusOK {
		t.Fatalf("expected the lock route to work, got %d", code)
	}
	if code := do(r, http.MethodPost, "/output", ""); code != http.StatusLocked {
		t.Errorf("expected 423 while locked, got %d", code)
	}
	if code := do(r, http.MethodGet, "/lock", ""); code != http.StatusOK {
		t.Errorf("the lock route must stay reachable, got %d", code)
	}
	do(r, http.MethodPost, "/lock", `{"bool":false}`)
	if code := do(r, http.MethodPost, "/output", ""); code != http.StatusOK {
		t.Errorf("expected 200 after unlocking, got %d", code)
	}
}

func TestLockerBusy(t *testing.T) {
	busy := true
	l := locker.New()
	l.Busy = func() bool { return busy }
	r := router(l)
	if code := do(r, http.MethodPost, "/output", ""); code != http.StatusLocked {
		t.Errorf("expected 423 while busy, got %d", code)
	}
	busy = false
	if code := do(r, http.MethodPost, "/output", ""); code != http.StatusOK {
		t.Errorf("expected 200 when idle, got %d", code)
	}
}

func TestLockerRejectsBadBody(t *testing.T) {
	r := router(locker.New())
	if code := do(r, http.MethodPost, "/lock", "yes"); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}
