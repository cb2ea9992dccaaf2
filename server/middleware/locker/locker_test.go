package locker_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/mxoscope/generichttp"
	"github.com/nasa-jpl/mxoscope/server/middleware/locker"
)

type table generichttp.RouteTable

func (t table) RT() generichttp.RouteTable { return generichttp.RouteTable(t) }

func newRouter(l *locker.Locker) chi.Router {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	h := table{
		{Method: http.MethodGet, Path: "/capture/{n}"}: ok,
		{Method: http.MethodGet, Path: "/state"}:       ok,
	}
	locker.Inject(h, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	h.RT().Bind(r)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestLockBouncesProtectedRoutes(t *testing.T) {
	l := locker.New()
	r := newRouter(l)
	if rec := do(r, http.MethodGet, "/capture/1", ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200 while unlocked got %d", rec.Code)
	}
	if rec := do(r, http.MethodPost, "/lock", `{"bool":true,"owner":"bench-2"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 locking got %d", rec.Code)
	}
	if !l.Locked() {
		t.Error("expected the locker to be locked")
	}
	rec := do(r, http.MethodGet, "/capture/1", "")
	if rec.Code != http.StatusLocked {
		t.Errorf("expected 423 while locked got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "locked by bench-2") {
		t.Errorf("expected the owner in the refusal got %q", rec.Body.String())
	}
	if rec := do(r, http.MethodGet, "/state", ""); rec.Code != http.StatusOK {
		t.Errorf("expected /state to stay reachable, got %d", rec.Code)
	}

	rec = do(r, http.MethodGet, "/lock", "")
	st := locker.Status{}
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if !st.Bool || st.Owner != "bench-2" || st.Since.IsZero() {
		t.Errorf("expected held by bench-2 with a time got %+v", st)
	}

	if rec := do(r, http.MethodPost, "/lock", `{"bool":false}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 unlocking got %d", rec.Code)
	}
	if rec := do(r, http.MethodGet, "/capture/1", ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200 after unlocking got %d", rec.Code)
	}
}

func TestMalformedLockBody(t *testing.T) {
	l := locker.New()
	if rec := do(newRouter(l), http.MethodPost, "/lock", "yes"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 got %d", rec.Code)
	}
	if l.Locked() {
		t.Error("expected the lock to stay free")
	}
}
