package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/termshare/internal/domain"
	"github.com/go-chi/chi/v5"
)

func newSessionsRouter(t *testing.T, spawner *stubSpawner) (http.Handler, *Handler) {
	t.Helper()
	base := newTestHandler(t, spawner, nil)
	r := chi.NewRouter()
	NewSessionsHandler(base).RegisterRoutes(r)
	return r, base
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateSession(t *testing.T) {
	t.Parallel()

	r, _ := newSessionsRouter(t, &stubSpawner{})
	rec := do(t, r, http.MethodPost, "/api/sessions", `{"name":"ops","policy":"smallest-fit","cols":120,"rows":40}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var info domain.SessionInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.Name != "ops" || info.Policy != domain.PolicySmallest || info.Geometry != (domain.Geometry{Cols: 120, Rows: 40}) {
		t.Errorf("info = %+v", info)
	}
	if info.Backend != "stub" || info.ID == "" {
		t.Errorf("info = %+v", info)
	}
}

func TestCreateSessionAcceptsIDAlias(t *testing.T) {
	t.Parallel()

	r, base := newSessionsRouter(t, &stubSpawner{})
	if rec := do(t, r, http.MethodPost, "/api/sessions", `{"id":"legacy"}`); rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if _, err := base.sm.Get("legacy"); err != nil {
		t.Errorf("Get() error = %v", err)
	}
}

func TestCreateSessionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		spawner *stubSpawner
		body    string
		want    int
	}{
		{"malformed body", &stubSpawner{}, `{"name":`, http.StatusBadRequest},
		{"invalid name", &stubSpawner{}, `{"name":"has space"}`, http.StatusBadRequest},
		{"missing name", &stubSpawner{}, `{}`, http.StatusBadRequest},
		{"unknown policy", &stubSpawner{}, `{"name":"x","policy":"median"}`, http.StatusBadRequest},
		{"spawn failure", &stubSpawner{err: errNoShell}, `{"name":"x"}`, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, _ := newSessionsRouter(t, tt.spawner)
			rec := do(t, r, http.MethodPost, "/api/sessions", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Errorf("error body = %v, %v", body, err)
			}
		})
	}
}

func TestCreateSessionConflict(t *testing.T) {
	t.Parallel()

	r, _ := newSessionsRouter(t, &stubSpawner{})
	do(t, r, http.MethodPost, "/api/sessions", `{"name":"dup"}`)
	if rec := do(t, r, http.MethodPost, "/api/sessions", `{"name":"dup"}`); rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestListGetDeleteSession(t *testing.T) {
	t.Parallel()

	r, _ := newSessionsRouter(t, &stubSpawner{})
	do(t, r, http.MethodPost, "/api/sessions", `{"name":"first"}`)
	do(t, r, http.MethodPost, "/api/sessions", `{"name":"second"}`)

	rec := do(t, r, http.MethodGet, "/api/sessions", "")
	var list []domain.SessionInfo
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "first" || list[1].Name != "second" {
		t.Fatalf("list = %+v", list)
	}

	rec = do(t, r, http.MethodGet, "/api/sessions/first", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	var detail domain.SessionDetail
	if err := json.NewDecoder(rec.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if detail.Name != "first" || detail.Process == nil || detail.Process.PID != 777 {
		t.Errorf("detail = %+v", detail)
	}

	if rec := do(t, r, http.MethodDelete, "/api/sessions/first", ""); rec.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d, body = %s", rec.Code, rec.Body)
	}
	if rec := do(t, r, http.MethodGet, "/api/sessions/first", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET after delete status = %d", rec.Code)
	}
	if rec := do(t, r, http.MethodDelete, "/api/sessions/first", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second DELETE status = %d", rec.Code)
	}
}

func TestListEmptyIsArray(t *testing.T) {
	t.Parallel()

	r, _ := newSessionsRouter(t, &stubSpawner{})
	rec := do(t, r, http.MethodGet, "/api/sessions", "")
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}
