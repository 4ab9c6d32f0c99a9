package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/ashureev/termshare/internal/domain"
	"github.com/go-chi/chi/v5"
)

func newHistoryRouter(t *testing.T, repo *fakeRepo) http.Handler {
	t.Helper()
	base := newTestHandler(t, &stubSpawner{}, repo)
	r := chi.NewRouter()
	NewHistoryHandler(base).RegisterRoutes(r)
	return r
}

func seededRepo(t *testing.T) *fakeRepo {
	t.Helper()
	repo := newFakeRepo()
	ctx := t.Context()
	for _, id := range []string{"s-1", "s-2"} {
		if err := repo.RecordSessionCreated(ctx, &domain.SessionRecord{ID: id, Name: id, CreatedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.RecordSessionClosed(ctx, "s-1", time.Now(), domain.ReasonExited, nil, []byte("$ exit\r\n")); err != nil {
		t.Fatal(err)
	}
	return repo
}

func TestHistoryList(t *testing.T) {
	t.Parallel()

	r := newHistoryRouter(t, seededRepo(t))
	rec := do(t, r, http.MethodGet, "/api/history?limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var records []domain.SessionRecord
	if err := json.NewDecoder(rec.Body).Decode(&records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("records = %+v", records)
	}

	if rec := do(t, r, http.MethodGet, "/api/history?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestHistoryRecordAndTranscript(t *testing.T) {
	t.Parallel()

	r := newHistoryRouter(t, seededRepo(t))

	rec := do(t, r, http.MethodGet, "/api/history/s-1", "")
	var got domain.SessionRecord
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Reason != domain.ReasonExited || got.TranscriptSize != 8 {
		t.Errorf("record = %+v", got)
	}

	rec = do(t, r, http.MethodGet, "/api/history/s-1/transcript", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "$ exit\r\n" {
		t.Errorf("transcript = %d %q", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}

	if rec := do(t, r, http.MethodGet, "/api/history/s-2/transcript", ""); rec.Code != http.StatusNotFound {
		t.Errorf("open session transcript status = %d", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/api/history/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown record status = %d", rec.Code)
	}
}

func TestHistoryDisabled(t *testing.T) {
	t.Parallel()

	r := newHistoryRouter(t, nil)
	if rec := do(t, r, http.MethodGet, "/api/history", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
