package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"courtbot/internal/booking"
	"courtbot/internal/orchestrator"
	"courtbot/internal/prefs"
	"courtbot/internal/storage"
	logx "courtbot/pkg/logx"
)

type fakeOrch struct {
	busy      bool
	triggered []string
}

func (f *fakeOrch) State() orchestrator.State {
	return orchestrator.State{Running: f.busy, Mode: "noon", LastRuns: map[string]time.Time{}}
}

func (f *fakeOrch) TriggerAsync(mode string) error {
	if _, err := orchestrator.ParseMode(mode); err != nil {
		return err
	}
	if f.busy {
		return orchestrator.ErrBusy
	}
	f.triggered = append(f.triggered, mode)
	return nil
}

type fakeStore struct {
	pingErr error
	jobs    []booking.Job
	history []storage.RunRecord
	histJob int64
}

func (f *fakeStore) ListJobs(context.Context, bool) ([]booking.Job, error) { return f.jobs, nil }
func (f *fakeStore) ListRunHistory(_ context.Context, jobID int64, _ int) ([]storage.RunRecord, error) {
	f.histJob = jobID
	return f.history, nil
}
func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

const token = "let-me-in"

func newTestServer(t *testing.T, orch *fakeOrch, st *fakeStore) http.Handler {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	return New(Config{TokenHash: string(hash)}, orch, st, logx.Nop()).Router()
}

func do(t *testing.T, h http.Handler, method, path, tok string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	h := newTestServer(t, &fakeOrch{}, st)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)

	st.pingErr = errors.New("db gone")
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/healthz", "").Code)
}

func TestMetricsToggle(t *testing.T) {
	t.Parallel()
	off := New(Config{}, &fakeOrch{}, &fakeStore{}, logx.Nop()).Router()
	assert.Equal(t, http.StatusNotFound, do(t, off, http.MethodGet, "/metrics", "").Code)

	on := New(Config{Metrics: true}, &fakeOrch{}, &fakeStore{}, logx.Nop()).Router()
	rec := do(t, on, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "courtbot_")
}

func TestPprofToggle(t *testing.T) {
	t.Parallel()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)

	off := newTestServer(t, &fakeOrch{}, &fakeStore{})
	assert.Equal(t, http.StatusNotFound, do(t, off, http.MethodGet, "/v1/debug/pprof/", token).Code)

	on := New(Config{TokenHash: string(hash), Pprof: true}, &fakeOrch{}, &fakeStore{}, logx.Nop()).Router()
	assert.Equal(t, http.StatusUnauthorized, do(t, on, http.MethodGet, "/v1/debug/pprof/", "").Code)
	assert.Equal(t, http.StatusOK, do(t, on, http.MethodGet, "/v1/debug/pprof/", token).Code)
}

func TestAuth(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, &fakeOrch{}, &fakeStore{})
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/state", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/state", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/state", token).Code)

	open := New(Config{}, &fakeOrch{}, &fakeStore{}, logx.Nop()).Router()
	assert.Equal(t, http.StatusServiceUnavailable, do(t, open, http.MethodGet, "/v1/state", token).Code)
}

func TestTrigger(t *testing.T) {
	t.Parallel()
	orch := &fakeOrch{}
	h := newTestServer(t, orch, &fakeStore{})

	rec := do(t, h, http.MethodPost, "/v1/trigger/noon", token)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"noon"}, orch.triggered)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/trigger/midnight", token).Code)

	orch.busy = true
	rec = do(t, h, http.MethodPost, "/v1/trigger/polling", token)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "in progress")
}

func TestJobsHidePasswords(t *testing.T) {
	t.Parallel()
	st := &fakeStore{jobs: []booking.Job{{
		ID: 1, Venue: "sunnyvale", Recurrence: booking.RecurWeekly, Days: []string{"tuesday"},
		Account: booking.Account{Email: "a@example.com", Password: "secret"},
		Pref: prefs.Preference{
			Time:     prefs.TimePreference{Preferred: prefs.At(18, 0), FlexibilityMinutes: 30},
			Duration: prefs.DurationPreference{Preferred: 120, Floor: 60},
		},
		Active: true,
	}}}
	h := newTestServer(t, &fakeOrch{}, st)

	rec := do(t, h, http.MethodGet, "/v1/jobs", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")

	var jobs []jobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "18:00", jobs[0].PreferredTime)
	assert.Equal(t, 1, jobs[0].MaxPerDay)
}

func TestHistory(t *testing.T) {
	t.Parallel()
	st := &fakeStore{history: []storage.RunRecord{{ID: 9, JobID: 3, Status: "success"}}}
	h := newTestServer(t, &fakeOrch{}, st)

	rec := do(t, h, http.MethodGet, "/v1/history?job=3&limit=5", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), st.histJob)
	assert.Contains(t, rec.Body.String(), `"status":"success"`)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/history?job=x", token).Code)
}

func TestRuntime(t *testing.T) {
	t.Parallel()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	srv := New(Config{TokenHash: string(hash)}, &fakeOrch{}, &fakeStore{}, logx.Nop())
	srv.SetRuntime(func() any { return map[string]int{"notifier": 2} })

	rec := do(t, srv.Router(), http.MethodGet, "/v1/runtime", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"notifier":2}`, rec.Body.String())
}

func TestHashToken(t *testing.T) {
	t.Parallel()
	hash, err := HashToken("abc")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("abc")))
	_, err = HashToken(" ")
	assert.Error(t, err)
}
