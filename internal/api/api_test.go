package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/auth"
	"github.com/starford/notesync/internal/configsync"
	"github.com/starford/notesync/internal/index"
	"github.com/starford/notesync/internal/syncer"
	"github.com/starford/notesync/internal/testutil"
)

type fakeScheduler struct {
	out     syncer.Outcome
	err     error
	running bool
	next    time.Duration
	calls   int
}

func (f *fakeScheduler) TriggerManual(context.Context) (syncer.Outcome, error) {
	f.calls++
	return f.out, f.err
}

func (f *fakeScheduler) NextDelay() (time.Duration, bool) { return f.next, f.running }
func (f *fakeScheduler) Running() bool                    { return f.running }

type fakeEngine struct {
	syncing  bool
	failures int
	report   *syncer.Report
}

func (f *fakeEngine) Syncing() bool           { return f.syncing }
func (f *fakeEngine) Failures() int           { return f.failures }
func (f *fakeEngine) Interval() time.Duration { return time.Minute }

func (f *fakeEngine) LastReport() (syncer.Report, bool) {
	if f.report == nil {
		return syncer.Report{}, false
	}
	return *f.report, true
}

type fakeConfig struct {
	status configsync.Status
	err    error
}

func (f *fakeConfig) SyncNow(context.Context) error { return f.err }
func (f *fakeConfig) Status() configsync.Status     { return f.status }

type fakeCreds struct{}

func (fakeCreds) State() auth.State { return auth.State{HasRenewal: true, HasAccess: true} }

type testEnv struct {
	sched  *fakeScheduler
	engine *fakeEngine
	config *fakeConfig
	ledger *index.DB
	router http.Handler
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	env := &testEnv{
		sched:  &fakeScheduler{running: true, next: 30 * time.Second},
		engine: &fakeEngine{},
		config: &fakeConfig{},
		ledger: testutil.TestDB(t),
	}
	svc := NewService(env.sched, env.engine, env.config, fakeCreds{}, env.ledger)
	svc.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	env.router = NewRouter(svc, token != "", token, nil)
	return env
}

func do(t *testing.T, h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, "")
	env.engine.failures = 2
	env.engine.report = &syncer.Report{
		Outcome: syncer.Outcome{Kind: syncer.Count, N: 3},
		Written: 2,
		Failed:  1,
	}
	env.config.status = configsync.Pending
	for i := range 4 {
		if err := env.ledger.RecordNote(context.Background(), index.NoteRow{ID: fmt.Sprint(i), Path: fmt.Sprintf("n%d.md", i)}); err != nil {
			t.Fatal(err)
		}
	}

	w := do(t, env.router, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	got := decode[StatusResponse](t, w)

	if !got.SchedulerRunning || got.ConsecutiveFailures != 2 || got.IntervalSeconds != 60 {
		t.Errorf("unexpected state: %+v", got)
	}
	if got.NextSyncAt == nil || !got.NextSyncAt.Equal(time.Date(2026, 5, 1, 12, 0, 30, 0, time.UTC)) {
		t.Errorf("next_sync_at = %v", got.NextSyncAt)
	}
	if got.LastCycle == nil || got.LastCycle.Outcome != "count" || got.LastCycle.Count != 3 || got.LastCycle.Failed != 1 {
		t.Errorf("last_cycle = %+v", got.LastCycle)
	}
	if got.ConfigStatus != "pending" {
		t.Errorf("config_status = %q", got.ConfigStatus)
	}
	if got.Credentials == nil || !got.Credentials.HasRenewal {
		t.Errorf("credentials = %+v", got.Credentials)
	}
	if got.NotesSynced != 4 {
		t.Errorf("notes_synced = %d, want 4", got.NotesSynced)
	}
}

func TestStatusLastCycleError(t *testing.T) {
	env := newTestEnv(t, "")
	env.sched.running = false
	env.engine.report = &syncer.Report{Err: errors.New("fetch unsynced: boom")}

	got := decode[StatusResponse](t, do(t, env.router, http.MethodGet, "/status", ""))
	if got.NextSyncAt != nil {
		t.Errorf("stopped scheduler should have no next_sync_at, got %v", got.NextSyncAt)
	}
	if got.LastCycle == nil || got.LastCycle.Outcome != "error" || got.LastCycle.Error != "fetch unsynced: boom" {
		t.Errorf("last_cycle = %+v", got.LastCycle)
	}
}

func TestSync(t *testing.T) {
	tests := []struct {
		name     string
		out      syncer.Outcome
		err      error
		wantCode int
		wantBody string
	}{
		{"count", syncer.Outcome{Kind: syncer.Count, N: 5}, nil, http.StatusOK, "count"},
		{"no new data", syncer.Outcome{Kind: syncer.NoNewData}, nil, http.StatusOK, "no_new_data"},
		{"cooldown", syncer.Outcome{Kind: syncer.Skipped}, nil, http.StatusAccepted, "skipped"},
		{"renewal expired", syncer.Outcome{}, fmt.Errorf("fetch unsynced: %w", apperr.ErrRenewalExpired), http.StatusUnauthorized, "renewal_expired"},
		{"server down", syncer.Outcome{}, &apperr.HTTPError{StatusCode: 503}, http.StatusBadGateway, "upstream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "")
			env.sched.out, env.sched.err = tt.out, tt.err

			w := do(t, env.router, http.MethodPost, "/sync", "")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.wantCode, w.Body.String())
			}
			if env.sched.calls != 1 {
				t.Errorf("TriggerManual calls = %d, want 1", env.sched.calls)
			}
			if tt.err == nil {
				got := decode[SyncResponse](t, w)
				if got.Outcome != tt.wantBody || got.Count != tt.out.N {
					t.Errorf("got %+v", got)
				}
				return
			}
			if got := decode[errResponse](t, w); got.Code != tt.wantBody {
				t.Errorf("code = %q, want %q", got.Code, tt.wantBody)
			}
		})
	}
}

func TestSyncConfig(t *testing.T) {
	env := newTestEnv(t, "")
	env.config.status = configsync.Synced

	w := do(t, env.router, http.MethodPost, "/config/sync", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decode[ConfigSyncResponse](t, w); got.Status != "synced" {
		t.Errorf("status = %q", got.Status)
	}

	env.config.err = apperr.ErrRenewalExpired
	env.config.status = configsync.Error
	if w := do(t, env.router, http.MethodPost, "/config/sync", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("renewal expired: status = %d", w.Code)
	}
}

func TestSyncConfigDisabled(t *testing.T) {
	svc := NewService(&fakeScheduler{}, &fakeEngine{}, nil, nil, testutil.TestDB(t))
	router := NewRouter(svc, false, "", nil)

	w := do(t, router, http.MethodPost, "/config/sync", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	got := decode[StatusResponse](t, do(t, router, http.MethodGet, "/status", ""))
	if got.ConfigStatus != "disabled" || got.Credentials != nil {
		t.Errorf("got %+v", got)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, "secret")

	if w := do(t, env.router, http.MethodGet, "/status", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}
	if w := do(t, env.router, http.MethodGet, "/status", "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", w.Code)
	}
	if w := do(t, env.router, http.MethodPost, "/sync", ""); w.Code != http.StatusUnauthorized || env.sched.calls != 0 {
		t.Errorf("unauthenticated sync reached the scheduler")
	}
	if w := do(t, env.router, http.MethodGet, "/status", "secret"); w.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", w.Code)
	}
}

func TestEventsMounted(t *testing.T) {
	called := false
	sse := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	svc := NewService(&fakeScheduler{}, &fakeEngine{}, nil, nil, testutil.TestDB(t))
	router := NewRouter(svc, false, "", sse)

	if w := do(t, router, http.MethodGet, "/events", ""); w.Code != http.StatusOK || !called {
		t.Errorf("events handler not reached: status = %d", w.Code)
	}
}

func TestAuthMiddleware_QueryToken(t *testing.T) {
	env := newTestEnv(t, "secret")

	if w := do(t, env.router, http.MethodGet, "/status?access_token=secret", ""); w.Code != http.StatusOK {
		t.Errorf("query token: status = %d, want 200", w.Code)
	}
	if w := do(t, env.router, http.MethodGet, "/status?access_token=nope", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("bad query token: status = %d, want 401", w.Code)
	}
}
