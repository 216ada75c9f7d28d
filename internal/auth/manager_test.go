package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/starford/notesync/internal/apperr"
)

type memStore struct {
	mu    sync.Mutex
	creds Credentials
	saves int
}

func (s *memStore) LoadCredentials(context.Context) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds, nil
}

func (s *memStore) SaveCredentials(_ context.Context, c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = c
	s.saves++
	return nil
}

func (s *memStore) get() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

type fakeRenewer struct {
	calls   atomic.Int32
	gate    chan struct{}
	err     error
	expiry  time.Time
	lastArg atomic.Value
}

func (r *fakeRenewer) RenewCredentials(_ context.Context, renewal string) (Credentials, error) {
	n := r.calls.Add(1)
	r.lastArg.Store(renewal)
	if r.gate != nil {
		<-r.gate
	}
	if r.err != nil {
		return Credentials{}, r.err
	}
	return Credentials{
		Access:       fmt.Sprintf("access-%d", n),
		AccessExpiry: r.expiry,
		Renewal:      fmt.Sprintf("renewal-%d", n),
	}, nil
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, r Renewer, store *memStore) *Manager {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m, err := NewManager(context.Background(), r, store,
		WithClock(func() time.Time { return fixedNow }),
		WithLogger(logger))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestEnsureValid_FreshTokenSkipsRenewal(t *testing.T) {
	r := &fakeRenewer{}
	store := &memStore{creds: Credentials{Access: "a", AccessExpiry: fixedNow.Add(10 * time.Minute), Renewal: "r"}}
	m := newTestManager(t, r, store)

	if err := m.EnsureValid(context.Background()); err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if r.calls.Load() != 0 {
		t.Errorf("renewals = %d, want 0", r.calls.Load())
	}
}

func TestEnsureValid_WithinSafetyMarginRenews(t *testing.T) {
	r := &fakeRenewer{expiry: fixedNow.Add(time.Hour)}
	store := &memStore{creds: Credentials{Access: "a", AccessExpiry: fixedNow.Add(59 * time.Second), Renewal: "r0"}}
	m := newTestManager(t, r, store)

	if err := m.EnsureValid(context.Background()); err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if r.calls.Load() != 1 {
		t.Fatalf("renewals = %d, want 1", r.calls.Load())
	}
	if got := r.lastArg.Load().(string); got != "r0" {
		t.Errorf("renewer got %q, want r0", got)
	}
	saved := store.get()
	if saved.Access != "access-1" || saved.Renewal != "renewal-1" || !saved.AccessExpiry.Equal(fixedNow.Add(time.Hour)) {
		t.Errorf("persisted = %+v", saved)
	}
	if m.Token() != "access-1" {
		t.Errorf("token = %q", m.Token())
	}
}

func TestEnsureValid_NoRenewalCredential(t *testing.T) {
	r := &fakeRenewer{}
	m := newTestManager(t, r, &memStore{})

	err := m.EnsureValid(context.Background())
	if !errors.Is(err, apperr.ErrRenewalExpired) {
		t.Fatalf("err = %v, want ErrRenewalExpired", err)
	}
	if r.calls.Load() != 0 {
		t.Errorf("renewer should not be called")
	}
}

func TestEnsureValid_ConcurrentCallersShareOneRenewal(t *testing.T) {
	r := &fakeRenewer{gate: make(chan struct{}), expiry: fixedNow.Add(time.Hour)}
	store := &memStore{creds: Credentials{Renewal: "r0"}}
	m := newTestManager(t, r, store)

	const callers = 2
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.EnsureValid(context.Background())
		}()
	}

	// Wait until the first exchange is in flight, give the second caller time to join it.
	deadline := time.Now().Add(2 * time.Second)
	for r.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(r.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("EnsureValid: %v", err)
		}
	}
	if got := r.calls.Load(); got != 1 {
		t.Errorf("renewal calls = %d, want 1", got)
	}
}

func TestEnsureValid_FailedRenewalIsClearedForNextCall(t *testing.T) {
	r := &fakeRenewer{err: errors.New("network down")}
	store := &memStore{creds: Credentials{Renewal: "r0"}}
	m := newTestManager(t, r, store)

	if err := m.EnsureValid(context.Background()); err == nil || errors.Is(err, apperr.ErrRenewalExpired) {
		t.Fatalf("err = %v, want transient failure", err)
	}
	r.err = nil
	r.expiry = fixedNow.Add(time.Hour)
	if err := m.EnsureValid(context.Background()); err != nil {
		t.Fatalf("second EnsureValid: %v", err)
	}
	if r.calls.Load() != 2 {
		t.Errorf("renewal calls = %d, want 2", r.calls.Load())
	}
}

func TestEnsureValid_RejectedRenewalClearsCredentials(t *testing.T) {
	r := &fakeRenewer{err: &apperr.HTTPError{StatusCode: 401, Message: "refresh token revoked"}}
	store := &memStore{creds: Credentials{Access: "stale", AccessExpiry: fixedNow.Add(-time.Minute), Renewal: "r0"}}
	m := newTestManager(t, r, store)

	err := m.EnsureValid(context.Background())
	if !errors.Is(err, apperr.ErrRenewalExpired) {
		t.Fatalf("err = %v, want ErrRenewalExpired", err)
	}
	if m.Token() != "" {
		t.Errorf("access should be cleared, got %q", m.Token())
	}
	if saved := store.get(); saved.Access != "" || saved.Renewal != "" {
		t.Errorf("persisted credentials should be cleared, got %+v", saved)
	}
	if m.State().HasRenewal {
		t.Error("state still reports a renewal credential")
	}

	// Subsequent calls fail without asking the server again.
	if err := m.EnsureValid(context.Background()); !errors.Is(err, apperr.ErrRenewalExpired) {
		t.Errorf("second err = %v, want ErrRenewalExpired", err)
	}
	if n := r.calls.Load(); n != 1 {
		t.Errorf("renew calls = %d, want 1", n)
	}
}

func TestDo_UnauthorizedRenewsOnceAndRetriesOnce(t *testing.T) {
	r := &fakeRenewer{expiry: fixedNow.Add(time.Hour)}
	store := &memStore{creds: Credentials{Access: "revoked", AccessExpiry: fixedNow.Add(time.Hour), Renewal: "r0"}}
	m := newTestManager(t, r, store)

	var tokens []string
	err := m.Do(context.Background(), func(_ context.Context, token string) error {
		tokens = append(tokens, token)
		if token == "revoked" {
			return &apperr.HTTPError{StatusCode: 401}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(tokens) != 2 || tokens[1] != "access-1" {
		t.Errorf("tokens = %v", tokens)
	}
	if r.calls.Load() != 1 {
		t.Errorf("renewals = %d, want 1", r.calls.Load())
	}
}

func TestDo_PersistentUnauthorizedIsNotLooped(t *testing.T) {
	r := &fakeRenewer{expiry: fixedNow.Add(time.Hour)}
	store := &memStore{creds: Credentials{Access: "a", AccessExpiry: fixedNow.Add(time.Hour), Renewal: "r0"}}
	m := newTestManager(t, r, store)

	calls := 0
	err := m.Do(context.Background(), func(context.Context, string) error {
		calls++
		return &apperr.HTTPError{StatusCode: 401}
	})
	if !apperr.IsUnauthorized(err) {
		t.Fatalf("err = %v, want 401", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if r.calls.Load() != 1 {
		t.Errorf("renewals = %d, want 1", r.calls.Load())
	}
}

func TestExpiryFromJWTWhenServerOmitsIt(t *testing.T) {
	exp := fixedNow.Add(42 * time.Minute).Truncate(time.Second)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)})
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}

	store := &memStore{creds: Credentials{Renewal: "r0"}}
	m := newTestManager(t, renewerFunc(func(context.Context, string) (Credentials, error) {
		return Credentials{Access: signed, Renewal: "r1"}, nil
	}), store)

	if err := m.EnsureValid(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := m.State().AccessExpiry; !got.Equal(exp) {
		t.Errorf("expiry = %v, want %v", got, exp)
	}
}

type renewerFunc func(ctx context.Context, renewal string) (Credentials, error)

func (f renewerFunc) RenewCredentials(ctx context.Context, renewal string) (Credentials, error) {
	return f(ctx, renewal)
}
