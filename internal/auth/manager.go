// Package auth keeps a short-lived access credential valid, renewing it
// with the long-lived renewal credential when needed.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/starford/notesync/internal/apperr"
)

// SafetyMargin is how long before expiry an access credential stops being used.
const SafetyMargin = 60 * time.Second

// defaultAccessLifetime applies when the server reports no expiry and the
// token carries none either.
const defaultAccessLifetime = 15 * time.Minute

// Credentials is the persisted credential set.
type Credentials struct {
	Access       string
	AccessExpiry time.Time
	Renewal      string
}

// Renewer exchanges a renewal credential for a fresh pair.
type Renewer interface {
	RenewCredentials(ctx context.Context, renewal string) (Credentials, error)
}

// CredentialStore persists credentials between runs.
type CredentialStore interface {
	LoadCredentials(ctx context.Context) (Credentials, error)
	SaveCredentials(ctx context.Context, c Credentials) error
}

// State is a read-only view for status reporting.
type State struct {
	HasRenewal   bool      `json:"has_renewal"`
	HasAccess    bool      `json:"has_access"`
	AccessExpiry time.Time `json:"access_expiry,omitempty"`
}

// Manager owns the credential pair.
type Manager struct {
	renewer Renewer
	store   CredentialStore
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	creds Credentials

	renewals singleflight.Group
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager loads persisted credentials from store and returns a Manager.
func NewManager(ctx context.Context, renewer Renewer, store CredentialStore, opts ...Option) (*Manager, error) {
	if renewer == nil {
		return nil, fmt.Errorf("auth: renewer is required")
	}
	if store == nil {
		return nil, fmt.Errorf("auth: credential store is required")
	}
	m := &Manager{
		renewer: renewer,
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	creds, err := store.LoadCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: load credentials: %w", err)
	}
	m.creds = creds
	return m, nil
}

// State reports which credentials are present.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		HasRenewal:   m.creds.Renewal != "",
		HasAccess:    m.creds.Access != "",
		AccessExpiry: m.creds.AccessExpiry,
	}
}

// Token returns the current access credential without checking validity.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds.Access
}

func (m *Manager) validLocked() bool {
	if m.creds.Access == "" {
		return false
	}
	return m.now().Before(m.creds.AccessExpiry.Add(-SafetyMargin))
}

// EnsureValid renews the access credential if it is missing or about to expire.
func (m *Manager) EnsureValid(ctx context.Context) error {
	m.mu.Lock()
	valid := m.validLocked()
	m.mu.Unlock()
	if valid {
		return nil
	}
	return m.renew(ctx)
}

// Do runs fn with a valid access token. When the server answers 401 despite a
// locally valid token, the credential is renewed once and fn retried once.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	if err := m.EnsureValid(ctx); err != nil {
		return err
	}
	err := fn(ctx, m.Token())
	if !apperr.IsUnauthorized(err) {
		return err
	}

	m.logger.Warn("auth: access credential rejected, forcing renewal")
	if renewErr := m.renew(ctx); renewErr != nil {
		return renewErr
	}
	return fn(ctx, m.Token())
}

// renew performs the exchange, sharing one in-flight call among all callers.
// singleflight forgets the key once the call settles, so a failed renewal
// never blocks the next attempt.
func (m *Manager) renew(ctx context.Context) error {
	ch := m.renewals.DoChan("renew", func() (any, error) {
		// Detached: one waiter giving up must not fail the others.
		return nil, m.exchange(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) exchange(ctx context.Context) error {
	m.mu.Lock()
	renewal := m.creds.Renewal
	m.mu.Unlock()

	if renewal == "" {
		return apperr.ErrRenewalExpired
	}

	fresh, err := m.renewer.RenewCredentials(ctx, renewal)
	if err != nil {
		if isRenewalRejected(err) {
			m.logger.Error("auth: renewal credential rejected", slog.String("error", err.Error()))
			m.discard(ctx)
			return fmt.Errorf("%w: %v", apperr.ErrRenewalExpired, err)
		}
		return fmt.Errorf("auth: renew: %w", err)
	}
	if fresh.Access == "" {
		return fmt.Errorf("auth: renew: server returned an empty access credential")
	}
	if fresh.Renewal == "" {
		// Servers that do not rotate keep the old renewal credential valid.
		fresh.Renewal = renewal
	}
	if fresh.AccessExpiry.IsZero() {
		fresh.AccessExpiry = m.expiryFromToken(fresh.Access)
	}

	if err := m.store.SaveCredentials(ctx, fresh); err != nil {
		return fmt.Errorf("auth: persist credentials: %w", err)
	}

	m.mu.Lock()
	m.creds = fresh
	m.mu.Unlock()

	m.logger.Info("auth: access credential renewed", slog.Time("expires_at", fresh.AccessExpiry))
	return nil
}

// discard drops both credentials after the server rejected the renewal one.
// A rejected renewal credential never works again, and an empty one lets a
// newly configured seed take its place.
func (m *Manager) discard(ctx context.Context) {
	m.mu.Lock()
	m.creds = Credentials{}
	snapshot := m.creds
	m.mu.Unlock()

	if err := m.store.SaveCredentials(ctx, snapshot); err != nil {
		m.logger.Warn("auth: persist cleared credentials failed", slog.String("error", err.Error()))
	}
}

// expiryFromToken reads the exp claim when the access token is a JWT. The
// signature is not checked; the server remains the authority on validity.
func (m *Manager) expiryFromToken(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return m.now().Add(defaultAccessLifetime)
}

func isRenewalRejected(err error) bool {
	if errors.Is(err, apperr.ErrRenewalExpired) {
		return true
	}
	switch apperr.StatusCode(err) {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}
