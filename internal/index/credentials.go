package index

import (
	"context"
	"fmt"
	"time"

	"github.com/starford/notesync/internal/auth"
)

const (
	keyAccess       = "auth.access"
	keyAccessExpiry = "auth.access_expiry"
	keyRenewal      = "auth.renewal"
	keyRenewalSeed  = "auth.renewal_seed"
)

// LoadCredentials implements auth.CredentialStore.
func (db *DB) LoadCredentials(ctx context.Context) (auth.Credentials, error) {
	var c auth.Credentials
	var err error
	if c.Access, err = db.GetSetting(ctx, keyAccess); err != nil {
		return c, err
	}
	if c.Renewal, err = db.GetSetting(ctx, keyRenewal); err != nil {
		return c, err
	}
	raw, err := db.GetSetting(ctx, keyAccessExpiry)
	if err != nil {
		return c, err
	}
	if raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return c, fmt.Errorf("index: parse access expiry: %w", err)
		}
		c.AccessExpiry = t
	}
	return c, nil
}

// SaveCredentials implements auth.CredentialStore. All three values are
// written in one transaction.
func (db *DB) SaveCredentials(ctx context.Context, c auth.Credentials) error {
	expiry := ""
	if !c.AccessExpiry.IsZero() {
		expiry = c.AccessExpiry.UTC().Format(time.RFC3339Nano)
	}
	return db.SetSettings(ctx, map[string]string{
		keyAccess:       c.Access,
		keyAccessExpiry: expiry,
		keyRenewal:      c.Renewal,
	})
}

// SeedRenewal stores a configured renewal credential. Each configured value
// is applied once: the server rotates the stored credential on every renewal,
// so restarting with the same value keeps the rotated one, and a value that
// was rejected stays rejected. A new value replaces the stored credentials.
// It reports whether the seed was applied.
func (db *DB) SeedRenewal(ctx context.Context, renewal string) (bool, error) {
	if renewal == "" {
		return false, nil
	}
	last, err := db.GetSetting(ctx, keyRenewalSeed)
	if err != nil {
		return false, err
	}
	if last == renewal {
		return false, nil
	}
	return true, db.SetSettings(ctx, map[string]string{
		keyAccess:       "",
		keyAccessExpiry: "",
		keyRenewal:      renewal,
		keyRenewalSeed:  renewal,
	})
}
