// Package client is the typed façade over the sync server's HTTP API.
// Retry and credential handling live in the retry and auth packages; this
// package only routes and decodes.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/auth"
	"github.com/starford/notesync/internal/models"
	"github.com/starford/notesync/internal/retry"
)

// Authorizer runs a call with a valid access token.
type Authorizer interface {
	Do(ctx context.Context, fn func(ctx context.Context, token string) error) error
}

// Client talks to the sync server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	exec       *retry.Executor
	policy     retry.Policy
	renewal    retry.Policy
	authz      Authorizer
	logger     *slog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithExecutor sets the retry executor.
func WithExecutor(ex *retry.Executor) Option {
	return func(c *Client) { c.exec = ex }
}

// WithPolicies overrides the ordinary and renewal retry policies.
func WithPolicies(ordinary, renewal retry.Policy) Option {
	return func(c *Client) {
		c.policy = ordinary
		c.renewal = renewal
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for baseURL. Authenticated calls fail until
// SetAuthorizer has been called.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{},
		policy:     retry.Default,
		renewal:    retry.Renewal,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.exec == nil {
		c.exec = retry.NewExecutor(c.logger)
	}
	return c
}

// SetAuthorizer wires the credential manager. It is separate from New
// because the manager itself renews through this client.
func (c *Client) SetAuthorizer(a Authorizer) {
	c.authz = a
}

// HealthStatus is the response of GET /health.
type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Health checks raw reachability; it needs no credential.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var out HealthStatus
	err := c.exec.Do(ctx, c.policy, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/health", "", nil, &out)
	})
	return out, err
}

type refreshRequest struct {
	Renewal string `json:"renewal"`
}

type refreshResponse struct {
	Access       string    `json:"access"`
	AccessExpiry time.Time `json:"access_expiry"`
	Renewal      string    `json:"renewal"`
}

// RenewCredentials exchanges the renewal credential for a new pair. It uses
// the renewal retry policy and implements auth.Renewer.
func (c *Client) RenewCredentials(ctx context.Context, renewal string) (auth.Credentials, error) {
	var out refreshResponse
	err := c.exec.Do(ctx, c.renewal, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, "/auth/refresh", "", refreshRequest{Renewal: renewal}, &out)
	})
	if err != nil {
		return auth.Credentials{}, err
	}
	return auth.Credentials{
		Access:       out.Access,
		AccessExpiry: out.AccessExpiry,
		Renewal:      out.Renewal,
	}, nil
}

// UnsyncedBatch is the response of GET /notes/unsynced.
type UnsyncedBatch struct {
	Notes      []models.Note `json:"notes"`
	ServerTime time.Time     `json:"server_time"`
}

// FetchUnsynced returns the notes not yet acknowledged by this client.
func (c *Client) FetchUnsynced(ctx context.Context) (UnsyncedBatch, error) {
	var out UnsyncedBatch
	err := c.authed(ctx, http.MethodGet, "/notes/unsynced", nil, &out)
	return out, err
}

type markSyncedRequest struct {
	IDs     []string          `json:"ids"`
	PathMap map[string]string `json:"path_map,omitempty"`
}

type markSyncedResponse struct {
	SyncedCount int `json:"synced_count"`
}

// MarkSynced acknowledges ids; pathMap reports where each note was written.
func (c *Client) MarkSynced(ctx context.Context, ids []string, pathMap map[string]string) (int, error) {
	var out markSyncedResponse
	err := c.authed(ctx, http.MethodPost, "/notes/mark-synced", markSyncedRequest{IDs: ids, PathMap: pathMap}, &out)
	return out.SyncedCount, err
}

type reconcileRequest struct {
	Paths []string `json:"paths"`
}

type reconcileResponse struct {
	ArchivedCount int `json:"archived_count"`
}

// ReconcileArchived reports vault paths the user archived locally.
func (c *Client) ReconcileArchived(ctx context.Context, paths []string) (int, error) {
	var out reconcileResponse
	err := c.authed(ctx, http.MethodPost, "/notes/reconcile-archived", reconcileRequest{Paths: paths}, &out)
	return out.ArchivedCount, err
}

type categoriesBody struct {
	Categories []models.Category `json:"categories"`
}

// GetCategories returns the server's category list; empty on first contact.
func (c *Client) GetCategories(ctx context.Context) ([]models.Category, error) {
	var out categoriesBody
	err := c.authed(ctx, http.MethodGet, "/categories", nil, &out)
	return out.Categories, err
}

// PutCategories replaces the server's category list.
func (c *Client) PutCategories(ctx context.Context, cats []models.Category) error {
	return c.authed(ctx, http.MethodPut, "/categories", categoriesBody{Categories: cats}, nil)
}

// GetTags returns the tag usage registry.
func (c *Client) GetTags(ctx context.Context) (models.TagRegistry, error) {
	var out models.TagRegistry
	err := c.authed(ctx, http.MethodGet, "/tags", nil, &out)
	return out, err
}

// PutTags replaces the tag registry.
func (c *Client) PutTags(ctx context.Context, reg models.TagRegistry) error {
	return c.authed(ctx, http.MethodPut, "/tags", reg, nil)
}

// InitResult is the response of POST /init.
type InitResult struct {
	CategoriesSaved int `json:"categories_saved"`
	PendingNotes    int `json:"pending_notes"`
}

// InitCategories seeds the server with the local categories on first
// contact. The server may start processing its backlog in response.
func (c *Client) InitCategories(ctx context.Context, cats []models.Category) (InitResult, error) {
	var out InitResult
	err := c.authed(ctx, http.MethodPost, "/init", categoriesBody{Categories: cats}, &out)
	return out, err
}

// GetUserSettings returns the account's server-side preferences.
func (c *Client) GetUserSettings(ctx context.Context) (models.UserSettings, error) {
	var out models.UserSettings
	err := c.authed(ctx, http.MethodGet, "/settings", nil, &out)
	return out, err
}

// authed composes credential handling with the retry executor. Each retry
// re-reads the token, so a renewal between attempts is picked up.
func (c *Client) authed(ctx context.Context, method, path string, body, out any) error {
	if c.authz == nil {
		return fmt.Errorf("client: %s %s: no authorizer configured", method, path)
	}
	return c.authz.Do(ctx, func(ctx context.Context, token string) error {
		return c.exec.Do(ctx, c.policy, func(ctx context.Context) error {
			return c.doJSON(ctx, method, path, token, body, out)
		})
	})
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, body, out any) error {
	var bodyReader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("client: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("client: read response: %w", readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		msg := errPayload.Message
		if msg == "" {
			msg = errPayload.Error
		}
		return &apperr.HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: msg}
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("client: decode %s: %w", path, err)
	}
	return nil
}
