// Package configsync keeps the local categories and tags artifacts consistent
// with the server: pull on init, debounced hash-deduplicated push on edit.
package configsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/checksum"
	"github.com/starford/notesync/internal/client"
	"github.com/starford/notesync/internal/models"
)

// DefaultDebounce coalesces bursts of local edits into one push.
const DefaultDebounce = 1500 * time.Millisecond

// ReauthNotice is surfaced when the renewal credential was rejected.
const ReauthNotice = "Sign-in expired: re-authenticate to resume syncing"

// Status is the coarse config sync state shown to the user.
type Status int

const (
	Synced Status = iota
	Pending
	Error
	Offline
)

func (s Status) String() string {
	switch s {
	case Synced:
		return "synced"
	case Pending:
		return "pending"
	case Error:
		return "error"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Kind names an artifact.
type Kind string

const (
	Categories Kind = "categories"
	Tags       Kind = "tags"
)

// Remote is the subset of the API client the orchestrator needs.
type Remote interface {
	GetCategories(ctx context.Context) ([]models.Category, error)
	PutCategories(ctx context.Context, cats []models.Category) error
	InitCategories(ctx context.Context, cats []models.Category) (client.InitResult, error)
	GetTags(ctx context.Context) (models.TagRegistry, error)
	PutTags(ctx context.Context, reg models.TagRegistry) error
}

// Orchestrator owns the two artifacts, their last-synced hashes and the
// debounce timers.
type Orchestrator struct {
	remote     Remote
	categories Artifact[[]models.Category]
	tags       Artifact[models.TagRegistry]
	logger     *slog.Logger
	debounce   time.Duration
	onStatus   func(Status)
	onNotice   func(string)

	reconnecting atomic.Bool

	// artifactMu serialises read, compare, transfer and hash update per
	// artifact, so concurrent pushes of one edit send it once.
	artifactMu map[Kind]*sync.Mutex

	mu          sync.Mutex
	ctx         context.Context
	status      Status
	initialized bool
	hashes      map[Kind]string
	timers      map[Kind]*time.Timer
	closed      bool
	stopped     chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDebounce sets the edit coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(o *Orchestrator) { o.debounce = d }
}

// WithStatusCallback registers fn to be called on every status transition.
func WithStatusCallback(fn func(Status)) Option {
	return func(o *Orchestrator) { o.onStatus = fn }
}

// WithNoticeCallback registers fn for user-facing messages.
func WithNoticeCallback(fn func(string)) Option {
	return func(o *Orchestrator) { o.onNotice = fn }
}

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator. Call Init before relying on its status.
func New(remote Remote, categories Artifact[[]models.Category], tags Artifact[models.TagRegistry], opts ...Option) *Orchestrator {
	o := &Orchestrator{
		remote:     remote,
		categories: categories,
		tags:       tags,
		logger:     slog.Default(),
		debounce:   DefaultDebounce,
		ctx:        context.Background(),
		status:     Synced,
		hashes:     make(map[Kind]string),
		timers:     make(map[Kind]*time.Timer),
		stopped:    make(chan struct{}),
		artifactMu: map[Kind]*sync.Mutex{Categories: {}, Tags: {}},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Status returns the current status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Init creates missing artifacts, performs the first-contact handshake or
// pulls categories, and always pulls tags. Debounced pushes started later
// run with ctx.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	o.ctx = ctx
	o.mu.Unlock()

	for _, a := range []interface {
		EnsureExists() (bool, error)
		Path() string
	}{o.categories, o.tags} {
		created, err := a.EnsureExists()
		if err != nil {
			o.setStatus(Error)
			return fmt.Errorf("configsync: ensure %s: %w", a.Path(), err)
		}
		if created {
			o.logger.Info("config artifact created with defaults", slog.String("path", a.Path()))
		}
	}

	remote, err := o.remote.GetCategories(ctx)
	if err != nil {
		o.fail("pull", Categories, err)
		return fmt.Errorf("configsync: pull categories: %w", err)
	}
	if len(remote) == 0 {
		if err := o.seedCategories(ctx); err != nil {
			return err
		}
	} else if err := pull(o, Categories, o.categories, remote); err != nil {
		return err
	}

	if err := o.PullTags(ctx); err != nil {
		return err
	}
	o.mu.Lock()
	o.initialized = true
	o.mu.Unlock()
	o.setStatus(Synced)
	return nil
}

// Reconnect is called once the server is known to be reachable again. It
// finishes an Init that failed earlier, or runs SyncNow when the last
// operation left the status Offline. Other states are left alone, and a call
// while a previous one is still running does nothing.
func (o *Orchestrator) Reconnect(ctx context.Context) error {
	if !o.reconnecting.CompareAndSwap(false, true) {
		return nil
	}
	defer o.reconnecting.Store(false)

	o.mu.Lock()
	initialized, status, closed := o.initialized, o.status, o.closed
	o.mu.Unlock()
	switch {
	case closed:
		return nil
	case !initialized:
		o.logger.Info("server reachable, retrying config init")
		return o.Init(ctx)
	case status == Offline:
		o.logger.Info("server reachable, resyncing config")
		return o.SyncNow(ctx)
	default:
		return nil
	}
}

// seedCategories pushes the local categories as the server's first set.
func (o *Orchestrator) seedCategories(ctx context.Context) error {
	mu := o.artifactMu[Categories]
	mu.Lock()
	defer mu.Unlock()

	local, err := o.categories.Read()
	if err != nil {
		o.setStatus(Error)
		return err
	}
	h, err := checksum.Of(local)
	if err != nil {
		return err
	}
	o.setStatus(Pending)
	res, err := o.remote.InitCategories(ctx, local)
	if err != nil {
		o.fail("push", Categories, err)
		return fmt.Errorf("configsync: init categories: %w", err)
	}
	o.setHash(Categories, h)
	o.logger.Info("server seeded with local categories",
		slog.Int("saved", res.CategoriesSaved), slog.Int("pending_notes", res.PendingNotes))
	if res.PendingNotes > 0 {
		o.notice(fmt.Sprintf("%d notes are waiting to be processed on the server", res.PendingNotes))
	}
	return nil
}

// PullTags replaces the local tag registry with the server's.
func (o *Orchestrator) PullTags(ctx context.Context) error {
	reg, err := o.remote.GetTags(ctx)
	if err != nil {
		o.fail("pull", Tags, err)
		return fmt.Errorf("configsync: pull tags: %w", err)
	}
	return pull(o, Tags, o.tags, reg)
}

// NotifyChanged schedules a push of kind after the debounce window. Repeated
// calls within the window restart it.
func (o *Orchestrator) NotifyChanged(kind Kind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if t, ok := o.timers[kind]; ok {
		t.Stop()
	}
	ctx := o.ctx
	o.timers[kind] = time.AfterFunc(o.debounce, func() {
		o.mu.Lock()
		closed, initialized := o.closed, o.initialized
		delete(o.timers, kind)
		o.mu.Unlock()
		if closed {
			return
		}
		if !initialized {
			// Init pulls the server state and overwrites local edits anyway.
			o.logger.Debug("config push deferred until init", slog.String("kind", string(kind)))
			return
		}
		if err := o.Push(ctx, kind); err != nil {
			o.logger.Warn("config push failed", slog.String("kind", string(kind)), slog.String("error", err.Error()))
		}
	})
}

// Push sends the local artifact when its content differs from the last
// synced snapshot. A failed push leaves the local file as it is.
func (o *Orchestrator) Push(ctx context.Context, kind Kind) error {
	switch kind {
	case Categories:
		return push(ctx, o, Categories, o.categories, o.remote.PutCategories)
	case Tags:
		return push(ctx, o, Tags, o.tags, o.remote.PutTags)
	default:
		return fmt.Errorf("configsync: unknown artifact %q", kind)
	}
}

// SyncNow pushes both artifacts (skipping unchanged ones) and then refreshes
// tags from the server.
func (o *Orchestrator) SyncNow(ctx context.Context) error {
	var errs []error
	for _, k := range []Kind{Categories, Tags} {
		if err := o.Push(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		if err := o.PullTags(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close cancels pending debounced pushes and stops the watcher. Pushes
// already running finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for k, t := range o.timers {
		t.Stop()
		delete(o.timers, k)
	}
	close(o.stopped)
}

func push[T any](ctx context.Context, o *Orchestrator, kind Kind, a Artifact[T], put func(context.Context, T) error) error {
	mu := o.artifactMu[kind]
	mu.Lock()
	defer mu.Unlock()

	v, err := a.Read()
	if err != nil {
		o.setStatus(Error)
		o.notice(fmt.Sprintf("Could not read %s: %v", a.Path(), err))
		return err
	}
	h, err := checksum.Of(v)
	if err != nil {
		return err
	}
	if h == o.hash(kind) {
		o.setStatus(Synced)
		return nil
	}

	o.setStatus(Pending)
	if err := put(ctx, v); err != nil {
		o.fail("push", kind, err)
		return fmt.Errorf("configsync: push %s: %w", kind, err)
	}
	o.setHash(kind, h)
	o.setStatus(Synced)
	o.logger.Info("config pushed", slog.String("kind", string(kind)))
	return nil
}

// pull writes v to the artifact and records the hash of what landed on disk,
// so the watcher event caused by this write does not push it back.
func pull[T any](o *Orchestrator, kind Kind, a Artifact[T], v T) error {
	mu := o.artifactMu[kind]
	mu.Lock()
	defer mu.Unlock()

	if err := a.Write(v); err != nil {
		o.setStatus(Error)
		return fmt.Errorf("configsync: write %s: %w", a.Path(), err)
	}
	onDisk, err := a.Read()
	if err != nil {
		return err
	}
	h, err := checksum.Of(onDisk)
	if err != nil {
		return err
	}
	o.setHash(kind, h)
	o.logger.Debug("config pulled", slog.String("kind", string(kind)))
	return nil
}

func (o *Orchestrator) fail(op string, kind Kind, err error) {
	switch {
	case errors.Is(err, apperr.ErrRenewalExpired):
		o.setStatus(Error)
		o.notice(ReauthNotice)
	case op == "push" && apperr.IsTerminal(err):
		o.setStatus(Error)
		o.notice(fmt.Sprintf("Server rejected %s: %v", kind, err))
	default:
		o.setStatus(Offline)
	}
	o.logger.Warn("config sync failed",
		slog.String("op", op),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()))
}

func (o *Orchestrator) hash(kind Kind) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hashes[kind]
}

func (o *Orchestrator) setHash(kind Kind, h string) {
	o.mu.Lock()
	o.hashes[kind] = h
	o.mu.Unlock()
}

func (o *Orchestrator) setStatus(s Status) {
	o.mu.Lock()
	changed := o.status != s
	o.status = s
	o.mu.Unlock()
	if changed && o.onStatus != nil {
		o.onStatus(s)
	}
}

func (o *Orchestrator) notice(msg string) {
	if o.onNotice != nil {
		o.onNotice(msg)
	}
}
