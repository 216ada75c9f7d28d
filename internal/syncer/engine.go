// Package syncer runs note sync cycles against the server and schedules them
// with failure backoff.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/client"
	"github.com/starford/notesync/internal/models"
)

// DefaultInterval is the base interval between scheduled cycles.
const DefaultInterval = 60 * time.Second

// maxBackoffExponent caps backoff at 32x the base interval.
const maxBackoffExponent = 5

// Kind classifies the result of a cycle.
type Kind int

const (
	// Failed means the cycle did not complete; the returned error says why.
	Failed Kind = iota
	// Skipped means nothing ran: a cycle was already in flight or a manual
	// trigger hit its cooldown.
	Skipped
	// NoNewData means the server had no unsynced notes.
	NoNewData
	// Count means N notes were acknowledged.
	Count
)

func (k Kind) String() string {
	switch k {
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	case NoNewData:
		return "no_new_data"
	case Count:
		return "count"
	default:
		return "unknown"
	}
}

// Outcome is what a cycle did.
type Outcome struct {
	Kind Kind
	N    int
}

func (o Outcome) String() string {
	if o.Kind == Count {
		return fmt.Sprintf("count(%d)", o.N)
	}
	return o.Kind.String()
}

// Remote is the subset of the API client the engine needs.
type Remote interface {
	FetchUnsynced(ctx context.Context) (client.UnsyncedBatch, error)
	MarkSynced(ctx context.Context, ids []string, pathMap map[string]string) (int, error)
	ReconcileArchived(ctx context.Context, paths []string) (int, error)
}

// NoteWriter persists fetched notes locally. An empty path with a nil error
// means the note was already present.
type NoteWriter interface {
	Write(ctx context.Context, note models.Note, siblings []string) (string, error)
}

// ArchiveScanner collects locally archived paths not yet reported.
type ArchiveScanner interface {
	ScanArchivedPaths(ctx context.Context) ([]string, error)
}

// ArchiveAcknowledger is told which archived paths the server accepted.
type ArchiveAcknowledger interface {
	MarkArchivedReported(ctx context.Context, paths []string) error
}

// Report describes a finished cycle.
type Report struct {
	Outcome  Outcome
	Err      error
	Failures int
	Next     time.Duration
	Written  int
	Failed   int
	Archived int
	Duration time.Duration

	// Paths are the vault paths written this cycle.
	Paths []string
}

// Engine runs sync cycles. At most one cycle is in flight at a time.
type Engine struct {
	remote  Remote
	notes   NoteWriter
	scanner ArchiveScanner
	logger  *slog.Logger

	observers   []func(Report)
	onReachable func()

	syncing atomic.Bool

	mu       sync.Mutex
	failures int
	interval time.Duration
	last     *Report
}

// Option configures an Engine.
type Option func(*Engine)

// WithArchiveScanner enables archive reconciliation after each cycle. When
// the scanner also implements ArchiveAcknowledger it is told which paths
// were reported.
func WithArchiveScanner(s ArchiveScanner) Option {
	return func(e *Engine) { e.scanner = s }
}

// WithObserver registers fn to receive a Report after every cycle that ran.
func WithObserver(fn func(Report)) Option {
	return func(e *Engine) { e.observers = append(e.observers, fn) }
}

// WithOnReachable registers fn to be called whenever the server answered a fetch.
func WithOnReachable(fn func()) Option {
	return func(e *Engine) { e.onReachable = fn }
}

// WithInterval sets the base scheduling interval.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine fetching from remote and writing to notes.
func NewEngine(remote Remote, notes NoteWriter, opts ...Option) *Engine {
	e := &Engine{
		remote:   remote,
		notes:    notes,
		logger:   slog.Default(),
		interval: DefaultInterval,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Syncing reports whether a cycle is in flight.
func (e *Engine) Syncing() bool { return e.syncing.Load() }

// Failures returns the number of consecutive failed cycles.
func (e *Engine) Failures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// Interval returns the base scheduling interval.
func (e *Engine) Interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}

// SetInterval changes the base scheduling interval. It takes effect when the
// scheduler next re-arms.
func (e *Engine) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	e.interval = d
	e.mu.Unlock()
}

// NextInterval is the delay before the next scheduled cycle given the
// current failure count.
func (e *Engine) NextInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return NextInterval(e.interval, e.failures)
}

// LastReport returns the most recent cycle report, if any.
func (e *Engine) LastReport() (Report, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Report{}, false
	}
	return *e.last, true
}

// NextInterval returns base * min(2^failures, 2^5).
func NextInterval(base time.Duration, failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	if failures > maxBackoffExponent {
		failures = maxBackoffExponent
	}
	return base * time.Duration(1<<failures)
}

// RunCycle fetches unsynced notes, writes them, acknowledges the successful
// ones and reconciles archived paths. A concurrent call returns Skipped
// without touching the server.
func (e *Engine) RunCycle(ctx context.Context) (Outcome, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		e.logger.Debug("sync already in flight, skipping")
		return Outcome{Kind: Skipped}, nil
	}
	defer e.syncing.Store(false)

	start := time.Now()
	rep := e.cycle(ctx)
	if rep.Err != nil {
		rep.Outcome = Outcome{Kind: Failed}
	}

	e.mu.Lock()
	switch {
	case rep.Err == nil:
		e.failures = 0
	case errors.Is(rep.Err, apperr.ErrRenewalExpired):
	default:
		e.failures++
	}
	rep.Failures = e.failures
	rep.Next = NextInterval(e.interval, e.failures)
	rep.Duration = time.Since(start)
	last := rep
	e.last = &last
	e.mu.Unlock()

	if rep.Err != nil {
		e.logger.Error("sync cycle failed",
			slog.String("error", rep.Err.Error()),
			slog.Int("failures", rep.Failures),
			slog.Duration("next", rep.Next))
	} else {
		e.logger.Info("sync cycle finished",
			slog.String("outcome", rep.Outcome.String()),
			slog.Int("failed_writes", rep.Failed),
			slog.Duration("took", rep.Duration))
	}
	for _, fn := range e.observers {
		fn(rep)
	}
	return rep.Outcome, rep.Err
}

func (e *Engine) cycle(ctx context.Context) Report {
	batch, err := e.remote.FetchUnsynced(ctx)
	if err != nil {
		return Report{Err: fmt.Errorf("fetch unsynced: %w", err)}
	}
	if e.onReachable != nil {
		e.onReachable()
	}

	if len(batch.Notes) == 0 {
		return Report{Outcome: Outcome{Kind: NoNewData}, Archived: e.reconcileArchive(ctx)}
	}

	siblings := batchSiblings(batch.Notes)
	ids := make([]string, 0, len(batch.Notes))
	pathMap := make(map[string]string)
	var rep Report
	for _, n := range batch.Notes {
		p, err := e.notes.Write(ctx, n, siblings[n.ID])
		if err != nil {
			rep.Failed++
			e.logger.Warn("note write failed",
				slog.String("id", n.ID),
				slog.String("title", n.Title),
				slog.String("error", err.Error()))
			continue
		}
		ids = append(ids, n.ID)
		if p != "" {
			rep.Written++
			rep.Paths = append(rep.Paths, p)
			pathMap[n.ID] = p
		}
	}

	if len(ids) > 0 {
		if _, err := e.remote.MarkSynced(ctx, ids, pathMap); err != nil {
			rep.Err = fmt.Errorf("mark synced: %w", err)
			return rep
		}
	}

	rep.Outcome = Outcome{Kind: Count, N: len(ids)}
	rep.Archived = e.reconcileArchive(ctx)
	return rep
}

// reconcileArchive reports newly archived paths. Failures are logged only.
func (e *Engine) reconcileArchive(ctx context.Context) int {
	if e.scanner == nil {
		return 0
	}
	paths, err := e.scanner.ScanArchivedPaths(ctx)
	if err != nil {
		e.logger.Warn("archive scan failed", slog.String("error", err.Error()))
		return 0
	}
	if len(paths) == 0 {
		return 0
	}
	n, err := e.remote.ReconcileArchived(ctx, paths)
	if err != nil {
		e.logger.Warn("archive reconcile failed", slog.String("error", err.Error()))
		return 0
	}
	if ack, ok := e.scanner.(ArchiveAcknowledger); ok {
		if err := ack.MarkArchivedReported(ctx, paths); err != nil {
			e.logger.Warn("archive bookkeeping failed", slog.String("error", err.Error()))
		}
	}
	e.logger.Info("archived notes reconciled", slog.Int("paths", len(paths)), slog.Int("archived", n))
	return len(paths)
}

// batchSiblings maps each note id in a batch group of two or more to the
// titles of the other members, in fetch order.
func batchSiblings(notes []models.Note) map[string][]string {
	groups := make(map[string][]models.Note)
	for _, n := range notes {
		if n.BatchID == "" {
			continue
		}
		groups[n.BatchID] = append(groups[n.BatchID], n)
	}
	out := make(map[string][]string)
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		for _, n := range members {
			names := make([]string, 0, len(members)-1)
			for _, other := range members {
				if other.ID != n.ID {
					names = append(names, other.Title)
				}
			}
			out[n.ID] = names
		}
	}
	return out
}
