package api

import (
	"context"
	"errors"
	"time"

	"github.com/starford/notesync/internal/auth"
	"github.com/starford/notesync/internal/configsync"
	"github.com/starford/notesync/internal/syncer"
)

// Scheduler triggers cycles on demand and exposes the timer state.
type Scheduler interface {
	TriggerManual(ctx context.Context) (syncer.Outcome, error)
	NextDelay() (time.Duration, bool)
	Running() bool
}

// Engine exposes cycle state.
type Engine interface {
	Syncing() bool
	Failures() int
	Interval() time.Duration
	LastReport() (syncer.Report, bool)
}

// ConfigSyncer pushes and pulls the config artifacts.
type ConfigSyncer interface {
	SyncNow(ctx context.Context) error
	Status() configsync.Status
}

// Credentials reports the credential state.
type Credentials interface {
	State() auth.State
}

// NoteCounter counts notes recorded in the local ledger.
type NoteCounter interface {
	CountNotes(ctx context.Context) (int, error)
}

// Service is the control surface shared by the HTTP API and the MCP server.
type Service struct {
	scheduler Scheduler
	engine    Engine
	config    ConfigSyncer
	creds     Credentials
	ledger    NoteCounter
	now       func() time.Time
}

// NewService creates a control service. config and creds may be nil when the
// corresponding component is not running.
func NewService(scheduler Scheduler, engine Engine, config ConfigSyncer, creds Credentials, ledger NoteCounter) *Service {
	return &Service{
		scheduler: scheduler,
		engine:    engine,
		config:    config,
		creds:     creds,
		ledger:    ledger,
		now:       time.Now,
	}
}

// ErrConfigDisabled is returned by SyncConfig when config sync is not running.
var ErrConfigDisabled = errors.New("config sync is not running")

// Status collects a snapshot of the sync state.
func (s *Service) Status(ctx context.Context) (StatusResponse, error) {
	resp := StatusResponse{
		Syncing:             s.engine.Syncing(),
		SchedulerRunning:    s.scheduler.Running(),
		ConsecutiveFailures: s.engine.Failures(),
		IntervalSeconds:     int(s.engine.Interval().Seconds()),
		ConfigStatus:        "disabled",
	}
	if d, ok := s.scheduler.NextDelay(); ok {
		next := s.now().Add(d).UTC()
		resp.NextSyncAt = &next
	}
	if rep, ok := s.engine.LastReport(); ok {
		resp.LastCycle = cycleSummary(rep)
	}
	if s.config != nil {
		resp.ConfigStatus = s.config.Status().String()
	}
	if s.creds != nil {
		st := s.creds.State()
		resp.Credentials = &st
	}
	n, err := s.ledger.CountNotes(ctx)
	if err != nil {
		return StatusResponse{}, err
	}
	resp.NotesSynced = n
	return resp, nil
}

// Sync runs a manual cycle subject to the cooldown.
func (s *Service) Sync(ctx context.Context) (SyncResponse, error) {
	out, err := s.scheduler.TriggerManual(ctx)
	return SyncResponse{Outcome: out.Kind.String(), Count: out.N}, err
}

// SyncConfig pushes local config edits and refreshes tags.
func (s *Service) SyncConfig(ctx context.Context) (ConfigSyncResponse, error) {
	if s.config == nil {
		return ConfigSyncResponse{Status: "disabled"}, ErrConfigDisabled
	}
	err := s.config.SyncNow(ctx)
	return ConfigSyncResponse{Status: s.config.Status().String()}, err
}

func cycleSummary(rep syncer.Report) *CycleSummary {
	c := &CycleSummary{
		Outcome:    rep.Outcome.Kind.String(),
		Count:      rep.Outcome.N,
		Written:    rep.Written,
		Failed:     rep.Failed,
		Archived:   rep.Archived,
		DurationMS: rep.Duration.Milliseconds(),
	}
	if rep.Err != nil {
		c.Outcome = "error"
		c.Error = rep.Err.Error()
	}
	return c
}
