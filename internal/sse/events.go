package sse

import (
	"time"

	"github.com/starford/notesync/internal/configsync"
	"github.com/starford/notesync/internal/syncer"
)

// CyclePayload is the data of a sync.cycle event.
type CyclePayload struct {
	Outcome    string  `json:"outcome"`
	Count      int     `json:"count"`
	Written    int     `json:"written"`
	Failed     int     `json:"failed"`
	Archived   int     `json:"archived"`
	Failures   int     `json:"consecutive_failures"`
	NextInSecs float64 `json:"next_in_seconds"`
	Error      string  `json:"error,omitempty"`
	At         string  `json:"at"`
}

// ObserveCycle publishes a finished cycle and every note it wrote. It has the
// shape of a syncer observer.
func (b *Broker) ObserveCycle(r syncer.Report) {
	for _, p := range r.Paths {
		b.PublishNoteWritten(p)
	}
	payload := CyclePayload{
		Outcome:    r.Outcome.Kind.String(),
		Count:      r.Outcome.N,
		Written:    r.Written,
		Failed:     r.Failed,
		Archived:   r.Archived,
		Failures:   r.Failures,
		NextInSecs: r.Next.Seconds(),
		At:         time.Now().UTC().Format(time.RFC3339),
	}
	if r.Err != nil {
		payload.Outcome = "error"
		payload.Error = r.Err.Error()
	}
	b.Publish(Event{Type: TypeCycle, Data: payload})
}

// PublishConfigStatus announces a config sync status transition.
func (b *Broker) PublishConfigStatus(s configsync.Status) {
	b.Publish(Event{Type: TypeConfigStatus, Data: map[string]string{"status": s.String()}})
}

// PublishNotice forwards a user-facing message.
func (b *Broker) PublishNotice(msg string) {
	b.Publish(Event{Type: TypeNotice, Data: map[string]string{"message": msg}})
}
