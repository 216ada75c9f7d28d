// Package sse streams sync activity to connected clients as Server-Sent Events.
package sse

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// Event types sent to clients.
const (
	TypeCycle        = "sync.cycle"
	TypeNoteWritten  = "note.written"
	TypeVaultUpdated = "vault.updated"
	TypeConfigStatus = "config.status"
	TypeNotice       = "notice"
)

// sticky event types are replayed to clients that connect later, so a fresh
// subscriber learns the current state without waiting for the next change.
var sticky = map[string]bool{
	TypeCycle:        true,
	TypeConfigStatus: true,
}

const clientBuffer = 64

// Event represents an SSE event to broadcast.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Broker fans events out to SSE clients.
//
// A single loop goroutine owns the client set, the event counter, the sticky
// events and the vault.updated throttle. Public methods talk to it over
// channels.
type Broker struct {
	vaultMin  time.Duration
	heartbeat time.Duration

	joinCh    chan chan []byte
	leaveCh   chan chan []byte
	eventCh   chan Event
	writtenCh chan string
	countCh   chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithHeartbeat sets how often an idle stream gets a comment line, keeping
// proxies from closing it. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(b *Broker) { b.heartbeat = d }
}

// NewBroker creates a broker that emits at most one vault.updated event per
// vaultThrottle.
func NewBroker(vaultThrottle time.Duration, opts ...Option) *Broker {
	if vaultThrottle <= 0 {
		vaultThrottle = 2 * time.Second
	}
	b := &Broker{
		vaultMin:  vaultThrottle,
		heartbeat: 30 * time.Second,
		joinCh:    make(chan chan []byte),
		leaveCh:   make(chan chan []byte),
		eventCh:   make(chan Event, 256),
		writtenCh: make(chan string, 256),
		countCh:   make(chan chan int),
		stopCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	go b.loop()
	return b
}

func (b *Broker) loop() {
	defer close(b.stopped)

	var (
		clients   = make(map[chan []byte]struct{})
		latest    = make(map[string][]byte)
		seq       uint64
		lastVault time.Time
	)

	send := func(e Event) {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return
		}
		seq++
		frame := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, e.Type, data))
		if sticky[e.Type] {
			latest[e.Type] = frame
		}
		for ch := range clients {
			select {
			case ch <- frame:
			default:
				// Slow client: drop rather than block the loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.joinCh:
			clients[ch] = struct{}{}
			for _, t := range []string{TypeConfigStatus, TypeCycle} {
				if frame, ok := latest[t]; ok {
					ch <- frame
				}
			}

		case ch := <-b.leaveCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case e := <-b.eventCh:
			send(e)

		case p := <-b.writtenCh:
			send(Event{Type: TypeNoteWritten, Data: map[string]string{"path": p}})
			if now := time.Now(); now.Sub(lastVault) >= b.vaultMin {
				lastVault = now
				send(Event{Type: TypeVaultUpdated, Data: map[string]string{}})
			}

		case resp := <-b.countCh:
			resp <- len(clients)
		}
	}
}

// Close stops the loop and closes every client channel. Open streams end.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a client. The channel first receives the sticky events,
// then everything published afterwards.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, clientBuffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.joinCh <- ch:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.leaveCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(e Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.eventCh <- e:
	case <-b.stopped:
	}
}

// PublishNoteWritten announces a note written into the vault, followed by a
// throttled vault.updated event.
func (b *Broker) PublishNoteWritten(path string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.writtenCh <- path:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	var tick <-chan time.Time
	if b.heartbeat > 0 {
		t := time.NewTicker(b.heartbeat)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
