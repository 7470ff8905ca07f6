package proxy

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/table"
)

// Entry records one in-flight client connection.
type Entry struct {
	ID         uuid.UUID
	ClientAddr string
	Target     string
	BoundAddr  string // local address of the upstream socket
	StartedAt  time.Time
}

// Tracker keeps the set of in-flight connections plus lifetime totals. All
// methods are safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	conns     map[uuid.UUID]*Entry
	served    uint64
	sentBytes int64 // client to upstream
	recvBytes int64 // upstream to client
}

func NewTracker() *Tracker {
	return &Tracker{conns: make(map[uuid.UUID]*Entry)}
}

// Open registers an accepted client connection.
func (t *Tracker) Open(id uuid.UUID, clientAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[id] = &Entry{
		ID:         id,
		ClientAddr: clientAddr,
		StartedAt:  time.Now(),
	}
}

// Connected records the negotiated target and the bound source address
// once the upstream dial succeeded.
func (t *Tracker) Connected(id uuid.UUID, target, boundAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.conns[id]; ok {
		e.Target = target
		e.BoundAddr = boundAddr
	}
}

// Close removes the connection and folds its byte counters into the
// lifetime totals.
func (t *Tracker) Close(id uuid.UUID, sent, received int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[id]; !ok {
		return
	}
	delete(t.conns, id)
	t.served++
	t.sentBytes += sent
	t.recvBytes += received
}

// Active returns a snapshot of the in-flight connections.
func (t *Tracker) Active() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := make([]Entry, 0, len(t.conns))
	for _, e := range t.conns {
		entries = append(entries, *e)
	}
	return entries
}

// Summary renders the lifetime totals as a table for shutdown logging.
func (t *Tracker) Summary() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := table.NewWriter()
	w.SetStyle(table.StyleRounded)
	w.AppendHeader(table.Row{"Served", "Active", "Sent bytes", "Received bytes"})
	w.AppendRow(table.Row{
		fmt.Sprintf("%d", t.served),
		fmt.Sprintf("%d", len(t.conns)),
		fmt.Sprintf("%d", t.sentBytes),
		fmt.Sprintf("%d", t.recvBytes),
	})
	return w.Render()
}
