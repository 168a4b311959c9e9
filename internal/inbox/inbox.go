// Package inbox implements the bounded FIFO of received XMPP messages.
package inbox

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quietwire/xmppbridge/internal/convert"
)

const defaultCapacity = 500

// Record is an immutable inbox entry.
type Record struct {
	UUID       string
	FromJID    string
	Body       string
	TS         int64
	ReceivedAt time.Time
}

// NotFoundError is returned by Get when uuid is unknown, whether never
// seen or evicted.
type NotFoundError struct{ UUID string }

func (e *NotFoundError) Error() string { return "inbox record " + e.UUID + " not found" }

// Stats summarizes current inbox occupancy.
type Stats struct {
	Total              int
	Capacity           int
	UtilizationPercent int
}

// Inbox is a capacity-bounded, insertion-ordered FIFO of Records, with a
// UUID-keyed map alongside the order slice for O(1) eviction and lookup.
type Inbox struct {
	mu       sync.Mutex
	capacity int
	order    []string // UUIDs, oldest first
	byID     map[string]Record
}

// New creates an Inbox with the given capacity, defaulting to 500 when
// capacity <= 0.
func New(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Inbox{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		byID:     make(map[string]Record, capacity),
	}
}

// Append records a received event, evicting the oldest entry if the inbox
// is at capacity, and returns the newly generated UUID. Only
// received_message events are meaningful here; routing non-message bridge
// events elsewhere is the bridge's responsibility, not the inbox's.
func (ib *Inbox) Append(ev convert.ReceivedEvent) string {
	id := uuid.NewString()
	rec := Record{
		UUID:       id,
		FromJID:    ev.FromJID,
		Body:       ev.Body,
		TS:         ev.TS,
		ReceivedAt: time.Now(),
	}

	ib.mu.Lock()
	defer ib.mu.Unlock()

	if len(ib.order) >= ib.capacity {
		oldest := ib.order[0]
		ib.order = ib.order[1:]
		delete(ib.byID, oldest)
	}
	ib.order = append(ib.order, id)
	ib.byID[id] = rec

	return id
}

// List returns up to limit records, newest first. limit <= 0 means no
// limit.
func (ib *Inbox) List(limit int) []Record {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	n := len(ib.order)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]Record, 0, n)
	for i := len(ib.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, ib.byID[ib.order[i]])
	}
	return out
}

// Get returns the record for uuid, or *NotFoundError if absent (never
// seen, or evicted since).
func (ib *Inbox) Get(id string) (Record, error) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	rec, ok := ib.byID[id]
	if !ok {
		return Record{}, &NotFoundError{UUID: id}
	}
	return rec, nil
}

// Clear empties the inbox and returns the number of records removed.
func (ib *Inbox) Clear() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	n := len(ib.order)
	ib.order = ib.order[:0]
	ib.byID = make(map[string]Record, ib.capacity)
	return n
}

// Stats reports current occupancy.
func (ib *Inbox) Stats() Stats {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	total := len(ib.order)
	util := 0
	if ib.capacity > 0 {
		util = total * 100 / ib.capacity
	}
	return Stats{Total: total, Capacity: ib.capacity, UtilizationPercent: util}
}
