package dnsproxy

import (
	"sync"
	"time"
)

// State is the lifecycle position of a single query.
type State uint8

const (
	StateReceived State = iota
	StateDecoded
	StateClassified
	StateForwardingRegional
	StateForwardingSecure
	StateRelayed
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateDecoded:
		return "decoded"
	case StateClassified:
		return "classified"
	case StateForwardingRegional:
		return "forwarding_regional"
	case StateForwardingSecure:
		return "forwarding_secure"
	case StateRelayed:
		return "relayed"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// QueryEvent represents one DNS query record for in-memory history.
type QueryEvent struct {
	ID       string    `json:"id"`
	Domain   string    `json:"domain"`
	Decode   string    `json:"decode"`
	Path     string    `json:"path,omitempty"`
	Upstream string    `json:"upstream,omitempty"`
	State    State     `json:"state"`
	Error    string    `json:"error,omitempty"`
	Duration string    `json:"duration"`
	Client   string    `json:"client"`
	Time     time.Time `json:"time"`
}

// historyManager is a fixed-capacity ring of the latest events.
// A zero capacity disables recording.
type historyManager struct {
	mu       sync.RWMutex
	events   []QueryEvent
	head     int
	size     int
	capacity int
}

func newHistoryManager(capacity int) *historyManager {
	capacity = max(capacity, 0)

	return &historyManager{
		events:   make([]QueryEvent, capacity),
		capacity: capacity,
	}
}

func (hm *historyManager) AddEvent(event QueryEvent) {
	if hm.capacity == 0 {
		return
	}

	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.events[hm.head] = event

	hm.head = (hm.head + 1) % hm.capacity
	if hm.size < hm.capacity {
		hm.size++
	}
}

// GetHistory returns up to limit events, oldest first.
func (hm *historyManager) GetHistory(limit int) []QueryEvent {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	if limit <= 0 || limit > hm.size {
		limit = hm.size
	}

	result := make([]QueryEvent, limit)
	for i := range limit {
		idx := (hm.head - limit + i + hm.capacity) % hm.capacity
		result[i] = hm.events[idx]
	}

	return result
}

func (hm *historyManager) Size() int {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	return hm.size
}

func (hm *historyManager) Clear() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.events = make([]QueryEvent, hm.capacity)
	hm.head = 0
	hm.size = 0
}
