package supervisor

import (
	"sync"
	"time"
)

// ActivityEntry records one supervisor action: a launch, a stop, or a status
// transition observed by the heartbeat loop.
type ActivityEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	UserID    int64     `json:"user_id"`
	ProjectID int64     `json:"project_id"`
	Message   string    `json:"message"`
}

// ActivityBuffer keeps a bounded ring of recent supervisor activity for
// diagnostics. It is process-wide, evicts oldest-first at capacity, and is
// not persisted across restarts; the registry remains the authoritative
// record.
type ActivityBuffer struct {
	mu       sync.RWMutex
	entries  []ActivityEntry
	capacity int
	nextID   int64
}

// NewActivityBuffer creates an ActivityBuffer with the given capacity.
func NewActivityBuffer(capacity int) *ActivityBuffer {
	return &ActivityBuffer{
		entries:  make([]ActivityEntry, 0, capacity),
		capacity: capacity,
		nextID:   1,
	}
}

// Add appends an entry, evicting the oldest when the buffer is full.
func (b *ActivityBuffer) Add(kind string, userID, projectID int64, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) >= b.capacity {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, ActivityEntry{
		ID:        b.nextID,
		Timestamp: time.Now(),
		Kind:      kind,
		UserID:    userID,
		ProjectID: projectID,
		Message:   message,
	})
	b.nextID++
}

// Latest returns the most recent count entries, oldest first.
func (b *ActivityBuffer) Latest(count int) []ActivityEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if count <= 0 || len(b.entries) == 0 {
		return []ActivityEntry{}
	}
	start := len(b.entries) - count
	if start < 0 {
		start = 0
	}
	result := make([]ActivityEntry, len(b.entries)-start)
	copy(result, b.entries[start:])
	return result
}
