package privatechat

import (
	"fmt"
	"sync"
	"time"
)

// DefaultTypingTimeout is how long a typing indicator survives without a
// fresh typing event.
const DefaultTypingTimeout = 3 * time.Second

// TypingEntry is one remote user currently typing.
type TypingEntry struct {
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

// TypingTracker keeps the set of remote users currently typing. Each entry
// has its own expiry timer; a repeated event restarts it.
type TypingTracker struct {
	timeout  time.Duration
	onChange func([]TypingEntry)
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]TypingEntry
	order   []string
	timers  map[string]typingTimer
	seq     uint64
}

type typingTimer struct {
	timer *time.Timer
	seq   uint64
}

// NewTypingTracker creates a tracker. onChange, if non-nil, is called with the
// current list after every change.
func NewTypingTracker(timeout time.Duration, onChange func([]TypingEntry)) *TypingTracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingTracker{
		timeout:  timeout,
		onChange: onChange,
		now:      time.Now,
		entries:  make(map[string]TypingEntry),
		timers:   make(map[string]typingTimer),
	}
}

// Touch records that userID is typing and restarts its expiry.
func (t *TypingTracker) Touch(userID, userName string) {
	if userID == "" {
		return
	}
	if userName == "" {
		userName = userID
	}

	t.mu.Lock()
	if tt, ok := t.timers[userID]; ok {
		tt.timer.Stop()
	}
	if _, ok := t.entries[userID]; !ok {
		t.order = append(t.order, userID)
	}
	t.entries[userID] = TypingEntry{UserID: userID, UserName: userName, ExpiresAt: t.now().Add(t.timeout)}

	t.seq++
	seq := t.seq
	t.timers[userID] = typingTimer{
		timer: time.AfterFunc(t.timeout, func() { t.expire(userID, seq) }),
		seq:   seq,
	}
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(snapshot)
}

// expire removes userID unless its timer was replaced in the meantime.
func (t *TypingTracker) expire(userID string, seq uint64) {
	t.mu.Lock()
	if tt, ok := t.timers[userID]; !ok || tt.seq != seq {
		t.mu.Unlock()
		return
	}
	t.removeLocked(userID)
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(snapshot)
}

// Remove clears userID immediately.
func (t *TypingTracker) Remove(userID string) {
	t.mu.Lock()
	if _, ok := t.entries[userID]; !ok {
		t.mu.Unlock()
		return
	}
	t.removeLocked(userID)
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(snapshot)
}

// Reset stops all timers and clears every entry.
func (t *TypingTracker) Reset() {
	t.mu.Lock()
	for _, tt := range t.timers {
		tt.timer.Stop()
	}
	hadEntries := len(t.entries) > 0
	t.entries = make(map[string]TypingEntry)
	t.timers = make(map[string]typingTimer)
	t.order = nil
	t.mu.Unlock()

	if hadEntries {
		t.notify(nil)
	}
}

// Users returns the typing users in the order they started typing.
func (t *TypingTracker) Users() []TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *TypingTracker) removeLocked(userID string) {
	if tt, ok := t.timers[userID]; ok {
		tt.timer.Stop()
		delete(t.timers, userID)
	}
	delete(t.entries, userID)
	for i, id := range t.order {
		if id == userID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *TypingTracker) snapshotLocked() []TypingEntry {
	out := make([]TypingEntry, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.entries[id])
	}
	return out
}

func (t *TypingTracker) notify(entries []TypingEntry) {
	if t.onChange == nil {
		return
	}
	defer func() { recover() }()
	t.onChange(entries)
}

// TypingSummary renders the indicator line for a set of typing users.
// It returns "" when nobody is typing.
func TypingSummary(entries []TypingEntry) string {
	switch len(entries) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing...", entries[0].UserName)
	case 2:
		return fmt.Sprintf("%s and %s are typing...", entries[0].UserName, entries[1].UserName)
	default:
		return fmt.Sprintf("%s and %d others are typing...", entries[0].UserName, len(entries)-1)
	}
}
