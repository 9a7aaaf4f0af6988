package campaign

import (
	"sync"
	"time"
)

// Tracker makes one campaign's live counters visible to concurrent readers
// with read-after-write consistency: once an update returns, later reads
// observe that value or a newer one.
//
// The delivery engine is the single writer of send progress; dashboard
// pollers and webhook ingestion read and record engagement concurrently.
type Tracker struct {
	mu sync.RWMutex
	c  Campaign
}

// NewTracker creates a tracker over a snapshot of the campaign record.
func NewTracker(c *Campaign) *Tracker {
	return &Tracker{c: *c}
}

// Begin marks the campaign active with the resolved recipient count.
func (t *Tracker) Begin(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.c.Status = StatusActive
	t.c.TotalRecipients = total
	t.c.SentCount = 0
	t.c.StartedAt = &now
	t.c.CompletedAt = nil
	t.c.UpdatedAt = now
}

// UpdateProgress records that done of total messages have been dispatched.
// Invoked by the delivery engine after every attempt, success or failure.
func (t *Tracker) UpdateProgress(done, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if total > t.c.TotalRecipients {
		t.c.TotalRecipients = total
	}
	if done > total {
		done = total
	}
	if done > t.c.SentCount {
		t.c.SentCount = done
	}
	t.c.UpdatedAt = time.Now()
}

// Finalize records the terminal counts and completes the campaign.
// Invoked exactly once at run end.
func (t *Tracker) Finalize(sent, failed int, completedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.c.Status = StatusCompleted
	t.c.SentCount = sent
	t.c.BouncedCount = failed
	t.c.CompletedAt = &completedAt
	t.c.UpdatedAt = completedAt
}

// RecordOpen counts a tracked open, clamped to the sent count.
func (t *Tracker) RecordOpen() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c.OpenedCount < t.c.SentCount {
		t.c.OpenedCount++
		t.c.UpdatedAt = time.Now()
	}
}

// RecordClick counts a tracked click, clamped to the sent count.
func (t *Tracker) RecordClick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c.ClickedCount < t.c.SentCount {
		t.c.ClickedCount++
		t.c.UpdatedAt = time.Now()
	}
}

// RecordBounce counts a reported bounce, clamped to the sent count.
func (t *Tracker) RecordBounce() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c.BouncedCount < t.c.SentCount {
		t.c.BouncedCount++
		t.c.UpdatedAt = time.Now()
	}
}

// RecordReply counts a tracked reply, clamped to the sent count.
func (t *Tracker) RecordReply() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c.RepliedCount < t.c.SentCount {
		t.c.RepliedCount++
		t.c.UpdatedAt = time.Now()
	}
}

// Snapshot returns a consistent copy of the campaign record.
func (t *Tracker) Snapshot() Campaign {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.c
}
