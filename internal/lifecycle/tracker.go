// Package lifecycle keeps per-conversation bookkeeping (timestamps, end
// reasons, per-turn logs) independent of message content, for study-level
// reporting.
package lifecycle

import (
	"sync"
	"time"
)

// End reasons.
const (
	ReasonCompleted = "completed"
	ReasonUserLeft  = "user_left"
	ReasonTimeout   = "timeout"
	ReasonError     = "error"
)

// TurnLog records one user turn, independent of its content.
type TurnLog struct {
	Num    int       `json:"num"`
	At     time.Time `json:"at"`
	Crisis bool      `json:"crisis"`
}

// Record is the lifecycle state of one conversation.
type Record struct {
	SessionID  string     `json:"session_id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EndReason  string     `json:"end_reason,omitempty"`
	MessageNum int        `json:"message_num"`
	IsActive   bool       `json:"is_active"`
	IsComplete bool       `json:"is_complete"`
	Turns      []TurnLog  `json:"turns,omitempty"`
}

// Duration returns the conversation duration in minutes, or nil until both
// timestamps exist.
func (r *Record) Duration() *float64 {
	if r.EndedAt == nil {
		return nil
	}
	minutes := r.EndedAt.Sub(r.StartedAt).Minutes()
	return &minutes
}

// Stats summarizes tracked conversations.
type Stats struct {
	Total           int     `json:"total_conversations"`
	Active          int     `json:"active_conversations"`
	Completed       int     `json:"completed_conversations"`
	Abandoned       int     `json:"abandoned_conversations"`
	AvgDurationMins float64 `json:"avg_duration_minutes"`
}

// Tracker maintains lifecycle records keyed by session ID. It is safe for
// concurrent use.
type Tracker struct {
	maxMessages int

	mu      sync.Mutex
	records map[string]*Record
}

// NewTracker creates a tracker. maxMessages is the cap used to decide
// whether an ended conversation counts as complete.
func NewTracker(maxMessages int) *Tracker {
	return &Tracker{
		maxMessages: maxMessages,
		records:     make(map[string]*Record),
	}
}

// Start begins tracking a session from now.
func (t *Tracker) Start(sessionID string) {
	t.StartAt(sessionID, time.Now().UTC())
}

// StartAt begins tracking a session from a known start time. Used when a
// session is rehydrated from persisted state.
func (t *Tracker) StartAt(sessionID string, startedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[sessionID]; ok {
		return
	}
	t.records[sessionID] = &Record{
		SessionID: sessionID,
		StartedAt: startedAt,
		IsActive:  true,
	}
}

// RecordTurn logs one user turn for a session. Unknown sessions are ignored.
func (t *Tracker) RecordTurn(sessionID string, num int, crisis bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[sessionID]
	if !ok {
		return
	}
	r.MessageNum = num
	r.Turns = append(r.Turns, TurnLog{Num: num, At: time.Now().UTC(), Crisis: crisis})
}

// End closes a session's record. IsComplete is set only if the message cap
// was reached, so externally aborted sessions stay distinguishable from
// naturally completed ones. Ended records stay terminal.
func (t *Tracker) End(sessionID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[sessionID]
	if !ok || r.EndedAt != nil {
		return
	}
	now := time.Now().UTC()
	r.EndedAt = &now
	r.EndReason = reason
	r.IsActive = false
	if r.MessageNum >= t.maxMessages {
		r.IsComplete = true
	}
}

// Get returns a copy of a session's record.
func (t *Tracker) Get(sessionID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[sessionID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Stats summarizes all tracked conversations. Average duration covers
// completed conversations only.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stats Stats
	var totalMinutes float64
	for _, r := range t.records {
		stats.Total++
		switch {
		case r.IsActive:
			stats.Active++
		case r.IsComplete:
			stats.Completed++
			if d := r.Duration(); d != nil {
				totalMinutes += *d
			}
		default:
			stats.Abandoned++
		}
	}
	if stats.Completed > 0 {
		stats.AvgDurationMins = totalMinutes / float64(stats.Completed)
	}
	return stats
}
