package domain

import (
	"time"
)

// Message senders as recorded in persistent storage.
const (
	SenderUser = "user"
	SenderBot  = "bot"
)

// Participant represents a single study participant. Each participant has
// exactly one conversation with one bot variant.
type Participant struct {
	ID            string     `json:"participant_id"` // e.g. "P001"
	SessionID     string     `json:"session_id"`
	Variant       BotVariant `json:"bot_type"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	TotalMessages int        `json:"total_messages"`
	Completed     bool       `json:"completed"`
	CrisisFlagged bool       `json:"crisis_flagged"`
	ExternalRef   string     `json:"external_ref,omitempty"` // Prolific ID or anonymous device ID
}

// Message is a single persisted conversation message.
type Message struct {
	ID            int64     `json:"id"`
	ParticipantID string    `json:"participant_id"`
	MessageNum    int       `json:"message_num"`
	Sender        string    `json:"sender"` // "user" or "bot"
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	CrisisKeyword bool      `json:"contains_crisis_keyword"`
}

// CrisisFlag records a crisis keyword detection for researcher review.
// Flags are created by the crisis policy and mutated only by a reviewer
// marking them reviewed; the core never deletes them.
type CrisisFlag struct {
	ID              int64     `json:"id"`
	ParticipantID   string    `json:"participant_id"`
	MessageID       int64     `json:"message_id"`
	KeywordDetected string    `json:"keyword_detected"`
	FlagType        string    `json:"flag_type"` // "automatic" or "manual"
	Timestamp       time.Time `json:"timestamp"`
	Reviewed        bool      `json:"reviewed"`
	Notes           string    `json:"notes,omitempty"`
}

// Crisis flag types.
const (
	FlagAutomatic = "automatic"
	FlagManual    = "manual"
)

// Statistics summarizes the study's persisted state.
type Statistics struct {
	TotalParticipants      int          `json:"total_participants"`
	CompletedConversations int          `json:"completed_conversations"`
	TotalMessages          int          `json:"total_messages"`
	CrisisFlags            int          `json:"crisis_flags"`
	BotDistribution        Distribution `json:"bot_distribution"`
}

// ExportLog records a completed data export for analysis provenance.
type ExportLog struct {
	ID              int64     `json:"id"`
	ExportTime      time.Time `json:"export_time"`
	ExportType      string    `json:"export_type"`
	NumParticipants int       `json:"num_participants"`
	NumMessages     int       `json:"num_messages"`
	FilePath        string    `json:"file_path"`
	Notes           string    `json:"notes,omitempty"`
}
