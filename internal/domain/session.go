package domain

import (
	"time"
)

// Turn roles. Assistant turns are stored with RoleAssistant in the model
// context; the persistence layer records the sender as "user" or "bot".
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single entry in a conversation's model context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationSession holds the in-memory state of one participant's
// conversation. SessionID, ParticipantID and Variant are set at creation and
// never change. History is append-only and windowed to the most recent
// HistoryWindow turns retained for model context; older turns live only in
// persistent storage.
//
// Sessions are not safe for concurrent use: the registry's contract is at
// most one in-flight turn per session ID, enforced at the request boundary.
type ConversationSession struct {
	SessionID     string
	ParticipantID string
	Variant       BotVariant
	History       []Turn
	MessageNum    int
	StartedAt     time.Time
	LastActivity  time.Time

	// HistoryWindow bounds the in-memory model context, in turns
	// (a user+assistant exchange is two turns).
	HistoryWindow int
}

// NewConversationSession creates a session in its initial state: empty
// history, message counter at zero.
func NewConversationSession(sessionID, participantID string, variant BotVariant, historyWindow int) *ConversationSession {
	now := time.Now().UTC()
	return &ConversationSession{
		SessionID:     sessionID,
		ParticipantID: participantID,
		Variant:       variant,
		History:       []Turn{},
		MessageNum:    0,
		StartedAt:     now,
		LastActivity:  now,
		HistoryWindow: historyWindow,
	}
}

// ContextWindow returns the most recent turns retained for the model payload.
func (s *ConversationSession) ContextWindow() []Turn {
	if s.HistoryWindow <= 0 || len(s.History) <= s.HistoryWindow {
		return s.History
	}
	return s.History[len(s.History)-s.HistoryWindow:]
}

// RecordExchange appends a completed user+assistant exchange to the history
// and advances the message counter. Call only after the completion
// collaborator succeeded; a failed turn must leave the session untouched.
func (s *ConversationSession) RecordExchange(userMessage, assistantReply string) {
	s.History = append(s.History,
		Turn{Role: RoleUser, Content: userMessage},
		Turn{Role: RoleAssistant, Content: assistantReply},
	)
	s.trimHistory()
	s.MessageNum++
	s.LastActivity = time.Now().UTC()
}

// RecordCrisisTurn advances the message counter without touching the model
// context. Crisis exchanges are a side channel: the safety response must
// never appear as ordinary dialogue in future prompts.
func (s *ConversationSession) RecordCrisisTurn() {
	s.MessageNum++
	s.LastActivity = time.Now().UTC()
}

// Complete reports whether the session has reached the message cap.
func (s *ConversationSession) Complete(maxMessages int) bool {
	return s.MessageNum >= maxMessages
}

// RemainingMessages returns how many user turns are left before the cap.
func (s *ConversationSession) RemainingMessages(maxMessages int) int {
	remaining := maxMessages - s.MessageNum
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (s *ConversationSession) trimHistory() {
	if s.HistoryWindow > 0 && len(s.History) > s.HistoryWindow {
		s.History = s.History[len(s.History)-s.HistoryWindow:]
	}
}
