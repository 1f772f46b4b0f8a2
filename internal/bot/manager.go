// Package bot implements the conversation core: the session registry, the
// per-turn state machine with crisis short-circuiting, and balanced bot
// assignment.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkoval/empathy-study/internal/assign"
	"github.com/nkoval/empathy-study/internal/crisis"
	"github.com/nkoval/empathy-study/internal/domain"
	"github.com/nkoval/empathy-study/internal/lifecycle"
	"github.com/nkoval/empathy-study/internal/store"
)

// maxIDAttempts bounds participant ID allocation retries under concurrent
// session creation.
const maxIDAttempts = 10

// Config holds the study parameters the manager operates under. Built once
// at startup from the study configuration.
type Config struct {
	Model         string
	Temperature   float32
	MaxTokens     int
	MaxMessages   int
	HistoryWindow int
	Strategy      assign.Strategy
	Prompts       map[domain.BotVariant]string
}

// SessionInfo describes a newly created session.
type SessionInfo struct {
	SessionID     string            `json:"session_id"`
	ParticipantID string            `json:"participant_id"`
	Variant       domain.BotVariant `json:"bot_type"`
	MaxMessages   int               `json:"max_messages"`
}

// TurnResult is the outcome of one user turn.
type TurnResult struct {
	Reply           string `json:"bot_response"`
	CrisisDetected  bool   `json:"crisis_detected"`
	DetectedKeyword string `json:"detected_keyword,omitempty"`
	MessageNum      int    `json:"message_num"`
	Remaining       int    `json:"remaining_messages"`
	Complete        bool   `json:"is_complete"`
}

// Status is a session's boundary-check view: enough to decide whether
// further input may be accepted.
type Status struct {
	ParticipantID string            `json:"participant_id"`
	Variant       domain.BotVariant `json:"bot_type"`
	MessageNum    int               `json:"message_num"`
	Remaining     int               `json:"remaining_messages"`
	Complete      bool              `json:"is_complete"`
}

// Manager owns the collection of live conversation sessions, builds model
// payloads, applies the crisis policy, invokes the completion collaborator
// and updates session state from the result.
//
// The registry map is guarded so operations on different session IDs may run
// concurrently, but sessions themselves are single-writer: the caller must
// not dispatch two concurrent turns for the same session ID. The registry is
// a cache, not the source of truth: sessions absent from it are rehydrated
// from the persistence collaborator.
type Manager struct {
	cfg       Config
	repo      store.Repository
	completer Completer
	detector  *crisis.Detector
	balancer  *assign.Balancer
	tracker   *lifecycle.Tracker

	mu       sync.RWMutex
	sessions map[string]*domain.ConversationSession
}

// NewManager wires the conversation core together.
func NewManager(cfg Config, repo store.Repository, completer Completer, detector *crisis.Detector, balancer *assign.Balancer, tracker *lifecycle.Tracker) *Manager {
	return &Manager{
		cfg:       cfg,
		repo:      repo,
		completer: completer,
		detector:  detector,
		balancer:  balancer,
		tracker:   tracker,
		sessions:  make(map[string]*domain.ConversationSession),
	}
}

// CreateSession assigns a bot variant balanced against the persisted
// distribution, allocates IDs, persists the participant record (exactly one
// per conversation) and registers a live session.
func (m *Manager) CreateSession(ctx context.Context, externalRef string) (SessionInfo, error) {
	dist, err := m.repo.GetDistribution(ctx)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("read bot distribution: %w", err)
	}

	variant, err := m.balancer.Assign(m.cfg.Strategy, dist)
	if err != nil {
		return SessionInfo{}, err
	}

	sessionID := uuid.New().String()

	// Sequential IDs are derived from the distribution snapshot, so two
	// concurrent creates can pick the same number. The insert is the
	// arbiter: the loser allocates the next free ID and retries.
	var participantID string
	var sess *domain.ConversationSession
	base := dist.Total() + 1
	for attempt := 0; ; attempt++ {
		participantID = fmt.Sprintf("P%03d", base+attempt)
		sess = domain.NewConversationSession(sessionID, participantID, variant, m.cfg.HistoryWindow)
		err := m.repo.CreateParticipant(ctx, &domain.Participant{
			ID:          participantID,
			SessionID:   sessionID,
			Variant:     variant,
			StartTime:   sess.StartedAt,
			ExternalRef: externalRef,
		})
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrParticipantExists) && attempt < maxIDAttempts-1 {
			slog.Warn("participant id taken, retrying",
				"participant_id", participantID,
				"attempt", attempt+1,
			)
			continue
		}
		return SessionInfo{}, fmt.Errorf("persist participant: %w", err)
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()
	m.tracker.StartAt(sessionID, sess.StartedAt)

	slog.Info("session created",
		"session_id", sessionID,
		"participant_id", participantID,
		"bot_type", variant,
	)
	return SessionInfo{
		SessionID:     sessionID,
		ParticipantID: participantID,
		Variant:       variant,
		MaxMessages:   m.cfg.MaxMessages,
	}, nil
}

// GetResponse executes one user turn: crisis short-circuit check, payload
// build, completion call, history update. On any failure the session is left
// exactly as it was before the turn, so the same turn can be retried without
// double-incrementing the counter.
//
// messageNum is the caller's view of the turn number and is used only for a
// consistency warning; the session counter is authoritative.
func (m *Manager) GetResponse(ctx context.Context, sessionID, userMessage string, messageNum int) (TurnResult, error) {
	sess, err := m.session(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}

	if sess.Complete(m.cfg.MaxMessages) {
		return TurnResult{}, ErrConversationComplete
	}

	turnNum := sess.MessageNum + 1
	if messageNum != 0 && messageNum != turnNum {
		slog.Warn("client turn number out of sync",
			"session_id", sessionID,
			"client_message_num", messageNum,
			"session_message_num", turnNum,
		)
	}

	if isCrisis, keyword := m.detector.Check(userMessage); isCrisis {
		return m.crisisTurn(ctx, sess, userMessage, keyword, turnNum)
	}
	return m.completionTurn(ctx, sess, userMessage, turnNum)
}

// crisisTurn substitutes the fixed safety response. The completion
// collaborator is never invoked and the exchange never enters the in-memory
// model context; it is persisted with a crisis marker and flagged for
// review. The message counter still advances.
func (m *Manager) crisisTurn(ctx context.Context, sess *domain.ConversationSession, userMessage, keyword string, turnNum int) (TurnResult, error) {
	reply := m.detector.SafetyResponse()

	msgID, err := m.repo.SaveMessage(ctx, &domain.Message{
		ParticipantID: sess.ParticipantID,
		MessageNum:    turnNum,
		Sender:        domain.SenderUser,
		Content:       userMessage,
		Timestamp:     time.Now().UTC(),
		CrisisKeyword: true,
	})
	if err != nil {
		return TurnResult{}, fmt.Errorf("persist crisis message: %w", err)
	}

	if err := m.repo.CreateCrisisFlag(ctx, &domain.CrisisFlag{
		ParticipantID:   sess.ParticipantID,
		MessageID:       msgID,
		KeywordDetected: keyword,
		FlagType:        domain.FlagAutomatic,
		Timestamp:       time.Now().UTC(),
	}); err != nil {
		return TurnResult{}, fmt.Errorf("persist crisis flag: %w", err)
	}

	if _, err := m.repo.SaveMessage(ctx, &domain.Message{
		ParticipantID: sess.ParticipantID,
		MessageNum:    turnNum,
		Sender:        domain.SenderBot,
		Content:       reply,
		Timestamp:     time.Now().UTC(),
	}); err != nil {
		return TurnResult{}, fmt.Errorf("persist safety response: %w", err)
	}

	sess.RecordCrisisTurn()
	m.tracker.RecordTurn(sess.SessionID, sess.MessageNum, true)

	slog.Warn("crisis short-circuit",
		"session_id", sess.SessionID,
		"participant_id", sess.ParticipantID,
		"keyword", keyword,
		"message_num", sess.MessageNum,
	)
	return m.turnResult(sess, reply, true, keyword), nil
}

// completionTurn builds the model payload and invokes the completion
// collaborator. State is mutated only after the call and all persistence
// succeeded.
func (m *Manager) completionTurn(ctx context.Context, sess *domain.ConversationSession, userMessage string, turnNum int) (TurnResult, error) {
	payload := m.buildPayload(sess, userMessage)

	reply, err := m.completer.Complete(ctx, payload, m.cfg.Model, m.cfg.Temperature, m.cfg.MaxTokens)
	if err != nil {
		return TurnResult{}, fmt.Errorf("%w: %v", ErrCompletionFailure, err)
	}

	// A reply that arrives after the caller gave up on the turn must be
	// discarded, not recorded as if it were on time.
	if ctxErr := ctx.Err(); ctxErr != nil {
		slog.Warn("discarding late completion result",
			"session_id", sess.SessionID,
			"message_num", turnNum,
		)
		return TurnResult{}, fmt.Errorf("%w: %v", ErrCompletionFailure, ctxErr)
	}

	now := time.Now().UTC()
	if _, err := m.repo.SaveMessage(ctx, &domain.Message{
		ParticipantID: sess.ParticipantID,
		MessageNum:    turnNum,
		Sender:        domain.SenderUser,
		Content:       userMessage,
		Timestamp:     now,
	}); err != nil {
		return TurnResult{}, fmt.Errorf("persist user message: %w", err)
	}
	if _, err := m.repo.SaveMessage(ctx, &domain.Message{
		ParticipantID: sess.ParticipantID,
		MessageNum:    turnNum,
		Sender:        domain.SenderBot,
		Content:       reply,
		Timestamp:     now,
	}); err != nil {
		return TurnResult{}, fmt.Errorf("persist bot message: %w", err)
	}

	sess.RecordExchange(userMessage, reply)
	m.tracker.RecordTurn(sess.SessionID, sess.MessageNum, false)

	return m.turnResult(sess, reply, false, ""), nil
}

// buildPayload assembles [system prompt if non-empty] + [last K history
// turns] + [new user turn]. A missing prompt degrades to the control
// behavior of no system message.
func (m *Manager) buildPayload(sess *domain.ConversationSession, userMessage string) []domain.Turn {
	var payload []domain.Turn
	if prompt := m.cfg.Prompts[sess.Variant]; prompt != "" {
		payload = append(payload, domain.Turn{Role: domain.RoleSystem, Content: prompt})
	}
	payload = append(payload, sess.ContextWindow()...)
	payload = append(payload, domain.Turn{Role: domain.RoleUser, Content: userMessage})
	return payload
}

func (m *Manager) turnResult(sess *domain.ConversationSession, reply string, crisisDetected bool, keyword string) TurnResult {
	return TurnResult{
		Reply:           reply,
		CrisisDetected:  crisisDetected,
		DetectedKeyword: keyword,
		MessageNum:      sess.MessageNum,
		Remaining:       sess.RemainingMessages(m.cfg.MaxMessages),
		Complete:        sess.Complete(m.cfg.MaxMessages),
	}
}

// Status returns the boundary-check view of a session, rehydrating it if
// needed.
func (m *Manager) Status(ctx context.Context, sessionID string) (Status, error) {
	sess, err := m.session(ctx, sessionID)
	if err != nil {
		return Status{}, err
	}
	return Status{
		ParticipantID: sess.ParticipantID,
		Variant:       sess.Variant,
		MessageNum:    sess.MessageNum,
		Remaining:     sess.RemainingMessages(m.cfg.MaxMessages),
		Complete:      sess.Complete(m.cfg.MaxMessages),
	}, nil
}

// EndSession removes the session from the live registry and records its
// terminal state through the persistence collaborator. Both completion and
// abandonment are terminal.
func (m *Manager) EndSession(ctx context.Context, sessionID string, completed bool) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	participantID := ""
	if ok {
		participantID = sess.ParticipantID
	} else {
		p, err := m.repo.GetParticipantBySession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("look up session participant: %w", err)
		}
		if p == nil {
			return ErrSessionNotFound
		}
		participantID = p.ID
	}

	if err := m.repo.MarkCompleted(ctx, participantID, completed); err != nil {
		return fmt.Errorf("persist terminal state: %w", err)
	}

	reason := lifecycle.ReasonUserLeft
	if completed {
		reason = lifecycle.ReasonCompleted
	}
	m.tracker.End(sessionID, reason)

	slog.Info("session ended",
		"session_id", sessionID,
		"participant_id", participantID,
		"completed", completed,
	)
	return nil
}

// session returns the live session, rehydrating from persisted storage when
// the registry has no entry (e.g. after a process restart).
func (m *Manager) session(ctx context.Context, sessionID string) (*domain.ConversationSession, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return sess, nil
	}
	return m.rehydrate(ctx, sessionID)
}

// rehydrate rebuilds a session from its participant descriptor plus the last
// K persisted turns, producing the same next-payload shape as an
// uninterrupted in-memory session. Crisis exchanges are excluded from the
// rebuilt model context, matching their in-memory treatment.
func (m *Manager) rehydrate(ctx context.Context, sessionID string) (*domain.ConversationSession, error) {
	p, err := m.repo.GetParticipantBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("rehydrate session: %w", err)
	}
	if p == nil {
		return nil, ErrSessionNotFound
	}

	// Fetch the full conversation rather than a windowed tail: crisis
	// exchanges must be filtered out before the window is applied, or a run
	// of crisis turns would push older clear turns out of the fetch that an
	// uninterrupted in-memory session still holds.
	msgs, err := m.repo.GetConversation(ctx, p.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("rehydrate conversation: %w", err)
	}

	sess := domain.NewConversationSession(sessionID, p.ID, p.Variant, m.cfg.HistoryWindow)
	sess.StartedAt = p.StartTime

	crisisTurns := make(map[int]bool)
	for _, msg := range msgs {
		if msg.CrisisKeyword {
			crisisTurns[msg.MessageNum] = true
		}
	}
	for _, msg := range msgs {
		if msg.MessageNum > sess.MessageNum {
			sess.MessageNum = msg.MessageNum
		}
		// Crisis exchanges (the flagged user message and its paired safety
		// response) are a side channel, never model context.
		if crisisTurns[msg.MessageNum] {
			continue
		}
		role := domain.RoleUser
		if msg.Sender == domain.SenderBot {
			role = domain.RoleAssistant
		}
		sess.History = append(sess.History, domain.Turn{Role: role, Content: msg.Content})
	}
	if m.cfg.HistoryWindow > 0 && len(sess.History) > m.cfg.HistoryWindow {
		sess.History = sess.History[len(sess.History)-m.cfg.HistoryWindow:]
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()
	m.tracker.StartAt(sessionID, sess.StartedAt)

	slog.Info("session rehydrated",
		"session_id", sessionID,
		"participant_id", p.ID,
		"message_num", sess.MessageNum,
		"history_turns", len(sess.History),
	)
	return sess, nil
}

// LiveSessions returns the number of sessions currently in the registry.
func (m *Manager) LiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Tracker exposes the lifecycle tracker for reporting endpoints.
func (m *Manager) Tracker() *lifecycle.Tracker {
	return m.tracker
}

// EvictIdle drops sessions with no activity for maxIdle from the registry and
// returns how many were evicted. Eviction is pure cache maintenance: evicted
// sessions rehydrate from persisted state on their next request.
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxIdle)

	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, sess := range m.sessions {
		if sess.LastActivity.Before(cutoff) {
			delete(m.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Info("evicted idle sessions", "count", evicted, "live", len(m.sessions))
	}
	return evicted
}
