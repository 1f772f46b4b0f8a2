// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/nkoval/empathy-study/internal/domain"
)

// ErrParticipantExists is returned by CreateParticipant when the participant
// ID is already taken, so callers can allocate a fresh ID and retry.
var ErrParticipantExists = errors.New("participant already exists")

// Repository defines the interface for persisting study data. The core never
// assumes a particular storage engine, only these operations and their
// synchronous, immediately-consistent-after-return semantics.
type Repository interface {
	// CreateParticipant persists a new participant record. Returns an error
	// wrapping ErrParticipantExists if the participant ID is taken.
	CreateParticipant(ctx context.Context, p *domain.Participant) error

	// GetParticipant retrieves a participant by ID. Returns (nil, nil) if
	// the participant does not exist.
	GetParticipant(ctx context.Context, participantID string) (*domain.Participant, error)

	// GetParticipantBySession retrieves the participant owning a session ID.
	// Returns (nil, nil) if no participant owns the session.
	GetParticipantBySession(ctx context.Context, sessionID string) (*domain.Participant, error)

	// SaveMessage persists one conversation message and bumps the owning
	// participant's message total. Returns the message row ID.
	SaveMessage(ctx context.Context, msg *domain.Message) (int64, error)

	// GetConversation retrieves a participant's messages in message_num
	// order. If lastK > 0, only the most recent lastK messages are returned.
	GetConversation(ctx context.Context, participantID string, lastK int) ([]domain.Message, error)

	// MarkCompleted records the terminal state of a participant's
	// conversation and stamps the end time.
	MarkCompleted(ctx context.Context, participantID string, completed bool) error

	// GetDistribution returns the per-variant participant counts.
	GetDistribution(ctx context.Context) (domain.Distribution, error)

	// CreateCrisisFlag records a crisis detection for review and marks the
	// participant as crisis-flagged.
	CreateCrisisFlag(ctx context.Context, flag *domain.CrisisFlag) error

	// ListCrisisFlags returns crisis flags, newest first, optionally
	// filtered to unreviewed ones.
	ListCrisisFlags(ctx context.Context, unreviewedOnly bool) ([]domain.CrisisFlag, error)

	// MarkCrisisFlagReviewed marks a crisis flag as reviewed. Flags are
	// never deleted.
	MarkCrisisFlagReviewed(ctx context.Context, flagID int64) error

	// GetStatistics returns overall study statistics.
	GetStatistics(ctx context.Context) (domain.Statistics, error)

	// ListParticipants returns all participants ordered by ID.
	ListParticipants(ctx context.Context) ([]domain.Participant, error)

	// ListMessages returns all messages ordered by participant, message
	// number, then row ID. This is the stable ordering used for exports.
	ListMessages(ctx context.Context) ([]domain.Message, error)

	// LogExport records a completed data export.
	LogExport(ctx context.Context, log *domain.ExportLog) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
