package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nkoval/empathy-study/internal/domain"
	"github.com/nkoval/empathy-study/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS participants (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		bot_type TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		total_messages INTEGER DEFAULT 0,
		completed INTEGER DEFAULT 0,
		crisis_flagged INTEGER DEFAULT 0,
		external_ref TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_participants_session ON participants(session_id);
	CREATE INDEX IF NOT EXISTS idx_participants_bot_type ON participants(bot_type);
	CREATE INDEX IF NOT EXISTS idx_participants_completed ON participants(completed);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		participant_id TEXT NOT NULL REFERENCES participants(id),
		message_num INTEGER NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		contains_crisis_keyword INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_participant ON messages(participant_id, message_num);

	CREATE TABLE IF NOT EXISTS crisis_flags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		participant_id TEXT NOT NULL REFERENCES participants(id),
		message_id INTEGER NOT NULL REFERENCES messages(id),
		keyword_detected TEXT NOT NULL,
		flag_type TEXT NOT NULL DEFAULT 'automatic',
		timestamp INTEGER NOT NULL,
		reviewed INTEGER DEFAULT 0,
		notes TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_crisis_flags_reviewed ON crisis_flags(reviewed);
	CREATE INDEX IF NOT EXISTS idx_crisis_flags_timestamp ON crisis_flags(timestamp);

	CREATE TABLE IF NOT EXISTS export_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		export_time INTEGER NOT NULL,
		export_type TEXT NOT NULL,
		num_participants INTEGER NOT NULL,
		num_messages INTEGER NOT NULL,
		file_path TEXT NOT NULL,
		notes TEXT
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateParticipant persists a new participant record.
func (s *SQLiteStore) CreateParticipant(ctx context.Context, p *domain.Participant) error {
	query := `
	INSERT INTO participants (id, session_id, bot_type, start_time, total_messages, completed, crisis_flagged, external_ref)
	VALUES (?, ?, ?, ?, 0, 0, 0, ?)`

	var externalRef interface{}
	if p.ExternalRef != "" {
		externalRef = p.ExternalRef
	}

	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.SessionID, string(p.Variant), p.StartTime.Unix(), externalRef,
	)
	if err != nil {
		if shared.IsSQLiteConstraintError(err) {
			return fmt.Errorf("create participant %s: %w", p.ID, ErrParticipantExists)
		}
		return fmt.Errorf("create participant: %w", err)
	}
	return nil
}

func scanParticipant(row interface{ Scan(...any) error }) (*domain.Participant, error) {
	var p domain.Participant
	var variant string
	var startTime int64
	var endTime sql.NullInt64
	var externalRef sql.NullString

	err := row.Scan(
		&p.ID, &p.SessionID, &variant, &startTime, &endTime,
		&p.TotalMessages, &p.Completed, &p.CrisisFlagged, &externalRef,
	)
	if err != nil {
		return nil, err
	}

	p.Variant = domain.BotVariant(variant)
	p.StartTime = time.Unix(startTime, 0)
	if endTime.Valid {
		t := time.Unix(endTime.Int64, 0)
		p.EndTime = &t
	}
	p.ExternalRef = externalRef.String
	return &p, nil
}

const participantColumns = `id, session_id, bot_type, start_time, end_time, total_messages, completed, crisis_flagged, external_ref`

// GetParticipant retrieves a participant by ID.
func (s *SQLiteStore) GetParticipant(ctx context.Context, participantID string) (*domain.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE id = ?`

	p, err := scanParticipant(s.db.QueryRowContext(ctx, query, participantID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant row: %w", err)
	}
	return p, nil
}

// GetParticipantBySession retrieves the participant owning a session ID.
func (s *SQLiteStore) GetParticipantBySession(ctx context.Context, sessionID string) (*domain.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE session_id = ?`

	p, err := scanParticipant(s.db.QueryRowContext(ctx, query, sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant row: %w", err)
	}
	return p, nil
}

// SaveMessage persists one conversation message and bumps the participant's
// message total in the same transaction.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *domain.Message) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin save message: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
			slog.Warn("failed to roll back save message", "error", rollbackErr)
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (participant_id, message_num, sender, content, timestamp, contains_crisis_keyword)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ParticipantID, msg.MessageNum, msg.Sender, msg.Content,
		msg.Timestamp.Unix(), msg.CrisisKeyword,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("message insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE participants SET total_messages = total_messages + 1 WHERE id = ?`,
		msg.ParticipantID,
	); err != nil {
		return 0, fmt.Errorf("bump participant message total: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit save message: %w", err)
	}
	return id, nil
}

const messageColumns = `id, participant_id, message_num, sender, content, timestamp, contains_crisis_keyword`

func scanMessages(rows *sql.Rows) ([]domain.Message, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []domain.Message
	for rows.Next() {
		var m domain.Message
		var ts int64
		if err := rows.Scan(
			&m.ID, &m.ParticipantID, &m.MessageNum, &m.Sender,
			&m.Content, &ts, &m.CrisisKeyword,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

// GetConversation retrieves a participant's messages in order, optionally
// limited to the most recent lastK.
func (s *SQLiteStore) GetConversation(ctx context.Context, participantID string, lastK int) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE participant_id = ? ORDER BY message_num, id`
	args := []interface{}{participantID}

	if lastK > 0 {
		// Take the newest lastK rows, then restore chronological order.
		query = `SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + ` FROM messages
			WHERE participant_id = ?
			ORDER BY message_num DESC, id DESC LIMIT ?
		) ORDER BY message_num, id`
		args = append(args, lastK)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return scanMessages(rows)
}

// MarkCompleted records a participant's terminal state and end time.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, participantID string, completed bool) error {
	query := `UPDATE participants SET completed = ?, end_time = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, completed, time.Now().Unix(), participantID)
	if err != nil {
		return fmt.Errorf("mark participant completed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("MarkCompleted affected 0 rows", "participant_id", participantID)
	}
	return nil
}

// GetDistribution returns the per-variant participant counts.
func (s *SQLiteStore) GetDistribution(ctx context.Context) (domain.Distribution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bot_type, COUNT(id) FROM participants GROUP BY bot_type`)
	if err != nil {
		return nil, fmt.Errorf("query distribution: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close distribution rows", "error", closeErr)
		}
	}()

	dist := domain.Distribution{}
	for rows.Next() {
		var variant string
		var count int
		if err := rows.Scan(&variant, &count); err != nil {
			return nil, fmt.Errorf("scan distribution row: %w", err)
		}
		dist[domain.BotVariant(variant)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate distribution rows: %w", err)
	}
	return dist, nil
}

// CreateCrisisFlag records a crisis detection and marks the participant as
// crisis-flagged in the same transaction.
func (s *SQLiteStore) CreateCrisisFlag(ctx context.Context, flag *domain.CrisisFlag) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create crisis flag: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
			slog.Warn("failed to roll back crisis flag", "error", rollbackErr)
		}
	}()

	flagType := flag.FlagType
	if flagType == "" {
		flagType = domain.FlagAutomatic
	}

	var notes interface{}
	if flag.Notes != "" {
		notes = flag.Notes
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO crisis_flags (participant_id, message_id, keyword_detected, flag_type, timestamp, reviewed, notes)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		flag.ParticipantID, flag.MessageID, flag.KeywordDetected, flagType,
		flag.Timestamp.Unix(), notes,
	)
	if err != nil {
		return fmt.Errorf("insert crisis flag: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE participants SET crisis_flagged = 1 WHERE id = ?`, flag.ParticipantID,
	); err != nil {
		return fmt.Errorf("mark participant crisis flagged: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit crisis flag: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		flag.ID = id
	}
	return nil
}

// ListCrisisFlags returns crisis flags, newest first.
func (s *SQLiteStore) ListCrisisFlags(ctx context.Context, unreviewedOnly bool) ([]domain.CrisisFlag, error) {
	query := `
		SELECT id, participant_id, message_id, keyword_detected, flag_type, timestamp, reviewed, notes
		FROM crisis_flags`
	if unreviewedOnly {
		query += ` WHERE reviewed = 0`
	}
	query += ` ORDER BY timestamp DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query crisis flags: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close crisis flag rows", "error", closeErr)
		}
	}()

	var flags []domain.CrisisFlag
	for rows.Next() {
		var f domain.CrisisFlag
		var ts int64
		var notes sql.NullString
		if err := rows.Scan(
			&f.ID, &f.ParticipantID, &f.MessageID, &f.KeywordDetected,
			&f.FlagType, &ts, &f.Reviewed, &notes,
		); err != nil {
			return nil, fmt.Errorf("scan crisis flag row: %w", err)
		}
		f.Timestamp = time.Unix(ts, 0)
		f.Notes = notes.String
		flags = append(flags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crisis flag rows: %w", err)
	}
	return flags, nil
}

// MarkCrisisFlagReviewed marks a crisis flag as reviewed. Retries with
// exponential backoff to handle SQLITE_BUSY under reviewer/exporter overlap.
func (s *SQLiteStore) MarkCrisisFlagReviewed(ctx context.Context, flagID int64) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.markCrisisFlagReviewedOnce(ctx, flagID)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("MarkCrisisFlagReviewed hit SQLITE_BUSY, retrying",
				"flag_id", flagID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return fmt.Errorf("mark crisis flag %d reviewed: %w", flagID, err)
	}
	return nil
}

func (s *SQLiteStore) markCrisisFlagReviewedOnce(ctx context.Context, flagID int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE crisis_flags SET reviewed = 1 WHERE id = ?`, flagID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("crisis flag not found")
	}
	return nil
}

// GetStatistics returns overall study statistics.
func (s *SQLiteStore) GetStatistics(ctx context.Context) (domain.Statistics, error) {
	var stats domain.Statistics

	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(id) FROM participants),
			(SELECT COUNT(id) FROM participants WHERE completed = 1),
			(SELECT COUNT(id) FROM messages),
			(SELECT COUNT(id) FROM crisis_flags)`)
	if err := row.Scan(
		&stats.TotalParticipants, &stats.CompletedConversations,
		&stats.TotalMessages, &stats.CrisisFlags,
	); err != nil {
		return stats, fmt.Errorf("scan statistics: %w", err)
	}

	dist, err := s.GetDistribution(ctx)
	if err != nil {
		return stats, err
	}
	stats.BotDistribution = dist
	return stats, nil
}

// ListParticipants returns all participants ordered by ID.
func (s *SQLiteStore) ListParticipants(ctx context.Context) ([]domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+participantColumns+` FROM participants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close participant rows", "error", closeErr)
		}
	}()

	var participants []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		participants = append(participants, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participant rows: %w", err)
	}
	return participants, nil
}

// ListMessages returns all messages in stable export order.
func (s *SQLiteStore) ListMessages(ctx context.Context) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages ORDER BY participant_id, message_num, id`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return scanMessages(rows)
}

// LogExport records a completed data export.
func (s *SQLiteStore) LogExport(ctx context.Context, log *domain.ExportLog) error {
	var notes interface{}
	if log.Notes != "" {
		notes = log.Notes
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO export_logs (export_time, export_type, num_participants, num_messages, file_path, notes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		log.ExportTime.Unix(), log.ExportType, log.NumParticipants,
		log.NumMessages, log.FilePath, notes,
	)
	if err != nil {
		return fmt.Errorf("log export: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
