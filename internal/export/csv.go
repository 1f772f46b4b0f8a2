// Package export writes study data to CSV files for offline analysis.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nkoval/empathy-study/internal/domain"
	"github.com/nkoval/empathy-study/internal/store"
)

// Export types recorded in the export log.
const (
	TypeConversations = "conversations"
	TypeParticipants  = "participants"
	TypeCrisisFlags   = "crisis_flags"
)

// Exporter writes CSV exports and records each export in the export log.
type Exporter struct {
	repo store.Repository
	dir  string
}

// NewExporter creates an exporter writing into dir.
func NewExporter(repo store.Repository, dir string) *Exporter {
	return &Exporter{repo: repo, dir: dir}
}

// Result describes a finished export.
type Result struct {
	FilePath        string `json:"file_path"`
	NumParticipants int    `json:"num_participants"`
	NumMessages     int    `json:"num_messages"`
}

// Conversations exports every message joined with its participant's study
// columns, ordered by participant then message number. Crisis-flagged rows
// keep their marker so analysts can exclude them from model-facing metrics.
func (e *Exporter) Conversations(ctx context.Context) (*Result, error) {
	participants, err := e.repo.ListParticipants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	messages, err := e.repo.ListMessages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	byID := make(map[string]domain.Participant, len(participants))
	for _, p := range participants {
		byID[p.ID] = p
	}

	rows := [][]string{{
		"participant_id", "bot_type", "message_num", "sender",
		"content", "timestamp", "contains_crisis_keyword",
	}}
	for _, m := range messages {
		p := byID[m.ParticipantID]
		rows = append(rows, []string{
			m.ParticipantID,
			string(p.Variant),
			strconv.Itoa(m.MessageNum),
			m.Sender,
			m.Content,
			m.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatBool(m.CrisisKeyword),
		})
	}

	path, err := e.write(TypeConversations, rows)
	if err != nil {
		return nil, err
	}
	res := &Result{FilePath: path, NumParticipants: len(participants), NumMessages: len(messages)}
	e.log(ctx, TypeConversations, res)
	return res, nil
}

// Participants exports one row per participant with study-level columns.
func (e *Exporter) Participants(ctx context.Context) (*Result, error) {
	participants, err := e.repo.ListParticipants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}

	rows := [][]string{{
		"participant_id", "bot_type", "start_time", "end_time",
		"total_messages", "completed", "crisis_flagged",
	}}
	for _, p := range participants {
		endTime := ""
		if p.EndTime != nil {
			endTime = p.EndTime.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{
			p.ID,
			string(p.Variant),
			p.StartTime.UTC().Format(time.RFC3339),
			endTime,
			strconv.Itoa(p.TotalMessages),
			strconv.FormatBool(p.Completed),
			strconv.FormatBool(p.CrisisFlagged),
		})
	}

	path, err := e.write(TypeParticipants, rows)
	if err != nil {
		return nil, err
	}
	res := &Result{FilePath: path, NumParticipants: len(participants)}
	e.log(ctx, TypeParticipants, res)
	return res, nil
}

// CrisisFlags exports all crisis flags for safety review.
func (e *Exporter) CrisisFlags(ctx context.Context) (*Result, error) {
	flags, err := e.repo.ListCrisisFlags(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list crisis flags: %w", err)
	}

	rows := [][]string{{
		"id", "participant_id", "message_id", "keyword_detected",
		"flag_type", "timestamp", "reviewed", "notes",
	}}
	for _, f := range flags {
		rows = append(rows, []string{
			strconv.FormatInt(f.ID, 10),
			f.ParticipantID,
			strconv.FormatInt(f.MessageID, 10),
			f.KeywordDetected,
			f.FlagType,
			f.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatBool(f.Reviewed),
			f.Notes,
		})
	}

	path, err := e.write(TypeCrisisFlags, rows)
	if err != nil {
		return nil, err
	}
	res := &Result{FilePath: path, NumMessages: len(flags)}
	e.log(ctx, TypeCrisisFlags, res)
	return res, nil
}

func (e *Exporter) write(exportType string, rows [][]string) (string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s.csv", exportType, time.Now().UTC().Format("20060102_150405"))
	path := filepath.Join(e.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return "", fmt.Errorf("write csv: %w", err)
	}
	return path, nil
}

// log records the export for provenance. Logging failure never fails the
// export itself; the file is already on disk.
func (e *Exporter) log(ctx context.Context, exportType string, res *Result) {
	err := e.repo.LogExport(ctx, &domain.ExportLog{
		ExportTime:      time.Now().UTC(),
		ExportType:      exportType,
		NumParticipants: res.NumParticipants,
		NumMessages:     res.NumMessages,
		FilePath:        res.FilePath,
	})
	if err != nil {
		slog.Error("failed to record export log", "type", exportType, "error", err)
	}
}
