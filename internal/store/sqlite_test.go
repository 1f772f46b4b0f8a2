package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nkoval/empathy-study/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "study.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func createTestParticipant(t *testing.T, repo Repository, id, sessionID string, variant domain.BotVariant) {
	t.Helper()
	err := repo.CreateParticipant(context.Background(), &domain.Participant{
		ID:        id,
		SessionID: sessionID,
		Variant:   variant,
		StartTime: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateParticipant failed: %v", err)
	}
}

func TestCreateParticipantDuplicateID(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	createTestParticipant(t, repo, "P001", "sess-1", domain.VariantEmotional)

	err := repo.CreateParticipant(ctx, &domain.Participant{
		ID:        "P001",
		SessionID: "sess-2",
		Variant:   domain.VariantControl,
		StartTime: time.Now(),
	})
	if !errors.Is(err, ErrParticipantExists) {
		t.Fatalf("expected ErrParticipantExists, got %v", err)
	}
}

func TestParticipantRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	createTestParticipant(t, repo, "P001", "sess-1", domain.VariantEmotional)

	p, err := repo.GetParticipant(ctx, "P001")
	if err != nil {
		t.Fatalf("GetParticipant failed: %v", err)
	}
	if p == nil {
		t.Fatal("expected participant, got nil")
	}
	if p.Variant != domain.VariantEmotional {
		t.Errorf("expected emotional variant, got %s", p.Variant)
	}
	if p.Completed || p.CrisisFlagged {
		t.Error("new participant must not be completed or crisis flagged")
	}

	bySession, err := repo.GetParticipantBySession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetParticipantBySession failed: %v", err)
	}
	if bySession == nil || bySession.ID != "P001" {
		t.Fatalf("expected P001 by session, got %+v", bySession)
	}

	missing, err := repo.GetParticipant(ctx, "P999")
	if err != nil {
		t.Fatalf("GetParticipant for missing id failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown participant")
	}
}

func TestSaveMessageBumpsTotal(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	createTestParticipant(t, repo, "P001", "sess-1", domain.VariantControl)

	for i, sender := range []string{domain.SenderUser, domain.SenderBot} {
		_, err := repo.SaveMessage(ctx, &domain.Message{
			ParticipantID: "P001",
			MessageNum:    1,
			Sender:        sender,
			Content:       "message",
			Timestamp:     time.Now(),
		})
		if err != nil {
			t.Fatalf("SaveMessage %d failed: %v", i, err)
		}
	}

	p, err := repo.GetParticipant(ctx, "P001")
	if err != nil {
		t.Fatalf("GetParticipant failed: %v", err)
	}
	if p.TotalMessages != 2 {
		t.Errorf("expected total_messages=2, got %d", p.TotalMessages)
	}
}

func TestGetConversationLastK(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	createTestParticipant(t, repo, "P001", "sess-1", domain.VariantCognitive)

	for num := 1; num <= 5; num++ {
		for _, sender := range []string{domain.SenderUser, domain.SenderBot} {
			_, err := repo.SaveMessage(ctx, &domain.Message{
				ParticipantID: "P001",
				MessageNum:    num,
				Sender:        sender,
				Content:       sender,
				Timestamp:     time.Now(),
			})
			if err != nil {
				t.Fatalf("SaveMessage failed: %v", err)
			}
		}
	}

	msgs, err := repo.GetConversation(ctx, "P001", 4)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	// Chronological order, most recent two exchanges.
	if msgs[0].MessageNum != 4 || msgs[0].Sender != domain.SenderUser {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if msgs[3].MessageNum != 5 || msgs[3].Sender != domain.SenderBot {
		t.Errorf("unexpected last message: %+v", msgs[3])
	}

	all, err := repo.GetConversation(ctx, "P001", 0)
	if err != nil {
		t.Fatalf("GetConversation (all) failed: %v", err)
	}
	if len(all) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(all))
	}
}

func TestMarkCompletedStampsEndTime(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	createTestParticipant(t, repo, "P001", "sess-1", domain.VariantMotivational)

	if err := repo.MarkCompleted(ctx, "P001", true); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	p, err := repo.GetParticipant(ctx, "P001")
	if err != nil {
		t.Fatalf("GetParticipant failed: %v", err)
	}
	if !p.Completed {
		t.Error("expected completed=true")
	}
	if p.EndTime == nil {
		t.Error("expected end_time to be set")
	}
}

func TestGetDistribution(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	createTestParticipant(t, repo, "P001", "sess-1", domain.VariantEmotional)
	createTestParticipant(t, repo, "P002", "sess-2", domain.VariantEmotional)
	createTestParticipant(t, repo, "P003", "sess-3", domain.VariantControl)

	dist, err := repo.GetDistribution(ctx)
	if err != nil {
		t.Fatalf("GetDistribution failed: %v", err)
	}
	if dist.Count(domain.VariantEmotional) != 2 {
		t.Errorf("expected 2 emotional, got %d", dist.Count(domain.VariantEmotional))
	}
	if dist.Count(domain.VariantControl) != 1 {
		t.Errorf("expected 1 control, got %d", dist.Count(domain.VariantControl))
	}
	if dist.Count(domain.VariantCognitive) != 0 {
		t.Errorf("expected 0 cognitive, got %d", dist.Count(domain.VariantCognitive))
	}
}

func TestCrisisFlagLifecycle(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	createTestParticipant(t, repo, "P001", "sess-1", domain.VariantEmotional)

	msgID, err := repo.SaveMessage(ctx, &domain.Message{
		ParticipantID: "P001",
		MessageNum:    1,
		Sender:        domain.SenderUser,
		Content:       "crisis text",
		Timestamp:     time.Now(),
		CrisisKeyword: true,
	})
	if err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	flag := &domain.CrisisFlag{
		ParticipantID:   "P001",
		MessageID:       msgID,
		KeywordDetected: "suicide",
		Timestamp:       time.Now(),
	}
	if err := repo.CreateCrisisFlag(ctx, flag); err != nil {
		t.Fatalf("CreateCrisisFlag failed: %v", err)
	}
	if flag.ID == 0 {
		t.Error("expected flag ID to be assigned")
	}

	p, err := repo.GetParticipant(ctx, "P001")
	if err != nil {
		t.Fatalf("GetParticipant failed: %v", err)
	}
	if !p.CrisisFlagged {
		t.Error("expected participant crisis_flagged=true")
	}

	unreviewed, err := repo.ListCrisisFlags(ctx, true)
	if err != nil {
		t.Fatalf("ListCrisisFlags failed: %v", err)
	}
	if len(unreviewed) != 1 {
		t.Fatalf("expected 1 unreviewed flag, got %d", len(unreviewed))
	}
	if unreviewed[0].FlagType != domain.FlagAutomatic {
		t.Errorf("expected automatic flag type, got %s", unreviewed[0].FlagType)
	}

	if err := repo.MarkCrisisFlagReviewed(ctx, flag.ID); err != nil {
		t.Fatalf("MarkCrisisFlagReviewed failed: %v", err)
	}

	unreviewed, err = repo.ListCrisisFlags(ctx, true)
	if err != nil {
		t.Fatalf("ListCrisisFlags failed: %v", err)
	}
	if len(unreviewed) != 0 {
		t.Errorf("expected 0 unreviewed flags after review, got %d", len(unreviewed))
	}

	all, err := repo.ListCrisisFlags(ctx, false)
	if err != nil {
		t.Fatalf("ListCrisisFlags (all) failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("flags must never be deleted, got %d", len(all))
	}
}

func TestStatisticsAndExportLog(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	createTestParticipant(t, repo, "P001", "sess-1", domain.VariantEmotional)
	createTestParticipant(t, repo, "P002", "sess-2", domain.VariantControl)
	if err := repo.MarkCompleted(ctx, "P001", true); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	stats, err := repo.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics failed: %v", err)
	}
	if stats.TotalParticipants != 2 {
		t.Errorf("expected 2 participants, got %d", stats.TotalParticipants)
	}
	if stats.CompletedConversations != 1 {
		t.Errorf("expected 1 completed, got %d", stats.CompletedConversations)
	}

	if err := repo.LogExport(ctx, &domain.ExportLog{
		ExportTime:      time.Now(),
		ExportType:      "csv",
		NumParticipants: 2,
		NumMessages:     0,
		FilePath:        "exports/all.csv",
	}); err != nil {
		t.Fatalf("LogExport failed: %v", err)
	}
}
