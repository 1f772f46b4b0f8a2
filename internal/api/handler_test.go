package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkoval/empathy-study/internal/assign"
	"github.com/nkoval/empathy-study/internal/bot"
	"github.com/nkoval/empathy-study/internal/crisis"
	"github.com/nkoval/empathy-study/internal/domain"
	"github.com/nkoval/empathy-study/internal/export"
	"github.com/nkoval/empathy-study/internal/lifecycle"
	"github.com/nkoval/empathy-study/internal/store"
)

type stubCompleter struct {
	reply string
	err   error
}

func (s *stubCompleter) Complete(_ context.Context, _ []domain.Turn, _ string, _ float32, _ int) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

type testServer struct {
	router *chi.Mux
	repo   store.Repository
	mgr    *bot.Manager
}

func newTestServer(t *testing.T, maxMessages int) *testServer {
	t.Helper()
	return newTestServerWith(t, maxMessages, &stubCompleter{reply: "I hear you."})
}

func newTestServerWith(t *testing.T, maxMessages int, completer bot.Completer) *testServer {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	detector := crisis.NewDetector([]string{"end my life", "hurt myself"}, "")
	tracker := lifecycle.NewTracker(maxMessages)
	mgr := bot.NewManager(bot.Config{
		Model:         "gpt-4",
		Temperature:   0.7,
		MaxTokens:     1024,
		MaxMessages:   maxMessages,
		HistoryWindow: 20,
		Strategy:      assign.StrategySequential,
		Prompts: map[domain.BotVariant]string{
			domain.VariantEmotional: "Respond with warmth.",
		},
	}, repo, completer, detector, assign.NewBalancer(), tracker)

	handler := NewHandler(mgr, repo, export.NewExporter(repo, t.TempDir()))

	r := chi.NewRouter()
	r.Route("/api/study", func(r chi.Router) {
		r.Post("/sessions", handler.CreateSession)
		r.Get("/sessions/{sessionID}", handler.SessionStatus)
		r.Post("/sessions/{sessionID}/messages", handler.SendMessage)
		r.Post("/sessions/{sessionID}/end", handler.EndSession)
	})
	r.Route("/api/admin", func(r chi.Router) {
		r.Get("/statistics", handler.Statistics)
		r.Get("/participants", handler.Participants)
		r.Get("/participants/{participantID}/messages", handler.Conversation)
		r.Get("/crisis-flags", handler.CrisisFlags)
		r.Post("/crisis-flags/{flagID}/review", handler.ReviewCrisisFlag)
		r.Get("/export/{exportType}", handler.Export)
	})
	return &testServer{router: r, repo: repo, mgr: mgr}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func (ts *testServer) createSession(t *testing.T) bot.SessionInfo {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/study/sessions", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	return decode[bot.SessionInfo](t, w)
}

func TestCreateSession(t *testing.T) {
	ts := newTestServer(t, 20)

	info := ts.createSession(t)
	assert.Equal(t, "P001", info.ParticipantID)
	assert.NotEmpty(t, info.SessionID)
	assert.Equal(t, domain.VariantEmotional, info.Variant, "sequential assignment starts at the first variant")
	assert.Equal(t, 20, info.MaxMessages)

	info2 := ts.createSession(t)
	assert.Equal(t, "P002", info2.ParticipantID)
	assert.Equal(t, domain.VariantCognitive, info2.Variant)
}

func TestSendMessage(t *testing.T) {
	ts := newTestServer(t, 20)
	info := ts.createSession(t)

	w := ts.do(t, http.MethodPost, "/api/study/sessions/"+info.SessionID+"/messages",
		sendMessageRequest{Message: "hello"})
	require.Equal(t, http.StatusOK, w.Code)

	result := decode[bot.TurnResult](t, w)
	assert.Equal(t, "I hear you.", result.Reply)
	assert.False(t, result.CrisisDetected)
	assert.Equal(t, 1, result.MessageNum)
	assert.Equal(t, 19, result.Remaining)
}

func TestSendMessageCrisis(t *testing.T) {
	ts := newTestServer(t, 20)
	info := ts.createSession(t)

	w := ts.do(t, http.MethodPost, "/api/study/sessions/"+info.SessionID+"/messages",
		sendMessageRequest{Message: "I want to end my life"})
	require.Equal(t, http.StatusOK, w.Code)

	result := decode[bot.TurnResult](t, w)
	assert.True(t, result.CrisisDetected)
	assert.Equal(t, "end my life", result.DetectedKeyword)
	assert.NotEmpty(t, result.Reply, "fallback safety response is never empty")

	flags := ts.do(t, http.MethodGet, "/api/admin/crisis-flags?unreviewed=true", nil)
	require.Equal(t, http.StatusOK, flags.Code)
	body := decode[map[string]json.RawMessage](t, flags)
	var count int
	require.NoError(t, json.Unmarshal(body["count"], &count))
	assert.Equal(t, 1, count)
}

func TestSendMessageValidation(t *testing.T) {
	ts := newTestServer(t, 20)
	info := ts.createSession(t)

	w := ts.do(t, http.MethodPost, "/api/study/sessions/"+info.SessionID+"/messages",
		sendMessageRequest{Message: "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/study/sessions/unknown/messages",
		sendMessageRequest{Message: "hello"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// blockingCompleter parks inside the completion call until released, so a
// test can hold one turn open while issuing another.
type blockingCompleter struct {
	entered chan struct{}
	release chan struct{}
}

func (c *blockingCompleter) Complete(_ context.Context, _ []domain.Turn, _ string, _ float32, _ int) (string, error) {
	c.entered <- struct{}{}
	<-c.release
	return "done", nil
}

func TestSendMessageConcurrentTurnRejected(t *testing.T) {
	bc := &blockingCompleter{
		entered: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	ts := newTestServerWith(t, 20, bc)
	info := ts.createSession(t)

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- ts.do(t, http.MethodPost, "/api/study/sessions/"+info.SessionID+"/messages",
			sendMessageRequest{Message: "slow turn"})
	}()
	<-bc.entered

	w := ts.do(t, http.MethodPost, "/api/study/sessions/"+info.SessionID+"/messages",
		sendMessageRequest{Message: "overlapping turn"})
	assert.Equal(t, http.StatusConflict, w.Code, "a second in-flight turn for the same session is rejected")

	close(bc.release)
	require.Equal(t, http.StatusOK, (<-first).Code)

	// The gate is released once the first turn finishes.
	w = ts.do(t, http.MethodPost, "/api/study/sessions/"+info.SessionID+"/messages",
		sendMessageRequest{Message: "next turn"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSendMessageAfterCap(t *testing.T) {
	ts := newTestServer(t, 2)
	info := ts.createSession(t)

	for i := 0; i < 2; i++ {
		w := ts.do(t, http.MethodPost, "/api/study/sessions/"+info.SessionID+"/messages",
			sendMessageRequest{Message: fmt.Sprintf("turn %d", i+1)})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := ts.do(t, http.MethodPost, "/api/study/sessions/"+info.SessionID+"/messages",
		sendMessageRequest{Message: "one more"})
	assert.Equal(t, http.StatusConflict, w.Code, "turns past the cap are rejected at the boundary")
}

func TestSessionStatus(t *testing.T) {
	ts := newTestServer(t, 20)
	info := ts.createSession(t)

	ts.do(t, http.MethodPost, "/api/study/sessions/"+info.SessionID+"/messages",
		sendMessageRequest{Message: "hello"})

	w := ts.do(t, http.MethodGet, "/api/study/sessions/"+info.SessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	status := decode[bot.Status](t, w)
	assert.Equal(t, info.ParticipantID, status.ParticipantID)
	assert.Equal(t, 1, status.MessageNum)
	assert.False(t, status.Complete)

	w = ts.do(t, http.MethodGet, "/api/study/sessions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEndSession(t *testing.T) {
	ts := newTestServer(t, 20)
	info := ts.createSession(t)

	w := ts.do(t, http.MethodPost, "/api/study/sessions/"+info.SessionID+"/end",
		endSessionRequest{Completed: true})
	require.Equal(t, http.StatusOK, w.Code)

	p, err := ts.repo.GetParticipant(context.Background(), info.ParticipantID)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.Completed)
	assert.NotNil(t, p.EndTime)
}

func TestReviewCrisisFlag(t *testing.T) {
	ts := newTestServer(t, 20)
	info := ts.createSession(t)

	ts.do(t, http.MethodPost, "/api/study/sessions/"+info.SessionID+"/messages",
		sendMessageRequest{Message: "I might hurt myself"})

	flags, err := ts.repo.ListCrisisFlags(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, flags, 1)

	w := ts.do(t, http.MethodPost, fmt.Sprintf("/api/admin/crisis-flags/%d/review", flags[0].ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	remaining, err := ts.repo.ListCrisisFlags(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	all, err := ts.repo.ListCrisisFlags(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, all, 1, "reviewed flags are kept, not deleted")
}

func TestStatistics(t *testing.T) {
	ts := newTestServer(t, 20)
	info := ts.createSession(t)
	ts.do(t, http.MethodPost, "/api/study/sessions/"+info.SessionID+"/messages",
		sendMessageRequest{Message: "hello"})

	w := ts.do(t, http.MethodGet, "/api/admin/statistics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[map[string]json.RawMessage](t, w)
	var stats domain.Statistics
	require.NoError(t, json.Unmarshal(body["study"], &stats))
	assert.Equal(t, 1, stats.TotalParticipants)
	assert.Equal(t, 2, stats.TotalMessages)
}

func TestExportEndpoint(t *testing.T) {
	ts := newTestServer(t, 20)
	info := ts.createSession(t)
	ts.do(t, http.MethodPost, "/api/study/sessions/"+info.SessionID+"/messages",
		sendMessageRequest{Message: "hello"})

	w := ts.do(t, http.MethodGet, "/api/admin/export/conversations?download=false", nil)
	require.Equal(t, http.StatusOK, w.Code)

	res := decode[export.Result](t, w)
	assert.NotEmpty(t, res.FilePath)
	assert.Equal(t, 2, res.NumMessages)

	w = ts.do(t, http.MethodGet, "/api/admin/export/conversations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, w.Body.String(), "participant_id,bot_type")

	w = ts.do(t, http.MethodGet, "/api/admin/export/nonsense", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJSONHelper(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]string{"foo": "bar"})

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	got := decode[map[string]string](t, w)
	assert.Equal(t, "bar", got["foo"])
}
