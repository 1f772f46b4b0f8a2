package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordExchangeAdvancesCounterAndHistory(t *testing.T) {
	s := NewConversationSession("sess-1", "P001", VariantEmotional, 20)

	s.RecordExchange("hello", "hi there")
	s.RecordExchange("how are you", "doing well")

	assert.Equal(t, 2, s.MessageNum)
	require.Len(t, s.History, 4)
	assert.Equal(t, RoleUser, s.History[0].Role)
	assert.Equal(t, RoleAssistant, s.History[1].Role)

	// History stays even after any completed exchange.
	assert.Zero(t, len(s.History)%2)
}

func TestRecordCrisisTurnSkipsModelContext(t *testing.T) {
	s := NewConversationSession("sess-1", "P001", VariantControl, 20)
	s.RecordExchange("hello", "hi")

	s.RecordCrisisTurn()

	assert.Equal(t, 2, s.MessageNum)
	assert.Len(t, s.History, 2, "crisis exchange must not enter model context")
}

func TestHistoryWindowBoundsModelContext(t *testing.T) {
	s := NewConversationSession("sess-1", "P001", VariantCognitive, 4)

	s.RecordExchange("m1", "r1")
	s.RecordExchange("m2", "r2")
	s.RecordExchange("m3", "r3")

	window := s.ContextWindow()
	require.Len(t, window, 4)
	assert.Equal(t, "m2", window[0].Content)
	assert.Equal(t, "r3", window[3].Content)
	// Counter keeps full history length even when turns are dropped.
	assert.Equal(t, 3, s.MessageNum)
}

func TestCompletionCap(t *testing.T) {
	s := NewConversationSession("sess-1", "P001", VariantMotivational, 20)

	const maxMessages = 3
	for i := 0; i < maxMessages; i++ {
		assert.False(t, s.Complete(maxMessages))
		s.RecordExchange("msg", "reply")
	}

	assert.True(t, s.Complete(maxMessages))
	assert.Equal(t, 0, s.RemainingMessages(maxMessages))
}

func TestParseVariant(t *testing.T) {
	for _, v := range Variants() {
		got, err := ParseVariant(string(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	_, err := ParseVariant("sarcastic")
	assert.Error(t, err)
}

func TestDistributionTreatsAbsentVariantsAsZero(t *testing.T) {
	d := Distribution{VariantEmotional: 2}
	assert.Equal(t, 0, d.Count(VariantControl))
	assert.Equal(t, 2, d.Total())

	var empty Distribution
	assert.Equal(t, 0, empty.Count(VariantEmotional))
}
