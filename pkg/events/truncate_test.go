package events

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateIfNeeded(t *testing.T) {
	small, err := json.Marshal(Envelope{EventID: 1, SessionID: "s", Type: EventTypeItemCreated})
	require.NoError(t, err)
	got, err := truncateIfNeeded(small)
	require.NoError(t, err)
	assert.Equal(t, string(small), got, "small payloads pass through untouched")

	big, err := json.Marshal(Envelope{
		EventID:   42,
		SessionID: "sess-1",
		Type:      EventTypeStageCompleted,
		Payload:   strings.Repeat("x", 9000),
	})
	require.NoError(t, err)
	got, err = truncateIfNeeded(big)
	require.NoError(t, err)
	assert.Less(t, len(got), 8000)

	var routing map[string]any
	require.NoError(t, json.Unmarshal([]byte(got), &routing))
	assert.Equal(t, float64(42), routing["event_id"])
	assert.Equal(t, "sess-1", routing["session_id"])
	assert.Equal(t, true, routing["truncated"])
}
