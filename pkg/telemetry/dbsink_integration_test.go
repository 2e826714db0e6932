package telemetry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/quorum/pkg/telemetry"
	"github.com/quorumlabs/quorum/test/util"
)

func TestDBSinkPersistsEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}

	db := util.SetupTestDatabase(t)
	sink := telemetry.NewDBSink(db, nil)

	sink.Record(telemetry.Event{
		Kind:      telemetry.KindSuspiciousQuery,
		SessionID: "s1",
		Stage:     1,
		Risk:      "high",
		Detail:    map[string]any{"patterns": []string{"ignore_previous"}},
	})
	sink.Record(telemetry.Event{
		Kind:  telemetry.KindModelTimeout,
		Stage: 3,
		Model: "google/gemini-3-pro-preview",
	})

	var kind, sessionID, risk string
	var detail []byte
	require.NoError(t, db.QueryRow(
		`SELECT kind, session_id, risk, detail FROM safety_events WHERE kind = $1`,
		string(telemetry.KindSuspiciousQuery),
	).Scan(&kind, &sessionID, &risk, &detail))
	assert.Equal(t, "suspicious_query", kind)
	assert.Equal(t, "s1", sessionID)
	assert.Equal(t, "high", risk)
	assert.Contains(t, string(detail), "ignore_previous")

	// Empty optional columns are stored as NULL, not empty strings.
	var sessionNull, modelNull *string
	var createdAt time.Time
	require.NoError(t, db.QueryRow(
		`SELECT session_id, model, created_at FROM safety_events WHERE kind = $1`,
		string(telemetry.KindModelTimeout),
	).Scan(&sessionNull, &modelNull, &createdAt))
	assert.Nil(t, sessionNull)
	require.NotNil(t, modelNull)
	assert.Equal(t, "google/gemini-3-pro-preview", *modelNull)
	assert.WithinDuration(t, time.Now(), createdAt, time.Minute)

	// Write through the async wrapper too.
	async := telemetry.NewAsyncSink(sink, 8)
	async.Record(telemetry.Event{Kind: telemetry.KindStageTimeout, Stage: 2})
	async.Stop()

	require.Eventually(t, func() bool {
		var n int
		if err := db.QueryRow(`SELECT count(*) FROM safety_events`).Scan(&n); err != nil {
			return false
		}
		return n == 3
	}, 5*time.Second, 50*time.Millisecond)
}
