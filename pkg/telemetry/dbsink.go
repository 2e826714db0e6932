package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"
)

const insertTimeout = 5 * time.Second

// DBSink persists events to the safety_events table. Wrap it in an
// AsyncSink so inserts never block the pipeline.
type DBSink struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDBSink creates a sink over an open connection pool.
func NewDBSink(db *sql.DB, logger *slog.Logger) *DBSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBSink{db: db, logger: logger}
}

// Record inserts the event. Failures are logged, never propagated.
func (s *DBSink) Record(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var detail []byte
	if len(event.Detail) > 0 {
		var err error
		detail, err = json.Marshal(event.Detail)
		if err != nil {
			s.logger.Warn("Failed to encode telemetry detail", "kind", event.Kind, "error", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO safety_events (kind, session_id, stage, model, risk, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(event.Kind),
		nullable(event.SessionID),
		event.Stage,
		nullable(event.Model),
		nullable(event.Risk),
		detail,
		event.Timestamp,
	)
	if err != nil {
		s.logger.Warn("Failed to persist telemetry event", "kind", event.Kind, "error", err)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
