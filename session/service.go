package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/casi-app/backend/telemetry"
)

// Service exposes the three session operations over a Postgres datastore.
// Every operation is stateless; concurrency safety relies on the atomic
// message-counter increment and documented last-writer-wins stat merges, not
// on locking.
type Service struct {
	DB *sql.DB
	// Window overrides ReuseWindow when positive (tests and env tuning).
	Window time.Duration
}

// NewService returns a Service with the default reuse window.
func NewService(db *sql.DB) *Service { return &Service{DB: db} }

func (s *Service) reuseWindow() time.Duration {
	if s.Window > 0 {
		return s.Window
	}
	return ReuseWindow
}

// OpenResult is the outcome of Open.
type OpenResult struct {
	SessionID string `json:"sessionId"`
	Reused    bool   `json:"reused"`
}

// Open returns the channel's most recent open session when it is younger than
// the reuse window, otherwise inserts a new session row starting now. The
// channel name is lowercased first so casing at open time never fragments a
// broadcast.
func (s *Service) Open(ctx context.Context, streamerEmail, channelName string) (OpenResult, error) {
	const op = "session.Open"
	if strings.TrimSpace(streamerEmail) == "" {
		return OpenResult{}, badRequest(op, "streamerEmail is required")
	}
	channel := NormalizeChannel(channelName)
	if channel == "" {
		return OpenResult{}, badRequest(op, "channelName is required")
	}

	var (
		id    string
		start time.Time
	)
	err := s.DB.QueryRowContext(ctx, `
        SELECT id, session_start FROM sessions
        WHERE channel_name=$1 AND session_end IS NULL
        ORDER BY session_start DESC
        LIMIT 1
    `, channel).Scan(&id, &start)
	switch {
	case err == nil:
		if time.Since(start) < s.reuseWindow() {
			telemetry.SessionsReused.Inc()
			slog.Debug("reusing open session", slog.String("session_id", id), slog.String("channel", channel), slog.String("component", "session"))
			return OpenResult{SessionID: id, Reused: true}, nil
		}
		// Stale open session past the window; leave it for close/reconcile and start fresh.
	case err != sql.ErrNoRows:
		return OpenResult{}, internal(op, "failed to look up open session", err)
	}

	id = uuid.New().String()
	_, err = s.DB.ExecContext(ctx, `
        INSERT INTO sessions (id, channel_name, streamer_email, session_start, created_at)
        VALUES ($1, $2, $3, NOW(), NOW())
    `, id, channel, strings.TrimSpace(streamerEmail))
	if err != nil {
		return OpenResult{}, internal(op, "failed to create session", err)
	}
	telemetry.SessionsOpened.Inc()
	slog.Info("session opened", slog.String("session_id", id), slog.String("channel", channel), slog.String("component", "session"))
	return OpenResult{SessionID: id, Reused: false}, nil
}

// Close sets session_end and the derived duration_minutes in one update.
//
// Close is idempotent: when the session is already closed the stored duration
// is returned and nothing is written. The disconnect signal arrives over a
// fire-and-forget transport that may deliver zero or more times, and an
// overwrite here would shift the duration on every redundant delivery.
func (s *Service) Close(ctx context.Context, sessionID string) (int, error) {
	const op = "session.Close"
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, badRequest(op, "sessionId is required")
	}

	var (
		start    time.Time
		end      sql.NullTime
		duration sql.NullInt64
	)
	err := s.DB.QueryRowContext(ctx, `
        SELECT session_start, session_end, duration_minutes FROM sessions WHERE id=$1
    `, sessionID).Scan(&start, &end, &duration)
	if err == sql.ErrNoRows {
		return 0, notFound(op, "session not found")
	}
	if err != nil {
		return 0, internal(op, "failed to load session", err)
	}
	if end.Valid {
		return int(duration.Int64), nil
	}

	now := time.Now().UTC()
	minutes := DurationMinutes(start, now)
	res, err := s.DB.ExecContext(ctx, `
        UPDATE sessions
        SET session_end=$1, duration_minutes=$2, updated_at=NOW()
        WHERE id=$3 AND session_end IS NULL
    `, now, minutes, sessionID)
	if err != nil {
		return 0, internal(op, "failed to close session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with a concurrent close; report what that writer stored.
		_ = s.DB.QueryRowContext(ctx, `SELECT COALESCE(duration_minutes, 0) FROM sessions WHERE id=$1`, sessionID).Scan(&minutes)
		return minutes, nil
	}
	telemetry.SessionsClosed.Inc()
	slog.Info("session closed", slog.String("session_id", sessionID), slog.Int("duration_minutes", minutes), slog.String("component", "session"))
	return minutes, nil
}

// Ingest persists a batch of classified messages in one transaction and then
// bumps the session's running counter with a single atomic increment.
//
// The write is intentionally asymmetric: the message rows are the source of
// truth, the counter a derived cache. A counter failure after a committed
// batch is logged and not propagated; an external reconciliation recomputes
// counts from row counts when they drift.
func (s *Service) Ingest(ctx context.Context, sessionID string, messages []IncomingMessage) (int, error) {
	const op = "session.Ingest"
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, badRequest(op, "sessionId is required")
	}
	if len(messages) == 0 {
		return 0, badRequest(op, "messages must be a non-empty array")
	}
	for i, m := range messages {
		if strings.TrimSpace(m.Username) == "" || m.Message == "" || m.Timestamp.IsZero() {
			return 0, badRequest(op, fmt.Sprintf("message %d missing username, message, or timestamp", i))
		}
	}

	var exists bool
	if err := s.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id=$1)`, sessionID).Scan(&exists); err != nil {
		return 0, internal(op, "failed to look up session", err)
	}
	if !exists {
		return 0, notFound(op, "session not found")
	}

	start := time.Now()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, internal(op, "failed to begin batch", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO chat_messages (session_id, username, message, timestamp, sentiment, is_question, language, engagement_level, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
    `)
	if err != nil {
		_ = tx.Rollback()
		return 0, internal(op, "failed to prepare batch insert", err)
	}
	for _, m := range messages {
		lang := m.Language
		if lang == "" {
			lang = "en"
		}
		if _, err := stmt.ExecContext(ctx,
			sessionID,
			m.Username,
			m.Message,
			m.Timestamp.UTC(),
			string(BucketSentiment(m.Sentiment)),
			m.IsQuestion,
			lang,
			string(NormalizeEngagement(m.EngagementLevel)),
		); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return 0, internal(op, "failed to insert message batch", err)
		}
	}
	if err := stmt.Close(); err != nil {
		_ = tx.Rollback()
		return 0, internal(op, "failed to finalize batch insert", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, internal(op, "failed to commit message batch", err)
	}

	saved := len(messages)
	telemetry.MessagesIngested.Add(float64(saved))
	telemetry.ObserveIngestBatch(time.Since(start))

	// Atomic increment; concurrent batches commute so the final count is
	// order-independent. Never read-modify-write here.
	if _, err := s.DB.ExecContext(ctx, `
        UPDATE sessions SET total_messages = total_messages + $1, updated_at=NOW() WHERE id=$2
    `, saved, sessionID); err != nil {
		slog.Error("message counter increment failed; rows already persisted",
			slog.String("session_id", sessionID),
			slog.Int("batch_size", saved),
			slog.Any("err", err),
			slog.String("component", "session"))
	}

	return saved, nil
}

// fields expands the allow-listed aggregate columns present in the update.
// Any other key a caller sends never reaches this struct, so unknown fields
// are ignored rather than rejected (forward-compatible callers).
func (u StatsUpdate) fields() (cols []string, vals []any) {
	if u.PeakViewerCount != nil {
		cols = append(cols, "peak_viewer_count")
		vals = append(vals, *u.PeakViewerCount)
	}
	if u.AvgViewerCount != nil {
		cols = append(cols, "avg_viewer_count")
		vals = append(vals, *u.AvgViewerCount)
	}
	if u.TotalMessages != nil {
		cols = append(cols, "total_messages")
		vals = append(vals, *u.TotalMessages)
	}
	if u.UniqueChatters != nil {
		cols = append(cols, "unique_chatters")
		vals = append(vals, *u.UniqueChatters)
	}
	return cols, vals
}

// UpdateStats merges a sparse aggregate snapshot into the session row with a
// single partial UPDATE. Semantics are last-writer-wins per field; no max
// logic is applied even for peaks (documented caller contract).
func (s *Service) UpdateStats(ctx context.Context, sessionID string, update StatsUpdate) ([]string, error) {
	const op = "session.UpdateStats"
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, badRequest(op, "sessionId is required")
	}
	cols, vals := update.fields()
	if len(cols) == 0 {
		return nil, badRequest(op, "no valid stats provided")
	}

	var exists bool
	if err := s.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id=$1)`, sessionID).Scan(&exists); err != nil {
		return nil, internal(op, "failed to look up session", err)
	}
	if !exists {
		return nil, notFound(op, "session not found")
	}

	set := make([]string, 0, len(cols)+1)
	for i, c := range cols {
		set = append(set, fmt.Sprintf("%s=$%d", c, i+1))
	}
	set = append(set, "updated_at=NOW()")
	vals = append(vals, sessionID)
	q := fmt.Sprintf("UPDATE sessions SET %s WHERE id=$%d", strings.Join(set, ", "), len(vals))
	if _, err := s.DB.ExecContext(ctx, q, vals...); err != nil {
		return nil, internal(op, "failed to update stats", err)
	}
	telemetry.StatsUpdates.Inc()
	return cols, nil
}

// Get loads a single session row.
func (s *Service) Get(ctx context.Context, sessionID string) (*Session, error) {
	const op = "session.Get"
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, badRequest(op, "sessionId is required")
	}
	var (
		sess     Session
		email    sql.NullString
		end      sql.NullTime
		duration sql.NullInt64
		peak     sql.NullInt64
		avg      sql.NullInt64
		chatters sql.NullInt64
	)
	err := s.DB.QueryRowContext(ctx, `
        SELECT id, channel_name, streamer_email, session_start, session_end,
               duration_minutes, COALESCE(total_messages, 0),
               peak_viewer_count, avg_viewer_count, unique_chatters
        FROM sessions WHERE id=$1
    `, sessionID).Scan(&sess.ID, &sess.ChannelName, &email, &sess.SessionStart, &end,
		&duration, &sess.TotalMessages, &peak, &avg, &chatters)
	if err == sql.ErrNoRows {
		return nil, notFound(op, "session not found")
	}
	if err != nil {
		return nil, internal(op, "failed to load session", err)
	}
	sess.StreamerEmail = email.String
	if end.Valid {
		t := end.Time
		sess.SessionEnd = &t
	}
	if duration.Valid {
		d := int(duration.Int64)
		sess.DurationMinutes = &d
	}
	if peak.Valid {
		v := int(peak.Int64)
		sess.PeakViewerCount = &v
	}
	if avg.Valid {
		v := int(avg.Int64)
		sess.AvgViewerCount = &v
	}
	if chatters.Valid {
		v := int(chatters.Int64)
		sess.UniqueChatters = &v
	}
	return &sess, nil
}

// OpenCount returns the number of currently open sessions, used by the open
// sessions gauge and the status endpoint.
func (s *Service) OpenCount(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE session_end IS NULL`).Scan(&n); err != nil {
		return 0, internal("session.OpenCount", "failed to count open sessions", err)
	}
	return n, nil
}
