package session_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/casi-app/backend/session"
	"github.com/casi-app/backend/testutil"
)

func testChannel() string {
	return "chan-" + uuid.New().String()[:8]
}

func batch(n int) []session.IncomingMessage {
	msgs := make([]session.IncomingMessage, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, session.IncomingMessage{
			Username:  fmt.Sprintf("viewer%d", i),
			Message:   fmt.Sprintf("hello %d", i),
			Timestamp: time.Now().UTC(),
		})
	}
	return msgs
}

func TestOpenCreatesAndReuses(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := session.NewService(db)
	ctx := context.Background()
	channel := testChannel()

	first, err := svc.Open(ctx, "streamer@example.com", channel)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if first.Reused {
		t.Error("first Open() should not reuse")
	}
	if first.SessionID == "" {
		t.Fatal("first Open() returned empty session id")
	}

	second, err := svc.Open(ctx, "streamer@example.com", channel)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if !second.Reused {
		t.Error("second Open() within window should reuse")
	}
	if second.SessionID != first.SessionID {
		t.Errorf("reused id = %s, want %s", second.SessionID, first.SessionID)
	}
}

func TestOpenNormalizesChannelCase(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := session.NewService(db)
	ctx := context.Background()
	channel := testChannel()

	first, err := svc.Open(ctx, "streamer@example.com", strings.ToUpper(channel))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	second, err := svc.Open(ctx, "streamer@example.com", " "+channel+" ")
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Error("different casing of the same channel should resolve to one session")
	}
}

func TestOpenWindowExpiry(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := session.NewService(db)
	svc.Window = 1 * time.Hour
	ctx := context.Background()
	channel := testChannel()

	first, err := svc.Open(ctx, "streamer@example.com", channel)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	// Age the open session past the reuse window.
	if _, err := db.Exec(`UPDATE sessions SET session_start = NOW() - INTERVAL '2 hours' WHERE id=$1`, first.SessionID); err != nil {
		t.Fatalf("failed to age session: %v", err)
	}

	second, err := svc.Open(ctx, "streamer@example.com", channel)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if second.Reused {
		t.Error("Open() past the window should start a new session")
	}
	if second.SessionID == first.SessionID {
		t.Error("expected a fresh session id after window expiry")
	}
}

func TestOpenValidation(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := session.NewService(db)
	ctx := context.Background()

	if _, err := svc.Open(ctx, "", "somechannel"); session.KindOf(err) != session.KindBadRequest {
		t.Errorf("Open without email: kind = %v, want bad_request", session.KindOf(err))
	}
	if _, err := svc.Open(ctx, "streamer@example.com", "  "); session.KindOf(err) != session.KindBadRequest {
		t.Errorf("Open without channel: kind = %v, want bad_request", session.KindOf(err))
	}
}

func TestCloseComputesDuration(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := session.NewService(db)
	ctx := context.Background()

	res, err := svc.Open(ctx, "streamer@example.com", testChannel())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	// Backdate the start so the duration is meaningful.
	if _, err := db.Exec(`UPDATE sessions SET session_start = NOW() - INTERVAL '125 minutes' WHERE id=$1`, res.SessionID); err != nil {
		t.Fatalf("failed to backdate session: %v", err)
	}

	minutes, err := svc.Close(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if minutes != 125 {
		t.Errorf("duration = %d minutes, want 125", minutes)
	}

	s, err := svc.Get(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if s.SessionEnd == nil {
		t.Error("session_end not persisted")
	}
	if s.DurationMinutes == nil || *s.DurationMinutes != 125 {
		t.Errorf("persisted duration = %v, want 125", s.DurationMinutes)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := session.NewService(db)
	ctx := context.Background()

	res, err := svc.Open(ctx, "streamer@example.com", testChannel())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := db.Exec(`UPDATE sessions SET session_start = NOW() - INTERVAL '30 minutes' WHERE id=$1`, res.SessionID); err != nil {
		t.Fatalf("failed to backdate session: %v", err)
	}

	first, err := svc.Close(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	var endBefore time.Time
	if err := db.QueryRow(`SELECT session_end FROM sessions WHERE id=$1`, res.SessionID).Scan(&endBefore); err != nil {
		t.Fatalf("failed to read session_end: %v", err)
	}

	// Redundant close deliveries must not shift the stored end or duration.
	second, err := svc.Close(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if second != first {
		t.Errorf("second Close() duration = %d, want %d", second, first)
	}

	var endAfter time.Time
	if err := db.QueryRow(`SELECT session_end FROM sessions WHERE id=$1`, res.SessionID).Scan(&endAfter); err != nil {
		t.Fatalf("failed to read session_end: %v", err)
	}
	if !endAfter.Equal(endBefore) {
		t.Errorf("session_end shifted on redundant close: %v -> %v", endBefore, endAfter)
	}
}

func TestCloseNotFound(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := session.NewService(db)

	_, err := svc.Close(context.Background(), uuid.New().String())
	if session.KindOf(err) != session.KindNotFound {
		t.Errorf("Close(unknown) kind = %v, want not_found", session.KindOf(err))
	}
}

func TestIngestPersistsAndCounts(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := session.NewService(db)
	ctx := context.Background()

	res, err := svc.Open(ctx, "streamer@example.com", testChannel())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	msgs := []session.IncomingMessage{
		{Username: "a", Message: "this is great", Timestamp: time.Now(), Sentiment: 2, EngagementLevel: "high"},
		{Username: "b", Message: "meh", Timestamp: time.Now(), Sentiment: -1, EngagementLevel: "normal"},
		{Username: "c", Message: "hello", Timestamp: time.Now(), Sentiment: 0},
	}
	saved, err := svc.Ingest(ctx, res.SessionID, msgs)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if saved != 3 {
		t.Errorf("saved = %d, want 3", saved)
	}

	var rowCount, total int
	if err := db.QueryRow(`SELECT COUNT(*) FROM chat_messages WHERE session_id=$1`, res.SessionID).Scan(&rowCount); err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if rowCount != 3 {
		t.Errorf("chat_messages rows = %d, want 3", rowCount)
	}
	if err := db.QueryRow(`SELECT total_messages FROM sessions WHERE id=$1`, res.SessionID).Scan(&total); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	if total != 3 {
		t.Errorf("total_messages = %d, want 3", total)
	}

	// Classification normalizes on write: bucketed sentiment, normalized
	// engagement, language default.
	var sentiment, engagement, lang string
	if err := db.QueryRow(`SELECT sentiment, engagement_level, language FROM chat_messages WHERE session_id=$1 AND username='b'`,
		res.SessionID).Scan(&sentiment, &engagement, &lang); err != nil {
		t.Fatalf("failed to read message row: %v", err)
	}
	if sentiment != "negative" {
		t.Errorf("sentiment = %q, want negative", sentiment)
	}
	if engagement != "medium" {
		t.Errorf("engagement = %q, want medium (legacy normal)", engagement)
	}
	if lang != "en" {
		t.Errorf("language = %q, want en default", lang)
	}
}

func TestIngestConcurrentBatches(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := session.NewService(db)
	ctx := context.Background()

	res, err := svc.Open(ctx, "streamer@example.com", testChannel())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	const workers = 5
	const perBatch = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Ingest(ctx, res.SessionID, batch(perBatch)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Ingest() error = %v", err)
	}

	var total int
	if err := db.QueryRow(`SELECT total_messages FROM sessions WHERE id=$1`, res.SessionID).Scan(&total); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	if total != workers*perBatch {
		t.Errorf("total_messages = %d, want %d (increments must not be lost)", total, workers*perBatch)
	}
}

func TestIngestValidation(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := session.NewService(db)
	ctx := context.Background()

	res, err := svc.Open(ctx, "streamer@example.com", testChannel())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if _, err := svc.Ingest(ctx, res.SessionID, nil); session.KindOf(err) != session.KindBadRequest {
		t.Errorf("empty batch kind = %v, want bad_request", session.KindOf(err))
	}
	bad := []session.IncomingMessage{{Username: "", Message: "hi", Timestamp: time.Now()}}
	if _, err := svc.Ingest(ctx, res.SessionID, bad); session.KindOf(err) != session.KindBadRequest {
		t.Errorf("missing username kind = %v, want bad_request", session.KindOf(err))
	}
	if _, err := svc.Ingest(ctx, uuid.New().String(), batch(1)); session.KindOf(err) != session.KindNotFound {
		t.Errorf("unknown session kind = %v, want not_found", session.KindOf(err))
	}

	// A rejected batch must leave no partial rows behind.
	var rows int
	if err := db.QueryRow(`SELECT COUNT(*) FROM chat_messages WHERE session_id=$1`, res.SessionID).Scan(&rows); err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if rows != 0 {
		t.Errorf("rejected batches left %d rows", rows)
	}
}

func intPtr(v int) *int { return &v }

func TestUpdateStatsPartial(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := session.NewService(db)
	ctx := context.Background()

	res, err := svc.Open(ctx, "streamer@example.com", testChannel())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	updated, err := svc.UpdateStats(ctx, res.SessionID, session.StatsUpdate{
		PeakViewerCount: intPtr(150),
		UniqueChatters:  intPtr(42),
	})
	if err != nil {
		t.Fatalf("UpdateStats() error = %v", err)
	}
	if len(updated) != 2 {
		t.Errorf("updated %d fields, want 2 (%v)", len(updated), updated)
	}

	// A later sparse update must leave the untouched fields alone.
	if _, err := svc.UpdateStats(ctx, res.SessionID, session.StatsUpdate{AvgViewerCount: intPtr(88)}); err != nil {
		t.Fatalf("second UpdateStats() error = %v", err)
	}

	s, err := svc.Get(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if s.PeakViewerCount == nil || *s.PeakViewerCount != 150 {
		t.Errorf("peak_viewer_count = %v, want 150", s.PeakViewerCount)
	}
	if s.AvgViewerCount == nil || *s.AvgViewerCount != 88 {
		t.Errorf("avg_viewer_count = %v, want 88", s.AvgViewerCount)
	}
	if s.UniqueChatters == nil || *s.UniqueChatters != 42 {
		t.Errorf("unique_chatters = %v, want 42", s.UniqueChatters)
	}
}

func TestUpdateStatsLastWriterWins(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := session.NewService(db)
	ctx := context.Background()

	res, err := svc.Open(ctx, "streamer@example.com", testChannel())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if _, err := svc.UpdateStats(ctx, res.SessionID, session.StatsUpdate{PeakViewerCount: intPtr(500)}); err != nil {
		t.Fatalf("UpdateStats() error = %v", err)
	}
	// Lower value from a later writer replaces the higher one; no max merge.
	if _, err := svc.UpdateStats(ctx, res.SessionID, session.StatsUpdate{PeakViewerCount: intPtr(100)}); err != nil {
		t.Fatalf("second UpdateStats() error = %v", err)
	}

	s, err := svc.Get(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if s.PeakViewerCount == nil || *s.PeakViewerCount != 100 {
		t.Errorf("peak_viewer_count = %v, want 100 (last writer wins)", s.PeakViewerCount)
	}
}

func TestUpdateStatsValidation(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := session.NewService(db)
	ctx := context.Background()

	res, err := svc.Open(ctx, "streamer@example.com", testChannel())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	_, err = svc.UpdateStats(ctx, res.SessionID, session.StatsUpdate{})
	if session.KindOf(err) != session.KindBadRequest {
		t.Errorf("empty update kind = %v, want bad_request", session.KindOf(err))
	}
	if got := session.Message(err); got != "no valid stats provided" {
		t.Errorf("empty update message = %q, want %q", got, "no valid stats provided")
	}

	_, err = svc.UpdateStats(ctx, uuid.New().String(), session.StatsUpdate{PeakViewerCount: intPtr(1)})
	if session.KindOf(err) != session.KindNotFound {
		t.Errorf("unknown session kind = %v, want not_found", session.KindOf(err))
	}
}
