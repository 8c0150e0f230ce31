package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// handleChatJSON returns chat messages for a session within an optional time range.
func (h *Handlers) handleChatJSON(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Params: from, to (RFC3339), limit (default 1000)
	from := parseTimeQuery(r, "from", time.Time{})
	to := parseTimeQuery(r, "to", time.Time{})
	limit := parseIntQuery(r, "limit", 1000)
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	const cols = `SELECT username, message, timestamp, sentiment, is_question, language, engagement_level FROM chat_messages`
	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case !from.IsZero() && !to.IsZero():
		rows, err = h.db.QueryContext(r.Context(), cols+` WHERE session_id=$1 AND timestamp>=$2 AND timestamp<=$3 ORDER BY timestamp ASC LIMIT $4`, sessionID, from, to, limit)
	case !from.IsZero():
		rows, err = h.db.QueryContext(r.Context(), cols+` WHERE session_id=$1 AND timestamp>=$2 ORDER BY timestamp ASC LIMIT $3`, sessionID, from, limit)
	case !to.IsZero():
		rows, err = h.db.QueryContext(r.Context(), cols+` WHERE session_id=$1 AND timestamp<=$2 ORDER BY timestamp ASC LIMIT $3`, sessionID, to, limit)
	default:
		rows, err = h.db.QueryContext(r.Context(), cols+` WHERE session_id=$1 ORDER BY timestamp ASC LIMIT $2`, sessionID, limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	type msg struct {
		Timestamp  time.Time `json:"timestamp"`
		User       string    `json:"username"`
		Text       string    `json:"message"`
		Sentiment  string    `json:"sentiment"`
		Language   string    `json:"language"`
		Engagement string    `json:"engagement_level"`
		IsQuestion bool      `json:"is_question"`
	}
	out := make([]msg, 0)
	for rows.Next() {
		var m msg
		if err := rows.Scan(&m.User, &m.Text, &m.Timestamp, &m.Sentiment, &m.IsQuestion, &m.Language, &m.Engagement); err != nil {
			writeError(w, err)
			return
		}
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleChatSSE replays a session's messages using Server-Sent Events at a
// given playback speed, preserving inter-message gaps.
func (h *Handlers) handleChatSSE(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	speed := parseFloat64Query(r, "speed", 1.0)
	if speed <= 0 {
		speed = 1.0
	}
	ctx := r.Context()
	rows, err := h.db.QueryContext(ctx, `SELECT username, message, timestamp, sentiment, is_question, language, engagement_level FROM chat_messages WHERE session_id=$1 ORDER BY timestamp ASC`, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var prev time.Time
	enc := json.NewEncoder(w)
	for rows.Next() {
		var (
			user, text, sentiment, language, engagement string
			isQuestion                                  bool
			ts                                          time.Time
		)
		if err := rows.Scan(&user, &text, &ts, &sentiment, &isQuestion, &language, &engagement); err != nil {
			return
		}
		// sleep for the delta scaled by speed
		if !prev.IsZero() && ts.After(prev) {
			delay := time.Duration(float64(ts.Sub(prev)) / speed)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			slog.Warn("failed to write SSE data prefix", slog.Any("err", err))
			return
		}
		_ = enc.Encode(map[string]any{
			"username":         user,
			"message":          text,
			"timestamp":        ts,
			"sentiment":        sentiment,
			"is_question":      isQuestion,
			"language":         language,
			"engagement_level": engagement,
		})
		if _, err := w.Write([]byte("\n")); err != nil {
			slog.Warn("failed to write SSE newline", slog.Any("err", err))
			return
		}
		flusher.Flush()
		prev = ts
	}
}
