package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/casi-app/backend/session"
	"github.com/casi-app/backend/telemetry"
)

// HandleSessionOpen creates a session for a channel, reusing the most recent
// open one when it is younger than the reuse window.
func (h *Handlers) HandleSessionOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		StreamerEmail string `json:"streamerEmail"`
		ChannelName   string `json:"channelName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json body"})
		return
	}
	res, err := h.svc.Open(r.Context(), body.StreamerEmail, body.ChannelName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// extractCloseSessionID resolves the session id from either a structured JSON
// body or a raw text body. Page-unload beacons cannot guarantee a content
// type, so a body that does not parse as JSON is treated as the bare id.
func extractCloseSessionID(body []byte) string {
	var structured struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(body, &structured); err == nil && structured.SessionID != "" {
		return structured.SessionID
	}
	return strings.TrimSpace(string(body))
}

// HandleSessionClose ends a session and persists its derived duration.
func (h *Handlers) HandleSessionClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "failed to read body"})
		return
	}
	sessionID := extractCloseSessionID(raw)
	minutes, err := h.svc.Close(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"durationMinutes": minutes,
	})
}

// HandleSessionMessages ingests a batch of classified chat messages.
func (h *Handlers) HandleSessionMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		SessionID string                    `json:"sessionId"`
		Messages  []session.IncomingMessage `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		telemetry.BatchesRejected.Inc()
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json body"})
		return
	}
	saved, err := h.svc.Ingest(r.Context(), body.SessionID, body.Messages)
	if err != nil {
		telemetry.BatchesRejected.Inc()
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"saved":   saved,
	})
}

// HandleSessionStats merges a sparse aggregate snapshot into the session row.
func (h *Handlers) HandleSessionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		SessionID string              `json:"sessionId"`
		Stats     session.StatsUpdate `json:"stats"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json body"})
		return
	}
	updated, err := h.svc.UpdateStats(r.Context(), body.SessionID, body.Stats)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"updated": updated,
	})
}

// HandleSessionsList returns a paginated list of sessions, newest first.
func (h *Handlers) HandleSessionsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Basic pagination: ?limit=50&offset=0
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := parseIntQuery(r, "offset", 0)
	rows, err := h.db.QueryContext(r.Context(), `
        SELECT id,
               channel_name,
               session_start,
               session_end,
               COALESCE(duration_minutes, 0),
               COALESCE(total_messages, 0)
        FROM sessions
        ORDER BY session_start DESC
        LIMIT $1 OFFSET $2
    `, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	type sess struct {
		Start    time.Time  `json:"session_start"`
		End      *time.Time `json:"session_end,omitempty"`
		ID       string     `json:"id"`
		Channel  string     `json:"channel_name"`
		Duration int        `json:"duration_minutes"`
		Messages int        `json:"total_messages"`
	}
	list := make([]sess, 0)
	for rows.Next() {
		var s sess
		if err := rows.Scan(&s.ID, &s.Channel, &s.Start, &s.End, &s.Duration, &s.Messages); err != nil {
			writeError(w, err)
			return
		}
		list = append(list, s)
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleSessionsDispatcher routes requests under /sessions/* to appropriate sub-handlers.
// The verb endpoints (open/close/messages/stats) carry the session id in the
// body; everything else is /sessions/{id}[/...] read access.
func (h *Handlers) HandleSessionsDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(path, "/")
	head := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch {
	case head == "" || head == "/":
		http.NotFound(w, r)
	case head == "open":
		h.HandleSessionOpen(w, r)
	case head == "close":
		h.HandleSessionClose(w, r)
	case head == "messages":
		h.HandleSessionMessages(w, r)
	case head == "stats":
		h.HandleSessionStats(w, r)
	case tail == "":
		h.handleSessionDetail(w, r, head)
	case tail == "chat":
		h.handleChatJSON(w, r, head)
	case tail == "chat/stream":
		h.handleChatSSE(w, r, head)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleSessionDetail(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s, err := h.svc.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
