package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// HandleConfig handles GET and PUT requests for safe configuration keys.
// Values set here are stored in kv under a cfg: prefix and override the
// environment at read time; secrets must not be exposed here.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	safeKeys := map[string]bool{
		"LOG_LEVEL":              true,
		"LOG_FORMAT":             true,
		"SESSION_REUSE_WINDOW":   true,
		"CAPTURE_POLL_INTERVAL":  true,
		"CAPTURE_BATCH_SIZE":     true,
		"CAPTURE_FLUSH_INTERVAL": true,
		"STATS_FLUSH_INTERVAL":   true,
	}
	switch r.Method {
	case http.MethodGet:
		// Return safe keys with values from kv override if present, else env
		out := map[string]string{}
		for k := range safeKeys {
			var v string
			_ = h.db.QueryRowContext(r.Context(), `SELECT value FROM kv WHERE key=$1`, "cfg:"+k).Scan(&v)
			if v == "" {
				v = os.Getenv(k)
			}
			out[k] = v
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPut:
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json body"})
			return
		}
		for k, v := range body {
			key := strings.ToUpper(strings.TrimSpace(k))
			if !safeKeys[key] {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown config key", Details: key})
				return
			}
			_, err := h.db.ExecContext(r.Context(), `
                INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, NOW())
                ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()
            `, "cfg:"+key, v)
			if err != nil {
				writeError(w, err)
				return
			}
			slog.Info("config override stored", slog.String("key", key), slog.String("component", "config"))
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleStatus returns a coarse operational snapshot for the dashboard.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var (
		totalSessions int
		openSessions  int
		totalMessages sql.NullInt64
	)
	if err := h.db.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM sessions`).Scan(&totalSessions); err != nil {
		writeError(w, err)
		return
	}
	if err := h.db.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM sessions WHERE session_end IS NULL`).Scan(&openSessions); err != nil {
		writeError(w, err)
		return
	}
	if err := h.db.QueryRowContext(r.Context(), `SELECT SUM(total_messages) FROM sessions`).Scan(&totalMessages); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": totalSessions,
		"open_sessions":  openSessions,
		"total_messages": totalMessages.Int64,
	})
}
