// Package session implements the session lifecycle and chat-message ingestion
// pipeline: tracking a streamer's broadcast as a bounded recording interval,
// persisting batches of classified chat messages idempotently, and merging
// periodic aggregate stat snapshots into the session row.
package session

import (
	"strings"
	"time"
)

// ReuseWindow is the maximum age of an existing open session that permits
// returning it from Open instead of creating a new one. It bounds reuse so a
// forgotten-open session does not get reused indefinitely, while brief
// reconnects or page refreshes do not fragment one broadcast into several
// sessions.
const ReuseWindow = 12 * time.Hour

// Sentiment is the categorical sentiment classification stored per message.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// EngagementLevel is the closed set of engagement descriptors stored per message.
type EngagementLevel string

const (
	EngagementHigh   EngagementLevel = "high"
	EngagementMedium EngagementLevel = "medium"
	EngagementLow    EngagementLevel = "low"
)

// Session is one continuous recording interval for a channel.
type Session struct {
	ID              string     `json:"id"`
	ChannelName     string     `json:"channel_name"`
	StreamerEmail   string     `json:"streamer_email"`
	SessionStart    time.Time  `json:"session_start"`
	SessionEnd      *time.Time `json:"session_end,omitempty"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
	TotalMessages   int        `json:"total_messages"`
	PeakViewerCount *int       `json:"peak_viewer_count,omitempty"`
	AvgViewerCount  *int       `json:"avg_viewer_count,omitempty"`
	UniqueChatters  *int       `json:"unique_chatters,omitempty"`
}

// IncomingMessage is one pre-classified chat line submitted to Ingest.
// Sentiment arrives as a numeric score and is bucketed before storage;
// EngagementLevel arrives as a free-form descriptor and is normalized onto
// the closed set.
type IncomingMessage struct {
	Username        string    `json:"username"`
	Message         string    `json:"message"`
	Timestamp       time.Time `json:"timestamp"`
	Sentiment       float64   `json:"sentiment"`
	IsQuestion      bool      `json:"isQuestion"`
	Language        string    `json:"language"`
	EngagementLevel string    `json:"engagementLevel"`
}

// StatsUpdate is a sparse aggregate snapshot for UpdateStats. Nil fields are
// not written. Last-writer-wins per field; the caller is responsible for only
// sending a new peak when it actually increased.
type StatsUpdate struct {
	PeakViewerCount *int `json:"peak_viewer_count,omitempty"`
	AvgViewerCount  *int `json:"avg_viewer_count,omitempty"`
	TotalMessages   *int `json:"total_messages,omitempty"`
	UniqueChatters  *int `json:"unique_chatters,omitempty"`
}

// BucketSentiment maps a numeric sentiment score onto the categorical set:
// positive for scores above zero, negative below zero, neutral otherwise.
// Downstream reporting relies on these exact defaults.
func BucketSentiment(score float64) Sentiment {
	switch {
	case score > 0:
		return SentimentPositive
	case score < 0:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// NormalizeEngagement maps a free-form engagement descriptor onto
// {high, medium, low}. Any unrecognized value, including the legacy "normal"
// label, becomes medium; downstream reporting assumes the default is never
// absent.
func NormalizeEngagement(level string) EngagementLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "high":
		return EngagementHigh
	case "low":
		return EngagementLow
	default:
		return EngagementMedium
	}
}

// NormalizeChannel lowercases a channel name so lookups are case-insensitive
// regardless of the casing used at open time.
func NormalizeChannel(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DurationMinutes computes the persisted duration for a closed session:
// round((end-start)/60s), with 1.5 minutes rounding up to 2.
func DurationMinutes(start, end time.Time) int {
	return int(end.Sub(start).Round(time.Minute) / time.Minute)
}
