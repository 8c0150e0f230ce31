package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/casi-app/backend/config"
	"github.com/casi-app/backend/session"
)

// Recorder captures live chat for one session: each line is classified and
// buffered, and buffers are flushed to the Ingestor on size or interval.
type Recorder struct {
	Svc       *session.Service
	Cfg       *config.Config
	SessionID string

	mu       sync.Mutex
	pending  []session.IncomingMessage
	chatters map[string]bool
}

// NewRecorder builds a Recorder for a session.
func NewRecorder(svc *session.Service, cfg *config.Config, sessionID string) *Recorder {
	return &Recorder{
		Svc:       svc,
		Cfg:       cfg,
		SessionID: sessionID,
		chatters:  make(map[string]bool),
	}
}

// UniqueChatters returns the number of distinct usernames seen so far.
func (rec *Recorder) UniqueChatters() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.chatters)
}

func (rec *Recorder) enqueue(m session.IncomingMessage) (flushNow []session.IncomingMessage) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.chatters[m.Username] = true
	rec.pending = append(rec.pending, m)
	if len(rec.pending) >= rec.Cfg.CaptureBatchSize {
		flushNow = rec.pending
		rec.pending = nil
	}
	return flushNow
}

func (rec *Recorder) drain() []session.IncomingMessage {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	batch := rec.pending
	rec.pending = nil
	return batch
}

func (rec *Recorder) flush(ctx context.Context, batch []session.IncomingMessage) {
	if len(batch) == 0 {
		return
	}
	if _, err := rec.Svc.Ingest(ctx, rec.SessionID, batch); err != nil {
		slog.Error("chat capture: batch ingest failed", slog.Any("err", err), slog.Int("batch_size", len(batch)), slog.String("session_id", rec.SessionID), slog.String("component", "chat_capture"))
	}
}

// Run connects to IRC and records chat until ctx is cancelled. Remaining
// buffered messages are flushed on the way out.
func (rec *Recorder) Run(ctx context.Context) {
	client := twitch.NewClient(rec.Cfg.TwitchBotUsername, rec.Cfg.TwitchOAuthToken)

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		text := msg.Message
		m := session.IncomingMessage{
			Username:        msg.User.Name,
			Message:         text,
			Timestamp:       time.Now().UTC(),
			Sentiment:       SentimentScore(text),
			IsQuestion:      IsQuestion(text),
			Language:        DetectLanguage(text),
			EngagementLevel: EngagementFor(text),
		}
		if batch := rec.enqueue(m); batch != nil {
			rec.flush(ctx, batch)
		}
	})

	// Interval flusher so a quiet chat still lands in the store promptly.
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		ticker := time.NewTicker(rec.Cfg.CaptureFlushEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rec.flush(ctx, rec.drain())
			case <-ctx.Done():
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		client.Disconnect()
		close(done)
	}()

	client.Join(rec.Cfg.TwitchChannel)
	if err := client.Connect(); err != nil {
		slog.Error("twitch chat connect error", slog.Any("err", err), slog.String("component", "chat_capture"))
	}
	<-done
	<-flushDone

	// Final flush runs against a fresh context; the session may still accept
	// messages for a short time after disconnect.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	rec.flush(flushCtx, rec.drain())
}
