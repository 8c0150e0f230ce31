package chat

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/casi-app/backend/config"
	"github.com/casi-app/backend/session"
	"github.com/casi-app/backend/twitchapi"
)

// StartAutoCapture polls Twitch stream status and drives the session
// lifecycle around it: when the configured channel goes live a session is
// opened (or reused) and a chat recorder starts; while live, viewer-count
// snapshots are pushed through the Stats Reconciler; when the stream ends the
// recorder stops and the session is closed.
//
// Env knobs:
//
//	CAPTURE_POLL_INTERVAL (default 30s)
//	STATS_FLUSH_INTERVAL (default 1m)
//	TWITCH_BOT_USERNAME, TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET required
func StartAutoCapture(ctx context.Context, svc *session.Service, cfg *config.Config) {
	channel := cfg.TwitchChannel
	if channel == "" {
		slog.Info("auto capture: TWITCH_CHANNEL empty; abort")
		return
	}
	if cfg.TwitchBotUsername == "" {
		slog.Info("auto capture: TWITCH_BOT_USERNAME empty; abort")
		return
	}
	if cfg.TwitchClientID == "" || cfg.TwitchClientSecret == "" {
		slog.Info("auto capture: missing client id/secret; abort")
		return
	}
	streamerEmail := os.Getenv("STREAMER_EMAIL")
	if streamerEmail == "" {
		streamerEmail = channel + "@capture.local"
	}

	ts := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	helix := &twitchapi.HelixClient{
		AppTokenSource: ts,
		ClientID:       cfg.TwitchClientID,
	}

	var (
		running     bool
		sessionID   string
		recorder    *Recorder
		recCancel   context.CancelFunc
		peakViewers int
		viewerSum   int
		viewerPolls int
	)

	statsTicker := time.NewTicker(cfg.StatsFlushEvery)
	defer statsTicker.Stop()
	ticker := time.NewTicker(cfg.CapturePollInterval)
	defer ticker.Stop()
	slog.Info("auto capture: started poller", slog.Duration("interval", cfg.CapturePollInterval), slog.String("channel", channel))

	pushStats := func(pctx context.Context) {
		if !running || recorder == nil {
			return
		}
		avg := 0
		if viewerPolls > 0 {
			avg = viewerSum / viewerPolls
		}
		chatters := recorder.UniqueChatters()
		update := session.StatsUpdate{
			PeakViewerCount: &peakViewers,
			AvgViewerCount:  &avg,
			UniqueChatters:  &chatters,
		}
		if _, err := svc.UpdateStats(pctx, sessionID, update); err != nil {
			slog.Warn("auto capture: stats push failed", slog.Any("err", err), slog.String("session_id", sessionID))
		}
	}

	stop := func() {
		if recCancel != nil {
			recCancel()
		}
		// Final stats and close must land even when we are shutting down.
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		pushStats(closeCtx)
		if minutes, err := svc.Close(closeCtx, sessionID); err != nil {
			slog.Error("auto capture: session close failed", slog.Any("err", err), slog.String("session_id", sessionID))
		} else {
			slog.Info("auto capture: session closed", slog.String("session_id", sessionID), slog.Int("duration_minutes", minutes))
		}
		running = false
		recorder = nil
		peakViewers, viewerSum, viewerPolls = 0, 0, 0
	}

	for {
		if ctx.Err() != nil {
			if running {
				stop()
			}
			return
		}
		streams, err := helix.GetStreams(ctx, channel)
		switch {
		case err != nil:
			slog.Debug("auto capture: streams req", slog.Any("err", err))
		case len(streams) == 0:
			if running {
				slog.Info("auto capture: stream ended", slog.String("session_id", sessionID))
				stop()
			}
		default:
			viewers := streams[0].ViewerCount
			if viewers > peakViewers {
				peakViewers = viewers
			}
			viewerSum += viewers
			viewerPolls++
			if !running {
				res, err := svc.Open(ctx, streamerEmail, channel)
				if err != nil {
					slog.Error("auto capture: session open failed", slog.Any("err", err))
					break
				}
				sessionID = res.SessionID
				running = true
				slog.Info("auto capture: stream live; starting recorder",
					slog.String("session_id", sessionID),
					slog.Bool("reused", res.Reused),
					slog.String("channel", channel))
				recorder = NewRecorder(svc, cfg, sessionID)
				recCtx, cancel := context.WithCancel(ctx)
				recCancel = cancel
				go func(rec *Recorder) {
					rec.Run(recCtx)
					slog.Info("auto capture: recorder goroutine exited", slog.String("session_id", rec.SessionID))
				}(recorder)
			}
		}

		select {
		case <-ctx.Done():
			if running {
				stop()
			}
			return
		case <-statsTicker.C:
			pushStats(ctx)
		case <-ticker.C:
		}
	}
}
