package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/framesync/internal/capture"
	"github.com/satindergrewal/framesync/internal/config"
	"github.com/satindergrewal/framesync/internal/frame"
	"github.com/satindergrewal/framesync/internal/playback"
	"github.com/satindergrewal/framesync/internal/stream"
)

func main() {
	cfg := config.Load()
	logrus.SetLevel(cfg.LogLevel)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logrus.WithFields(logrus.Fields{
		"function": "main",
		"width":    cfg.Width,
		"height":   cfg.Height,
		"fps":      cfg.FPS,
		"workers":  cfg.CaptureWorkers,
	}).Info("framesync starting up")

	// Capture: synthetic source -> batched conversion pipeline
	pipeline, err := capture.New(capture.Config{
		Workers:      cfg.CaptureWorkers,
		MaxBytes:     cfg.CacheMaxBytes,
		SourceFormat: frame.FormatUYVY,
		TargetFormat: frame.FormatARGB,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Capture pipeline unavailable")
	}
	defer pipeline.Close()

	source := capture.NewGenerator(capture.GeneratorConfig{
		Width:  cfg.Width,
		Height: cfg.Height,
		FPS:    cfg.FPS,
		ToneHz: cfg.ToneHz,
	})
	go source.Run(ctx, pipeline.FrameArrived)

	reader := capture.NewReader(pipeline, capture.ReaderConfig{
		FPS:      cfg.FPS,
		Width:    cfg.Width &^ 1,
		Height:   cfg.Height,
		HasAudio: cfg.ToneHz > 0,
		Wait:     cfg.FrameWait,
	})
	defer reader.Close()

	// Broadcaster: fan-out played PCM to all listeners
	broadcaster := stream.NewBroadcaster()

	// Playback: audio and video threads paced by the scheduler
	var drawn atomic.Int64
	display := playback.RendererFunc(func(f *frame.Frame) error {
		drawn.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "display",
			"index":    f.Index,
		}).Trace("Frame presented")
		return nil
	})
	audioThread := playback.NewAudioThread(broadcaster)
	videoThread := playback.NewVideoThread(display)
	player := playback.NewPlayer(audioThread, videoThread, playback.Config{StopTimeout: cfg.StopTimeout})
	player.SetReader(reader)
	if !player.Start() {
		logrus.WithField("function", "main").Fatal("Playback failed to start")
	}
	defer player.Stop(cfg.StopTimeout)

	info := reader.Info()
	webrtcHandler := stream.NewWebRTCHandler(broadcaster, info.SampleRate, info.Channels, cfg.OpusBitrate)
	defer webrtcHandler.Close()

	// HTTP routes
	mux := http.NewServeMux()

	// Audio streams
	mux.Handle("/stream", stream.NewHTTPHandler(broadcaster, info.SampleRate, info.Channels))
	mux.Handle("/offer", webrtcHandler)

	// API endpoints
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"playback":         player.Status(),
			"capture":          pipeline.Stats(),
			"current_frame":    pipeline.CurrentFrameNumber(),
			"frames_drawn":     drawn.Load(),
			"audio_published":  audioThread.Published(),
			"audio_silent":     audioThread.Silent(),
			"audio_dropped":    broadcaster.Dropped(),
			"http_listeners":   broadcaster.ListenerCount(),
			"webrtc_listeners": webrtcHandler.PeerCount(),
			"config": map[string]any{
				"width":        cfg.Width,
				"height":       cfg.Height,
				"fps":          cfg.FPS,
				"workers":      cfg.CaptureWorkers,
				"cache_bytes":  cfg.CacheMaxBytes,
				"stop_timeout": cfg.StopTimeout.Seconds(),
				"frame_wait":   cfg.FrameWait.Seconds(),
			},
		})
	})

	mux.HandleFunc("/api/seek", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Position int64 `json:"position"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"ok": player.Seek(req.Position), "position": player.Position()})
	})

	mux.HandleFunc("/api/speed", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Speed *int `json:"speed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Speed == nil {
			http.Error(w, "invalid speed", http.StatusBadRequest)
			return
		}
		player.SetSpeed(*req.Speed)
		writeJSON(w, map[string]any{"ok": true, "speed": player.Speed()})
	})

	mux.HandleFunc("/api/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]any{"ok": player.Start(), "state": player.State().String()})
	})

	mux.HandleFunc("/api/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]any{"ok": player.Stop(cfg.StopTimeout), "state": player.State().String()})
	})

	mux.HandleFunc("/api/signal", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Present bool `json:"present"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		source.SetSignal(req.Present)
		writeJSON(w, map[string]any{"ok": true, "present": req.Present})
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		logrus.WithField("function", "main").Info("Shutting down...")
		server.Close()
	}()

	logrus.WithFields(logrus.Fields{
		"function": "main",
		"addr":     addr,
	}).Info("framesync live")
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logrus.WithError(err).Fatal("HTTP server error")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeJSON",
			"error":    err.Error(),
		}).Debug("Failed to write JSON response")
	}
}
