package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/framesync/internal/capture"
)

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	// Server
	Port     int
	LogLevel logrus.Level

	// Capture
	CaptureWorkers int
	CacheMaxBytes  int64
	Width          int
	Height         int
	FPS            float64
	ToneHz         float64 // synthetic source tone, 0 = silent

	// Playback
	StopTimeout time.Duration // bound on stopping the worker threads
	FrameWait   time.Duration // longest a reader waits for a frame to be captured

	// Streaming
	OpusBitrate int
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	return Config{
		Port:     envInt("FRAMESYNC_PORT", 8080),
		LogLevel: envLevel("FRAMESYNC_LOG_LEVEL", logrus.InfoLevel),

		CaptureWorkers: envInt("FRAMESYNC_CAPTURE_WORKERS", runtime.NumCPU()),
		CacheMaxBytes:  envInt64("FRAMESYNC_CACHE_MAX_BYTES", capture.DefaultCacheBytes),
		Width:          envInt("FRAMESYNC_WIDTH", 1920),
		Height:         envInt("FRAMESYNC_HEIGHT", 1080),
		FPS:            envFloat("FRAMESYNC_FPS", 24),
		ToneHz:         envFloat("FRAMESYNC_TONE_HZ", 440),

		StopTimeout: envDuration("FRAMESYNC_STOP_TIMEOUT", 500*time.Millisecond),
		FrameWait:   envDuration("FRAMESYNC_FRAME_WAIT", 2*time.Second),

		OpusBitrate: envInt("FRAMESYNC_OPUS_BITRATE", 128000),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envDuration accepts Go duration strings ("750ms") or bare milliseconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func envLevel(key string, fallback logrus.Level) logrus.Level {
	if lvl, err := logrus.ParseLevel(envStr(key, "")); err == nil {
		return lvl
	}
	return fallback
}
