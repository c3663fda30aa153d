package stream

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/framesync/internal/frame"
)

// HTTPHandler serves the played audio as a chunked PCM stream: a WAV header
// followed by raw samples, or bare s16le with ?format=raw.
type HTTPHandler struct {
	broadcaster *Broadcaster
	sampleRate  int
	channels    int
}

// NewHTTPHandler creates an HTTP stream handler.
func NewHTTPHandler(b *Broadcaster, sampleRate, channels int) *HTTPHandler {
	if sampleRate <= 0 {
		sampleRate = frame.SampleRate
	}
	if channels <= 0 {
		channels = frame.Channels
	}
	return &HTTPHandler{broadcaster: b, sampleRate: sampleRate, channels: channels}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	raw := r.URL.Query().Get("format") == "raw"
	if raw {
		w.Header().Set("Content-Type", "audio/L16")
	} else {
		w.Header().Set("Content-Type", "audio/wav")
	}
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	if !raw {
		if _, err := w.Write(WAVHeader(h.sampleRate, h.channels)); err != nil {
			return
		}
	}
	flusher.Flush()

	listener := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(listener)

	logrus.WithFields(logrus.Fields{
		"function":  "HTTPHandler.ServeHTTP",
		"remote":    r.RemoteAddr,
		"listeners": h.broadcaster.ListenerCount(),
	}).Info("HTTP listener connected")
	defer logrus.WithFields(logrus.Fields{
		"function": "HTTPHandler.ServeHTTP",
		"remote":   r.RemoteAddr,
	}).Info("HTTP listener disconnected")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-listener.Done():
			return
		case samples, ok := <-listener.C:
			if !ok {
				return
			}
			if _, err := w.Write(SamplesToBytes(samples)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
