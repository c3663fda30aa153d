package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"
	"gopkg.in/hraban/opus.v2"

	"github.com/satindergrewal/framesync/internal/frame"
)

const (
	// OpusFrameDuration is the packet length sent to peers.
	OpusFrameDuration = 20 * time.Millisecond
	// DefaultOpusBitrate is used when the handler is built with bitrate 0.
	DefaultOpusBitrate = 128000
)

// WebRTCHandler serves WebRTC SDP negotiation for low-latency Opus streaming
// of the played audio.
type WebRTCHandler struct {
	broadcaster *Broadcaster
	sampleRate  int
	channels    int
	bitrate     int

	mu    sync.Mutex
	peers map[string]*webrtc.PeerConnection
}

// NewWebRTCHandler creates a WebRTC stream handler. sampleRate must be one
// Opus accepts (8, 12, 16, 24 or 48 kHz).
func NewWebRTCHandler(b *Broadcaster, sampleRate, channels, bitrate int) *WebRTCHandler {
	if sampleRate <= 0 {
		sampleRate = frame.SampleRate
	}
	if channels <= 0 {
		channels = frame.Channels
	}
	if bitrate <= 0 {
		bitrate = DefaultOpusBitrate
	}
	return &WebRTCHandler{
		broadcaster: b,
		sampleRate:  sampleRate,
		channels:    channels,
		bitrate:     bitrate,
		peers:       make(map[string]*webrtc.PeerConnection),
	}
}

// PeerCount returns the number of active WebRTC peers.
func (h *WebRTCHandler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// opusFrameSamples is the interleaved sample count of one Opus packet.
func (h *WebRTCHandler) opusFrameSamples() int {
	return h.sampleRate * int(OpusFrameDuration/time.Millisecond) / 1000 * h.channels
}

func (h *WebRTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	enc, err := opus.NewEncoder(h.sampleRate, h.channels, opus.AppAudio)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "WebRTCHandler.ServeHTTP",
			"sample_rate": h.sampleRate,
			"error":       err.Error(),
		}).Error("Opus encoder unavailable")
		http.Error(w, "opus encoder unavailable", http.StatusInternalServerError)
		return
	}
	if err := enc.SetBitrate(h.bitrate); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "WebRTCHandler.ServeHTTP",
			"bitrate":  h.bitrate,
			"error":    err.Error(),
		}).Warn("Opus bitrate rejected, using encoder default")
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(w, "create peer connection failed", http.StatusInternalServerError)
		return
	}

	peerID := uuid.NewString()
	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"framesync-"+peerID,
	)
	if err != nil {
		pc.Close()
		http.Error(w, "create audio track failed", http.StatusInternalServerError)
		return
	}

	if _, err := pc.AddTrack(audioTrack); err != nil {
		pc.Close()
		http.Error(w, "add track failed", http.StatusInternalServerError)
		return
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		http.Error(w, "set remote description failed", http.StatusBadRequest)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		http.Error(w, "create answer failed", http.StatusInternalServerError)
		return
	}

	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		http.Error(w, "set local description failed", http.StatusInternalServerError)
		return
	}

	// Wait for ICE gathering to complete
	<-webrtc.GatheringCompletePromise(pc)

	h.mu.Lock()
	h.peers[peerID] = pc
	h.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{
		"function": "WebRTCHandler.ServeHTTP",
		"peer":     peerID,
	})
	log.WithField("total", h.PeerCount()).Info("WebRTC peer connected")

	listener := h.broadcaster.Subscribe()
	go h.streamToPeer(peerID, listener, enc, audioTrack)

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			h.broadcaster.Unsubscribe(listener)
			if h.removePeer(peerID) {
				pc.Close()
				log.WithField("remaining", h.PeerCount()).Info("WebRTC peer disconnected")
			}
		}
	})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(pc.LocalDescription())
}

// streamToPeer re-frames the per-video-frame PCM into 20ms Opus packets.
func (h *WebRTCHandler) streamToPeer(peerID string, listener *Listener, enc *opus.Encoder, track *webrtc.TrackLocalStaticSample) {
	defer h.broadcaster.Unsubscribe(listener)

	chunks := newRechunker(h.opusFrameSamples())
	opusBuf := make([]byte, 4000)

	for {
		select {
		case <-listener.Done():
			return
		case samples, ok := <-listener.C:
			if !ok {
				return
			}
			for _, pcm := range chunks.push(samples) {
				n, err := enc.Encode(pcm, opusBuf)
				if err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "WebRTCHandler.streamToPeer",
						"peer":     peerID,
						"error":    err.Error(),
					}).Warn("Opus encode failed")
					continue
				}
				if err := track.WriteSample(media.Sample{
					Data:     opusBuf[:n],
					Duration: OpusFrameDuration,
				}); err != nil {
					return
				}
			}
		}
	}
}

func (h *WebRTCHandler) removePeer(peerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[peerID]; !ok {
		return false
	}
	delete(h.peers, peerID)
	return true
}

// Close hangs up every peer.
func (h *WebRTCHandler) Close() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[string]*webrtc.PeerConnection)
	h.mu.Unlock()
	for _, pc := range peers {
		pc.Close()
	}
}
