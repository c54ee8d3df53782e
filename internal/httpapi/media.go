package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zaf/g711"

	"callflow/internal/model"
)

const (
	encodingMulaw     = "audio/x-mulaw"
	mediaFrameBytes   = 3200
	mediaWriteTimeout = 5 * time.Second
	mediaReadLimit    = 1 << 20
)

var (
	errStreamClosed = errors.New("media stream closed")
)

// mediaFrame is the Twilio Media Streams envelope. Only the events the
// hub acts on are decoded.
type mediaFrame struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *mediaStart   `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *mediaMark    `json:"mark,omitempty"`
}

type mediaStart struct {
	StreamSID    string            `json:"streamSid"`
	CallSID      string            `json:"callSid"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type mediaMark struct {
	Name string `json:"name"`
}

// MediaHub bridges websocket media streams and the orchestrator. It is also
// the orchestrator's Publisher: audio for calls with a live stream is
// written back as media frames, audio for calls driven over the REST
// surface waits in an outbox until the client collects it.
type MediaHub struct {
	logger       *slog.Logger
	silenceFlush time.Duration
	upgrader     websocket.Upgrader

	mu      sync.RWMutex
	calls   Calls
	streams map[string]*mediaStream
	outbox  map[string][]byte
}

type MediaOption func(*MediaHub)

func WithMediaLogger(logger *slog.Logger) MediaOption {
	return func(h *MediaHub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithSilenceFlush sets how long a stream may stay quiet before buffered
// audio is handed to a turn.
func WithSilenceFlush(d time.Duration) MediaOption {
	return func(h *MediaHub) {
		if d > 0 {
			h.silenceFlush = d
		}
	}
}

func NewMediaHub(opts ...MediaOption) *MediaHub {
	h := &MediaHub{
		logger:       slog.Default(),
		silenceFlush: 700 * time.Millisecond,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		streams: make(map[string]*mediaStream),
		outbox:  make(map[string][]byte),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Bind attaches the call handler. The hub is built before the orchestrator
// because the orchestrator publishes through it.
func (h *MediaHub) Bind(calls Calls) {
	h.mu.Lock()
	h.calls = calls
	h.mu.Unlock()
}

func (h *MediaHub) handler() Calls {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.calls
}

func (h *MediaHub) PublishAudio(ctx context.Context, callID string, audio []byte) error {
	h.mu.Lock()
	stream := h.streams[callID]
	if stream == nil {
		defer h.mu.Unlock()
		if _, pending := h.outbox[callID]; pending {
			h.logger.Warn("outbox_overwritten", "call_id", callID)
		}
		h.outbox[callID] = append([]byte(nil), audio...)
		return nil
	}
	h.mu.Unlock()
	return stream.play(ctx, audio)
}

func (h *MediaHub) Hangup(_ context.Context, callID, reason string) error {
	h.mu.Lock()
	stream := h.streams[callID]
	delete(h.streams, callID)
	delete(h.outbox, callID)
	h.mu.Unlock()
	if stream == nil {
		return nil
	}
	h.logger.Info("media_stream_hangup", "call_id", callID, "reason", reason)
	return stream.close(websocket.CloseNormalClosure, reason)
}

// TakeOutbox returns and clears the audio waiting for a REST driven call.
func (h *MediaHub) TakeOutbox(callID string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	audio, ok := h.outbox[callID]
	delete(h.outbox, callID)
	return audio, ok
}

func (h *MediaHub) forget(callID string, stream *mediaStream) {
	h.mu.Lock()
	if h.streams[callID] == stream {
		delete(h.streams, callID)
	}
	delete(h.outbox, callID)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and runs the stream until the peer sends
// stop, the socket closes or the call is hung up.
func (h *MediaHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	calls := h.handler()
	if calls == nil {
		http.Error(w, "media hub is not ready", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(mediaReadLimit)

	stream := &mediaStream{conn: conn}
	defer func() { _ = stream.close(websocket.CloseNormalClosure, "") }()

	var callID string
	var flush *time.Timer
	defer func() {
		if flush != nil {
			flush.Stop()
		}
		if callID == "" {
			return
		}
		h.forget(callID, stream)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = calls.HandleCallEnd(ctx, callID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if callID != "" && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !stream.isClosed() {
				h.logger.Warn("media_stream_read_failed", "call_id", callID, "error", err)
			}
			return
		}

		var frame mediaFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Debug("media_frame_invalid", "error", err)
			continue
		}

		switch frame.Event {
		case "start":
			if callID != "" || frame.Start == nil {
				continue
			}
			call := callFromStart(frame.StreamSID, frame.Start)
			stream.streamSID = firstNonEmpty(frame.Start.StreamSID, frame.StreamSID)
			stream.mulaw = strings.EqualFold(frame.Start.MediaFormat.Encoding, encodingMulaw)
			if err := calls.HandleCallStart(r.Context(), call); err != nil {
				h.logger.Warn("media_stream_rejected", "call_id", call.ID, "error", err)
				_ = stream.close(websocket.ClosePolicyViolation, err.Error())
				return
			}
			callID = call.ID
			h.mu.Lock()
			h.streams[callID] = stream
			h.mu.Unlock()
			id := callID
			flush = time.AfterFunc(h.silenceFlush, func() { calls.HandleFlush(id) })
			flush.Stop()
			h.logger.Info("media_stream_started", "call_id", callID, "stream_sid", stream.streamSID, "mulaw", stream.mulaw)

		case "media":
			if callID == "" || frame.Media == nil || frame.Media.Payload == "" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
			if err != nil {
				continue
			}
			if stream.mulaw {
				audio = g711.DecodeUlaw(audio)
			}
			calls.HandleAudioReceived(callID, audio)
			flush.Reset(h.silenceFlush)

		case "mark":
			if callID == "" || frame.Mark == nil {
				continue
			}
			if stream.markDone(frame.Mark.Name) {
				calls.HandlePlaybackFinished(callID)
			}

		case "stop":
			return
		}
	}
}

func callFromStart(streamSID string, start *mediaStart) model.CallContext {
	params := start.CustomParams
	id := firstNonEmpty(params["call_id"], start.CallSID, start.StreamSID, streamSID)
	meta := make(map[string]string, len(params))
	for k, v := range params {
		if k == "call_id" || k == "caller_number" || k == "room_id" {
			continue
		}
		meta[k] = v
	}
	return model.CallContext{
		ID:           id,
		CallerNumber: firstNonEmpty(params["caller_number"], params["from"]),
		RoomID:       firstNonEmpty(params["room_id"], start.StreamSID, streamSID),
		StartedAt:    time.Now(),
		Metadata:     meta,
	}
}

// mediaStream serializes writes; gorilla connections allow one writer.
type mediaStream struct {
	conn      *websocket.Conn
	streamSID string
	mulaw     bool

	mu      sync.Mutex
	marks   int
	pending string
	closed  bool
}

func (s *mediaStream) play(ctx context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	deadline := time.Now().Add(mediaWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	payload := audio
	if s.mulaw {
		payload = g711.EncodeUlaw(audio)
	}
	for start := 0; start < len(payload); start += mediaFrameBytes {
		end := min(start+mediaFrameBytes, len(payload))
		frame := map[string]any{
			"event":     "media",
			"streamSid": s.streamSID,
			"media":     map[string]string{"payload": base64.StdEncoding.EncodeToString(payload[start:end])},
		}
		if err := s.writeJSON(deadline, frame); err != nil {
			return err
		}
	}

	s.marks++
	s.pending = "utterance-" + strconv.Itoa(s.marks)
	return s.writeJSON(deadline, map[string]any{
		"event":     "mark",
		"streamSid": s.streamSID,
		"mark":      map[string]string{"name": s.pending},
	})
}

// markDone reports whether name acknowledges the most recent utterance.
func (s *mediaStream) markDone(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == "" || name != s.pending {
		return false
	}
	s.pending = ""
	return true
}

func (s *mediaStream) writeJSON(deadline time.Time, v any) error {
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

func (s *mediaStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *mediaStream) close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, truncate(reason, 120)), time.Now().Add(time.Second))
	return s.conn.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
