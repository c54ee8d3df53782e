package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/zaf/g711"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"callflow/internal/config"
	"callflow/internal/model"
	"callflow/internal/orchestrator"
	"callflow/internal/store"
)

// Calls is the orchestrator surface the HTTP layer drives.
type Calls interface {
	HandleCallStart(ctx context.Context, call model.CallContext) error
	HandleAudioReceived(callID string, chunk []byte)
	HandlePlaybackFinished(callID string)
	HandleFlush(callID string)
	HandleCallEnd(ctx context.Context, callID string) error
	Snapshot(callID string) (orchestrator.CallSnapshot, error)
	Snapshots() []orchestrator.CallSnapshot
	GetHealthStatus() model.HealthStatus
}

// CallHistory serves records of calls that already ended.
type CallHistory interface {
	GetCall(ctx context.Context, callID string) (model.CallRecord, error)
	ListCalls(ctx context.Context, limit int) ([]model.CallRecord, error)
}

type MetricsObserver interface {
	ObserveHTTP(route, method string, status int, duration time.Duration)
}

type Dependencies struct {
	Calls          Calls
	History        CallHistory
	Media          *MediaHub
	Metrics        MetricsObserver
	MetricsHandler http.Handler
}

type server struct {
	cfg          config.Config
	logger       *slog.Logger
	calls        Calls
	history      CallHistory
	media        *MediaHub
	metrics      MetricsObserver
	metricsRoute http.Handler
}

type ctxKey string

const (
	requestIDHeader  = "X-Request-Id"
	requestIDContext = ctxKey("request_id")
	maxJSONBodyBytes = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 500
)

func NewServer(cfg config.Config, logger *slog.Logger, deps Dependencies) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Calls == nil {
		panic("httpapi: calls dependency is required")
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		calls:        deps.Calls,
		history:      deps.History,
		media:        deps.Media,
		metrics:      deps.Metrics,
		metricsRoute: deps.MetricsHandler,
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "not_found", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.authMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.metricsRoute != nil {
		r.Handle("/metrics", s.metricsRoute)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/history", s.handleHistory)
		if s.media != nil {
			r.Get("/media", s.media.ServeHTTP)
		}
		r.Route("/calls", func(r chi.Router) {
			r.Post("/", s.handleStartCall)
			r.Get("/", s.handleListCalls)
			r.Get("/{callID}", s.handleGetCall)
			r.Delete("/{callID}", s.handleEndCall)
			r.Post("/{callID}/audio", s.handleAudio)
			r.Post("/{callID}/flush", s.handleFlush)
			r.Get("/{callID}/playback", s.handlePlayback)
			r.Post("/{callID}/playback-finished", s.handlePlaybackFinished)
		})
	})

	return otelhttp.NewHandler(r, "callflow.http")
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{OK: true})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := s.calls.GetHealthStatus()
	if !status.OK {
		details := map[string]any{}
		for _, svc := range status.Services {
			if svc.State == "open" {
				details[svc.Service] = svc.State
			}
		}
		s.writeError(w, r, http.StatusServiceUnavailable, "not_ready", "upstream circuit open", details)
		return
	}
	writeJSON(w, http.StatusOK, model.ReadyResponse{OK: true, ServiceName: "callflow"})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.calls.GetHealthStatus())
}

func (s *server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	defer func() { _ = r.Body.Close() }()

	var req model.StartCallRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.handleJSONDecodeError(w, r, err)
		return
	}
	if err := ensureBodyFullyConsumed(decoder); err != nil {
		s.handleJSONDecodeError(w, r, err)
		return
	}

	call := model.CallContext{
		ID:           strings.TrimSpace(req.CallID),
		CallerNumber: strings.TrimSpace(req.CallerNumber),
		RoomID:       strings.TrimSpace(req.RoomID),
		StartedAt:    time.Now(),
		Metadata:     req.Metadata,
	}
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if err := s.calls.HandleCallStart(r.Context(), call); err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	snap, err := s.calls.Snapshot(call.ID)
	if err != nil {
		// The call ended between start and snapshot.
		writeJSON(w, http.StatusCreated, model.CallResponse{CallID: call.ID, State: "ended", StartedAt: formatTime(call.StartedAt)})
		return
	}
	writeJSON(w, http.StatusCreated, toCallResponse(snap))
}

func (s *server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	snaps := s.calls.Snapshots()
	out := model.CallListResponse{Calls: make([]model.CallResponse, 0, len(snaps))}
	for _, snap := range snaps {
		out.Calls = append(out.Calls, toCallResponse(snap))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if snap, err := s.calls.Snapshot(callID); err == nil {
		writeJSON(w, http.StatusOK, toCallResponse(snap))
		return
	}
	if s.history != nil {
		rec, err := s.history.GetCall(r.Context(), callID)
		if err == nil {
			writeJSON(w, http.StatusOK, recordToCallResponse(rec))
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			s.writeError(w, r, http.StatusInternalServerError, "internal_error", "call history lookup failed", detailsForError(err))
			return
		}
	}
	s.writeError(w, r, http.StatusNotFound, "call_not_found", "call not found", nil)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, model.CallListResponse{Calls: []model.CallResponse{}})
		return
	}
	limit := defaultListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a positive integer", nil)
			return
		}
		limit = min(n, maxListLimit)
	}
	recs, err := s.history.ListCalls(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", "call history lookup failed", detailsForError(err))
		return
	}
	out := model.CallListResponse{Calls: make([]model.CallResponse, 0, len(recs))}
	for _, rec := range recs {
		out.Calls = append(out.Calls, recordToCallResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if err := s.calls.HandleCallEnd(r.Context(), callID); err != nil {
		s.logger.Warn("call_end_incomplete", "call_id", callID, "error", err)
	}
	if s.media != nil {
		_ = s.media.Hangup(r.Context(), callID, orchestrator.EndReasonCaller)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAudio(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if _, err := s.calls.Snapshot(callID); err != nil {
		s.writeError(w, r, http.StatusNotFound, "call_not_found", "call not found", nil)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	defer func() { _ = r.Body.Close() }()
	chunk, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", fmt.Sprintf("request exceeds %d bytes", s.cfg.MaxUploadBytes), nil)
			return
		}
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "could not read audio body", nil)
		return
	}
	if len(chunk) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "audio body is empty", nil)
		return
	}
	if strings.EqualFold(r.Header.Get("Content-Type"), encodingMulaw) {
		chunk = g711.DecodeUlaw(chunk)
	}
	s.calls.HandleAudioReceived(callID, chunk)
	if flush, _ := strconv.ParseBool(r.URL.Query().Get("flush")); flush {
		s.calls.HandleFlush(callID)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleFlush(w http.ResponseWriter, r *http.Request) {
	s.calls.HandleFlush(chi.URLParam(r, "callID"))
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handlePlayback(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	audio, ok := s.media.TakeOutbox(chi.URLParam(r, "callID"))
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "audio/pcm")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

func (s *server) handlePlaybackFinished(w http.ResponseWriter, r *http.Request) {
	s.calls.HandlePlaybackFinished(chi.URLParam(r, "callID"))
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleJSONDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", "JSON body too large", nil)
		return
	}
	s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON body", nil)
}

func (s *server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "request failed"

	switch {
	case errors.Is(err, orchestrator.ErrCapacityExceeded):
		status = http.StatusServiceUnavailable
		code = "capacity_exceeded"
		message = "maximum concurrent calls reached"
	case errors.Is(err, orchestrator.ErrDuplicateCall):
		status = http.StatusConflict
		code = "duplicate_call"
		message = "call already active"
	case errors.Is(err, orchestrator.ErrInvalidCall):
		status = http.StatusBadRequest
		code = "invalid_request"
		message = "invalid call"
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		code = "timeout"
		message = "request timed out"
	case errors.Is(err, context.Canceled):
		status = 499
		code = "canceled"
		message = "request canceled"
	}

	s.writeError(w, r, status, code, message, detailsForError(err))
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	if rid := requestIDFromContext(r.Context()); rid != "" {
		w.Header().Set(requestIDHeader, rid)
	}
	writeJSON(w, status, model.ErrorResponse{
		Error:     model.APIError{Code: code, Message: message, Details: details},
		RequestID: requestIDFromContext(r.Context()),
	})
}

func (s *server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = newRequestID()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), requestIDContext, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		duration := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, status, duration)
		}

		s.logger.Info("http_request",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", duration.Milliseconds(),
		)
	})
}

func (s *server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "request_id", requestIDFromContext(r.Context()), "panic", rec)
				s.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces API_TOKEN on /v1 when one is configured. Media
// stream peers that cannot set headers may pass ?token= instead.
func (s *server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		token, hasHeader, ok := extractBearerToken(r.Header.Get("Authorization"))
		if hasHeader && !ok {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "Authorization must be Bearer <token>", nil)
			return
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.cfg.APIToken {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isPublicPath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return true
	default:
		return false
	}
}

func toCallResponse(snap orchestrator.CallSnapshot) model.CallResponse {
	return model.CallResponse{
		CallID:        snap.Call.ID,
		CallerNumber:  snap.Call.CallerNumber,
		RoomID:        snap.Call.RoomID,
		State:         string(snap.State),
		StateAgeMS:    snap.StateAge.Milliseconds(),
		StartedAt:     formatTime(snap.Call.StartedAt),
		MessageCount:  snap.MessageCount,
		BufferedBytes: snap.BufferedBytes,
		Metrics:       toMetricsResponse(snap.Metrics),
	}
}

func recordToCallResponse(rec model.CallRecord) model.CallResponse {
	return model.CallResponse{
		CallID:       rec.Call.ID,
		CallerNumber: rec.Call.CallerNumber,
		RoomID:       rec.Call.RoomID,
		State:        "ended",
		StartedAt:    formatTime(rec.Call.StartedAt),
		EndedAt:      formatTime(rec.EndedAt),
		EndReason:    rec.EndReason,
		MessageCount: len(rec.Messages),
		Metrics:      toMetricsResponse(rec.Metrics),
	}
}

func toMetricsResponse(m model.ConversationMetrics) model.CallMetricsResponse {
	out := model.CallMetricsResponse{
		Turns:                  m.Turns,
		TranscriptionLatencyMS: m.TranscriptionLatency.Milliseconds(),
		ReasoningLatencyMS:     m.ReasoningLatency.Milliseconds(),
		SynthesisLatencyMS:     m.SynthesisLatency.Milliseconds(),
		TotalTokens:            m.Tokens.TotalTokens,
		CostUSD:                m.CostUSD,
		ReasoningFallbacks:     m.ReasoningFallbacks,
		SynthesisDegradedTurns: m.SynthesisDegraded,
		TranscriptionFailures:  m.TranscriptionFailures,
	}
	if m.Turns > 0 {
		out.AverageTurnLatencyMS = (m.TotalDuration / time.Duration(m.Turns)).Milliseconds()
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func ensureBodyFullyConsumed(decoder *json.Decoder) error {
	var extra any
	if err := decoder.Decode(&extra); err != io.EOF {
		if err == nil {
			return fmt.Errorf("multiple JSON values")
		}
		return err
	}
	return nil
}

func requestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDContext).(string)
	return value
}

func extractBearerToken(header string) (token string, hasHeader bool, ok bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false, true
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", true, false
	}
	token = strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", true, false
	}
	return token, true, true
}

func newRequestID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func detailsForError(err error) map[string]any {
	if err == nil {
		return nil
	}
	return map[string]any{"error": err.Error()}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
