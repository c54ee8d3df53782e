package model

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
}

type HealthResponse struct {
	OK bool `json:"ok"`
}

type ReadyResponse struct {
	OK          bool   `json:"ok"`
	ServiceName string `json:"service_name,omitempty"`
}

type StartCallRequest struct {
	CallID       string            `json:"call_id,omitempty"`
	CallerNumber string            `json:"caller_number"`
	RoomID       string            `json:"room_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type CallMetricsResponse struct {
	Turns                  int     `json:"turns"`
	TranscriptionLatencyMS int64   `json:"transcription_latency_ms"`
	ReasoningLatencyMS     int64   `json:"reasoning_latency_ms"`
	SynthesisLatencyMS     int64   `json:"synthesis_latency_ms"`
	AverageTurnLatencyMS   int64   `json:"average_turn_latency_ms"`
	TotalTokens            int     `json:"total_tokens"`
	CostUSD                float64 `json:"cost_usd"`
	ReasoningFallbacks     int     `json:"reasoning_fallbacks"`
	SynthesisDegradedTurns int     `json:"synthesis_degraded_turns"`
	TranscriptionFailures  int     `json:"transcription_failures"`
}

type CallResponse struct {
	CallID        string              `json:"call_id"`
	CallerNumber  string              `json:"caller_number,omitempty"`
	RoomID        string              `json:"room_id,omitempty"`
	State         string              `json:"state"`
	StateAgeMS    int64               `json:"state_age_ms"`
	StartedAt     string              `json:"started_at"`
	EndedAt       string              `json:"ended_at,omitempty"`
	EndReason     string              `json:"end_reason,omitempty"`
	MessageCount  int                 `json:"message_count"`
	BufferedBytes int                 `json:"buffered_bytes"`
	Metrics       CallMetricsResponse `json:"metrics"`
}

type CallListResponse struct {
	Calls []CallResponse `json:"calls"`
}

type ServiceHealth struct {
	Service             string  `json:"service"`
	State               string  `json:"state"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	SuccessRatio        float64 `json:"success_ratio"`
	AvgLatencyMS        int64   `json:"avg_latency_ms"`
	LastFailure         string  `json:"last_failure,omitempty"`
}

type HealthStatus struct {
	OK                   bool            `json:"ok"`
	ActiveCalls          int             `json:"active_calls"`
	MaxCalls             int             `json:"max_calls"`
	AverageTurnLatencyMS int64           `json:"average_turn_latency_ms"`
	Services             []ServiceHealth `json:"services"`
}
