package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	cenv "github.com/caarlos0/env/v11"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"callflow/internal/dialogue"
	"callflow/internal/orchestrator"
	"callflow/internal/reasoning"
	"callflow/internal/resilience"
)

const DefaultRepeatPrompt = "Sorry, I didn't catch that. Could you say it again?"

// Config is built once at startup and never mutated.
type Config struct {
	ListenAddr      string
	LogLevel        string
	UpstreamBaseURL string
	UpstreamAPIKey  string
	APIToken        string
	RequestTimeout  time.Duration
	MaxUploadBytes  int64

	TranscriptionModel    string
	TranscriptionLanguage string
	AudioSampleRate       int
	ReasoningModel        string
	ReasoningTemperature  float64
	ReasoningMaxTokens    int
	CostPer1KTokens       float64
	SynthesisModel        string
	SynthesisVoice        string

	MaxConcurrentCalls     int
	WorkerPoolSize         int
	MailboxSize            int
	TurnBudget             time.Duration
	TranscriptionTimeout   time.Duration
	ReasoningTimeout       time.Duration
	SynthesisTimeout       time.Duration
	AudioBufferChunks      int
	EndpointMinBytes       int
	EndpointSilence        time.Duration
	SpeechRMSThreshold     int
	SilenceFlush           time.Duration
	MaxConsecutiveFailures int
	HealthSweep            time.Duration

	RetryMaxAttempts        int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	RetryJitter             float64
	RateLimitFloor          time.Duration
	CircuitFailureThreshold int
	CircuitOpenPeriod       time.Duration

	ContextTokenBudget int
	ContextRecentTurns int
	SummarizeEnabled   bool
	SummarizeAfter     time.Duration

	StoreDriver       string
	StoreDSN          string
	RecorderQueueSize int
	TracingEnabled    bool
	PersonaFile       string
	SystemPrompt      string
	FallbackPhrase    string
	RepeatPrompt      string
	SummaryPrompt     string
}

type envConfig struct {
	ListenAddr            string `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevel              string `env:"LOG_LEVEL" envDefault:"info"`
	UpstreamBaseURL       string `env:"UPSTREAM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	UpstreamAPIKey        string `env:"UPSTREAM_API_KEY"`
	APIToken              string `env:"API_TOKEN"`
	RequestTimeoutSeconds int    `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"10"`
	MaxUploadBytes        int64  `env:"MAX_UPLOAD_BYTES" envDefault:"1048576"`

	TranscriptionModel    string  `env:"TRANSCRIPTION_MODEL" envDefault:"whisper-1"`
	TranscriptionLanguage string  `env:"TRANSCRIPTION_LANGUAGE"`
	AudioSampleRate       int     `env:"AUDIO_SAMPLE_RATE" envDefault:"16000"`
	ReasoningModel        string  `env:"REASONING_MODEL" envDefault:"gpt-4o-mini"`
	ReasoningTemperature  float64 `env:"REASONING_TEMPERATURE" envDefault:"0.4"`
	ReasoningMaxTokens    int     `env:"REASONING_MAX_TOKENS" envDefault:"200"`
	CostPer1KTokens       float64 `env:"COST_PER_1K_TOKENS" envDefault:"0"`
	SynthesisModel        string  `env:"SYNTHESIS_MODEL" envDefault:"tts-1"`
	SynthesisVoice        string  `env:"SYNTHESIS_VOICE" envDefault:"alloy"`

	MaxConcurrentCalls     int `env:"MAX_CONCURRENT_CALLS" envDefault:"50"`
	WorkerPoolSize         int `env:"WORKER_POOL_SIZE" envDefault:"16"`
	MailboxSize            int `env:"MAILBOX_SIZE" envDefault:"256"`
	TurnBudgetMS           int `env:"TURN_BUDGET_MS" envDefault:"1500"`
	TranscriptionTimeoutMS int `env:"TRANSCRIPTION_TIMEOUT_MS" envDefault:"600"`
	ReasoningTimeoutMS     int `env:"REASONING_TIMEOUT_MS" envDefault:"800"`
	SynthesisTimeoutMS     int `env:"SYNTHESIS_TIMEOUT_MS" envDefault:"600"`
	AudioBufferChunks      int `env:"AUDIO_BUFFER_CHUNKS" envDefault:"64"`
	EndpointMinBytes       int `env:"ENDPOINT_MIN_BYTES" envDefault:"16000"`
	EndpointSilenceMS      int `env:"ENDPOINT_SILENCE_MS" envDefault:"600"`
	SpeechRMSThreshold     int `env:"SPEECH_RMS_THRESHOLD" envDefault:"300"`
	SilenceFlushMS         int `env:"SILENCE_FLUSH_MS" envDefault:"700"`
	MaxConsecutiveFailures int `env:"MAX_CONSECUTIVE_FAILURES" envDefault:"3"`
	HealthSweepMS          int `env:"HEALTH_SWEEP_MS" envDefault:"5000"`

	RetryMaxAttempts        int     `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelayMS        int     `env:"RETRY_BASE_DELAY_MS" envDefault:"50"`
	RetryMaxDelayMS         int     `env:"RETRY_MAX_DELAY_MS" envDefault:"400"`
	RetryJitter             float64 `env:"RETRY_JITTER" envDefault:"0.2"`
	RateLimitFloorMS        int     `env:"RATE_LIMIT_FLOOR_MS" envDefault:"250"`
	CircuitFailureThreshold int     `env:"CIRCUIT_FAILURE_THRESHOLD" envDefault:"5"`
	CircuitOpenMS           int     `env:"CIRCUIT_OPEN_MS" envDefault:"30000"`

	ContextTokenBudget int  `env:"CONTEXT_TOKEN_BUDGET" envDefault:"4000"`
	ContextRecentTurns int  `env:"CONTEXT_RECENT_TURNS" envDefault:"4"`
	SummarizeEnabled   bool `env:"SUMMARIZE_ENABLED" envDefault:"true"`
	SummarizeAfterMS   int  `env:"SUMMARIZE_AFTER_MS" envDefault:"300000"`

	StoreDriver       string `env:"STORE_DRIVER" envDefault:"sqlite"`
	StoreDSN          string `env:"STORE_DSN" envDefault:"file:callflow.db"`
	RecorderQueueSize int    `env:"RECORDER_QUEUE_SIZE" envDefault:"128"`
	TracingEnabled    bool   `env:"TRACING_ENABLED" envDefault:"false"`
	PersonaFile       string `env:"PERSONA_FILE"`
	SystemPrompt      string `env:"SYSTEM_PROMPT"`
	FallbackPhrase    string `env:"FALLBACK_PHRASE"`
	RepeatPrompt      string `env:"REPEAT_PROMPT"`
	SummaryPrompt     string `env:"SUMMARY_PROMPT"`
}

// Persona is the optional YAML file describing what the assistant says.
type Persona struct {
	SystemPrompt   string `koanf:"system_prompt"`
	FallbackPhrase string `koanf:"fallback_phrase"`
	RepeatPrompt   string `koanf:"repeat_prompt"`
	SummaryPrompt  string `koanf:"summary_prompt"`
}

func Load() (Config, error) {
	var raw envConfig
	if err := cenv.Parse(&raw); err != nil {
		return Config{}, err
	}

	persona, err := LoadPersona(strings.TrimSpace(raw.PersonaFile))
	if err != nil {
		return Config{}, err
	}

	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	cfg := Config{
		ListenAddr:      strings.TrimSpace(raw.ListenAddr),
		LogLevel:        strings.ToLower(strings.TrimSpace(raw.LogLevel)),
		UpstreamBaseURL: strings.TrimRight(strings.TrimSpace(raw.UpstreamBaseURL), "/"),
		UpstreamAPIKey:  strings.TrimSpace(raw.UpstreamAPIKey),
		APIToken:        strings.TrimSpace(raw.APIToken),
		RequestTimeout:  time.Duration(raw.RequestTimeoutSeconds) * time.Second,
		MaxUploadBytes:  raw.MaxUploadBytes,

		TranscriptionModel:    strings.TrimSpace(raw.TranscriptionModel),
		TranscriptionLanguage: strings.TrimSpace(raw.TranscriptionLanguage),
		AudioSampleRate:       raw.AudioSampleRate,
		ReasoningModel:        strings.TrimSpace(raw.ReasoningModel),
		ReasoningTemperature:  raw.ReasoningTemperature,
		ReasoningMaxTokens:    raw.ReasoningMaxTokens,
		CostPer1KTokens:       raw.CostPer1KTokens,
		SynthesisModel:        strings.TrimSpace(raw.SynthesisModel),
		SynthesisVoice:        strings.TrimSpace(raw.SynthesisVoice),

		MaxConcurrentCalls:     raw.MaxConcurrentCalls,
		WorkerPoolSize:         raw.WorkerPoolSize,
		MailboxSize:            raw.MailboxSize,
		TurnBudget:             ms(raw.TurnBudgetMS),
		TranscriptionTimeout:   ms(raw.TranscriptionTimeoutMS),
		ReasoningTimeout:       ms(raw.ReasoningTimeoutMS),
		SynthesisTimeout:       ms(raw.SynthesisTimeoutMS),
		AudioBufferChunks:      raw.AudioBufferChunks,
		EndpointMinBytes:       raw.EndpointMinBytes,
		EndpointSilence:        ms(raw.EndpointSilenceMS),
		SpeechRMSThreshold:     raw.SpeechRMSThreshold,
		SilenceFlush:           ms(raw.SilenceFlushMS),
		MaxConsecutiveFailures: raw.MaxConsecutiveFailures,
		HealthSweep:            ms(raw.HealthSweepMS),

		RetryMaxAttempts:        raw.RetryMaxAttempts,
		RetryBaseDelay:          ms(raw.RetryBaseDelayMS),
		RetryMaxDelay:           ms(raw.RetryMaxDelayMS),
		RetryJitter:             raw.RetryJitter,
		RateLimitFloor:          ms(raw.RateLimitFloorMS),
		CircuitFailureThreshold: raw.CircuitFailureThreshold,
		CircuitOpenPeriod:       ms(raw.CircuitOpenMS),

		ContextTokenBudget: raw.ContextTokenBudget,
		ContextRecentTurns: raw.ContextRecentTurns,
		SummarizeEnabled:   raw.SummarizeEnabled,
		SummarizeAfter:     ms(raw.SummarizeAfterMS),

		StoreDriver:       strings.ToLower(strings.TrimSpace(raw.StoreDriver)),
		StoreDSN:          strings.TrimSpace(raw.StoreDSN),
		RecorderQueueSize: raw.RecorderQueueSize,
		TracingEnabled:    raw.TracingEnabled,
		PersonaFile:       strings.TrimSpace(raw.PersonaFile),

		SystemPrompt:   firstNonEmpty(raw.SystemPrompt, persona.SystemPrompt, reasoning.DefaultSystemPrompt),
		FallbackPhrase: firstNonEmpty(raw.FallbackPhrase, persona.FallbackPhrase, reasoning.DefaultFallbackPhrase),
		RepeatPrompt:   firstNonEmpty(raw.RepeatPrompt, persona.RepeatPrompt, DefaultRepeatPrompt),
		SummaryPrompt:  firstNonEmpty(raw.SummaryPrompt, persona.SummaryPrompt, dialogue.DefaultSummaryPrompt),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPersona reads the persona YAML. An empty path yields an empty persona.
func LoadPersona(path string) (Persona, error) {
	var p Persona
	if path == "" {
		return p, nil
	}
	if _, err := os.Stat(path); err != nil {
		return p, fmt.Errorf("PERSONA_FILE: %w", err)
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return p, fmt.Errorf("PERSONA_FILE: %w", err)
	}
	if err := k.Unmarshal("", &p); err != nil {
		return p, fmt.Errorf("PERSONA_FILE: %w", err)
	}
	return p, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if c.UpstreamBaseURL == "" {
		return errors.New("UPSTREAM_BASE_URL must not be empty")
	}
	if c.TranscriptionModel == "" || c.ReasoningModel == "" || c.SynthesisModel == "" {
		return errors.New("TRANSCRIPTION_MODEL, REASONING_MODEL and SYNTHESIS_MODEL must not be empty")
	}
	if c.SynthesisVoice == "" {
		return errors.New("SYNTHESIS_VOICE must not be empty")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT_SECONDS must be > 0")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.AudioSampleRate <= 0 {
		return errors.New("AUDIO_SAMPLE_RATE must be > 0")
	}
	if c.TranscriptionTimeout <= 0 || c.ReasoningTimeout <= 0 || c.SynthesisTimeout <= 0 {
		return errors.New("stage timeouts must be > 0")
	}
	if c.TranscriptionTimeout+c.ReasoningTimeout+c.SynthesisTimeout < c.TurnBudget/2 {
		return errors.New("stage timeouts are too small for TURN_BUDGET_MS")
	}
	if c.ContextTokenBudget <= 0 {
		return errors.New("CONTEXT_TOKEN_BUDGET must be > 0")
	}
	if c.ContextRecentTurns < 0 {
		return errors.New("CONTEXT_RECENT_TURNS must be >= 0")
	}
	if c.SummarizeEnabled && c.SummarizeAfter <= 0 {
		return errors.New("SUMMARIZE_AFTER_MS must be > 0 when summarization is enabled")
	}
	if c.SilenceFlush <= 0 {
		return errors.New("SILENCE_FLUSH_MS must be > 0")
	}
	if c.EndpointSilence < 0 {
		return errors.New("ENDPOINT_SILENCE_MS must be >= 0")
	}
	if c.SpeechRMSThreshold < 0 {
		return errors.New("SPEECH_RMS_THRESHOLD must be >= 0")
	}
	switch c.StoreDriver {
	case "none":
	case "sqlite", "postgres":
		if c.StoreDSN == "" {
			return errors.New("STORE_DSN must not be empty")
		}
	default:
		return fmt.Errorf("STORE_DRIVER %q is not one of sqlite, postgres, none", c.StoreDriver)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
	}
	if err := c.Resilience().Validate(); err != nil {
		return err
	}
	return c.Orchestrator().Validate()
}

func (c Config) Resilience() resilience.Config {
	return resilience.Config{
		MaxAttempts:      c.RetryMaxAttempts,
		BaseDelay:        c.RetryBaseDelay,
		MaxDelay:         c.RetryMaxDelay,
		Jitter:           c.RetryJitter,
		RateLimitFloor:   c.RateLimitFloor,
		FailureThreshold: c.CircuitFailureThreshold,
		OpenPeriod:       c.CircuitOpenPeriod,
	}
}

func (c Config) Dialogue() dialogue.Config {
	return dialogue.Config{
		TurnBudget:           c.TurnBudget,
		TranscriptionTimeout: c.TranscriptionTimeout,
		ReasoningTimeout:     c.ReasoningTimeout,
		SynthesisTimeout:     c.SynthesisTimeout,
		TokenBudget:          c.ContextTokenBudget,
		RecentTurns:          c.ContextRecentTurns,
		SummarizeEnabled:     c.SummarizeEnabled,
		SummarizeAfter:       c.SummarizeAfter,
		SystemPrompt:         c.SystemPrompt,
		FallbackPhrase:       c.FallbackPhrase,
		SummaryPrompt:        c.SummaryPrompt,
		CostPer1KTokens:      c.CostPer1KTokens,
	}
}

func (c Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		MaxConcurrentCalls:     c.MaxConcurrentCalls,
		WorkerPoolSize:         c.WorkerPoolSize,
		TurnBudget:             c.TurnBudget,
		AudioBufferChunks:      c.AudioBufferChunks,
		EndpointMinBytes:       c.EndpointMinBytes,
		SpeechRMS:              c.SpeechRMSThreshold,
		EndpointSilenceBytes:   int(c.EndpointSilence.Milliseconds()) * c.AudioSampleRate * 2 / 1000,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
		HealthSweep:            c.HealthSweep,
		RepeatPrompt:           c.RepeatPrompt,
		MailboxSize:            c.MailboxSize,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
