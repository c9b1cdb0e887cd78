// Package config provides the configuration schema, loader, keyword file
// parser and provider registry for the CaShield monitor.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a [slog.Level]. Unknown and empty values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// VADMode is the voice activity aggressiveness, 0 (least) to 3 (most).
type VADMode int

// IsValid reports whether m is within 0..3.
func (m VADMode) IsValid() bool { return m >= 0 && m <= 3 }

// NormalizerKind selects the keyword normaliser.
type NormalizerKind string

const (
	// NormalizerKana folds width and katakana only.
	NormalizerKana NormalizerKind = "kana"

	// NormalizerKagome additionally reads kanji through a morphological
	// analyser.
	NormalizerKagome NormalizerKind = "kagome"
)

// IsValid reports whether k is a recognised normaliser.
func (k NormalizerKind) IsValid() bool {
	return k == NormalizerKana || k == NormalizerKagome
}

// Config is the root configuration. Load it with [Load] or [LoadFromReader];
// both apply defaults and environment overrides before validating.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	VAD        VADConfig        `yaml:"vad"`
	ASR        ASRConfig        `yaml:"asr"`
	KWS        KWSConfig        `yaml:"kws"`
	Hotplug    HotplugConfig    `yaml:"hotplug"`
	Log        LogConfig        `yaml:"log"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Alert      AlertConfig      `yaml:"alert"`
	Notify     NotifyConfig     `yaml:"notify"`
	Storage    StorageConfig    `yaml:"storage"`
	Retention  RetentionConfig  `yaml:"retention"`
}

// ServerConfig holds the HTTP surface and logging settings.
type ServerConfig struct {
	// ListenAddr is the HTTP listen address. Empty disables the HTTP surface.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is the only setting applied on reload.
	LogLevel LogLevel `yaml:"log_level"`

	// MCP exposes the incident tools on /mcp.
	MCP bool `yaml:"mcp"`

	// OriginPatterns are the browser origins allowed on /ws.
	OriginPatterns []string `yaml:"origin_patterns"`
}

// AudioConfig selects the capture device and frame format.
type AudioConfig struct {
	// Device is a device index or a case-insensitive name substring. Empty
	// selects the platform default.
	Device string `yaml:"device"`

	SampleRate int `yaml:"sample_rate"`

	// FrameMs is 10, 20 or 30.
	FrameMs int `yaml:"frame_ms"`
}

// VADConfig controls segmentation.
type VADConfig struct {
	// Engine selects the registered classifier. Default "energy".
	Engine string `yaml:"engine"`

	Aggressiveness VADMode `yaml:"aggressiveness"`

	// Threshold overrides the mean-absolute amplitude gate of the energy
	// classifier. Zero uses the gate for Aggressiveness.
	Threshold float64 `yaml:"threshold"`

	PadPrevMs      int `yaml:"pad_prev_ms"`
	PadPostMs      int `yaml:"pad_post_ms"`
	MaxUtteranceMs int `yaml:"max_utterance_ms"`
}

// ProviderEntry configures one backend.
type ProviderEntry struct {
	// Name selects the registered factory, e.g. "whisper" or "gemini".
	Name string `yaml:"name"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options holds provider-specific settings such as "language" or
	// "model_path".
	Options map[string]any `yaml:"options"`
}

// ASRConfig configures the two transcription stages.
type ASRConfig struct {
	// Fast transcribes every utterance. Required.
	Fast ProviderEntry `yaml:"fast"`

	// Final confirms utterances. An empty name disables the FINAL stage.
	Final ProviderEntry `yaml:"final"`

	// Fallback, if named, is tried when a stage's backend fails.
	Fallback ProviderEntry `yaml:"fallback"`

	// Language is passed to every backend that takes one. Default "ja".
	Language string `yaml:"language"`

	FinalWorkers   int  `yaml:"final_workers"`
	FinalOnHitOnly bool `yaml:"final_on_hit_only"`

	// ShutdownTimeout bounds how long shutdown waits for FINAL passes.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// KWSConfig configures keyword spotting.
type KWSConfig struct {
	// KeywordsFile is the keyword list. A missing file selects the built-in
	// defaults.
	KeywordsFile string `yaml:"keywords_file"`

	// Threshold is the minimum partial ratio, 0..100.
	Threshold float64 `yaml:"threshold"`

	MinLength  int            `yaml:"min_length"`
	Normalizer NormalizerKind `yaml:"normalizer"`
}

// HotplugConfig configures device supervision.
type HotplugConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
	Backoff         time.Duration `yaml:"backoff"`

	// FallbackToDefault defaults to true.
	FallbackToDefault *bool `yaml:"fallback_to_default"`
}

// LogConfig configures the daily transcript logs.
type LogConfig struct {
	Dir string `yaml:"dir"`

	// Role is written on every line. Default "customer".
	Role string `yaml:"role"`
}

// WindowConfig bounds the conversation snippet sent for summarization.
type WindowConfig struct {
	MinSeconds int `yaml:"min_seconds"`
	MaxSeconds int `yaml:"max_seconds"`
	MaxTokens  int `yaml:"max_tokens"`
}

// SummarizerConfig configures the incident summarization queue.
type SummarizerConfig struct {
	// Disabled turns summarization off entirely.
	Disabled bool `yaml:"disabled"`

	Provider ProviderEntry `yaml:"provider"`

	// Fallback, if named, is tried when Provider fails.
	Fallback ProviderEntry `yaml:"fallback"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
	Jitter  time.Duration `yaml:"jitter"`

	// RPM and RPD cap backend calls per minute and per day.
	RPM int `yaml:"rpm"`
	RPD int `yaml:"rpd"`

	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`

	// BreakerFailures consecutive failures open the circuit breaker for
	// BreakerReset.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`

	Window WindowConfig `yaml:"window"`
}

// AlertConfig configures the audible alert.
type AlertConfig struct {
	// Sound is an audio file played on confirmed hits. Empty rings the
	// terminal bell.
	Sound string `yaml:"sound"`

	// OnFastWhenUnconfirmed raises the confirmed alert from FAST when no
	// FINAL pass is scheduled for the utterance.
	OnFastWhenUnconfirmed bool `yaml:"on_fast_when_unconfirmed"`
}

// NotifyConfig configures chat notifications. Each channel is enabled by its
// token.
type NotifyConfig struct {
	LINE    LINEConfig    `yaml:"line"`
	Discord DiscordConfig `yaml:"discord"`
}

// LINEConfig configures LINE broadcast messages.
type LINEConfig struct {
	Token    string `yaml:"token"`
	Endpoint string `yaml:"endpoint"`
}

// DiscordConfig configures the Discord channel notifier.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// StorageConfig configures where summaries are kept.
type StorageConfig struct {
	SummariesDir string `yaml:"summaries_dir"`

	// PostgresDSN, if set, mirrors every summary into PostgreSQL.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RetentionConfig configures the raw log purge.
type RetentionConfig struct {
	Disabled  bool          `yaml:"disabled"`
	TTL       time.Duration `yaml:"ttl"`
	Interval  time.Duration `yaml:"interval"`
	BackupDir string        `yaml:"backup_dir"`
	DryRun    bool          `yaml:"dry_run"`
}
