package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"whisper", "whisper-native", "openai", "deepgram"},
}

// keyedProviders need an API key; a missing key is fatal at startup.
var keyedProviders = map[string][]string{
	"llm": {"gemini", "openai", "anthropic", "deepseek", "mistral", "groq"},
	"stt": {"openai", "deepgram"},
}

// Load reads the YAML configuration file at path, applies defaults and
// environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// process environment, and validates the result. An empty document yields
// the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	return loadFromReader(r, os.LookupEnv)
}

func loadFromReader(r io.Reader, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, lookup)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config holding the defaults of settings for which zero is
// a meaningful value. [ApplyDefaults] fills in the rest.
func Default() *Config {
	return &Config{
		VAD:        VADConfig{Aggressiveness: 2},
		Summarizer: SummarizerConfig{Temperature: 0.1},
	}
}

// ApplyDefaults fills every zero field with its canonical default. The VAD
// aggressiveness and the summarizer temperature are left alone; see
// [Default].
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Audio.SampleRate, 16000)
	setDefault(&cfg.Audio.FrameMs, 30)

	setDefault(&cfg.VAD.Engine, "energy")
	setDefault(&cfg.VAD.PadPrevMs, 200)
	setDefault(&cfg.VAD.PadPostMs, 300)
	setDefault(&cfg.VAD.MaxUtteranceMs, 6000)

	setDefault(&cfg.ASR.Language, "ja")
	setDefault(&cfg.ASR.FinalWorkers, 2)
	setDefault(&cfg.ASR.ShutdownTimeout, 30*time.Second)

	setDefault(&cfg.KWS.KeywordsFile, "keywords.txt")
	setDefault(&cfg.KWS.Threshold, 88)
	setDefault(&cfg.KWS.MinLength, 2)
	setDefault(&cfg.KWS.Normalizer, NormalizerKana)

	setDefault(&cfg.Hotplug.PollInterval, 60*time.Millisecond)
	setDefault(&cfg.Hotplug.LivenessTimeout, 2*time.Second)
	setDefault(&cfg.Hotplug.Backoff, time.Second)
	if cfg.Hotplug.FallbackToDefault == nil {
		t := true
		cfg.Hotplug.FallbackToDefault = &t
	}

	setDefault(&cfg.Log.Dir, "logs")
	setDefault(&cfg.Log.Role, "customer")

	s := &cfg.Summarizer
	setDefault(&s.Provider.Name, "gemini")
	if s.Provider.Name == "gemini" {
		setDefault(&s.Provider.Model, "gemini-2.5-flash-lite")
	}
	setDefault(&s.MaxTokens, 1024)
	setDefault(&s.Retries, 5)
	setDefault(&s.Backoff, time.Second)
	setDefault(&s.Jitter, 200*time.Millisecond)
	setDefault(&s.RPM, 15)
	setDefault(&s.RPD, 1000)
	setDefault(&s.Workers, 1)
	setDefault(&s.QueueSize, 256)
	setDefault(&s.BreakerFailures, 5)
	setDefault(&s.BreakerReset, 60*time.Second)
	setDefault(&s.Window.MinSeconds, 12)
	setDefault(&s.Window.MaxSeconds, 30)
	setDefault(&s.Window.MaxTokens, 512)

	setDefault(&cfg.Storage.SummariesDir, "summaries")

	setDefault(&cfg.Retention.TTL, 24*time.Hour)
	setDefault(&cfg.Retention.Interval, time.Hour)
}

func setDefault[T comparable](p *T, v T) {
	var zero T
	if *p == zero {
		*p = v
	}
}

// ApplyEnv overrides secrets and deployment settings from the environment.
// lookup is usually [os.LookupEnv].
//
//	CASHIELD_LOG_LEVEL           server.log_level
//	CASHIELD_LISTEN_ADDR         server.listen_addr
//	CASHIELD_DEVICE              audio.device
//	CASHIELD_LOG_DIR             log.dir
//	CASHIELD_SUMMARIES_DIR       storage.summaries_dir
//	CASHIELD_POSTGRES_DSN        storage.postgres_dsn
//	CASHIELD_SUMMARIZER_API_KEY  summarizer.provider.api_key
//	CASHIELD_ASR_API_KEY         asr.fast.api_key and asr.final.api_key
//	CASHIELD_LINE_TOKEN          notify.line.token
//	CASHIELD_DISCORD_TOKEN       notify.discord.token
//	CASHIELD_DISCORD_CHANNEL     notify.discord.channel_id
//	GEMINI_API_KEY               summarizer.provider.api_key when the
//	                             provider is gemini and no key is set
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	env := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var level string
	env("CASHIELD_LOG_LEVEL", &level)
	if level != "" {
		cfg.Server.LogLevel = LogLevel(level)
	}
	env("CASHIELD_LISTEN_ADDR", &cfg.Server.ListenAddr)
	env("CASHIELD_DEVICE", &cfg.Audio.Device)
	env("CASHIELD_LOG_DIR", &cfg.Log.Dir)
	env("CASHIELD_SUMMARIES_DIR", &cfg.Storage.SummariesDir)
	env("CASHIELD_POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	env("CASHIELD_SUMMARIZER_API_KEY", &cfg.Summarizer.Provider.APIKey)
	env("CASHIELD_ASR_API_KEY", &cfg.ASR.Fast.APIKey)
	env("CASHIELD_ASR_API_KEY", &cfg.ASR.Final.APIKey)
	env("CASHIELD_LINE_TOKEN", &cfg.Notify.LINE.Token)
	env("CASHIELD_DISCORD_TOKEN", &cfg.Notify.Discord.Token)
	env("CASHIELD_DISCORD_CHANNEL", &cfg.Notify.Discord.ChannelID)

	if cfg.Summarizer.Provider.Name == "gemini" && cfg.Summarizer.Provider.APIKey == "" {
		env("GEMINI_API_KEY", &cfg.Summarizer.Provider.APIKey)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio and segmentation
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if !slices.Contains([]int{10, 20, 30}, cfg.Audio.FrameMs) {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is invalid; valid values: 10, 20, 30", cfg.Audio.FrameMs))
	}
	if !cfg.VAD.Aggressiveness.IsValid() {
		errs = append(errs, fmt.Errorf("vad.aggressiveness %d is out of range [0, 3]", cfg.VAD.Aggressiveness))
	}
	if cfg.VAD.Threshold < 0 {
		errs = append(errs, fmt.Errorf("vad.threshold %.1f must not be negative", cfg.VAD.Threshold))
	}
	if cfg.VAD.PadPrevMs < 0 || cfg.VAD.PadPostMs < 0 {
		errs = append(errs, errors.New("vad.pad_prev_ms and vad.pad_post_ms must not be negative"))
	}
	if cfg.VAD.MaxUtteranceMs < cfg.Audio.FrameMs {
		errs = append(errs, fmt.Errorf("vad.max_utterance_ms %d is shorter than one frame", cfg.VAD.MaxUtteranceMs))
	}

	// ASR
	if cfg.ASR.Fast.Name == "" {
		errs = append(errs, errors.New("asr.fast.name is required"))
	}
	errs = append(errs, validateProvider("stt", "asr.fast", cfg.ASR.Fast)...)
	errs = append(errs, validateProvider("stt", "asr.final", cfg.ASR.Final)...)
	errs = append(errs, validateProvider("stt", "asr.fallback", cfg.ASR.Fallback)...)
	if cfg.ASR.FinalWorkers < 1 {
		errs = append(errs, fmt.Errorf("asr.final_workers %d must be at least 1", cfg.ASR.FinalWorkers))
	}
	if cfg.ASR.Final.Name == "" && cfg.ASR.FinalOnHitOnly {
		slog.Warn("asr.final_on_hit_only has no effect without asr.final")
	}

	// Keyword spotting
	if cfg.KWS.Threshold < 0 || cfg.KWS.Threshold > 100 {
		errs = append(errs, fmt.Errorf("kws.threshold %.1f is out of range [0, 100]", cfg.KWS.Threshold))
	}
	if cfg.KWS.MinLength < 1 {
		errs = append(errs, fmt.Errorf("kws.min_length %d must be at least 1", cfg.KWS.MinLength))
	}
	if !cfg.KWS.Normalizer.IsValid() {
		errs = append(errs, fmt.Errorf("kws.normalizer %q is invalid; valid values: kana, kagome", cfg.KWS.Normalizer))
	}

	// Hotplug
	if cfg.Hotplug.PollInterval <= 0 || cfg.Hotplug.LivenessTimeout <= 0 || cfg.Hotplug.Backoff <= 0 {
		errs = append(errs, errors.New("hotplug durations must be positive"))
	}
	if cfg.Hotplug.LivenessTimeout <= cfg.Hotplug.PollInterval {
		errs = append(errs, fmt.Errorf("hotplug.liveness_timeout %s must exceed hotplug.poll_interval %s",
			cfg.Hotplug.LivenessTimeout, cfg.Hotplug.PollInterval))
	}

	// Summarizer
	if s := cfg.Summarizer; !s.Disabled {
		errs = append(errs, validateProvider("llm", "summarizer.provider", s.Provider)...)
		errs = append(errs, validateProvider("llm", "summarizer.fallback", s.Fallback)...)
		if s.Provider.Model == "" {
			errs = append(errs, errors.New("summarizer.provider.model is required"))
		}
		if s.Temperature < 0 || s.Temperature > 2 {
			errs = append(errs, fmt.Errorf("summarizer.temperature %.2f is out of range [0, 2]", s.Temperature))
		}
		if s.Retries < 0 {
			errs = append(errs, fmt.Errorf("summarizer.retries %d must not be negative", s.Retries))
		}
		if s.Workers < 1 {
			errs = append(errs, fmt.Errorf("summarizer.workers %d must be at least 1", s.Workers))
		}
		if s.Window.MinSeconds > s.Window.MaxSeconds {
			errs = append(errs, fmt.Errorf("summarizer.window.min_seconds %d exceeds max_seconds %d",
				s.Window.MinSeconds, s.Window.MaxSeconds))
		}
	}

	// Notifications
	if cfg.Notify.Discord.Token != "" && cfg.Notify.Discord.ChannelID == "" {
		errs = append(errs, errors.New("notify.discord.channel_id is required when notify.discord.token is set"))
	}

	// Retention
	if !cfg.Retention.Disabled && (cfg.Retention.TTL <= 0 || cfg.Retention.Interval <= 0) {
		errs = append(errs, errors.New("retention.ttl and retention.interval must be positive"))
	}

	return errors.Join(errs...)
}

// validateProvider checks one provider entry. Unknown names only warn; a
// missing credential or endpoint is an error. An empty name is valid.
func validateProvider(kind, field string, p ProviderEntry) []error {
	if p.Name == "" {
		return nil
	}
	validateProviderName(kind, p.Name)

	var errs []error
	if slices.Contains(keyedProviders[kind], p.Name) && p.APIKey == "" {
		errs = append(errs, fmt.Errorf("%s.api_key is required for provider %q", field, p.Name))
	}
	switch {
	case kind == "stt" && p.Name == "whisper" && p.BaseURL == "":
		errs = append(errs, fmt.Errorf("%s.base_url is required for provider %q", field, p.Name))
	case kind == "stt" && p.Name == "whisper-native" && p.Model == "" && optString(p.Options, "model_path") == "":
		errs = append(errs, fmt.Errorf("%s.model (model file path) is required for provider %q", field, p.Name))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
