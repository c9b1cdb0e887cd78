package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/cashield/internal/app"
	"github.com/MrWong99/cashield/internal/config"
	"github.com/MrWong99/cashield/pkg/provider/llm"
	"github.com/MrWong99/cashield/pkg/provider/llm/anyllm"
	"github.com/MrWong99/cashield/pkg/provider/llm/gemini"
	oallm "github.com/MrWong99/cashield/pkg/provider/llm/openai"
	"github.com/MrWong99/cashield/pkg/provider/stt"
	"github.com/MrWong99/cashield/pkg/provider/stt/deepgram"
	oastt "github.com/MrWong99/cashield/pkg/provider/stt/openai"
	"github.com/MrWong99/cashield/pkg/provider/stt/whisper"
	"github.com/MrWong99/cashield/pkg/provider/vad"
	"github.com/MrWong99/cashield/pkg/provider/vad/energy"
)

// defaultKeywordBoost is the Deepgram keyword boost applied to trigger words
// when options.keyword_boost is unset.
const defaultKeywordBoost = 2.0

// registerBuiltinProviders wires all built-in provider factories into reg.
// keywords are the configured trigger words; backends that accept vocabulary
// hints receive them.
func registerBuiltinProviders(reg *config.Registry, keywords []string) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("gemini", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []gemini.Option
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(context.Background(), entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// Everything else goes through any-llm. Ollama and the llama servers
	// need only a base URL.
	for _, name := range anyllm.Backends() {
		if name == "gemini" || name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if n := optFloat(entry.Options, "beam_size", 0); n > 0 {
			opts = append(opts, whisper.WithBeamSize(int(n)))
		}
		if len(keywords) > 0 {
			opts = append(opts, whisper.WithPrompt(strings.Join(keywords, "、")))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := optFloat(entry.Options, "threads", 0); n > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(n)))
		}
		if n := optFloat(entry.Options, "concurrency", 0); n > 0 {
			opts = append(opts, whisper.WithNativeConcurrency(int(n)))
		}
		if len(keywords) > 0 {
			opts = append(opts, whisper.WithNativePrompt(strings.Join(keywords, "、")))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oastt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, oastt.WithLanguage(lang))
		}
		if prompt := optString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, oastt.WithPrompt(prompt))
		}
		return oastt.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if len(keywords) > 0 {
			boost := optFloat(entry.Options, "keyword_boost", defaultKeywordBoost)
			opts = append(opts, deepgram.WithKeywords(keywords, boost))
		}
		if c := optFloat(entry.Options, "min_confidence", 0); c > 0 {
			opts = append(opts, deepgram.WithMinConfidence(c))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(cfg config.VADConfig) (vad.Engine, error) {
		var opts []energy.Option
		if cfg.Threshold > 0 {
			opts = append(opts, energy.WithThreshold(cfg.Threshold))
		}
		return energy.New(opts...), nil
	})

	for _, kind := range []string{"llm", "stt", "vad"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. The audio source is left for the caller.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	var err error
	if ps.Fast, err = createSTT(reg, "asr.fast", withLanguage(cfg.ASR.Fast, cfg.ASR.Language)); err != nil {
		return nil, err
	}
	if ps.Final, err = createSTT(reg, "asr.final", withLanguage(cfg.ASR.Final, cfg.ASR.Language)); err != nil {
		return nil, err
	}
	if ps.ASRFallback, err = createSTT(reg, "asr.fallback", withLanguage(cfg.ASR.Fallback, cfg.ASR.Language)); err != nil {
		return nil, err
	}
	if ps.Fast == nil {
		return nil, fmt.Errorf("asr.fast: provider %q is not available", cfg.ASR.Fast.Name)
	}

	if !cfg.Summarizer.Disabled {
		if ps.Summarizer, err = createLLM(reg, "summarizer.provider", cfg.Summarizer.Provider); err != nil {
			return nil, err
		}
		if ps.SummarizerFallback, err = createLLM(reg, "summarizer.fallback", cfg.Summarizer.Fallback); err != nil {
			return nil, err
		}
	}

	ps.VAD, err = reg.CreateVAD(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad engine %q: %w", cfg.VAD.Engine, err)
	}
	slog.Info("provider created", "kind", "vad", "name", cfg.VAD.Engine)

	return ps, nil
}

func createSTT(reg *config.Registry, field string, entry config.ProviderEntry) (stt.Provider, error) {
	if entry.Name == "" {
		return nil, nil
	}
	p, err := reg.CreateSTT(entry)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("provider not implemented, skipping", "field", field, "kind", "stt", "name", entry.Name)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q for %s: %w", entry.Name, field, err)
	}
	slog.Info("provider created", "field", field, "kind", "stt", "name", entry.Name)
	return p, nil
}

func createLLM(reg *config.Registry, field string, entry config.ProviderEntry) (llm.Provider, error) {
	if entry.Name == "" {
		return nil, nil
	}
	p, err := reg.CreateLLM(entry)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("provider not implemented, skipping", "field", field, "kind", "llm", "name", entry.Name)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q for %s: %w", entry.Name, field, err)
	}
	slog.Info("provider created", "field", field, "kind", "llm", "name", entry.Name, "model", p.Model())
	return p, nil
}

// withLanguage returns entry with options.language set to lang unless the
// entry names its own.
func withLanguage(entry config.ProviderEntry, lang string) config.ProviderEntry {
	if entry.Name == "" || lang == "" || optString(entry.Options, "language") != "" {
		return entry
	}
	opts := make(map[string]any, len(entry.Options)+1)
	maps.Copy(opts, entry.Options)
	opts["language"] = lang
	entry.Options = opts
	return entry
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a numeric option. YAML decodes integers as int, so both
// are accepted.
func optFloat(opts map[string]any, key string, def float64) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}
