// NativeProvider runs whisper.cpp in process through its cgo bindings. The
// static library and headers must be reachable through LIBRARY_PATH and
// C_INCLUDE_PATH at build time.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/cashield/pkg/audio"
	"github.com/MrWong99/cashield/pkg/provider/stt"
)

// modelRate is the only input rate whisper.cpp accepts.
const modelRate = 16000

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider transcribes utterances with a local ggml model. The model
// is loaded by the first Transcribe call; a failed load is tried again on
// the next one. At most the configured number of inferences run at once,
// each on its own whisper context.
type NativeProvider struct {
	modelPath string
	language  string
	prompt    string
	threads   uint
	slots     *semaphore.Weighted

	mu    sync.Mutex
	model whisperlib.Model
}

type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the spoken language. Default "ja".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativePrompt primes the decoder, typically with the trigger words so
// they are spelled the way the keyword file spells them.
func WithNativePrompt(prompt string) NativeOption {
	return func(p *NativeProvider) { p.prompt = prompt }
}

// WithNativeThreads sets the CPU threads per inference. Zero lets
// whisper.cpp decide.
func WithNativeThreads(n uint) NativeOption {
	return func(p *NativeProvider) { p.threads = n }
}

// WithNativeConcurrency bounds parallel inferences. Default is half the
// CPUs, at least one.
func WithNativeConcurrency(n int) NativeOption {
	return func(p *NativeProvider) {
		if n > 0 {
			p.slots = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewNative prepares a provider for the model file at modelPath without
// opening it. Close releases the model.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	p := &NativeProvider{
		modelPath: modelPath,
		language:  defaultLanguage,
		slots:     semaphore.NewWeighted(int64(max(runtime.NumCPU()/2, 1))),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *NativeProvider) Name() string { return "whisper-native" }

func (p *NativeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	return err
}

func (p *NativeProvider) loadModel() (whisperlib.Model, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		return p.model, nil
	}
	start := time.Now()
	m, err := whisperlib.New(p.modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", p.modelPath, err)
	}
	slog.Info("whisper model loaded", "path", p.modelPath, "took", time.Since(start))
	p.model = m
	return m, nil
}

// Transcribe waits for an inference slot, then decodes the utterance.
// Inference itself does not observe ctx; only the wait does.
func (p *NativeProvider) Transcribe(ctx context.Context, in stt.Audio) (string, error) {
	if len(in.PCM) == 0 {
		return "", stt.ErrEmptyAudio
	}
	model, err := p.loadModel()
	if err != nil {
		return "", err
	}
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("whisper: wait for inference slot: %w", err)
	}
	defer p.slots.Release(1)

	return p.infer(model, samplesFor(in))
}

// samplesFor converts the utterance to 16 kHz mono float32.
func samplesFor(in stt.Audio) []float32 {
	from := audio.Format{SampleRate: in.SampleRate, Channels: max(in.Channels, 1)}
	if from.SampleRate <= 0 {
		from.SampleRate = modelRate
	}
	pcm := audio.NewConverter(from, audio.Format{SampleRate: modelRate, Channels: 1}).Convert(in.PCM)
	return audio.ToFloat32Mono(pcm)
}

func (p *NativeProvider) infer(model whisperlib.Model, samples []float32) (string, error) {
	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: new context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: language not supported by model", "language", p.language, "err", err)
	}
	if p.threads > 0 {
		wctx.SetThreads(p.threads)
	}
	if p.prompt != "" {
		wctx.SetInitialPrompt(p.prompt)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process: %w", err)
	}

	var sb strings.Builder
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("whisper: next segment: %w", err)
		}
		sb.WriteString(strings.TrimSpace(seg.Text))
	}
}
