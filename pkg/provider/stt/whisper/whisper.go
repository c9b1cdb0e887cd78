// Package whisper provides the whisper.cpp speech recognisers: [Provider]
// posts utterances to a running whisper-server, [NativeProvider] runs the
// model in process.
package whisper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/cashield/pkg/audio"
	"github.com/MrWong99/cashield/pkg/provider/stt"
)

const defaultLanguage = "ja"

var _ stt.Provider = (*Provider)(nil)

type Option func(*Provider)

// WithModel names the model the server should use. Empty keeps the one it
// was started with.
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithBeamSize enables beam search. Zero keeps greedy decoding.
func WithBeamSize(n int) Option { return func(p *Provider) { p.beamSize = n } }

func WithTemperature(t float64) Option { return func(p *Provider) { p.temperature = &t } }

// WithPrompt primes the decoder with the given text.
func WithPrompt(prompt string) Option { return func(p *Provider) { p.prompt = prompt } }

func WithHTTPClient(c *http.Client) Option { return func(p *Provider) { p.client = c } }

// Provider talks to whisper-server's POST /inference.
type Provider struct {
	inferenceURL string
	model        string
	language     string
	prompt       string
	beamSize     int
	temperature  *float64
	client       *http.Client
}

func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		inferenceURL: strings.TrimRight(serverURL, "/") + "/inference",
		language:     defaultLanguage,
		client:       &http.Client{Timeout: time.Minute},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Provider) Name() string {
	if p.model == "" {
		return "whisper-server"
	}
	return "whisper-server/" + p.model
}

// fields returns the non-empty form fields sent next to the audio.
func (p *Provider) fields() [][2]string {
	out := [][2]string{{"response_format", "json"}, {"language", p.language}}
	if p.model != "" {
		out = append(out, [2]string{"model", p.model})
	}
	if p.prompt != "" {
		out = append(out, [2]string{"prompt", p.prompt})
	}
	if p.beamSize > 0 {
		out = append(out, [2]string{"beam_size", strconv.Itoa(p.beamSize)})
	}
	if p.temperature != nil {
		out = append(out, [2]string{"temperature", strconv.FormatFloat(*p.temperature, 'f', -1, 64)})
	}
	return out
}

// Transcribe streams the utterance as a WAV upload and returns the trimmed
// text of the reply.
func (p *Provider) Transcribe(ctx context.Context, in stt.Audio) (string, error) {
	if len(in.PCM) == 0 {
		return "", stt.ErrEmptyAudio
	}
	wav := audio.EncodeWAV(in.PCM, audio.Format{SampleRate: in.SampleRate, Channels: max(in.Channels, 1)})

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(form, wav, p.fields()))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.inferenceURL, pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("whisper: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

func writeForm(form *multipart.Writer, wav []byte, fields [][2]string) error {
	file, err := form.CreateFormFile("file", "audio.wav")
	if err != nil {
		return err
	}
	if _, err := file.Write(wav); err != nil {
		return err
	}
	for _, f := range fields {
		if err := form.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	return form.Close()
}
