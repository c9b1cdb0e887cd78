// Package deepgram transcribes utterances with Deepgram's pre-recorded
// /v1/listen REST API.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/cashield/pkg/audio"
	"github.com/MrWong99/cashield/pkg/provider/stt"
)

const (
	defaultEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel    = "nova-2"
	defaultLanguage = "ja"

	// maxResponse bounds how much of a reply is read.
	maxResponse = 1 << 20
)

// StatusError is returned for any non-200 reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("deepgram: HTTP %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying later may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type Option func(*Provider)

func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithKeywords boosts the given terms so rare insults survive the language
// model.
func WithKeywords(words []string, boost float64) Option {
	return func(p *Provider) {
		for _, w := range words {
			p.keywords = append(p.keywords, w+":"+strconv.FormatFloat(boost, 'g', -1, 64))
		}
	}
}

// WithMinConfidence discards alternatives scored below c, returning an
// empty transcript instead.
func WithMinConfidence(c float64) Option { return func(p *Provider) { p.minConfidence = c } }

func WithEndpoint(endpoint string) Option { return func(p *Provider) { p.endpoint = endpoint } }

func WithHTTPClient(c *http.Client) Option { return func(p *Provider) { p.client = c } }

// Provider is safe for concurrent use.
type Provider struct {
	apiKey        string
	model         string
	language      string
	keywords      []string
	minConfidence float64
	endpoint      string
	client        *http.Client

	listenURL string
}

var _ stt.Provider = (*Provider)(nil)

func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: defaultEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	u, err := url.Parse(p.endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("deepgram: invalid endpoint %q", p.endpoint)
	}
	u.RawQuery = p.query(u.Query()).Encode()
	p.listenURL = u.String()
	return p, nil
}

func (p *Provider) query(q url.Values) url.Values {
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "true")
	for _, kw := range p.keywords {
		q.Add("keywords", kw)
	}
	return q
}

func (p *Provider) Name() string { return "deepgram/" + p.model }

// Transcribe posts the utterance as WAV.
func (p *Provider) Transcribe(ctx context.Context, in stt.Audio) (string, error) {
	if len(in.PCM) == 0 {
		return "", stt.ErrEmptyAudio
	}
	body := audio.EncodeWAV(in.PCM, audio.Format{SampleRate: in.SampleRate, Channels: max(in.Channels, 1)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.listenURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("deepgram: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepgram: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	var lr listenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponse)).Decode(&lr); err != nil {
		return "", fmt.Errorf("deepgram: decode response: %w", err)
	}
	return lr.transcript(p.minConfidence), nil
}

type listenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// transcript returns the best alternative of the first channel, or "" when
// there is none or it scores below floor. Deepgram separates Japanese
// tokens with spaces; they are removed.
func (r *listenResponse) transcript(floor float64) string {
	if len(r.Results.Channels) == 0 || len(r.Results.Channels[0].Alternatives) == 0 {
		return ""
	}
	best := r.Results.Channels[0].Alternatives[0]
	if best.Confidence < floor {
		return ""
	}
	return strings.Join(strings.Fields(best.Transcript), "")
}
