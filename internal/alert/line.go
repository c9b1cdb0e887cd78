package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultLINEEndpoint is the LINE Messaging API broadcast endpoint.
const DefaultLINEEndpoint = "https://api.line.me/v2/bot/message/broadcast"

const lineTimeout = 5 * time.Second

// LINENotifier broadcasts events to every friend of a LINE bot.
type LINENotifier struct {
	token    string
	endpoint string
	client   *http.Client
}

var _ Notifier = (*LINENotifier)(nil)

// LINEOption configures a [LINENotifier].
type LINEOption func(*LINENotifier)

// WithLINEEndpoint overrides the broadcast URL.
func WithLINEEndpoint(url string) LINEOption {
	return func(n *LINENotifier) { n.endpoint = url }
}

// WithLINEClient replaces the HTTP client. The default has a 5 s timeout.
func WithLINEClient(c *http.Client) LINEOption {
	return func(n *LINENotifier) { n.client = c }
}

// NewLINENotifier returns a notifier authenticating with the channel access
// token.
func NewLINENotifier(token string, opts ...LINEOption) (*LINENotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("alert: LINE channel access token is required")
	}
	n := &LINENotifier{
		token:    token,
		endpoint: DefaultLINEEndpoint,
		client:   &http.Client{Timeout: lineTimeout},
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

type lineMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type lineBroadcast struct {
	Messages []lineMessage `json:"messages"`
}

// Notify sends [Message] of ev as a single text message.
func (n *LINENotifier) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(lineBroadcast{Messages: []lineMessage{{Type: "text", Text: Message(ev)}}})
	if err != nil {
		return fmt.Errorf("alert: line: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert: line: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.token)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: line: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("alert: line: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
