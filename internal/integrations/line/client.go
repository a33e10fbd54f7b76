package line

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SignatureHeader is the request header LINE signs webhook deliveries with.
const SignatureHeader = "x-line-signature"

// Event kinds LINE delivers to the webhook. Follow and unfollow are
// acknowledged without processing.
const (
	EventTypeMessage  = "message"
	EventTypeFollow   = "follow"
	EventTypeUnfollow = "unfollow"

	MessageTypeText = "text"
)

// Webhook is the body LINE posts to the webhook endpoint.
type Webhook struct {
	Destination string  `json:"destination"`
	Events      []Event `json:"events"`
}

// Event is a single webhook event.
type Event struct {
	Type       string   `json:"type"`
	Message    *Message `json:"message,omitempty"`
	Timestamp  int64    `json:"timestamp"` // milliseconds since epoch
	Source     Source   `json:"source"`
	ReplyToken string   `json:"replyToken"`
	Mode       string   `json:"mode"`
}

// Message is the message payload of a message-type event.
type Message struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Source identifies who sent the event.
type Source struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// Time converts the millisecond event timestamp to a time.Time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// ParseWebhook decodes a webhook delivery body.
func ParseWebhook(body []byte) (Webhook, error) {
	var wh Webhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return Webhook{}, fmt.Errorf("line: decode webhook body: %w", err)
	}
	return wh, nil
}

type replyRequest struct {
	ReplyToken string         `json:"replyToken"`
	Messages   []replyMessage `json:"messages"`
}

type replyMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client verifies webhook signatures and posts replies through the LINE
// Messaging API. The channel secret and access token are fetched from SSM
// on first use and cached for the process lifetime.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	secretOnce sync.Once
	secret     string
	secretErr  error

	tokenOnce sync.Once
	token     string
	tokenErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client backed by the given paramstore getter.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("line: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("line: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     "https://api.line.me",
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveSecret(ctx context.Context) (string, error) {
	c.secretOnce.Do(func() {
		c.secret, c.secretErr = c.fetchParam(ctx, "/line/channel-secret")
	})
	return c.secret, c.secretErr
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenOnce.Do(func() {
		c.token, c.tokenErr = c.fetchParam(ctx, "/line/channel-access-token")
	})
	return c.token, c.tokenErr
}

func (c *Client) fetchParam(ctx context.Context, suffix string) (string, error) {
	raw, err := c.getter.GetParameter(ctx, c.paramPrefix+suffix)
	if err != nil {
		return "", fmt.Errorf("line: fetch %s from paramstore: %w", suffix, err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("line: parameter %s is empty", suffix)
	}
	return raw, nil
}

// ValidateSignature reports whether signature matches
// base64(HMAC-SHA256(channel secret, body)).
func (c *Client) ValidateSignature(ctx context.Context, signature string, body []byte) (bool, error) {
	secret, err := c.resolveSecret(ctx)
	if err != nil {
		return false, err
	}
	if signature == "" {
		return false, nil
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(want)), nil
}

// Reply sends a single text message using the one-time reply token.
func (c *Client) Reply(ctx context.Context, replyToken, text string) error {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(replyRequest{
		ReplyToken: replyToken,
		Messages:   []replyMessage{{Type: MessageTypeText, Text: text}},
	})
	if err != nil {
		return fmt.Errorf("line: marshal reply: %w", err)
	}

	url := strings.TrimRight(c.baseURL, "/") + "/v2/bot/message/reply"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("line: create reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("line: reply request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("line: reply returned status %d: %s", res.StatusCode, strings.TrimSpace(string(buf)))
	}
	return nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}
