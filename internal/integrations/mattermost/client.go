package mattermost

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const defaultUsername = "chat-relay"

// Webhook is the body a Mattermost outgoing webhook posts for each
// triggering message.
type Webhook struct {
	Token       string `json:"token"`
	TeamID      string `json:"team_id"`
	TeamDomain  string `json:"team_domain"`
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	Timestamp   int64  `json:"timestamp"` // milliseconds since epoch
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	PostID      string `json:"post_id"`
	Text        string `json:"text"`
	TriggerWord string `json:"trigger_word"`
	FileIDs     string `json:"file_ids"`
}

// Time converts the millisecond webhook timestamp to a time.Time.
func (w Webhook) Time() time.Time {
	return time.UnixMilli(w.Timestamp).UTC()
}

// ParseWebhook decodes an outgoing-webhook delivery body.
func ParseWebhook(body []byte) (Webhook, error) {
	var wh Webhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return Webhook{}, fmt.Errorf("mattermost: decode webhook body: %w", err)
	}
	return wh, nil
}

type postRequest struct {
	Text     string `json:"text"`
	Username string `json:"username"`
	IconURL  string `json:"icon_url,omitempty"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client validates outgoing-webhook tokens and posts replies through a
// Mattermost incoming webhook. The token and hook URL are fetched from SSM
// on first use and cached for the process lifetime.
type Client struct {
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
	username    string
	iconURL     string

	tokenOnce sync.Once
	token     string
	tokenErr  error

	hookOnce sync.Once
	hookURL  string
	hookErr  error
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithBotIdentity overrides the username and icon shown on posted replies.
func WithBotIdentity(username, iconURL string) Option {
	return func(c *Client) {
		if strings.TrimSpace(username) != "" {
			c.username = username
		}
		c.iconURL = iconURL
	}
}

// NewClient creates a Client backed by the given paramstore getter.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("mattermost: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("mattermost: parameter prefix must not be empty")
	}
	c := &Client{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
		username:    defaultUsername,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenOnce.Do(func() {
		c.token, c.tokenErr = c.fetchParam(ctx, "/mattermost/outgoing-token")
	})
	return c.token, c.tokenErr
}

func (c *Client) resolveHookURL(ctx context.Context) (string, error) {
	c.hookOnce.Do(func() {
		c.hookURL, c.hookErr = c.fetchParam(ctx, "/mattermost/incoming-hook-url")
	})
	return c.hookURL, c.hookErr
}

func (c *Client) fetchParam(ctx context.Context, suffix string) (string, error) {
	raw, err := c.getter.GetParameter(ctx, c.paramPrefix+suffix)
	if err != nil {
		return "", fmt.Errorf("mattermost: fetch %s from paramstore: %w", suffix, err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("mattermost: parameter %s is empty", suffix)
	}
	return raw, nil
}

// ValidateToken reports whether the webhook body carries the configured
// outgoing-webhook token.
func (c *Client) ValidateToken(ctx context.Context, token string) (bool, error) {
	want, err := c.resolveToken(ctx)
	if err != nil {
		return false, err
	}
	if token == "" {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1, nil
}

// Post sends text to the configured incoming webhook under the bot identity.
func (c *Client) Post(ctx context.Context, text string) error {
	hookURL, err := c.resolveHookURL(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(postRequest{
		Text:     text,
		Username: c.username,
		IconURL:  c.iconURL,
	})
	if err != nil {
		return fmt.Errorf("mattermost: marshal post: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mattermost: create post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("mattermost: post request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("mattermost: post returned status %d: %s", res.StatusCode, strings.TrimSpace(string(buf)))
	}
	return nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}
