package notify

import (
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

	"github.com/nerrad567/printwatch/internal/infrastructure/config"
)

// DefaultBaseURL is the Pushover messages endpoint.
const DefaultBaseURL = "https://api.pushover.net/1/messages.json"

// Priorities understood by Pushover.
const (
	PriorityNormal = 0
	PriorityHigh   = 1
)

var (
	// ErrInvalidSound is returned when the provider rejects the sound name.
	ErrInvalidSound = errors.New("notify: invalid sound")

	// ErrRejected is returned for other 4xx responses. Retrying will not help.
	ErrRejected = errors.New("notify: message rejected")

	// ErrDeliveryFailed is returned for transport errors and 5xx responses.
	ErrDeliveryFailed = errors.New("notify: delivery failed")
)

// Message is one notification.
type Message struct {
	Title    string
	Body     string
	HTML     bool
	Sound    string
	Priority int
	URL      string
	URLTitle string

	// User and Token override the client defaults for one printer.
	User  string
	Token string
}

// Sender delivers a Message.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Client sends messages to Pushover.
type Client struct {
	baseURL string
	token   string
	user    string
	http    *http.Client
}

// NewClient creates a Pushover client from the notify configuration.
func NewClient(cfg config.NotifyConfig) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: base,
		token:   cfg.Token,
		user:    cfg.User,
		http:    &http.Client{Timeout: timeout},
	}
}

type apiResponse struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors"`
	Sound   string   `json:"sound"`
}

// Send posts m once.
func (c *Client) Send(ctx context.Context, m Message) error {
	form := url.Values{}
	form.Set("token", firstNonEmpty(m.Token, c.token))
	form.Set("user", firstNonEmpty(m.User, c.user))
	form.Set("title", m.Title)
	form.Set("message", m.Body)
	form.Set("priority", strconv.Itoa(m.Priority))
	if m.HTML {
		form.Set("html", "1")
	}
	if m.Sound != "" {
		form.Set("sound", m.Sound)
	}
	if m.URL != "" {
		form.Set("url", m.URL)
		form.Set("url_title", firstNonEmpty(m.URLTitle, "Troubleshooting"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck // body is diagnostic only

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode)
	}

	var ar apiResponse
	_ = json.Unmarshal(body, &ar) //nolint:errcheck // non-JSON bodies leave ar empty
	if ar.Sound != "" {
		return fmt.Errorf("%w: %q", ErrInvalidSound, m.Sound)
	}
	for _, e := range ar.Errors {
		if strings.Contains(strings.ToLower(e), "sound") {
			return fmt.Errorf("%w: %s", ErrInvalidSound, e)
		}
	}
	return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.Join(ar.Errors, "; "))
}

// Discard drops every message. It is used when notifications are disabled.
type Discard struct{}

// Send implements Sender.
func (Discard) Send(context.Context, Message) error { return nil }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
