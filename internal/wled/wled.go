// Package wled controls WLED accessory lights through their JSON API.
package wled

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrRequestFailed is returned when the light does not accept a state change.
var ErrRequestFailed = errors.New("wled: request failed")

// Color is an RGB triple.
type Color [3]int

// White is the default accessory colour.
var White = Color{255, 255, 255}

// ColorFrom converts a configured []int to a Color, defaulting to White when
// it does not have three components.
func ColorFrom(c []int) Color {
	if len(c) != 3 {
		return White
	}
	return Color{c[0], c[1], c[2]}
}

// Client talks to WLED controllers over HTTP.
type Client struct {
	http       *http.Client
	brightness int
}

// NewClient creates a client with a bounded request timeout. brightness is
// used by TurnOn; values outside 1..255 become 255.
func NewClient(timeout time.Duration, brightness int) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if brightness < 1 || brightness > 255 {
		brightness = 255
	}
	return &Client{
		http:       &http.Client{Timeout: timeout},
		brightness: brightness,
	}
}

// TurnOn powers the light on at full configured brightness in color.
func (c *Client) TurnOn(ctx context.Context, ip string, color Color) error {
	if err := c.SetPower(ctx, ip, true); err != nil {
		return err
	}
	if err := c.SetBrightness(ctx, ip, c.brightness); err != nil {
		return err
	}
	return c.SetColor(ctx, ip, color)
}

// TurnOff powers the light off.
func (c *Client) TurnOff(ctx context.Context, ip string) error {
	return c.SetPower(ctx, ip, false)
}

// SetPower switches the light on or off.
func (c *Client) SetPower(ctx context.Context, ip string, on bool) error {
	return c.post(ctx, ip, map[string]any{"on": on})
}

// SetBrightness sets brightness 0..255.
func (c *Client) SetBrightness(ctx context.Context, ip string, bri int) error {
	return c.post(ctx, ip, map[string]any{"bri": bri})
}

// SetColor sets the primary colour of the first segment.
func (c *Client) SetColor(ctx context.Context, ip string, color Color) error {
	return c.post(ctx, ip, map[string]any{
		"seg": []map[string]any{{"col": [][]int{{color[0], color[1], color[2]}}}},
	})
}

func (c *Client) post(ctx context.Context, ip string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+ip+"/json/state", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRequestFailed, ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: status %d", ErrRequestFailed, ip, resp.StatusCode)
	}
	return nil
}
