package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/voxline/callflow/internal/infrastructure/circuitbreaker"
	"github.com/voxline/callflow/internal/ports"
)

// Client drives the provider's call-control REST API. All commands are keyed
// by call control ID; playback returns the provider's playback ID so the
// completion webhook can be correlated.
type Client struct {
	baseURL string
	apiKey  string
	http    *circuitbreaker.HTTPClient
	log     *zap.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *Client {
	settings := circuitbreaker.DefaultHTTPClientSettings("telephony")
	if timeout > 0 {
		settings.Timeout = timeout
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    circuitbreaker.NewHTTPClientWithSettings(settings, log),
		log:     log,
	}
}

type playbackResponse struct {
	Data struct {
		PlaybackID string `json:"playback_id"`
	} `json:"data"`
}

func (c *Client) PlayText(ctx context.Context, callControlID, text, voice string) (string, error) {
	body := map[string]string{"payload": text, "voice": voice}
	resp, err := c.command(ctx, callControlID, "speak", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var pr playbackResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("telephony: decode speak response: %w", err)
	}
	return pr.Data.PlaybackID, nil
}

func (c *Client) StopPlayback(ctx context.Context, callControlID string) error {
	resp, err := c.command(ctx, callControlID, "playback_stop", map[string]string{"stop": "all"})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) SendDigits(ctx context.Context, callControlID, digits string) error {
	resp, err := c.command(ctx, callControlID, "send_dtmf", map[string]string{"digits": digits})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) Transfer(ctx context.Context, callControlID, destination string) error {
	resp, err := c.command(ctx, callControlID, "transfer", map[string]string{"to": destination})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) Hangup(ctx context.Context, callControlID string) error {
	resp, err := c.command(ctx, callControlID, "hangup", map[string]string{})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) command(ctx context.Context, callControlID, action string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("telephony: marshal %s: %w", action, err)
	}

	url := fmt.Sprintf("%s/calls/%s/actions/%s", c.baseURL, callControlID, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telephony: %s call %s: %w", action, callControlID, err)
	}

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("telephony: %s call %s: status %d: %s", action, callControlID, resp.StatusCode, data)
	}

	return resp, nil
}

var _ ports.TelephonyProvider = (*Client)(nil)
