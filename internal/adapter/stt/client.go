package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/internal/ports"
)

// Client subscribes to the speech-to-text decoder's realtime stream for one
// call and forwards partial/final transcript events to the orchestrator.
type Client struct {
	streamURL     string
	apiKey        string
	language      string
	reconnectWait time.Duration
	maxReconnects int
	sink          ports.TranscriptSink
	log           *zap.Logger
}

func NewClient(streamURL, apiKey, language string, reconnectWait time.Duration, maxReconnects int, sink ports.TranscriptSink, log *zap.Logger) *Client {
	if reconnectWait <= 0 {
		reconnectWait = time.Second
	}
	if maxReconnects <= 0 {
		maxReconnects = 3
	}
	return &Client{
		streamURL:     streamURL,
		apiKey:        apiKey,
		language:      language,
		reconnectWait: reconnectWait,
		maxReconnects: maxReconnects,
		sink:          sink,
		log:           log,
	}
}

// transcriptFrame is the decoder's wire format.
type transcriptFrame struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
	DetectedAt int64   `json:"detected_at_ms"`
}

// Listen attaches to the decoder stream for a call and pumps events until the
// context is cancelled or the stream closes for good. Reconnects are bounded;
// past the limit the stream is abandoned and the silence monitor takes over.
func (c *Client) Listen(ctx context.Context, callControlID string) error {
	attempts := 0
	for {
		err := c.pump(ctx, callControlID)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if attempts > c.maxReconnects {
			return fmt.Errorf("stt: stream for call %s failed after %d reconnects: %w", callControlID, c.maxReconnects, err)
		}
		c.log.Warn("Transcript stream dropped, reconnecting",
			zap.String("call_control_id", callControlID),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectWait):
		}
	}
}

func (c *Client) pump(ctx context.Context, callControlID string) error {
	header := http.Header{"Authorization": []string{"Bearer " + c.apiKey}}
	url := fmt.Sprintf("%s?call_control_id=%s&language=%s", c.streamURL, callControlID, c.language)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("stt: dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stt: read: %w", err)
		}

		var frame transcriptFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn("Malformed transcript frame dropped", zap.Error(err))
			continue
		}
		if frame.Type == "keepalive" || frame.Text == "" {
			continue
		}

		detectedAt := time.Now()
		if frame.DetectedAt > 0 {
			detectedAt = time.UnixMilli(frame.DetectedAt)
		}

		if err := c.sink.OnTranscript(ctx, domain.TranscriptEvent{
			CallControlID: callControlID,
			Text:          frame.Text,
			IsFinal:       frame.IsFinal,
			Confidence:    frame.Confidence,
			DetectedAt:    detectedAt,
		}); err != nil {
			c.log.Error("Transcript event rejected",
				zap.String("call_control_id", callControlID),
				zap.Error(err),
			)
		}
	}
}
