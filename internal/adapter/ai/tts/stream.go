package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/voxline/callflow/internal/ports"
)

// Dialer opens one synthesis websocket per call at answer time. The
// connection stays warm for the whole call; fragments ride the same stream
// instead of paying a reconnect per sentence.
type Dialer struct {
	streamURL       string
	apiKey          string
	defaultVoice    string
	defaultLanguage string
	timeout         time.Duration
	log             *zap.Logger
}

func NewDialer(streamURL, apiKey, defaultVoice, defaultLanguage string, timeout time.Duration, log *zap.Logger) *Dialer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dialer{
		streamURL:       streamURL,
		apiKey:          apiKey,
		defaultVoice:    defaultVoice,
		defaultLanguage: defaultLanguage,
		timeout:         timeout,
		log:             log,
	}
}

func (d *Dialer) Dial(ctx context.Context, callControlID, voice, language string) (ports.SynthesisStream, error) {
	if voice == "" {
		voice = d.defaultVoice
	}
	if language == "" {
		language = d.defaultLanguage
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, d.streamURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tts: dial synthesis stream for call %s: %w", callControlID, err)
	}

	s := &Stream{
		conn:    conn,
		callID:  callControlID,
		timeout: d.timeout,
		log:     d.log,
	}

	setup := map[string]interface{}{
		"setup": map[string]interface{}{
			"call_control_id": callControlID,
			"voice":           voice,
			"language":        language,
			"output_format":   "mulaw_8000",
		},
	}
	if err := s.send(ctx, setup); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("tts: setup stream for call %s: %w", callControlID, err)
	}

	d.log.Info("Synthesis stream established",
		zap.String("call_control_id", callControlID),
		zap.String("voice", voice),
	)
	return s, nil
}

// Stream is the warm per-call synthesis connection. Fragments are ordered;
// the provider returns audio chunks in the same order.
type Stream struct {
	conn    *websocket.Conn
	callID  string
	timeout time.Duration
	log     *zap.Logger
}

func (s *Stream) SendFragment(ctx context.Context, text string, isLast bool) error {
	msg := map[string]interface{}{
		"text_input": map[string]interface{}{
			"text":  text,
			"final": isLast,
		},
	}
	if err := s.send(ctx, msg); err != nil {
		return fmt.Errorf("tts: send fragment on call %s: %w", s.callID, err)
	}
	return nil
}

// Flush forces the provider to synthesize any buffered partial text.
func (s *Stream) Flush(ctx context.Context) error {
	return s.send(ctx, map[string]interface{}{"flush": true})
}

func (s *Stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "call ended")
}

func (s *Stream) send(ctx context.Context, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.conn.Write(writeCtx, websocket.MessageText, data)
}
