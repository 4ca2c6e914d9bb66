package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SimulatorConfig drives one scripted call against a running server.
type SimulatorConfig struct {
	ServerURL     string
	AgentID       string
	CallControlID string
	ScriptPath    string
	TurnDelay     time.Duration
	PlaybackDelay time.Duration
}

// Simulator replays a conversation: it plays the provider role, sending the
// lifecycle webhooks and user transcripts a real call would produce.
type Simulator struct {
	cfg    SimulatorConfig
	client *http.Client
	log    *zap.Logger

	// playbackSeq fakes provider-assigned playback IDs for the playback
	// completion events.
	playbackSeq int
}

func NewSimulator(cfg SimulatorConfig, log *zap.Logger) *Simulator {
	if cfg.CallControlID == "" {
		cfg.CallControlID = "sim-" + uuid.NewString()
	}
	return &Simulator{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// Run drives the whole call: answered, scripted user turns, hangup.
func (s *Simulator) Run() error {
	script, err := s.loadScript()
	if err != nil {
		return err
	}

	s.log.Info("Starting simulated call",
		zap.String("call_control_id", s.cfg.CallControlID),
		zap.String("agent_id", s.cfg.AgentID),
		zap.Int("turns", len(script)),
	)

	if err := s.sendCallEvent("call.answered"); err != nil {
		return fmt.Errorf("answer call: %w", err)
	}

	// Let the greeting play out before the first user turn.
	time.Sleep(s.cfg.PlaybackDelay)
	if err := s.confirmPlayback(); err != nil {
		s.log.Warn("Playback confirmation failed", zap.Error(err))
	}

	for i, line := range script {
		time.Sleep(s.cfg.TurnDelay)

		s.log.Info("User says", zap.Int("turn", i+1), zap.String("text", line))
		if err := s.sendTranscript(line); err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}

		time.Sleep(s.cfg.PlaybackDelay)
		if err := s.confirmPlayback(); err != nil {
			s.log.Warn("Playback confirmation failed", zap.Error(err))
		}
	}

	time.Sleep(s.cfg.TurnDelay)
	if err := s.sendCallEvent("call.hangup"); err != nil {
		return fmt.Errorf("hang up: %w", err)
	}

	s.log.Info("Simulated call finished", zap.String("call_control_id", s.cfg.CallControlID))
	return nil
}

// loadScript reads user turns from the script file, one per line. Blank lines
// and # comments are skipped. With no script file a built-in demo runs.
func (s *Simulator) loadScript() ([]string, error) {
	if s.cfg.ScriptPath == "" {
		return []string{
			"yes, this is me",
			"sure, go ahead",
			"my name is Alex Morgan",
			"I'm not interested right now, sorry",
			"goodbye",
		}, nil
	}

	f, err := os.Open(s.cfg.ScriptPath)
	if err != nil {
		return nil, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return lines, nil
}

// sendCallEvent posts a lifecycle webhook in the provider envelope format.
func (s *Simulator) sendCallEvent(eventType string) error {
	var playbackID string
	if eventType == "call.playback.ended" {
		playbackID = fmt.Sprintf("pb-%d", s.playbackSeq)
	}

	envelope := map[string]interface{}{
		"data": map[string]interface{}{
			"event_type":  eventType,
			"id":          uuid.NewString(),
			"occurred_at": time.Now().Format(time.RFC3339Nano),
			"payload": map[string]interface{}{
				"call_control_id": s.cfg.CallControlID,
				"playback_id":     playbackID,
				"client_state":    s.cfg.AgentID,
				"from":            "+15550100",
				"to":              "+15550199",
			},
		},
	}
	return s.post("/webhooks/telephony", envelope)
}

// confirmPlayback acknowledges the next outstanding playback unit. The
// simulator does not know how many fragments the agent spoke, so it confirms
// a few sequence numbers; duplicates and unknowns are absorbed server-side.
func (s *Simulator) confirmPlayback() error {
	for i := 0; i < 3; i++ {
		s.playbackSeq++
		if err := s.sendCallEvent("call.playback.ended"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulator) sendTranscript(text string) error {
	return s.post("/webhooks/transcript", map[string]interface{}{
		"call_control_id": s.cfg.CallControlID,
		"text":            text,
		"is_final":        true,
		"confidence":      0.95,
		"detected_at":     time.Now().Format(time.RFC3339Nano),
	})
}

func (s *Simulator) post(path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := s.client.Post(s.cfg.ServerURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s returned %d", path, resp.StatusCode)
	}
	return nil
}
