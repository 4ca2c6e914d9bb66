package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/internal/ports"
)

// MockTelephonyProvider is a func-field mock of ports.TelephonyProvider. It
// records issued commands so tests can assert on them.
type MockTelephonyProvider struct {
	PlayTextFunc     func(ctx context.Context, callControlID, text, voice string) (string, error)
	StopPlaybackFunc func(ctx context.Context, callControlID string) error
	SendDigitsFunc   func(ctx context.Context, callControlID, digits string) error
	TransferFunc     func(ctx context.Context, callControlID, destination string) error
	HangupFunc       func(ctx context.Context, callControlID string) error

	mu          sync.Mutex
	played      []string
	stops       int
	hangups     int
	playbackSeq int
}

func (m *MockTelephonyProvider) PlayText(ctx context.Context, callControlID, text, voice string) (string, error) {
	if m.PlayTextFunc != nil {
		return m.PlayTextFunc(ctx, callControlID, text, voice)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.played = append(m.played, text)
	m.playbackSeq++
	return fmt.Sprintf("pb-%d", m.playbackSeq), nil
}

func (m *MockTelephonyProvider) StopPlayback(ctx context.Context, callControlID string) error {
	if m.StopPlaybackFunc != nil {
		return m.StopPlaybackFunc(ctx, callControlID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

func (m *MockTelephonyProvider) SendDigits(ctx context.Context, callControlID, digits string) error {
	if m.SendDigitsFunc != nil {
		return m.SendDigitsFunc(ctx, callControlID, digits)
	}
	return nil
}

func (m *MockTelephonyProvider) Transfer(ctx context.Context, callControlID, destination string) error {
	if m.TransferFunc != nil {
		return m.TransferFunc(ctx, callControlID, destination)
	}
	return nil
}

func (m *MockTelephonyProvider) Hangup(ctx context.Context, callControlID string) error {
	if m.HangupFunc != nil {
		return m.HangupFunc(ctx, callControlID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hangups++
	return nil
}

// Played returns every text handed to PlayText, in order.
func (m *MockTelephonyProvider) Played() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.played...)
}

// Stops returns how many stop-playback commands were issued.
func (m *MockTelephonyProvider) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// Hangups returns how many hangup commands were issued.
func (m *MockTelephonyProvider) Hangups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hangups
}

// MockSynthesisStream is a func-field mock of ports.SynthesisStream.
type MockSynthesisStream struct {
	SendFragmentFunc func(ctx context.Context, text string, isLast bool) error

	mu        sync.Mutex
	fragments []string
}

func (m *MockSynthesisStream) SendFragment(ctx context.Context, text string, isLast bool) error {
	if m.SendFragmentFunc != nil {
		return m.SendFragmentFunc(ctx, text, isLast)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fragments = append(m.fragments, text)
	return nil
}

func (m *MockSynthesisStream) Flush(ctx context.Context) error { return nil }

func (m *MockSynthesisStream) Close() error { return nil }

// Fragments returns every fragment sent, in order.
func (m *MockSynthesisStream) Fragments() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.fragments...)
}

// MockSynthesisDialer hands out a shared MockSynthesisStream.
type MockSynthesisDialer struct {
	DialFunc func(ctx context.Context, callControlID, voice, language string) (ports.SynthesisStream, error)

	Stream MockSynthesisStream
}

func (m *MockSynthesisDialer) Dial(ctx context.Context, callControlID, voice, language string) (ports.SynthesisStream, error) {
	if m.DialFunc != nil {
		return m.DialFunc(ctx, callControlID, voice, language)
	}
	return &m.Stream, nil
}

// MockLLMClient is a func-field mock of ports.LLMClient. Defaults: no
// transition applies, generation echoes the prompt, extraction returns
// nothing.
type MockLLMClient struct {
	PickTransitionFunc   func(ctx context.Context, req ports.TransitionRequest) (ports.TransitionResult, error)
	GenerateContentFunc  func(ctx context.Context, prompt string, history []domain.ConversationTurn, variables map[string]string) (string, error)
	ExtractVariablesFunc func(ctx context.Context, utterance string, names []string) (map[string]string, error)

	mu    sync.Mutex
	picks int
}

func (m *MockLLMClient) PickTransition(ctx context.Context, req ports.TransitionRequest) (ports.TransitionResult, error) {
	m.mu.Lock()
	m.picks++
	m.mu.Unlock()
	if m.PickTransitionFunc != nil {
		return m.PickTransitionFunc(ctx, req)
	}
	return ports.TransitionResult{Index: -1}, nil
}

func (m *MockLLMClient) GenerateContent(ctx context.Context, prompt string, history []domain.ConversationTurn, variables map[string]string) (string, error) {
	if m.GenerateContentFunc != nil {
		return m.GenerateContentFunc(ctx, prompt, history, variables)
	}
	return prompt, nil
}

func (m *MockLLMClient) ExtractVariables(ctx context.Context, utterance string, names []string) (map[string]string, error) {
	if m.ExtractVariablesFunc != nil {
		return m.ExtractVariablesFunc(ctx, utterance, names)
	}
	return map[string]string{}, nil
}

// PickCalls returns how many times the model was asked to pick a transition.
func (m *MockLLMClient) PickCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.picks
}

// MockNotificationService is a func-field mock of ports.NotificationService.
type MockNotificationService struct {
	SendCallSummaryFunc func(ctx context.Context, agent *domain.Agent, summary domain.CallSummary) error

	mu   sync.Mutex
	sent []domain.CallSummary
}

func (m *MockNotificationService) SendCallSummary(ctx context.Context, agent *domain.Agent, summary domain.CallSummary) error {
	if m.SendCallSummaryFunc != nil {
		return m.SendCallSummaryFunc(ctx, agent, summary)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, summary)
	return nil
}

// MockBillingService is a func-field mock of ports.BillingService.
type MockBillingService struct {
	RecordCallUsageFunc func(ctx context.Context, agent *domain.Agent, summary domain.CallSummary) error
}

func (m *MockBillingService) RecordCallUsage(ctx context.Context, agent *domain.Agent, summary domain.CallSummary) error {
	if m.RecordCallUsageFunc != nil {
		return m.RecordCallUsageFunc(ctx, agent, summary)
	}
	return nil
}
