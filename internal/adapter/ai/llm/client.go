package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/internal/infrastructure/circuitbreaker"
	"github.com/voxline/callflow/internal/ports"
)

// Client talks to an OpenAI-compatible chat-completions endpoint. Callers
// bound every request with a context deadline; the underlying HTTP client has
// no timeout of its own so the caller's deadline is the only bound.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *circuitbreaker.HTTPClient
	log     *zap.Logger
}

func NewClient(baseURL, apiKey, model string, log *zap.Logger) *Client {
	settings := circuitbreaker.DefaultHTTPClientSettings("llm")
	settings.Timeout = 0 // deadline comes from the request context
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		http:    circuitbreaker.NewHTTPClientWithSettings(settings, log),
		log:     log,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// PickTransition asks the model to choose among candidate transitions by
// index. "none" (or an unparsable reply) maps to index -1, which the
// evaluator treats as "no transition applies".
func (c *Client) PickTransition(ctx context.Context, req ports.TransitionRequest) (ports.TransitionResult, error) {
	var sb strings.Builder
	sb.WriteString("You are routing a live phone conversation through a dialogue graph.\n")
	if req.Goal != "" {
		sb.WriteString("Current node goal: " + req.Goal + "\n")
	}
	sb.WriteString("The caller just said: " + strconv.Quote(req.Utterance) + "\n\n")
	sb.WriteString("Candidate transitions:\n")
	for i, tr := range req.Candidates {
		fmt.Fprintf(&sb, "%d. %s\n", i, tr.Condition)
	}
	sb.WriteString("\nReply with only the number of the matching transition, or the word none.")

	messages := historyMessages(req.History)
	messages = append(messages, chatMessage{Role: "user", Content: sb.String()})

	reply, err := c.complete(ctx, messages, 8)
	if err != nil {
		return ports.TransitionResult{Index: -1}, err
	}

	reply = strings.ToLower(strings.TrimSpace(reply))
	if reply == "none" {
		return ports.TransitionResult{Index: -1}, nil
	}
	idx, err := strconv.Atoi(strings.Trim(reply, ". "))
	if err != nil || idx < 0 || idx >= len(req.Candidates) {
		c.log.Warn("LLM returned unparsable transition pick", zap.String("reply", reply))
		return ports.TransitionResult{Index: -1}, nil
	}
	return ports.TransitionResult{Index: idx}, nil
}

// GenerateContent produces spoken text for a prompt-generated node.
func (c *Client) GenerateContent(ctx context.Context, prompt string, history []domain.ConversationTurn, variables map[string]string) (string, error) {
	var sb strings.Builder
	sb.WriteString(prompt)
	if len(variables) > 0 {
		sb.WriteString("\n\nKnown caller details:\n")
		for k, v := range variables {
			fmt.Fprintf(&sb, "- %s: %s\n", k, v)
		}
	}
	sb.WriteString("\nRespond with only the words the agent should speak next. Keep it short and conversational.")

	messages := historyMessages(history)
	messages = append(messages, chatMessage{Role: "user", Content: sb.String()})

	return c.complete(ctx, messages, 200)
}

// ExtractVariables pulls named values out of an utterance as a JSON object.
// Missing values are omitted, never guessed.
func (c *Client) ExtractVariables(ctx context.Context, utterance string, names []string) (map[string]string, error) {
	prompt := fmt.Sprintf(
		"Extract the following fields from the caller utterance if present: %s.\nUtterance: %s\nReply with a JSON object containing only the fields you found.",
		strings.Join(names, ", "), strconv.Quote(utterance))

	reply, err := c.complete(ctx, []chatMessage{{Role: "user", Content: prompt}}, 200)
	if err != nil {
		return nil, err
	}

	reply = strings.TrimSpace(reply)
	reply = strings.TrimPrefix(reply, "```json")
	reply = strings.Trim(reply, "` \n")

	out := make(map[string]string)
	if err := json.Unmarshal([]byte(reply), &out); err != nil {
		return nil, fmt.Errorf("llm: parse extraction reply: %w", err)
	}
	return out, nil
}

func (c *Client) complete(ctx context.Context, messages []chatMessage, maxTokens int) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: 0,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("llm: status %d: %s", resp.StatusCode, data)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("llm: empty response")
	}
	return cr.Choices[0].Message.Content, nil
}

func historyMessages(history []domain.ConversationTurn) []chatMessage {
	messages := make([]chatMessage, 0, len(history)+1)
	for _, turn := range history {
		role := "user"
		if turn.Role == domain.SpeakerAgent {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: turn.Content})
	}
	return messages
}

var _ ports.LLMClient = (*Client)(nil)
