package flow

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/internal/observability/telemetry"
	"github.com/voxline/callflow/internal/ports"
)

// Resolution paths, recorded in metrics and useful in logs.
const (
	PathSingle   = "single"
	PathFastPath = "fastpath"
	PathModel    = "model"
	PathFallback = "fallback"
	PathSticky   = "sticky"
)

// Decision is the evaluator's verdict for one user turn.
type Decision struct {
	// TargetNodeID is the next node; empty when Stay is set.
	TargetNodeID string
	// Stay keeps the session on the current node to re-prompt toward its
	// goal.
	Stay bool
	Path string
}

// Evaluator decides the next flow node for an utterance. It resolves locally
// whenever it can and only pays for a model call when the lexical fast path
// misses; the model call is hard-bounded by the configured deadline.
type Evaluator struct {
	llm                 ports.LLMClient
	deadline            time.Duration
	maxHistoryTurns     int
	affirmativePrefixes []string
	negativePrefixes    []string
	log                 *zap.Logger
}

func NewEvaluator(llm ports.LLMClient, deadline time.Duration, maxHistoryTurns int, affirmative, negative []string, log *zap.Logger) *Evaluator {
	if deadline <= 0 {
		deadline = 1800 * time.Millisecond
	}
	return &Evaluator{
		llm:                 llm,
		deadline:            deadline,
		maxHistoryTurns:     maxHistoryTurns,
		affirmativePrefixes: normalizeAll(affirmative),
		negativePrefixes:    normalizeAll(negative),
		log:                 log,
	}
}

// Evaluate picks the next node. requiredVariables gate transitions before
// anything else: a transition whose variables are missing is not a candidate
// no matter what the model would say.
func (e *Evaluator) Evaluate(ctx context.Context, node *domain.FlowNode, utterance string, variables map[string]string, history []domain.ConversationTurn) Decision {
	candidates := eligible(node.Transitions, variables)

	if len(candidates) == 0 {
		// Nowhere to go; stay and re-prompt.
		telemetry.TransitionEvaluations.WithLabelValues(PathSticky).Inc()
		return Decision{Stay: true, Path: PathSticky}
	}

	if len(candidates) == 1 {
		telemetry.TransitionEvaluations.WithLabelValues(PathSingle).Inc()
		return Decision{TargetNodeID: candidates[0].TargetNodeID, Path: PathSingle}
	}

	if target, ok := e.fastPath(utterance, candidates); ok {
		telemetry.TransitionEvaluations.WithLabelValues(PathFastPath).Inc()
		return Decision{TargetNodeID: target, Path: PathFastPath}
	}

	return e.modelPick(ctx, node, utterance, variables, history, candidates)
}

// fastPath resolves common affirmative/negative replies without a model call.
// It matches on utterance prefix, not exact equality, so "yeah sure" and
// "yes, what's this about" both hit.
func (e *Evaluator) fastPath(utterance string, candidates []domain.Transition) (string, bool) {
	norm := Normalize(utterance)
	if norm == "" {
		return "", false
	}

	var polarity []string
	switch {
	case hasPrefixToken(norm, e.affirmativePrefixes):
		polarity = e.affirmativePrefixes
	case hasPrefixToken(norm, e.negativePrefixes):
		polarity = e.negativePrefixes
	default:
		return "", false
	}

	for _, tr := range candidates {
		if conditionMentions(tr.Condition, polarity) {
			return tr.TargetNodeID, true
		}
	}
	return "", false
}

func (e *Evaluator) modelPick(ctx context.Context, node *domain.FlowNode, utterance string, variables map[string]string, history []domain.ConversationTurn, candidates []domain.Transition) Decision {
	callCtx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	if e.maxHistoryTurns > 0 && len(history) > e.maxHistoryTurns {
		history = history[len(history)-e.maxHistoryTurns:]
	}

	start := time.Now()
	result, err := e.llm.PickTransition(callCtx, ports.TransitionRequest{
		NodeID:     node.ID,
		Goal:       node.Goal,
		Utterance:  utterance,
		Candidates: candidates,
		History:    history,
		Variables:  variables,
	})
	telemetry.LLMLatency.Observe(time.Since(start).Seconds())

	if err != nil || result.Index < 0 || result.Index >= len(candidates) {
		if err != nil {
			e.log.Warn("Bounded transition call failed, using fallback",
				zap.String("node_id", node.ID),
				zap.Duration("deadline", e.deadline),
				zap.Error(err),
			)
		}
		if node.Goal != "" {
			// Sticky node: re-prompt toward the goal instead of guessing.
			telemetry.TransitionEvaluations.WithLabelValues(PathSticky).Inc()
			return Decision{Stay: true, Path: PathSticky}
		}
		telemetry.TransitionEvaluations.WithLabelValues(PathFallback).Inc()
		return Decision{TargetNodeID: candidates[0].TargetNodeID, Path: PathFallback}
	}

	telemetry.TransitionEvaluations.WithLabelValues(PathModel).Inc()
	return Decision{TargetNodeID: candidates[result.Index].TargetNodeID, Path: PathModel}
}

// eligible drops transitions whose required variables are not yet extracted.
func eligible(transitions []domain.Transition, variables map[string]string) []domain.Transition {
	out := make([]domain.Transition, 0, len(transitions))
	for _, tr := range transitions {
		if missingVariable(tr, variables) {
			continue
		}
		out = append(out, tr)
	}
	return out
}

func missingVariable(tr domain.Transition, variables map[string]string) bool {
	for _, name := range tr.RequiredVariables {
		if v, ok := variables[name]; !ok || v == "" {
			return true
		}
	}
	return false
}

// Normalize lowercases and strips punctuation so lexical checks compare
// words, not formatting.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == '\'':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func normalizeAll(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if n := Normalize(w); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// hasPrefixToken reports whether the normalized utterance starts with any of
// the tokens, on a word boundary.
func hasPrefixToken(norm string, tokens []string) bool {
	for _, tok := range tokens {
		if norm == tok || strings.HasPrefix(norm, tok+" ") {
			return true
		}
	}
	return false
}

// conditionMentions reports whether a transition condition references any of
// the polarity tokens as whole words.
func conditionMentions(condition string, tokens []string) bool {
	words := strings.Fields(Normalize(condition))
	for _, w := range words {
		for _, tok := range tokens {
			if w == tok {
				return true
			}
		}
	}
	return false
}
