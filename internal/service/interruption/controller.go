package interruption

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voxline/callflow/internal/observability/telemetry"
	"github.com/voxline/callflow/internal/service/flow"
)

// Verdict classifies an utterance heard while deciding whether to interrupt.
type Verdict int

const (
	// VerdictDiscard drops the utterance entirely (short acknowledgement
	// during agent speech).
	VerdictDiscard Verdict = iota
	// VerdictEcho drops the utterance as re-captured agent speech.
	VerdictEcho
	// VerdictGenuine accepts the utterance as live user input; if the agent
	// is speaking this is a barge-in.
	VerdictGenuine
	// VerdictSuppressedBargeIn accepts the utterance but must not cancel the
	// current playback unit: the user spoke before the unit audibly started.
	VerdictSuppressedBargeIn
)

func (v Verdict) String() string {
	switch v {
	case VerdictDiscard:
		return "discard"
	case VerdictEcho:
		return "echo"
	case VerdictGenuine:
		return "genuine"
	case VerdictSuppressedBargeIn:
		return "suppressed"
	default:
		return "unknown"
	}
}

// AgentChannelState is the interruption-relevant snapshot of the agent side.
type AgentChannelState struct {
	Speaking        bool
	LastSpokenText  string
	LastQuietAt     time.Time // when the channel last went idle
	UnitStartedAt   time.Time // confirmed start of the currently playing unit
	ActivePlaybacks int64
}

// Controller decides whether an in-progress user utterance is echo, a
// throwaway acknowledgement, or a genuine barge-in.
type Controller struct {
	minWords       int
	gracePeriod    time.Duration
	tokenOverlap   float64
	trigramOverlap float64
	preStartBuffer time.Duration
	log            *zap.Logger
}

func NewController(minWords int, gracePeriod time.Duration, tokenOverlap, trigramOverlap float64, preStartBuffer time.Duration, log *zap.Logger) *Controller {
	if minWords <= 0 {
		minWords = 2
	}
	return &Controller{
		minWords:       minWords,
		gracePeriod:    gracePeriod,
		tokenOverlap:   tokenOverlap,
		trigramOverlap: trigramOverlap,
		preStartBuffer: preStartBuffer,
		log:            log,
	}
}

// Classify applies, in order: the echo filter, the short-utterance gate, and
// the pre-start timing check.
func (c *Controller) Classify(text string, detectedAt time.Time, agent AgentChannelState) Verdict {
	verdict := c.classify(text, detectedAt, agent)
	telemetry.InterruptionsTotal.WithLabelValues(verdict.String()).Inc()
	return verdict
}

func (c *Controller) classify(text string, detectedAt time.Time, agent AgentChannelState) Verdict {
	norm := flow.Normalize(text)
	if norm == "" {
		return VerdictDiscard
	}

	if agent.Speaking && c.isEcho(norm, agent.LastSpokenText) {
		c.log.Debug("Utterance classified as self-echo", zap.String("text", text))
		return VerdictEcho
	}

	words := len(strings.Fields(norm))
	if words < c.minWords {
		if agent.Speaking {
			return VerdictDiscard
		}
		if !agent.LastQuietAt.IsZero() && detectedAt.Sub(agent.LastQuietAt) <= c.gracePeriod {
			// The agent just stopped; a lone word this close is
			// backchannel to what was playing, not an answer.
			return VerdictDiscard
		}
		return VerdictGenuine
	}

	if agent.Speaking && agent.ActivePlaybacks > 0 && !agent.UnitStartedAt.IsZero() {
		if agent.UnitStartedAt.Sub(detectedAt) > -c.preStartBuffer {
			// The utterance predates the unit's audible start (within the
			// buffer window); it answers the previous content, so do not
			// cancel the unit that has not really been heard yet.
			return VerdictSuppressedBargeIn
		}
	}

	return VerdictGenuine
}

// isEcho guards against the agent's own voice coming back through an open
// microphone: high-overlap substring, trigram, or token overlap with the most
// recently spoken agent text.
func (c *Controller) isEcho(normUtterance, agentText string) bool {
	normAgent := flow.Normalize(agentText)
	if normAgent == "" {
		return false
	}

	if len(normUtterance) >= 8 && strings.Contains(normAgent, normUtterance) {
		return true
	}

	utterTokens := strings.Fields(normUtterance)
	agentTokens := strings.Fields(normAgent)
	if len(utterTokens) == 0 {
		return false
	}

	if tokenOverlapRatio(utterTokens, agentTokens) >= c.tokenOverlap {
		return true
	}

	if len(utterTokens) >= 3 && trigramOverlapRatio(utterTokens, agentTokens) >= c.trigramOverlap {
		return true
	}

	return false
}

func tokenOverlapRatio(utterTokens, agentTokens []string) float64 {
	agentSet := make(map[string]struct{}, len(agentTokens))
	for _, t := range agentTokens {
		agentSet[t] = struct{}{}
	}
	shared := 0
	for _, t := range utterTokens {
		if _, ok := agentSet[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(utterTokens))
}

func trigramOverlapRatio(utterTokens, agentTokens []string) float64 {
	utterTris := trigrams(utterTokens)
	if len(utterTris) == 0 {
		return 0
	}
	agentTris := make(map[string]struct{})
	for tri := range trigrams(agentTokens) {
		agentTris[tri] = struct{}{}
	}
	shared := 0
	for tri := range utterTris {
		if _, ok := agentTris[tri]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(utterTris))
}

func trigrams(tokens []string) map[string]struct{} {
	out := make(map[string]struct{})
	for i := 0; i+3 <= len(tokens); i++ {
		out[tokens[i]+" "+tokens[i+1]+" "+tokens[i+2]] = struct{}{}
	}
	return out
}
