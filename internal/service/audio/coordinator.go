package audio

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/internal/observability/telemetry"
	"github.com/voxline/callflow/internal/ports"
)

// callStream is the per-call playback state. The synthesis connection is
// opened once at call start and stays warm; fragments for the call serialize
// on mu so provider playback order matches synthesis order.
type callStream struct {
	mu        sync.Mutex
	stream    ports.SynthesisStream
	voice     string
	seq       int
	units     map[string]*domain.PlaybackUnit
	lastStart time.Time
	lastText  string
}

// Coordinator turns node content into ordered playback units: segment, feed
// the warm synthesis stream, hand each fragment to the telephony provider,
// and account for every unit until its playback-ended confirmation.
type Coordinator struct {
	telephony ports.TelephonyProvider
	dialer    ports.SynthesisDialer
	store     ports.SessionStore

	maxFragmentRunes int
	wordsPerMinute   int
	log              *zap.Logger

	mu    sync.Mutex
	calls map[string]*callStream
}

func NewCoordinator(telephony ports.TelephonyProvider, dialer ports.SynthesisDialer, store ports.SessionStore, maxFragmentRunes, wordsPerMinute int, log *zap.Logger) *Coordinator {
	if wordsPerMinute <= 0 {
		wordsPerMinute = 150
	}
	return &Coordinator{
		telephony:        telephony,
		dialer:           dialer,
		store:            store,
		maxFragmentRunes: maxFragmentRunes,
		wordsPerMinute:   wordsPerMinute,
		log:              log,
		calls:            make(map[string]*callStream),
	}
}

// StartCall establishes the synthesis stream for the call. Called once when
// the call is answered.
func (c *Coordinator) StartCall(ctx context.Context, callControlID, voice, language string) error {
	stream, err := c.dialer.Dial(ctx, callControlID, voice, language)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.calls[callControlID] = &callStream{
		stream: stream,
		voice:  voice,
		units:  make(map[string]*domain.PlaybackUnit),
	}
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) get(callControlID string) (*callStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.calls[callControlID]
	if !ok {
		return nil, fmt.Errorf("audio: no synthesis stream for call %s", callControlID)
	}
	return cs, nil
}

// StreamContent segments text and dispatches each fragment as soon as it is
// cut, without waiting for the rest. Callers serialize turns per call, so a
// barge-in cancel never lands inside this loop; a cancel that arrives after
// dispatch forgets the turn's units, and their late completions are absorbed
// as unknown.
func (c *Coordinator) StreamContent(ctx context.Context, callControlID, text string) ([]*domain.PlaybackUnit, error) {
	cs, err := c.get(callControlID)
	if err != nil {
		return nil, err
	}

	fragments := SplitSpeakable(text, c.maxFragmentRunes)
	if len(fragments) == 0 {
		return nil, nil
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	var units []*domain.PlaybackUnit
	for i, fragment := range fragments {
		isLast := i == len(fragments)-1
		if err := cs.stream.SendFragment(ctx, fragment, isLast); err != nil {
			return units, fmt.Errorf("audio: synthesis fragment %d for call %s: %w", i, callControlID, err)
		}

		playbackID, err := c.telephony.PlayText(ctx, callControlID, fragment, cs.voice)
		if err != nil {
			return units, fmt.Errorf("audio: dispatch fragment %d for call %s: %w", i, callControlID, err)
		}
		if playbackID == "" {
			playbackID = uuid.NewString()
		}

		unit := &domain.PlaybackUnit{
			ID:            playbackID,
			CallControlID: callControlID,
			Sequence:      cs.seq,
			Text:          fragment,
			IsFirst:       i == 0,
			IsLast:        isLast,
			EstimatedDur:  c.estimateDuration(fragment),
			StartedAt:     time.Now(),
		}
		cs.seq++
		cs.units[playbackID] = unit
		cs.lastStart = unit.StartedAt
		units = append(units, unit)

		if _, err := c.store.Increment(ctx, callControlID, ports.CounterActivePlayback); err != nil {
			c.log.Error("Failed to increment playback counter", zap.Error(err))
		}
		telemetry.PlaybackUnitsInFlight.Inc()
	}

	cs.lastText = text
	return units, nil
}

// CancelPlayback forgets the turn's dispatched units, tells the provider to
// stop in-flight audio, and zeroes the counter. Safe to call on duplicate
// barge-ins.
func (c *Coordinator) CancelPlayback(ctx context.Context, callControlID string) error {
	cs, err := c.get(callControlID)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	inFlight := len(cs.units)
	cs.units = make(map[string]*domain.PlaybackUnit)
	cs.mu.Unlock()

	if err := c.telephony.StopPlayback(ctx, callControlID); err != nil {
		return fmt.Errorf("audio: stop playback for call %s: %w", callControlID, err)
	}
	if err := c.store.ResetCounter(ctx, callControlID, ports.CounterActivePlayback); err != nil {
		return err
	}

	telemetry.PlaybackUnitsInFlight.Sub(float64(inFlight))
	telemetry.PlaybackCancellations.Inc()
	return nil
}

// OnPlaybackEnded consumes a provider completion event. Duplicates are
// absorbed: an unknown playback ID leaves the counter alone.
func (c *Coordinator) OnPlaybackEnded(ctx context.Context, callControlID, playbackID string) (remaining int64, known bool, err error) {
	cs, err := c.get(callControlID)
	if err != nil {
		return 0, false, err
	}

	cs.mu.Lock()
	_, known = cs.units[playbackID]
	if known {
		delete(cs.units, playbackID)
	}
	cs.mu.Unlock()

	if !known {
		telemetry.WebhookDuplicates.Inc()
		remaining, err = c.store.GetCounter(ctx, callControlID, ports.CounterActivePlayback)
		return remaining, false, err
	}

	remaining, err = c.store.Decrement(ctx, callControlID, ports.CounterActivePlayback)
	if err != nil {
		return 0, true, err
	}
	telemetry.PlaybackUnitsInFlight.Dec()
	return remaining, true, nil
}

// LastUnitStartedAt reports the dispatch time of the most recent unit, used
// by the pre-start barge-in suppression check.
func (c *Coordinator) LastUnitStartedAt(callControlID string) time.Time {
	cs, err := c.get(callControlID)
	if err != nil {
		return time.Time{}
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.lastStart
}

// EndCall tears down the synthesis stream and forgets the call.
func (c *Coordinator) EndCall(callControlID string) {
	c.mu.Lock()
	cs, ok := c.calls[callControlID]
	delete(c.calls, callControlID)
	c.mu.Unlock()

	if !ok {
		return
	}
	cs.mu.Lock()
	telemetry.PlaybackUnitsInFlight.Sub(float64(len(cs.units)))
	cs.units = make(map[string]*domain.PlaybackUnit)
	cs.mu.Unlock()

	if err := cs.stream.Close(); err != nil {
		c.log.Warn("Failed to close synthesis stream",
			zap.String("call_control_id", callControlID),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) estimateDuration(fragment string) time.Duration {
	words := len(strings.Fields(fragment))
	if words == 0 {
		return 0
	}
	return time.Duration(float64(words) / float64(c.wordsPerMinute) * float64(time.Minute))
}
