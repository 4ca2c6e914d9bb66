package queue

import (
	"encoding/json"
	"fmt"

	"github.com/voxline/callflow/internal/domain"
)

// Call lifecycle subjects published on the event bus.
const (
	SubjectCallStarted     = "calls.started"
	SubjectCallEnded       = "calls.ended"
	SubjectCallTransferred = "calls.transferred"
)

// MessageQueue defines the interface for a message queue adapter.
type MessageQueue interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte) error) error
	Close() error
}

// PublishSummary marshals and publishes a call summary on the given subject.
func PublishSummary(mq MessageQueue, subject string, summary domain.CallSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("queue: marshal call summary: %w", err)
	}
	return mq.Publish(subject, data)
}
