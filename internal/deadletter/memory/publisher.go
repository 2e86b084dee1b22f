// Package memory provides an in-process dead-letter channel for development
// and tests.
package memory

import (
	"context"
	"sync"

	"github.com/snapvault/snapvault/internal/capture"
)

// Publisher collects dead-letter messages in memory.
type Publisher struct {
	mu       sync.Mutex
	messages []capture.DeadLetterMessage
}

// New creates an empty in-memory publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish appends the message.
func (p *Publisher) Publish(_ context.Context, msg capture.DeadLetterMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []capture.DeadLetterMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]capture.DeadLetterMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
