// Package memory keeps published run summaries in process, for dry runs and
// tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Publisher records every publish call.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage is one recorded publish, with the payload encoded the same
// way the Pub/Sub publisher encodes it.
type PublishedMessage struct {
	Topic string
	Data  []byte
}

// Decode unmarshals the recorded payload into out.
func (m PublishedMessage) Decode(out any) error {
	if err := json.Unmarshal(m.Data, out); err != nil {
		return fmt.Errorf("decode %s message: %w", m.Topic, err)
	}
	return nil
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes payload as JSON and records it under topic.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Data: data})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
