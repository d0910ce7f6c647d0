// Package memory contains an in-process publisher for tests and
// single-node deployments that need no broker.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Message is one recorded publish call.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher keeps published completion events in memory for inspection.
type Publisher struct {
	mu   sync.RWMutex
	seq  int
	msgs []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a synthetic message ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	msg := Message{
		ID:      fmt.Sprintf("mem-%06d", p.seq),
		Topic:   topic,
		Payload: payload,
	}
	p.msgs = append(p.msgs, msg)
	return msg.ID, nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.msgs))
	copy(out, p.msgs)
	return out
}

// Last returns the most recent message, if any.
func (p *Publisher) Last() (Message, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.msgs) == 0 {
		return Message{}, false
	}
	return p.msgs[len(p.msgs)-1], true
}
