package channel

import (
	"context"
	"errors"
	"sync"
)

// Memory records deliveries in process. Used by tests and `cg check`.
type Memory struct {
	mu       sync.Mutex
	messages []Delivery
	fail     error
}

type Delivery struct {
	Target  string
	Message string
}

func NewMemory() *Memory {
	return &Memory{}
}

// FailWith makes subsequent sends return err; nil restores delivery.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *Memory) Send(ctx context.Context, target, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.messages = append(m.messages, Delivery{Target: target, Message: message})
	return nil
}

// Deliveries returns a copy of everything sent so far.
func (m *Memory) Deliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, len(m.messages))
	copy(out, m.messages)
	return out
}

// Last returns the most recent delivery.
func (m *Memory) Last() (Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return Delivery{}, errors.New("no deliveries")
	}
	return m.messages[len(m.messages)-1], nil
}
