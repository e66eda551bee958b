// Package channel delivers short messages over pre-registered out-of-band
// channels. The gate depends only on the Sender interface; transports are
// external collaborators.
package channel

import (
	"context"
	"fmt"
	"sync"

	"clawgate/internal/config"
)

// Sender delivers a single message to one channel's target.
type Sender interface {
	Send(ctx context.Context, target, message string) error
}

// Registry maps configured channel names to senders.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]registered
}

type registered struct {
	target string
	sender Sender
}

func NewRegistry() *Registry {
	return &Registry{channels: map[string]registered{}}
}

// Register binds a channel name and target to a sender. Re-registering a name
// replaces the previous binding.
func (r *Registry) Register(name, target string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[name] = registered{target: target, sender: s}
}

// Send delivers message to the named channel.
func (r *Registry) Send(ctx context.Context, name, message string) error {
	r.mu.RLock()
	reg, ok := r.channels[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("channel %s not registered", name)
	}
	return reg.sender.Send(ctx, reg.target, message)
}

// Has reports whether a channel name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[name]
	return ok
}

// FromConfig builds a registry for the two configured confirmation channels.
// Telegram and email senders need credentials from the environment; the
// memory kind is for tests and local dry runs.
func FromConfig(cfg *config.Config, creds Credentials) (*Registry, error) {
	reg := NewRegistry()
	for _, ch := range []config.Channel{cfg.Channels.Primary, cfg.Channels.Secondary} {
		s, err := senderFor(ch, creds)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch.Name, err)
		}
		reg.Register(ch.Name, ch.Target, s)
	}
	return reg, nil
}

// Credentials carries transport secrets sourced from the environment, never
// from clawgate.yml.
type Credentials struct {
	TelegramBotToken string
	SMTPAddr         string
	SMTPUser         string
	SMTPPassword     string
	SMTPFrom         string
}

func senderFor(ch config.Channel, creds Credentials) (Sender, error) {
	switch ch.Kind {
	case "telegram":
		if creds.TelegramBotToken == "" {
			return nil, fmt.Errorf("telegram bot token not configured")
		}
		return NewTelegram(creds.TelegramBotToken), nil
	case "email":
		if creds.SMTPAddr == "" || creds.SMTPFrom == "" {
			return nil, fmt.Errorf("smtp address and from not configured")
		}
		return NewSMTP(creds.SMTPAddr, creds.SMTPUser, creds.SMTPPassword, creds.SMTPFrom), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown channel kind %q", ch.Kind)
	}
}
