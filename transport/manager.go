// This package delivers encrypted messages to the server. The persistent channel is preferred and
// plain HTTP requests are used whenever the channel is down or an attempt over it fails in transit.
package transport

import (
	"context"
	"errors"

	"github.com/meow-io/go-courier/config"
	"go.uber.org/zap"
)

// Transport submits one message and reports how the server answered.
type Transport interface {
	Send(ctx context.Context, to Destination, msg *OutgoingMessage) (Outcome, error)
}

type Manager struct {
	log      *zap.SugaredLogger
	channel  *Channel
	primary  Transport
	fallback Transport
}

func NewManager(c *config.Config, tokens TokenSource) *Manager {
	channel := NewChannel(c, tokens)
	m := newManager(c.Logger("transport/manager"), channel, NewFallback(c))
	m.channel = channel
	return m
}

func newManager(log *zap.SugaredLogger, primary, fallback Transport) *Manager {
	return &Manager{
		log:      log,
		primary:  primary,
		fallback: fallback,
	}
}

func (m *Manager) Start() {
	if m.channel != nil && m.channel.config.WebsocketURL != "" {
		m.channel.Start()
	}
}

// States reports the channel connecting and disconnecting. It never fires without a channel.
func (m *Manager) States() <-chan bool {
	if m.channel == nil {
		return nil
	}
	return m.channel.States()
}

func (m *Manager) Shutdown() {
	if m.channel != nil {
		m.channel.Shutdown()
	}
}

// Send tries the channel first. Answers from the server are final, failures in transit move on
// to the fallback.
func (m *Manager) Send(ctx context.Context, to Destination, msg *OutgoingMessage) (Outcome, error) {
	outcome, err := m.primary.Send(ctx, to, msg)
	if err == nil {
		return outcome, nil
	}
	var te *TransientError
	if !errors.As(err, &te) {
		return nil, err
	}
	if errors.Is(err, ErrChannelUnavailable) {
		m.log.Debugf("channel unavailable, falling back for %s", to.ID)
	} else {
		m.log.Warnf("channel failed for %s, falling back: %v", to.ID, err)
	}
	return m.fallback.Send(ctx, to, msg)
}
