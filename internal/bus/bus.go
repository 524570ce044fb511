package bus

import (
	"context"
	"log"
	"sync"
)

// MessageBus decouples channels from the gateway: channels push inbound
// messages, the gateway pushes outbound replies which are fanned out to
// the per-channel subscriber.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 100
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string]func(OutboundMessage)),
	}
}

func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = fn
}

// DispatchOutbound delivers outbound messages to their channel subscriber
// until ctx is cancelled. Messages for unknown channels are dropped.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			fn := b.subscribers[msg.Channel]
			b.mu.RUnlock()
			if fn == nil {
				log.Printf("[bus] no subscriber for channel %s, dropping message", msg.Channel)
				continue
			}
			fn(msg)
		case <-ctx.Done():
			return
		}
	}
}
