package relay

import (
	"errors"
	"sync"

	"relay-server/internal/envelope"
)

var errQueueFull = errors.New("outbound queue full")

// --- Outbound commands ---

type outboundCmd interface{ outboundCmd() }

type deliverCmd struct {
	kind envelope.Kind
	data []byte
}

func (deliverCmd) outboundCmd() {}

type closeTransportCmd struct{}

func (closeTransportCmd) outboundCmd() {}

// Outbound is the handle other goroutines use to reach one session's
// outbound pump. It stays valid after the pump exits; sends then fail with
// ErrSessionGone instead of blocking.
type Outbound struct {
	queue  chan outboundCmd
	closed chan struct{} // closed when the pump exits
	kicked chan struct{} // closed to make the pump drop the transport

	closeOnce sync.Once
	kickOnce  sync.Once
}

func NewOutbound(size int) *Outbound {
	if size <= 0 {
		size = DefaultOutboundQueueSize
	}
	return &Outbound{
		queue:  make(chan outboundCmd, size),
		closed: make(chan struct{}),
		kicked: make(chan struct{}),
	}
}

// Deliver queues e for writing, blocking while the queue is full.
func (o *Outbound) Deliver(e envelope.Envelope) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	return o.push(deliverCmd{kind: e.Kind, data: data})
}

// CloseTransport asks the pump to send a close frame and shut the connection.
func (o *Outbound) CloseTransport() error {
	return o.push(closeTransportCmd{})
}

// Kick makes the pump close the connection without draining the queue.
func (o *Outbound) Kick() {
	o.kickOnce.Do(func() { close(o.kicked) })
}

// Done is closed once the pump has exited.
func (o *Outbound) Done() <-chan struct{} {
	return o.closed
}

// Len reports how many commands are waiting in the queue.
func (o *Outbound) Len() int { return len(o.queue) }

func (o *Outbound) push(cmd outboundCmd) error {
	select {
	case <-o.closed:
		return ErrSessionGone
	default:
	}
	select {
	case o.queue <- cmd:
		return nil
	case <-o.closed:
		return ErrSessionGone
	}
}

func (o *Outbound) tryPush(cmd outboundCmd) error {
	select {
	case <-o.closed:
		return ErrSessionGone
	default:
	}
	select {
	case o.queue <- cmd:
		return nil
	default:
		return errQueueFull
	}
}

func (o *Outbound) markClosed() {
	o.closeOnce.Do(func() { close(o.closed) })
}
