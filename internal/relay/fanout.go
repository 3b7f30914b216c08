package relay

import (
	"errors"
	"fmt"

	"relay-server/internal/envelope"
)

// FanoutPolicy decides what a broadcast does when a recipient's queue is full.
type FanoutPolicy string

const (
	// FanoutBlock waits for room, delaying every later recipient.
	FanoutBlock FanoutPolicy = "block"
	// FanoutDisconnect drops a recipient whose queue is full.
	FanoutDisconnect FanoutPolicy = "disconnect"
)

// fanOut pushes e to every session in users, in snapshot iteration order.
// Recipients whose pump has already exited are skipped.
func (s *Session) fanOut(users Users, e envelope.Envelope) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	cmd := deliverCmd{kind: e.Kind, data: data}

	for id, outbound := range users {
		if id == s.id || s.policy != FanoutDisconnect {
			err = outbound.push(cmd)
		} else {
			err = outbound.tryPush(cmd)
		}

		switch {
		case err == nil:
			s.metrics.Deliveries.WithLabelValues(string(e.Kind)).Inc()
		case errors.Is(err, ErrSessionGone):
			s.logger.Debug("Skipping departed session", "recipient", id)
		case errors.Is(err, errQueueFull):
			s.logger.Warn("Disconnecting slow session", "recipient", id, "queued", outbound.Len())
			s.metrics.SlowConsumers.Inc()
			outbound.Kick()
		default:
			return fmt.Errorf("fan out to %s: %w", id, err)
		}
	}
	return nil
}
