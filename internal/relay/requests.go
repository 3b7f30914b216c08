package relay

import (
	"errors"
	"fmt"
)

// --- Public API ---

// AddMessage appends payload to the history. It only waits for the manager
// when a shutdown raced the enqueue, to report whether the message was kept.
func (m *Manager) AddMessage(payload string) error {
	ackCh := make(chan reply, 1)
	if err := m.send(cmdAddMessage{payload: payload}, ackCh); err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	// Queued before Shutdown was processed, so the drain will reach it.
	if !m.Stopped() {
		return nil
	}
	if _, err := m.await(ackCh); err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

// AddUser registers outbound under id, replacing any existing entry.
func (m *Manager) AddUser(id string, outbound *Outbound) error {
	r, err := m.call(cmdAddUser{id: id, outbound: outbound})
	if err != nil {
		return fmt.Errorf("add user: %w", err)
	}
	if _, ok := r.(replyOK); !ok {
		return fmt.Errorf("add user: %w: %T", ErrUnexpectedReply, r)
	}
	return nil
}

// GetUser resolves the outbound queue registered under id. It returns
// ErrUserNotFound when id is not registered.
func (m *Manager) GetUser(id string) (*Outbound, error) {
	r, err := m.call(cmdGetUser{id: id})
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	switch r := r.(type) {
	case replyUser:
		return r.outbound, nil
	case replyNotFound:
		return nil, fmt.Errorf("get user %s: %w", id, ErrUserNotFound)
	default:
		return nil, fmt.Errorf("get user: %w: %T", ErrUnexpectedReply, r)
	}
}

// GetUsers returns a snapshot of the registry.
func (m *Manager) GetUsers() (Users, error) {
	r, err := m.call(cmdGetUsers{})
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	users, ok := r.(replyUsers)
	if !ok {
		return nil, fmt.Errorf("get users: %w: %T", ErrUnexpectedReply, r)
	}
	return users.users, nil
}

// GetMessages returns a snapshot of the history in append order.
func (m *Manager) GetMessages() ([]string, error) {
	r, err := m.call(cmdGetMessages{})
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	messages, ok := r.(replyMessages)
	if !ok {
		return nil, fmt.Errorf("get messages: %w: %T", ErrUnexpectedReply, r)
	}
	return messages.messages, nil
}

// RemoveUser drops id from the registry. Removing an unknown id is not an error.
func (m *Manager) RemoveUser(id string) error {
	r, err := m.call(cmdRemoveUser{id: id})
	if err != nil {
		return fmt.Errorf("remove user: %w", err)
	}
	if _, ok := r.(replyOK); !ok {
		return fmt.Errorf("remove user: %w: %T", ErrUnexpectedReply, r)
	}
	return nil
}

// Shutdown asks the manager to stop accepting commands. Calling it again
// after the manager has begun stopping is a no-op.
func (m *Manager) Shutdown() error {
	err := m.send(cmdShutdown{}, nil)
	if errors.Is(err, ErrManagerStopped) {
		return nil
	}
	return err
}

// Stopped reports whether Shutdown has been processed.
func (m *Manager) Stopped() bool {
	select {
	case <-m.quit:
		return true
	default:
		return false
	}
}

// Done is closed when Run has returned.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) send(cmd command, replyCh chan reply) error {
	if m.Stopped() {
		return ErrManagerStopped
	}
	select {
	case m.commands <- request{cmd: cmd, replyCh: replyCh}:
		return nil
	case <-m.quit:
		return ErrManagerStopped
	}
}

func (m *Manager) call(cmd command) (reply, error) {
	replyCh := make(chan reply, 1)
	if err := m.send(cmd, replyCh); err != nil {
		return nil, err
	}
	return m.await(replyCh)
}

func (m *Manager) await(replyCh chan reply) (reply, error) {
	select {
	case r := <-replyCh:
		return r, nil
	case <-m.done:
		// The loop may have answered just before exiting.
		select {
		case r := <-replyCh:
			return r, nil
		default:
			return nil, ErrManagerStopped
		}
	}
}
