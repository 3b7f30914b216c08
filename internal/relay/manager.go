// manager.go
// The central event loop. Every registry and history mutation happens here,
// one command at a time, so no other goroutine ever needs a lock.
package relay

import (
	"slices"
)

// Run processes commands until Shutdown is received, then answers whatever
// is still queued and returns.
func (m *Manager) Run() {
	defer close(m.done)

	m.logger.Info("State manager started")
	for !m.stopping {
		m.handle(<-m.commands)
	}

	for {
		select {
		case req := <-m.commands:
			m.handle(req)
		default:
			m.logger.Info("State manager stopped", "sessions", len(m.users), "history", len(m.history))
			return
		}
	}
}

func (m *Manager) handle(req request) {
	switch c := req.cmd.(type) {
	case cmdAddMessage:
		m.addMessage(c.payload)
		m.respond(req, replyOK{})
	case cmdAddUser:
		m.addUser(c.id, c.outbound)
		m.respond(req, replyOK{})
	case cmdGetUser:
		if outbound, ok := m.users[c.id]; ok {
			m.respond(req, replyUser{outbound: outbound})
		} else {
			m.logger.Warn("User lookup missed", "session_id", c.id)
			m.respond(req, replyNotFound{})
		}
	case cmdGetUsers:
		m.respond(req, replyUsers{users: m.users.clone()})
	case cmdGetMessages:
		m.respond(req, replyMessages{messages: slices.Clone(m.history)})
	case cmdRemoveUser:
		m.removeUser(c.id)
		m.respond(req, replyOK{})
	case cmdShutdown:
		if m.stopping {
			m.logger.Debug("Ignoring repeated shutdown")
			return
		}
		m.stopping = true
		close(m.quit)
		m.logger.Info("State manager shutting down")
	default:
		m.logger.Error("Unknown command", "command", c)
	}
}

func (m *Manager) addMessage(payload string) {
	m.history = append(m.history, payload)
	if m.historyLimit > 0 && len(m.history) > m.historyLimit {
		m.history = m.history[len(m.history)-m.historyLimit:]
	}
	m.metrics.HistoryMessages.Set(float64(len(m.history)))
}

func (m *Manager) addUser(id string, outbound *Outbound) {
	if _, exists := m.users[id]; exists {
		m.logger.Warn("Updating existing user", "session_id", id)
	} else {
		m.logger.Debug("Adding new user", "session_id", id)
	}
	m.users[id] = outbound
	m.metrics.ActiveSessions.Set(float64(len(m.users)))
}

func (m *Manager) removeUser(id string) {
	if _, exists := m.users[id]; !exists {
		m.logger.Debug("Remove for unknown user", "session_id", id)
		return
	}
	delete(m.users, id)
	m.metrics.ActiveSessions.Set(float64(len(m.users)))
}

// respond never blocks: reply channels are buffered, and a caller that has
// already given up must not stall the loop.
func (m *Manager) respond(req request, r reply) {
	if req.replyCh == nil {
		return
	}
	select {
	case req.replyCh <- r:
	default:
		m.logger.Warn("Dropping reply, caller no longer listening", "reply", r)
	}
}
