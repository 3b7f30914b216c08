// Package relay implements the broadcast core: a single goroutine owning the
// session registry and message history, and the per-connection sessions that
// talk to it by message passing.
package relay

import (
	"errors"
	"log/slog"
	"maps"

	"relay-server/internal/metrics"
)

var (
	// ErrManagerStopped is returned once the manager has stopped accepting commands.
	ErrManagerStopped = errors.New("state manager stopped")
	// ErrSessionGone is returned when an outbound queue's pump has exited.
	ErrSessionGone = errors.New("session gone")
	// ErrUserNotFound is the reply to GetUser for an id that is not registered.
	ErrUserNotFound = errors.New("user not found")
	// ErrUnexpectedReply means a reply did not match its command.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

const (
	DefaultCommandQueueSize  = 64
	DefaultOutboundQueueSize = 16
)

// Users is a point-in-time copy of the registry, keyed by session id.
type Users map[string]*Outbound

// ids returns the ids in u, in map iteration order.
func (u Users) ids() []string {
	ids := make([]string, 0, len(u))
	for id := range u {
		ids = append(ids, id)
	}
	return ids
}

// --- Command types ---

type command interface{ command() }

type cmdAddMessage struct{ payload string }

func (cmdAddMessage) command() {}

type cmdAddUser struct {
	id       string
	outbound *Outbound
}

func (cmdAddUser) command() {}

type cmdGetUser struct{ id string }

func (cmdGetUser) command() {}

type cmdGetUsers struct{}

func (cmdGetUsers) command() {}

type cmdGetMessages struct{}

func (cmdGetMessages) command() {}

type cmdRemoveUser struct{ id string }

func (cmdRemoveUser) command() {}

type cmdShutdown struct{}

func (cmdShutdown) command() {}

// --- Reply types ---

type reply interface{ reply() }

type replyOK struct{}

func (replyOK) reply() {}

type replyMessages struct{ messages []string }

func (replyMessages) reply() {}

type replyUsers struct{ users Users }

func (replyUsers) reply() {}

type replyUser struct{ outbound *Outbound }

func (replyUser) reply() {}

type replyNotFound struct{}

func (replyNotFound) reply() {}

// request pairs a command with the channel its reply goes to. replyCh is nil
// for commands that expect no answer.
type request struct {
	cmd     command
	replyCh chan reply
}

// Manager tracks connected sessions and the broadcast history. Only the
// goroutine running Run touches history, users and stopping.
type Manager struct {
	commands chan request
	quit     chan struct{} // closed when Shutdown is processed
	done     chan struct{} // closed when Run returns

	history      []string
	users        Users
	historyLimit int
	stopping     bool

	metrics *metrics.RelayMetrics
	logger  *slog.Logger
}

type ManagerOptions struct {
	QueueSize int
	// HistoryLimit caps the history length. Zero keeps every message.
	HistoryLimit int
	Metrics      *metrics.RelayMetrics
	Logger       *slog.Logger
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultCommandQueueSize
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Manager{
		commands:     make(chan request, opts.QueueSize),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		history:      make([]string, 0, 100),
		users:        make(Users, 10),
		historyLimit: opts.HistoryLimit,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
}

func (u Users) clone() Users {
	return maps.Clone(u)
}
