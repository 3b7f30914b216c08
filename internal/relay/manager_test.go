package relay

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-server/internal/metrics"
)

func startManager(t *testing.T, opts ManagerOptions) *Manager {
	t.Helper()

	m := NewManager(opts)
	go m.Run()
	t.Cleanup(func() {
		_ = m.Shutdown()
		<-m.Done()
	})
	return m
}

// waitForMessages polls until the history has n entries. AddMessage does not
// wait for a reply, so tests observe it through GetMessages.
func waitForMessages(t *testing.T, m *Manager, n int) []string {
	t.Helper()
	for j := 0; j < 100; j++ {
		messages, err := m.GetMessages()
		require.NoError(t, err)
		if len(messages) == n {
			return messages
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("history never reached %d messages", n)
	return nil
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(ManagerOptions{})

	assert.Equal(t, DefaultCommandQueueSize, cap(m.commands))
	assert.Empty(t, m.history)
	assert.Equal(t, 100, cap(m.history))
	assert.Empty(t, m.users)
	assert.False(t, m.Stopped())
}

func TestManager_AddMessagePreservesOrder(t *testing.T) {
	m := startManager(t, ManagerOptions{})

	for i := 0; i < 20; i++ {
		require.NoError(t, m.AddMessage(fmt.Sprintf("message-%d", i)))
	}

	messages := waitForMessages(t, m, 20)
	for i, message := range messages {
		assert.Equal(t, fmt.Sprintf("message-%d", i), message)
	}
}

func TestManager_MessageSnapshotIsolation(t *testing.T) {
	m := startManager(t, ManagerOptions{})

	require.NoError(t, m.AddMessage("one"))
	before := waitForMessages(t, m, 1)

	require.NoError(t, m.AddMessage("two"))
	after := waitForMessages(t, m, 2)

	assert.Equal(t, []string{"one"}, before)
	assert.Equal(t, []string{"one", "two"}, after)

	after[0] = "mutated"
	again, err := m.GetMessages()
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, again)
}

func TestManager_HistoryLimitKeepsNewest(t *testing.T) {
	m := startManager(t, ManagerOptions{HistoryLimit: 3})

	for _, message := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, m.AddMessage(message))
	}

	require.Eventually(t, func() bool {
		messages, err := m.GetMessages()
		return err == nil && len(messages) == 3 && messages[2] == "e"
	}, time.Second, time.Millisecond)

	messages, err := m.GetMessages()
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d", "e"}, messages)
}

func TestManager_AddUserOverwritesDuplicateID(t *testing.T) {
	m := startManager(t, ManagerOptions{})

	first := NewOutbound(16)
	second := NewOutbound(16)

	require.NoError(t, m.AddUser("abc", first))
	require.NoError(t, m.AddUser("abc", second))

	users, err := m.GetUsers()
	require.NoError(t, err)
	assert.Len(t, users, 1)
	assert.Same(t, second, users["abc"])
}

func TestManager_UsersSnapshotIsolation(t *testing.T) {
	m := startManager(t, ManagerOptions{})

	require.NoError(t, m.AddUser("a", NewOutbound(16)))
	snapshot, err := m.GetUsers()
	require.NoError(t, err)

	require.NoError(t, m.AddUser("b", NewOutbound(16)))
	require.NoError(t, m.RemoveUser("a"))

	assert.ElementsMatch(t, []string{"a"}, snapshot.ids())

	delete(snapshot, "a")
	current, err := m.GetUsers()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b"}, current.ids())
}

func TestManager_GetUser(t *testing.T) {
	m := startManager(t, ManagerOptions{})
	outbound := NewOutbound(16)
	require.NoError(t, m.AddUser("abc", outbound))

	got, err := m.GetUser("abc")
	require.NoError(t, err)
	assert.Same(t, outbound, got)

	_, err = m.GetUser("missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestManager_RemoveUnknownUserIsOK(t *testing.T) {
	m := startManager(t, ManagerOptions{})

	require.NoError(t, m.RemoveUser("nobody"))

	users, err := m.GetUsers()
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestManager_ConcurrentAddUser(t *testing.T) {
	m := startManager(t, ManagerOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Every other goroutine reuses an id to exercise overwrites.
			id := fmt.Sprintf("user-%d", i/2)
			assert.NoError(t, m.AddUser(id, NewOutbound(1)))
		}()
	}
	wg.Wait()

	users, err := m.GetUsers()
	require.NoError(t, err)
	assert.Len(t, users, 25)
}

func TestManager_Metrics(t *testing.T) {
	rm := metrics.Discard()
	m := startManager(t, ManagerOptions{Metrics: rm})

	require.NoError(t, m.AddUser("a", NewOutbound(1)))
	require.NoError(t, m.AddUser("b", NewOutbound(1)))
	require.NoError(t, m.RemoveUser("a"))
	require.NoError(t, m.AddMessage("hello"))
	waitForMessages(t, m, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(rm.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(rm.HistoryMessages))
}

func TestManager_Shutdown(t *testing.T) {
	m := NewManager(ManagerOptions{})
	go m.Run()

	require.NoError(t, m.Shutdown())

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("manager did not stop")
	}

	assert.True(t, m.Stopped())
	assert.ErrorIs(t, m.AddMessage("late"), ErrManagerStopped)
	assert.ErrorIs(t, m.AddUser("late", NewOutbound(1)), ErrManagerStopped)
	_, err := m.GetUsers()
	assert.ErrorIs(t, err, ErrManagerStopped)
	_, err = m.GetMessages()
	assert.ErrorIs(t, err, ErrManagerStopped)
}

func TestManager_ShutdownIsIdempotent(t *testing.T) {
	m := NewManager(ManagerOptions{})

	// Queue two shutdowns before the loop starts so both reach it.
	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Shutdown())

	go m.Run()
	<-m.Done()

	assert.NotPanics(t, func() {
		require.NoError(t, m.Shutdown())
	})
	assert.True(t, m.Stopped())
}

func TestManager_DrainsQueuedCommandsOnShutdown(t *testing.T) {
	m := NewManager(ManagerOptions{})

	require.NoError(t, m.AddMessage("before"))
	require.NoError(t, m.Shutdown())
	require.NoError(t, m.AddMessage("queued"))

	go m.Run()
	<-m.Done()

	assert.Equal(t, []string{"before", "queued"}, m.history)
}

func TestManager_AddMessageRacingShutdown(t *testing.T) {
	m := NewManager(ManagerOptions{QueueSize: 4})
	go m.Run()

	var mu sync.Mutex
	var accepted []string

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload := fmt.Sprintf("message-%d", i)
			if err := m.AddMessage(payload); err == nil {
				mu.Lock()
				accepted = append(accepted, payload)
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrManagerStopped)
			}
		}()
		if i == 100 {
			require.NoError(t, m.Shutdown())
		}
	}
	wg.Wait()
	<-m.Done()

	// Every message reported as accepted must have reached the history.
	assert.Subset(t, m.history, accepted)
	assert.Len(t, m.history, len(accepted))
}

func TestManager_CallAfterLoopExitDoesNotHang(t *testing.T) {
	m := NewManager(ManagerOptions{QueueSize: 4})
	require.NoError(t, m.Shutdown())
	go m.Run()
	<-m.Done()

	done := make(chan error, 1)
	go func() {
		_, err := m.GetUser("x")
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrManagerStopped)
	case <-time.After(time.Second):
		t.Fatal("request after shutdown hung")
	}
}

func TestManager_RespondDropsWhenCallerGone(t *testing.T) {
	m := NewManager(ManagerOptions{})

	replyCh := make(chan reply, 1)
	replyCh <- replyOK{}

	assert.NotPanics(t, func() {
		m.respond(request{cmd: cmdGetUsers{}, replyCh: replyCh}, replyOK{})
		m.respond(request{cmd: cmdAddMessage{}}, replyOK{})
	})
}

func TestManager_UnexpectedReply(t *testing.T) {
	m := NewManager(ManagerOptions{})

	// Stand in for the loop and answer every command with the wrong variant.
	go func() {
		for req := range m.commands {
			if req.replyCh != nil {
				req.replyCh <- replyMessages{}
			}
		}
	}()
	t.Cleanup(func() { close(m.commands) })

	_, err := m.GetUsers()
	assert.ErrorIs(t, err, ErrUnexpectedReply)
	_, err = m.GetUser("a")
	assert.ErrorIs(t, err, ErrUnexpectedReply)
	assert.ErrorIs(t, m.AddUser("a", NewOutbound(1)), ErrUnexpectedReply)
	assert.ErrorIs(t, m.RemoveUser("a"), ErrUnexpectedReply)

	// GetMessages expects replyMessages, so it is satisfied.
	_, err = m.GetMessages()
	assert.NoError(t, err)
}
