package gateway

import (
	"log/slog"
	"sync"
)

// identity is one registered bot token and its live session. The state
// machine is initializing -> connecting -> ready, ready <-> degraded as the
// websocket drops and resumes, and any state -> closed on shutdown.
type identity struct {
	botID string
	token string

	mu       sync.RWMutex
	state    State
	sess     session
	userID   string
	username string
	removers []func()

	logger *slog.Logger
}

func newIdentity(log *slog.Logger, botID, token string) *identity {
	return &identity{
		botID:  botID,
		token:  token,
		state:  StateInitializing,
		logger: log.With(slog.String("bot", botID)),
	}
}

func (id *identity) State() State {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.state
}

// setState ignores transitions out of closed; shutdown is terminal.
func (id *identity) setState(next State) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.state == StateClosed || id.state == next {
		return
	}
	id.logger.Info("identity state change",
		slog.String("from", string(id.state)),
		slog.String("to", string(next)))
	id.state = next
}

func (id *identity) setUser(userID, username string) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.userID = userID
	id.username = username
}

func (id *identity) user() (string, string) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.userID, id.username
}

// session returns the live session only when the identity can serve
// outbound traffic.
func (id *identity) liveSession() (session, State) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.sess, id.state
}

func (id *identity) attach(sess session) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.sess = sess
}

func (id *identity) addRemover(remove func()) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.removers = append(id.removers, remove)
}

// teardown detaches handlers, closes the session, and parks the identity
// in closed.
func (id *identity) teardown() {
	id.mu.Lock()
	removers := id.removers
	id.removers = nil
	sess := id.sess
	id.state = StateClosed
	id.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	if sess != nil {
		if err := sess.Close(); err != nil {
			id.logger.Warn("closing discord session", slog.Any("error", err))
		}
	}
}
