package client

import (
	"sort"
	"sync"
	"time"

	"github.com/agent-workspace/realtime/pkg/protocol"
)

// TypingExpiry is how long a typing indicator stays on without a refresh.
const TypingExpiry = 3 * time.Second

// TypingChange reports that someone started or stopped typing in a session.
type TypingChange struct {
	SessionID string
	UserID    string
	IsTyping  bool
}

type typingKey struct {
	sessionID string
	userID    string
}

// TypingTracker keeps typing indicators observed from the server and turns
// them off after the expiry unless refreshed. The server keeps no typing
// state, so expiry is enforced here.
type TypingTracker struct {
	expiry   time.Duration
	onChange func(TypingChange)

	mu     sync.Mutex
	timers map[typingKey]*time.Timer
}

// NewTypingTracker creates a tracker. expiry defaults to TypingExpiry.
// onChange may be nil; it runs on the read goroutine or a timer goroutine.
func NewTypingTracker(expiry time.Duration, onChange func(TypingChange)) *TypingTracker {
	if expiry <= 0 {
		expiry = TypingExpiry
	}
	return &TypingTracker{
		expiry:   expiry,
		onChange: onChange,
		timers:   make(map[typingKey]*time.Timer),
	}
}

// Attach subscribes the tracker to typing indicators received by m.
func (t *TypingTracker) Attach(m *Manager) HandlerID {
	return m.On(protocol.KindTypingIndicator, t.Observe)
}

// Observe records a typing-indicator envelope. Other kinds are ignored.
func (t *TypingTracker) Observe(env *protocol.Envelope) {
	p, ok := env.Data.(*protocol.TypingIndicator)
	if !ok {
		return
	}
	who := env.UserID
	if who == "" {
		who = env.AgentID
	}
	key := typingKey{sessionID: env.SessionID, userID: who}

	t.mu.Lock()
	timer, active := t.timers[key]
	if active {
		timer.Stop()
		delete(t.timers, key)
	}
	if p.IsTyping {
		var self *time.Timer
		self = time.AfterFunc(t.expiry, func() { t.expire(key, &self) })
		t.timers[key] = self
	}
	t.mu.Unlock()

	if p.IsTyping != active {
		t.emit(TypingChange{SessionID: key.sessionID, UserID: key.userID, IsTyping: p.IsTyping})
	}
}

// expire reads *timer under the lock that guarded its assignment.
func (t *TypingTracker) expire(key typingKey, timer **time.Timer) {
	t.mu.Lock()
	if t.timers[key] != *timer {
		t.mu.Unlock()
		return
	}
	delete(t.timers, key)
	t.mu.Unlock()

	t.emit(TypingChange{SessionID: key.sessionID, UserID: key.userID})
}

// Typing returns who is typing in a session, sorted.
func (t *TypingTracker) Typing(sessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for key := range t.timers {
		if key.sessionID == sessionID {
			out = append(out, key.userID)
		}
	}
	sort.Strings(out)
	return out
}

// Stop cancels all pending expiries without reporting them.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, timer := range t.timers {
		timer.Stop()
		delete(t.timers, key)
	}
}

func (t *TypingTracker) emit(c TypingChange) {
	if t.onChange != nil {
		t.onChange(c)
	}
}
