package socket

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Listener wraps a callback. The pointer is the identity used for
// registration and removal, so keep it to remove the listener later.
type Listener struct {
	fn func(Message)
}

func NewListener(fn func(Message)) *Listener {
	return &Listener{fn: fn}
}

// Listeners is the per-category callback registry. It is independent of
// sessions and survives reconnects and Disconnect.
type Listeners struct {
	mu      sync.RWMutex
	byCat   map[Category][]*Listener
	log     *slog.Logger
	metrics *Metrics
}

func newListeners(log *slog.Logger, m *Metrics) *Listeners {
	return &Listeners{
		byCat:   make(map[Category][]*Listener),
		log:     log,
		metrics: m,
	}
}

// Add registers l under cat. It returns false when l is nil or already
// registered there.
func (r *Listeners) Add(cat Category, l *Listener) bool {
	if l == nil || l.fn == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.Contains(r.byCat[cat], l) {
		return false
	}
	r.byCat[cat] = append(r.byCat[cat], l)
	return true
}

func (r *Listeners) Remove(cat Category, l *Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.byCat[cat]
	i := slices.Index(list, l)
	if i < 0 {
		return false
	}
	r.byCat[cat] = slices.Delete(slices.Clone(list), i, i+1)
	return true
}

func (r *Listeners) Len(cat Category) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCat[cat])
}

// dispatch calls every listener of msg.Category in registration order. A
// panicking listener is logged and skipped.
func (r *Listeners) dispatch(msg Message) {
	r.mu.RLock()
	list := r.byCat[msg.Category]
	r.mu.RUnlock()

	for _, l := range list {
		r.call(l, msg)
	}
}

func (r *Listeners) call(l *Listener, msg Message) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.listenerPanic(msg.Category)
			r.log.Error("listener panicked",
				"category", msg.Category,
				"topic", msg.Topic,
				"panic", fmt.Sprint(p))
		}
	}()
	l.fn(msg)
}

// AddListener registers l for cat.
func (c *Client) AddListener(cat Category, l *Listener) bool {
	return c.listeners.Add(cat, l)
}

func (c *Client) RemoveListener(cat Category, l *Listener) bool {
	return c.listeners.Remove(cat, l)
}

// On registers fn for cat and returns a func that removes it.
func (c *Client) On(cat Category, fn func(Message)) (remove func()) {
	l := NewListener(fn)
	c.listeners.Add(cat, l)
	return func() { c.listeners.Remove(cat, l) }
}

func (c *Client) AddMessageListener(l *Listener) bool {
	return c.AddListener(CategoryDirectMessage, l)
}

func (c *Client) RemoveMessageListener(l *Listener) bool {
	return c.RemoveListener(CategoryDirectMessage, l)
}

func (c *Client) AddGroupMessageListener(l *Listener) bool {
	return c.AddListener(CategoryGroupMessage, l)
}

func (c *Client) RemoveGroupMessageListener(l *Listener) bool {
	return c.RemoveListener(CategoryGroupMessage, l)
}

func (c *Client) AddStatusUpdateListener(l *Listener) bool {
	return c.AddListener(CategoryPresence, l)
}

func (c *Client) RemoveStatusUpdateListener(l *Listener) bool {
	return c.RemoveListener(CategoryPresence, l)
}

func (c *Client) AddFriendshipUpdateListener(l *Listener) bool {
	return c.AddListener(CategoryFriendship, l)
}

func (c *Client) RemoveFriendshipUpdateListener(l *Listener) bool {
	return c.RemoveListener(CategoryFriendship, l)
}

func (c *Client) AddTypingListener(l *Listener) bool {
	return c.AddListener(CategoryTyping, l)
}

func (c *Client) RemoveTypingListener(l *Listener) bool {
	return c.RemoveListener(CategoryTyping, l)
}

func (c *Client) AddChatStatusListener(l *Listener) bool {
	return c.AddListener(CategoryChatStatus, l)
}

func (c *Client) RemoveChatStatusListener(l *Listener) bool {
	return c.RemoveListener(CategoryChatStatus, l)
}
