package socket

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestListenersAddRemove(t *testing.T) {
	r := newListeners(quietLogger(), nil)
	l := NewListener(func(Message) {})

	if !r.Add(CategoryPresence, l) {
		t.Fatal("first Add = false")
	}
	if r.Add(CategoryPresence, l) {
		t.Fatal("duplicate Add = true")
	}
	if !r.Add(CategoryFriendship, l) {
		t.Fatal("same listener in another category rejected")
	}
	if r.Add(CategoryPresence, nil) {
		t.Fatal("nil listener accepted")
	}
	if !r.Remove(CategoryPresence, l) {
		t.Fatal("Remove = false")
	}
	if r.Remove(CategoryPresence, l) {
		t.Fatal("second Remove = true")
	}
	if r.Len(CategoryPresence) != 0 || r.Len(CategoryFriendship) != 1 {
		t.Fatalf("lens = %d/%d", r.Len(CategoryPresence), r.Len(CategoryFriendship))
	}
}

func TestListenersDispatchOrderAndIsolation(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	r := newListeners(quietLogger(), m)

	var calls []string
	r.Add(CategoryDirectMessage, NewListener(func(Message) {
		calls = append(calls, "first")
		panic("boom")
	}))
	r.Add(CategoryDirectMessage, NewListener(func(Message) {
		calls = append(calls, "second")
	}))
	r.Add(CategoryPresence, NewListener(func(Message) {
		calls = append(calls, "presence")
	}))

	r.dispatch(Message{Category: CategoryDirectMessage})

	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Fatalf("calls = %v", calls)
	}
	if n := testutil.ToFloat64(m.ListenerPanics.WithLabelValues(string(CategoryDirectMessage))); n != 1 {
		t.Fatalf("panics = %v", n)
	}
}

func TestListenerRemovedDuringDispatch(t *testing.T) {
	r := newListeners(quietLogger(), nil)

	var second *Listener
	calls := 0
	first := NewListener(func(Message) {
		calls++
		r.Remove(CategoryTyping, second)
	})
	second = NewListener(func(Message) { calls++ })
	r.Add(CategoryTyping, first)
	r.Add(CategoryTyping, second)

	// the snapshot taken before dispatch still includes second
	r.dispatch(Message{Category: CategoryTyping})
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	r.dispatch(Message{Category: CategoryTyping})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestClientOnReturnsRemover(t *testing.T) {
	c := NewClient((&fakeNet{}).dialer(), nil, WithLogger(quietLogger()))

	remove := c.On(CategoryFriendship, func(Message) {})
	if n := c.listeners.Len(CategoryFriendship); n != 1 {
		t.Fatalf("len = %d", n)
	}
	remove()
	if n := c.listeners.Len(CategoryFriendship); n != 0 {
		t.Fatalf("len after remove = %d", n)
	}

	l := NewListener(func(Message) {})
	helpers := []struct {
		add, remove func(*Listener) bool
		cat         Category
	}{
		{c.AddMessageListener, c.RemoveMessageListener, CategoryDirectMessage},
		{c.AddGroupMessageListener, c.RemoveGroupMessageListener, CategoryGroupMessage},
		{c.AddStatusUpdateListener, c.RemoveStatusUpdateListener, CategoryPresence},
		{c.AddFriendshipUpdateListener, c.RemoveFriendshipUpdateListener, CategoryFriendship},
		{c.AddTypingListener, c.RemoveTypingListener, CategoryTyping},
		{c.AddChatStatusListener, c.RemoveChatStatusListener, CategoryChatStatus},
	}
	if len(helpers) != len(Categories) {
		t.Fatalf("%d helper pairs for %d categories", len(helpers), len(Categories))
	}
	for _, h := range helpers {
		if !h.add(l) || c.listeners.Len(h.cat) != 1 {
			t.Errorf("%s: add failed", h.cat)
		}
		if !h.remove(l) || c.listeners.Len(h.cat) != 0 {
			t.Errorf("%s: remove failed", h.cat)
		}
	}
}
