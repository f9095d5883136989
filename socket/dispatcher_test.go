package socket

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/kleeedolinux/chatsocket.go/auth"
	"github.com/kleeedolinux/chatsocket.go/socket/sockettest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSendChatMessageConnectsFirst(t *testing.T) {
	b := newBroker(t)
	c, _ := newBrokerClient(t, b)
	ctx := testContext(t)

	res := c.SendChatMessage(ctx, 42, "hello")
	if !res.Success {
		t.Fatalf("SendChatMessage = %+v", res)
	}

	sent, err := b.WaitSent(ctx, DestChatSend)
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	if err := sent.Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["chatId"] != float64(42) || body["content"] != "hello" || body["type"] != "CHAT" {
		t.Fatalf("body = %v", body)
	}
	if _, err := time.Parse(time.RFC3339, body["timestamp"].(string)); err != nil {
		t.Fatalf("timestamp: %v", err)
	}
	if sent.Identity.Username != "alice" {
		t.Fatalf("sent as %+v", sent.Identity)
	}
}

func TestJoinGroupSubscribesThenAnnounces(t *testing.T) {
	b := newBroker(t)
	c, _ := newBrokerClient(t, b)
	ctx := testContext(t)

	if !c.JoinGroup(ctx, "7") {
		t.Fatal("JoinGroup = false")
	}
	sent, err := b.WaitSent(ctx, GroupJoinDest(7))
	if err != nil {
		t.Fatal(err)
	}
	if n := b.Subscribers("/topic/group/7"); n != 1 {
		t.Fatalf("group subscribers = %d", n)
	}

	var body map[string]any
	if err := sent.Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["groupId"] != float64(7) || body["type"] != "JOIN" {
		t.Fatalf("body = %v", body)
	}

	// a second join does not duplicate the subscription
	if !c.JoinGroup(ctx, 7) {
		t.Fatal("second JoinGroup = false")
	}
	if n := b.Subscribes("/topic/group/7"); n != 1 {
		t.Fatalf("group subscribed %d times", n)
	}
}

func TestGroupMessagesReachListeners(t *testing.T) {
	b := newBroker(t)
	c, _ := newBrokerClient(t, b)
	ctx := testContext(t)

	got := make(chan Message, 1)
	c.AddGroupMessageListener(NewListener(func(m Message) { got <- m }))

	if !c.JoinGroup(ctx, 9) {
		t.Fatal("JoinGroup = false")
	}
	if err := b.Wait(ctx, func(b *sockettest.Broker) bool { return b.Subscribers(GroupTopic(9)) == 1 }); err != nil {
		t.Fatal(err)
	}
	b.PublishJSON(GroupTopic(9), map[string]any{
		"groupId": 9,
		"content": `{"type":"media","url":"https://cdn.example.com/a.png","mediaType":"image/png"}`,
		"sender":  map[string]any{"id": 7, "username": "alice"},
	})

	select {
	case m := <-got:
		if !m.IsMine {
			t.Error("IsMine = false for own group message")
		}
		if m.Media == nil || m.Media.URL != "https://cdn.example.com/a.png" || m.Media.MediaType != "image/png" {
			t.Errorf("media = %+v", m.Media)
		}
	case <-ctx.Done():
		t.Fatal("no group message")
	}

	if err := c.UnsubscribeEntityChannel(9); err != nil {
		t.Fatal(err)
	}
	if err := b.Wait(ctx, func(b *sockettest.Broker) bool { return b.Subscribers(GroupTopic(9)) == 0 }); err != nil {
		t.Fatal(err)
	}
}

func TestSendHelpersPayloads(t *testing.T) {
	b := newBroker(t)
	c, _ := newBrokerClient(t, b)
	ctx := testContext(t)

	if res := c.SendGroupMessage(ctx, int64(5), "hi all"); !res.Success {
		t.Fatalf("SendGroupMessage = %+v", res)
	}
	if res := c.SendTypingIndicator(ctx, 42, true); !res.Success {
		t.Fatalf("SendTypingIndicator = %+v", res)
	}
	if res := c.SendStatusUpdate(ctx, true); !res.Success {
		t.Fatalf("SendStatusUpdate = %+v", res)
	}
	if !c.JoinChat(ctx, 42.0) {
		t.Fatal("JoinChat = false")
	}

	tests := []struct {
		dest string
		want map[string]any
	}{
		{GroupMessageDest(5), map[string]any{"groupId": float64(5), "content": "hi all", "type": "MESSAGE"}},
		{DestChatTyping, map[string]any{"chatId": float64(42), "typing": true}},
		{DestStatus, map[string]any{"userId": float64(7), "username": "alice", "online": true}},
		{DestChatJoin, map[string]any{"chatId": float64(42), "type": "JOIN"}},
	}
	for _, tt := range tests {
		sent, err := b.WaitSent(ctx, tt.dest)
		if err != nil {
			t.Fatalf("%s: %v", tt.dest, err)
		}
		var body map[string]any
		if err := sent.Decode(&body); err != nil {
			t.Fatal(err)
		}
		for k, v := range tt.want {
			if body[k] != v {
				t.Errorf("%s: %s = %v, want %v", tt.dest, k, body[k], v)
			}
		}
	}
}

func TestSendRejectsBadInput(t *testing.T) {
	net := &fakeNet{}
	c := NewClient(net.dialer(), auth.NewStaticStore(sockettest.Token("alice", 7)),
		WithLogger(quietLogger()), WithHeartbeat(0, 0))
	defer c.Disconnect()
	ctx := testContext(t)

	if res := c.SendChatMessage(ctx, "abc", "hi"); res.Success {
		t.Error("non-numeric chat id accepted")
	}
	if res := c.SendChatMessage(ctx, 1, "   "); res.Success {
		t.Error("blank content accepted")
	}
	if c.JoinGroup(ctx, -1) {
		t.Error("negative group id accepted")
	}
	if res := c.Send(ctx, "/app/x", math.Inf(1)); res.Success || res.Error == "" {
		t.Errorf("unencodable payload = %+v", res)
	}
	if n := net.sends.Load(); n != 0 {
		t.Fatalf("publishes = %d, want 0", n)
	}
}

func TestSendWithoutTokenFails(t *testing.T) {
	net := &fakeNet{}
	c := NewClient(net.dialer(), auth.NewStaticStore(""), WithLogger(quietLogger()))

	res := c.SendChatMessage(testContext(t), 1, "hi")
	if res.Success || res.Error == "" {
		t.Fatalf("Send = %+v", res)
	}
	if n := net.dials.Load(); n != 0 {
		t.Fatalf("dials = %d", n)
	}
}

func TestSendRetriesOnceOnDeadTransport(t *testing.T) {
	tests := []struct {
		name      string
		failSends int32
		success   bool
	}{
		{"retry succeeds", 1, true},
		{"retry fails", -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net := &fakeNet{}
			m := NewMetrics(prometheus.NewRegistry())
			c := NewClient(net.dialer(), auth.NewStaticStore(sockettest.Token("alice", 7)),
				WithLogger(quietLogger()),
				WithHeartbeat(0, 0),
				WithRetrySettle(5*time.Millisecond),
				WithReconnectAttempts(0),
				WithMetrics(m),
			)
			defer c.Disconnect()
			ctx := testContext(t)

			if res := c.Connect(ctx); !res.Connected {
				t.Fatalf("Connect = %+v", res)
			}
			net.failSends.Store(tt.failSends)

			res := c.Send(ctx, "/app/chat.sendMessage", map[string]any{"chatId": 1})
			if res.Success != tt.success {
				t.Fatalf("Send = %+v, want success %v", res, tt.success)
			}
			if n := net.sends.Load(); n != 2 {
				t.Fatalf("publish attempts = %d, want 2", n)
			}
			if n := net.dials.Load(); n != 2 {
				t.Fatalf("dials = %d, want 2", n)
			}
			if got := testutil.ToFloat64(m.SendRetries); got != 1 {
				t.Fatalf("retries = %v", got)
			}
		})
	}
}

func TestSendWhileConnectedIgnoresCancelledContext(t *testing.T) {
	net := &fakeNet{}
	c := NewClient(net.dialer(), auth.NewStaticStore(sockettest.Token("alice", 7)),
		WithLogger(quietLogger()), WithHeartbeat(0, 0))
	defer c.Disconnect()

	ctx, cancel := context.WithCancel(testContext(t))
	if res := c.Connect(ctx); !res.Connected {
		t.Fatalf("Connect = %+v", res)
	}
	cancel()

	// a connected client publishes even when the caller's context is gone
	if res := c.Send(ctx, "/app/x", map[string]any{}); !res.Success {
		t.Fatalf("Send = %+v", res)
	}
	if n := net.dials.Load(); n != 1 {
		t.Fatalf("dials = %d", n)
	}
}

func TestFailedRetryStartsBackgroundReconnect(t *testing.T) {
	net := &fakeNet{}
	m := NewMetrics(prometheus.NewRegistry())
	c := NewClient(net.dialer(), auth.NewStaticStore(sockettest.Token("alice", 7)),
		WithLogger(quietLogger()),
		WithHeartbeat(0, 0),
		WithRetrySettle(5*time.Millisecond),
		WithReconnectDelay(20*time.Millisecond),
		WithMetrics(m),
	)
	defer c.Disconnect()
	ctx := testContext(t)

	if res := c.Connect(ctx); !res.Connected {
		t.Fatalf("Connect = %+v", res)
	}
	net.failSends.Store(1)
	net.failDials.Store(1)

	if res := c.Send(ctx, DestChatSend, map[string]any{"chatId": 1}); res.Success {
		t.Fatalf("Send = %+v, want failure", res)
	}
	if n := net.sends.Load(); n != 1 {
		t.Fatalf("publish attempts = %d, want 1", n)
	}

	eventually(t, "background reconnect", c.IsConnected)
	if n := net.dials.Load(); n != 3 {
		t.Fatalf("dials = %d, want 3", n)
	}
	if got := testutil.ToFloat64(m.Reconnects); got < 1 {
		t.Fatalf("reconnects = %v", got)
	}
	if got := testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("success")); got != 2 {
		t.Fatalf("successful connects = %v, want 2", got)
	}
}

func TestSendMessage(t *testing.T) {
	b := newBroker(t)
	c, _ := newBrokerClient(t, b)
	ctx := testContext(t)

	res := c.SendMessage(ctx, OutboundMessage{
		Destination: DestChatTyping,
		Payload:     map[string]any{"chatId": 3, "typing": false},
	})
	if !res.Success {
		t.Fatalf("SendMessage = %+v", res)
	}
	sent, err := b.WaitSent(ctx, DestChatTyping)
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	if err := sent.Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["chatId"] != float64(3) || body["typing"] != false {
		t.Fatalf("body = %v", body)
	}
}
