package socket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/kleeedolinux/chatsocket.go/auth"
)

const (
	TopicPresence   = "/topic/status"
	TopicFriendship = "/topic/friendship"
)

// DirectTopic is the per-user message queue. An unknown username falls
// back to the broker-resolved /user/queue/messages.
func DirectTopic(username string) string {
	if username == "" {
		return "/user/queue/messages"
	}
	return "/user/" + username + "/queue/messages"
}

func TypingTopic(username string) string {
	if username == "" {
		return "/user/queue/typing"
	}
	return "/user/" + username + "/queue/typing"
}

// ChatStatusTopic carries notices that another participant joined a chat.
func ChatStatusTopic(username string) string {
	if username == "" {
		return "/user/queue/chat-status"
	}
	return "/user/" + username + "/queue/chat-status"
}

func GroupTopic(groupID int64) string {
	return "/topic/group/" + strconv.FormatInt(groupID, 10)
}

type route struct {
	topic    string
	category Category
}

func standingRoutes(id auth.Identity) []route {
	return []route{
		{DirectTopic(id.Username), CategoryDirectMessage},
		{TopicPresence, CategoryPresence},
		{TopicFriendship, CategoryFriendship},
		{TypingTopic(id.Username), CategoryTyping},
		{ChatStatusTopic(id.Username), CategoryChatStatus},
	}
}

// router owns the subscription set of the current session. The set is
// rebuilt from scratch on every attach, so reconnects never duplicate it.
type router struct {
	mu       sync.Mutex
	session  *session
	identity auth.Identity
	subs     map[string]string // topic -> subscription id
	entities []int64

	listeners *Listeners
	log       *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

func newRouter(l *Listeners, log *slog.Logger, m *Metrics) *router {
	return &router{
		subs:      make(map[string]string),
		listeners: l,
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

// attach subscribes the standing topics and every remembered entity
// channel on s.
func (r *router) attach(s *session, id auth.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.session = s
	r.identity = id
	r.subs = make(map[string]string)

	routes := standingRoutes(id)
	for _, gid := range r.entities {
		routes = append(routes, route{GroupTopic(gid), CategoryGroupMessage})
	}
	for _, rt := range routes {
		if err := r.subscribeLocked(rt); err != nil {
			return err
		}
	}
	r.log.Debug("subscriptions attached", "count", len(r.subs), "user", id.Username)
	return nil
}

func (r *router) subscribeLocked(rt route) error {
	if _, ok := r.subs[rt.topic]; ok {
		return nil
	}
	if r.session == nil {
		return &notConnectedError{op: "subscribe " + rt.topic}
	}
	subID, err := r.session.subscribe(rt.topic, r.handler(rt))
	if err != nil {
		return err
	}
	r.subs[rt.topic] = subID
	return nil
}

// detach unsubscribes everything on s and forgets the set.
func (r *router) detach(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != s {
		return
	}
	for topic, id := range r.subs {
		if err := s.unsubscribe(id); err != nil {
			r.log.Debug("unsubscribe", "topic", topic, "error", err)
		}
	}
	r.subs = make(map[string]string)
	r.session = nil
}

// reset forgets the subscription set of a session that already died.
func (r *router) reset(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != s {
		return
	}
	r.subs = make(map[string]string)
	r.session = nil
}

func (r *router) forgetEntities() {
	r.mu.Lock()
	r.entities = nil
	r.mu.Unlock()
}

// remember records a group channel to attach on the next session.
func (r *router) remember(groupID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rememberLocked(groupID)
}

func (r *router) rememberLocked(groupID int64) {
	if !slices.Contains(r.entities, groupID) {
		r.entities = append(r.entities, groupID)
	}
}

func (r *router) subscribeEntity(groupID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rememberLocked(groupID)
	return r.subscribeLocked(route{GroupTopic(groupID), CategoryGroupMessage})
}

func (r *router) unsubscribeEntity(groupID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entities = slices.DeleteFunc(r.entities, func(id int64) bool { return id == groupID })
	topic := GroupTopic(groupID)
	subID, ok := r.subs[topic]
	if !ok {
		return nil
	}
	delete(r.subs, topic)
	if r.session == nil {
		return nil
	}
	return r.session.unsubscribe(subID)
}

// topics returns the currently subscribed destinations, sorted.
func (r *router) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for t := range r.subs {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func (r *router) handler(rt route) frameHandler {
	return func(f *frame.Frame) {
		r.mu.Lock()
		id := r.identity
		r.mu.Unlock()

		msg, err := decodeMessage(rt, f.Body, id, r.now)
		if err != nil {
			r.metrics.decodeFailure(rt.category)
			r.log.Warn("dropping undecodable message", "topic", rt.topic, "error", err)
			return
		}
		r.listeners.dispatch(msg)
	}
}

func decodeMessage(rt route, body []byte, id auth.Identity, now func() time.Time) (Message, error) {
	var payload map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&payload); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if payload == nil {
		return Message{}, fmt.Errorf("%w: not a JSON object", ErrInvalidMessage)
	}

	msg := Message{
		Topic:     rt.topic,
		Category:  rt.category,
		Payload:   payload,
		Raw:       body,
		IsMine:    isMine(payload, id),
		Timestamp: parseTimestamp(payload["timestamp"], now),
		Media:     parseMedia(payload["content"]),
	}
	return msg, nil
}

func isMine(payload map[string]any, id auth.Identity) bool {
	sender, _ := payload["sender"].(map[string]any)

	if id.UserID != "" {
		if idString(payload["senderId"]) == id.UserID {
			return true
		}
		if sender != nil && idString(sender["id"]) == id.UserID {
			return true
		}
	}
	if id.Username != "" {
		if idString(payload["senderUsername"]) == id.Username {
			return true
		}
		if sender != nil && idString(sender["username"]) == id.Username {
			return true
		}
	}
	return false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTimestamp(v any, now func() time.Time) time.Time {
	switch ts := v.(type) {
	case float64:
		return time.UnixMilli(int64(ts))
	case string:
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, ts); err == nil {
				return t
			}
		}
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	}
	return now()
}

func parseMedia(content any) *Media {
	var obj map[string]any
	switch c := content.(type) {
	case map[string]any:
		obj = c
	case string:
		if !strings.HasPrefix(strings.TrimSpace(c), "{") {
			return nil
		}
		if err := json.Unmarshal([]byte(c), &obj); err != nil {
			return nil
		}
	default:
		return nil
	}
	if t, _ := obj["type"].(string); t != "media" {
		return nil
	}
	m := &Media{}
	m.URL, _ = obj["url"].(string)
	m.MediaType, _ = obj["mediaType"].(string)
	return m
}

type notConnectedError struct {
	op string
}

func (e *notConnectedError) Error() string { return e.op + ": not connected" }

func (e *notConnectedError) Unwrap() error { return ErrSessionClosed }

// SubscribeEntityChannel subscribes to a group's topic. The channel is
// remembered and re-attached after every reconnect until
// UnsubscribeEntityChannel or Disconnect.
func (c *Client) SubscribeEntityChannel(ctx context.Context, groupID any) error {
	gid, err := normalizeID(groupID)
	if err != nil {
		return err
	}
	if res := c.EnsureConnected(ctx); !res.Connected {
		c.router.remember(gid)
		return fmt.Errorf("subscribe group %d: %w", gid, errors.New(res.Reason))
	}
	if err := c.router.subscribeEntity(gid); err != nil {
		return fmt.Errorf("subscribe group %d: %w", gid, err)
	}
	return nil
}

func (c *Client) UnsubscribeEntityChannel(groupID any) error {
	gid, err := normalizeID(groupID)
	if err != nil {
		return err
	}
	return c.router.unsubscribeEntity(gid)
}

// Subscriptions lists the destinations subscribed on the current session.
func (c *Client) Subscriptions() []string {
	return c.router.topics()
}
