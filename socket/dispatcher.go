package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kleeedolinux/chatsocket.go/socket/transport"
)

// Application destinations.
const (
	DestChatSend   = "/app/chat.sendMessage"
	DestChatJoin   = "/app/chat.join"
	DestChatTyping = "/app/chat.typing"
	DestStatus     = "/app/status"
)

func GroupMessageDest(groupID int64) string {
	return "/app/group.message." + strconv.FormatInt(groupID, 10)
}

func GroupJoinDest(groupID int64) string {
	return "/app/group.join." + strconv.FormatInt(groupID, 10)
}

// Send publishes payload as JSON to destination, connecting first when
// needed. A publish that fails because the transport is gone is retried
// exactly once on a fresh session.
func (c *Client) Send(ctx context.Context, destination string, payload any) SendResult {
	err := c.send(ctx, destination, payload)
	c.metrics.send(err == nil)
	if err != nil {
		c.log.Error("send failed", "destination", destination, "error", err)
		return SendResult{Error: err.Error()}
	}
	return SendResult{Success: true}
}

// SendMessage publishes an OutboundMessage.
func (c *Client) SendMessage(ctx context.Context, m OutboundMessage) SendResult {
	return c.Send(ctx, m.Destination, m.Payload)
}

func (c *Client) send(ctx context.Context, destination string, payload any) error {
	if res := c.EnsureConnected(ctx); !res.Connected {
		return fmt.Errorf("not connected: %s", res.Reason)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	err = c.publish(destination, body)
	if err == nil || !errors.Is(err, transport.ErrNotReady) {
		return err
	}

	c.log.Warn("publish hit a dead transport, reconnecting once", "destination", destination, "error", err)
	c.metrics.sendRetry()

	c.teardown()
	if res := c.Connect(ctx); !res.Connected {
		// the dead session was torn down here, so its watcher will not
		// bring the client back
		c.scheduleReconnect()
		return fmt.Errorf("reconnect for retry: %s", res.Reason)
	}

	timer := time.NewTimer(c.retrySettle)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
	}

	if err := c.publish(destination, body); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

func (c *Client) publish(destination string, body []byte) error {
	s := c.current()
	if s == nil {
		return &transport.NotReadyError{Op: "publish", Err: ErrSessionClosed}
	}
	return s.publish(destination, body)
}

// timestamp formats the current time the way browsers serialize dates.
func timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func (c *Client) SendChatMessage(ctx context.Context, chatID any, content string) SendResult {
	id, err := normalizeID(chatID)
	if err != nil {
		return SendResult{Error: err.Error()}
	}
	if strings.TrimSpace(content) == "" {
		return SendResult{Error: "empty message content"}
	}
	return c.Send(ctx, DestChatSend, map[string]any{
		"chatId":    id,
		"content":   content,
		"type":      "CHAT",
		"timestamp": timestamp(),
	})
}

func (c *Client) SendGroupMessage(ctx context.Context, groupID any, content string) SendResult {
	id, err := normalizeID(groupID)
	if err != nil {
		return SendResult{Error: err.Error()}
	}
	if strings.TrimSpace(content) == "" {
		return SendResult{Error: "empty message content"}
	}
	return c.Send(ctx, GroupMessageDest(id), map[string]any{
		"groupId": id,
		"content": content,
		"type":    "MESSAGE",
	})
}

func (c *Client) SendTypingIndicator(ctx context.Context, chatID any, typing bool) SendResult {
	id, err := normalizeID(chatID)
	if err != nil {
		return SendResult{Error: err.Error()}
	}
	return c.Send(ctx, DestChatTyping, map[string]any{
		"chatId": id,
		"typing": typing,
	})
}

// SendStatusUpdate announces the authenticated user's presence.
func (c *Client) SendStatusUpdate(ctx context.Context, online bool) SendResult {
	if res := c.EnsureConnected(ctx); !res.Connected {
		return SendResult{Error: "not connected: " + res.Reason}
	}
	id := c.Identity()
	if id.IsZero() {
		return SendResult{Error: "status update needs an identity in the token"}
	}

	var userID any = id.UserID
	if n, err := strconv.ParseInt(id.UserID, 10, 64); err == nil {
		userID = n
	}
	return c.Send(ctx, DestStatus, map[string]any{
		"userId":    userID,
		"username":  id.Username,
		"online":    online,
		"timestamp": timestamp(),
	})
}

// JoinChat tells the backend the user opened a chat.
func (c *Client) JoinChat(ctx context.Context, chatID any) bool {
	id, err := normalizeID(chatID)
	if err != nil {
		c.log.Warn("join chat", "chat", chatID, "error", err)
		return false
	}
	return c.Send(ctx, DestChatJoin, map[string]any{
		"chatId":    id,
		"type":      "JOIN",
		"timestamp": timestamp(),
	}).Success
}

// JoinGroup subscribes to the group topic, then announces the join.
func (c *Client) JoinGroup(ctx context.Context, groupID any) bool {
	id, err := normalizeID(groupID)
	if err != nil {
		c.log.Warn("join group", "group", groupID, "error", err)
		return false
	}
	if err := c.SubscribeEntityChannel(ctx, id); err != nil {
		c.log.Error("join group", "group", id, "error", err)
		return false
	}
	return c.Send(ctx, GroupJoinDest(id), map[string]any{
		"groupId": id,
		"type":    "JOIN",
	}).Success
}
