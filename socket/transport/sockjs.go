package transport

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// SockJS frame types as sent by the server.
const (
	FrameOpen      byte = 'o'
	FrameHeartbeat byte = 'h'
	FrameArray     byte = 'a'
	FrameMessage   byte = 'm'
	FrameClose     byte = 'c'
)

// CloseError is the payload of a SockJS close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("sockjs closed: %d %s", e.Code, e.Reason)
}

// ParseFrame splits one server frame into its type and the messages it carries.
func ParseFrame(data []byte) (byte, []string, error) {
	s := strings.TrimRight(string(data), "\n")
	if s == "" {
		return 0, nil, ErrBadFrame
	}

	kind := s[0]
	body := s[1:]
	switch kind {
	case FrameOpen, FrameHeartbeat:
		return kind, nil, nil
	case FrameArray:
		var msgs []string
		if err := json.Unmarshal([]byte(body), &msgs); err != nil {
			return kind, nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		return kind, msgs, nil
	case FrameMessage:
		var msg string
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return kind, nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		return kind, []string{msg}, nil
	case FrameClose:
		var parts []any
		if err := json.Unmarshal([]byte(body), &parts); err != nil || len(parts) < 2 {
			return kind, nil, &CloseError{Code: 0, Reason: body}
		}
		ce := &CloseError{}
		if code, ok := parts[0].(float64); ok {
			ce.Code = int(code)
		}
		ce.Reason, _ = parts[1].(string)
		return kind, nil, ce
	default:
		return kind, nil, fmt.Errorf("%w: unknown type %q", ErrBadFrame, kind)
	}
}

// EncodeMessages builds the client-to-server frame: a JSON array of strings.
func EncodeMessages(msgs ...string) ([]byte, error) {
	return json.Marshal(msgs)
}

// EncodeArrayFrame builds a server "a" frame. Used by test brokers.
func EncodeArrayFrame(msgs ...string) ([]byte, error) {
	b, err := json.Marshal(msgs)
	if err != nil {
		return nil, err
	}
	return append([]byte{FrameArray}, b...), nil
}

// EncodeCloseFrame builds a server "c" frame.
func EncodeCloseFrame(code int, reason string) []byte {
	b, _ := json.Marshal([]any{code, reason})
	return append([]byte{FrameClose}, b...)
}

// SessionURL appends the SockJS server and session path segments to base.
// The scheme is left untouched; callers switch http to ws where needed.
func SessionURL(base string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("sockjs url %q has no host", base)
	}

	server := fmt.Sprintf("%03d", rand.IntN(1000))
	session := strings.ReplaceAll(uuid.NewString(), "-", "")
	u.Path = strings.TrimRight(u.Path, "/") + "/" + server + "/" + session
	return u, nil
}

func websocketScheme(u *url.URL) {
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
}
