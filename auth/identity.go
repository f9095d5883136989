package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoIdentity = errors.New("token carries no usable identity")

// Identity is who the server will consider the sender of our frames.
type Identity struct {
	Username string
	UserID   string
}

func (i Identity) IsZero() bool {
	return i.Username == "" && i.UserID == ""
}

// ParseIdentity extracts the identity claims from a JWT without checking its
// signature. The username comes from "sub" (or "username"), the user id from
// "id", "userId" or "user_id".
func ParseIdentity(token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(StripBearer(token), claims); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}

	var id Identity
	if sub, err := claims.GetSubject(); err == nil {
		id.Username = sub
	}
	if id.Username == "" {
		id.Username = claimString(claims["username"])
	}
	for _, key := range []string{"id", "userId", "user_id"} {
		if v := claimString(claims[key]); v != "" {
			id.UserID = v
			break
		}
	}

	if id.IsZero() {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

func claimString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
