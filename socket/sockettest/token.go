package sockettest

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var signingKey = []byte("sockettest")

// Token returns an HS256 JWT for username with the user id claim the chat
// backend issues.
func Token(username string, userID int64) string {
	claims := jwt.MapClaims{
		"sub": username,
		"id":  userID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		panic(err)
	}
	return s
}
