// Package auth supplies the bearer credential and the identity behind it to
// the socket client.
//
// A TokenStore returns the current token, or "" when nobody is logged in;
// an empty token is an expected state, not an error. Stores are provided for
// a fixed value, an environment variable, a token file that is reloaded when
// it changes on disk, and a Redis key shared with other processes.
//
// ParseIdentity reads the username and user id out of a JWT without
// verifying it. The server verifies the token at STOMP CONNECT time; the
// client only needs the claims to address its user queues and to tell its
// own messages apart.
package auth
