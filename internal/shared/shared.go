// Package shared holds small helpers with no natural home in a single
// engine package but that several of them need (link naming, context
// plumbing for mux goroutines).
package shared

import (
	"context"
	"math/rand"
	"time"
)

var randSrc = rand.New(rand.NewSource(time.Now().UnixNano()))

const nameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandString returns a random alphanumeric string of length n, used to
// generate a unique link name when the caller doesn't supply one.
func RandString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = nameAlphabet[randSrc.Intn(len(nameAlphabet))]
	}
	return string(b)
}

// ContextWithTimeoutCause is context.WithTimeout plus a fixed cause, for a
// bounded wait whose eventual error says what it was waiting for rather
// than just "deadline exceeded". No engine in this module calls it.
func ContextWithTimeoutCause(parent context.Context, timeout time.Duration, cause error) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeoutCause(parent, timeout, cause)
	return ctx, cancel
}
