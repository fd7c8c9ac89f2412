package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const cycleIDKey contextKey = "cycleId"

// NewCycleID creates an 8-character hex ID for one poll cycle.
func NewCycleID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// WithCycleID injects a cycle ID into the context.
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey, id)
}

// CycleID retrieves the cycle ID from the context.
// Returns empty string if not found.
func CycleID(ctx context.Context) string {
	if id, ok := ctx.Value(cycleIDKey).(string); ok {
		return id
	}
	return ""
}
