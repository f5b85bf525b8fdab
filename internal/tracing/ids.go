package tracing

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // fixed wire format: span ids derive from SHA1(traceId||seed)
	"encoding/hex"
	"fmt"
)

// W3C trace-context id sizes.
const (
	traceIDBytes = 16
	spanIDBytes  = 8
)

// GenerateTraceID returns a W3C-compatible random trace id:
// 32 lowercase hex characters.
func GenerateTraceID() string {
	return randomHex(traceIDBytes)
}

// GenerateSpanID returns a W3C-compatible random span id:
// 16 lowercase hex characters.
func GenerateSpanID() string {
	return randomHex(spanIDBytes)
}

// DeterministicSpanID derives a stable span id from a trace id and a seed:
// the first 16 hex characters of SHA1(traceId || seed). Used when a logical
// span must keep its identity across retries.
func DeterministicSpanID(traceID, seed string) string {
	sum := sha1.Sum([]byte(traceID + seed)) //nolint:gosec // not used for security

	return hex.EncodeToString(sum[:spanIDBytes])
}

// TraceParent formats a W3C traceparent header value for the given ids.
func TraceParent(traceID, spanID string) string {
	return fmt.Sprintf("00-%s-%s-01", traceID, spanID)
}

func randomHex(n int) string {
	buf := make([]byte, n)

	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(buf)

	return hex.EncodeToString(buf)
}
