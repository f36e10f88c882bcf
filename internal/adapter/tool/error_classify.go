package tool

import (
	"errors"
	"strings"

	"leadflow/internal/domain"
)

// transientSentinels name conditions expected to clear on their own:
// backend hiccups, open breakers, throttled providers.
var transientSentinels = []error{
	domain.ErrProviderTimeout,
	domain.ErrConnFailed,
	domain.ErrServerError,
	domain.ErrRateLimit,
	domain.ErrCircuitOpen,
	domain.ErrStore,
}

// transientFragments catch failures that arrive as bare strings from
// drivers and SDKs, without sentinel wrapping. Matched case-insensitively.
var transientFragments = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"try again",
	"database is locked", // SQLite busy under contention
}

// classifyToolError reports whether a failed tool call is worth retrying.
// A taken visit slot is the one hard exception: retrying the same slot can
// never win it, whatever the rest of the message says.
func classifyToolError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrSlotUnavailable) {
		return false
	}

	for _, sentinel := range transientSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range transientFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
