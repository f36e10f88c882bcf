package tool

import (
	"fmt"
	"time"
)

// RequireField rejects an empty string value. The message names the field
// so the model knows what to supply on the next attempt.
func RequireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("'%s' is required", name)
	}
	return nil
}

// RequireFields checks name/value pairs in order and reports the first
// empty value.
func RequireFields(kvs ...string) error {
	if len(kvs)%2 != 0 {
		return fmt.Errorf("RequireFields: odd number of arguments")
	}
	for len(kvs) > 0 {
		name, value := kvs[0], kvs[1]
		kvs = kvs[2:]
		if value == "" {
			return fmt.Errorf("'%s' is required", name)
		}
	}
	return nil
}

// ValidateRange rejects values outside [lo, hi], both ends inclusive.
func ValidateRange(name string, value, lo, hi int) error {
	if value < lo || value > hi {
		return fmt.Errorf("%s must be %d-%d", name, lo, hi)
	}
	return nil
}

// ValidateAll runs checks in order and stops at the first failure, so a
// handler can stack its validations in one call:
//
//	if err := ValidateAll(RequireField("due_at", p.DueAt), ValidateTimestamp("due_at", p.DueAt)); err != nil { ... }
func ValidateAll(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// ValidateTimestamp accepts RFC 3339 timestamps and the empty string.
// Presence is RequireField's job; this only guards the format, because the
// model likes to hand over dates in whatever shape the lead typed them.
func ValidateTimestamp(name, value string) error {
	if value == "" {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, value); err != nil {
		return fmt.Errorf("'%s' must be a valid ISO 8601 timestamp (e.g. 2026-03-01T10:00:00Z): %v", name, err)
	}
	return nil
}
