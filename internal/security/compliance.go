package security

import (
	"context"
	"time"

	"leadflow/internal/domain"
)

// ComplianceAuditLogger wraps an AuditLogger so every entry carries the
// fields a data-protection review expects (Actor, Action, Outcome), and so
// lead contact data never reaches the trail in the clear. The audit file is
// plaintext JSONL retained for months; detail values are masked here rather
// than trusting every call site to remember.
type ComplianceAuditLogger struct {
	inner domain.AuditLogger
}

// NewComplianceAuditLogger wraps an existing audit logger with field
// defaulting and PII masking.
func NewComplianceAuditLogger(inner domain.AuditLogger) *ComplianceAuditLogger {
	return &ComplianceAuditLogger{inner: inner}
}

// Log fills in missing compliance fields and masks PII in the detail map
// before delegating to the inner logger.
func (c *ComplianceAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if event.Actor == "" {
		event.Actor = "system"
	}
	if event.Action == "" {
		event.Action = string(event.Type)
	}
	if event.Outcome == "" {
		event.Outcome = "success"
	}

	if len(event.Detail) > 0 {
		masked := make(map[string]string, len(event.Detail))
		for k, v := range event.Detail {
			masked[k] = domain.MaskPII(v)
		}
		event.Detail = masked
	}

	return c.inner.Log(ctx, event)
}

// Close delegates to the inner logger.
func (c *ComplianceAuditLogger) Close() error {
	return c.inner.Close()
}
