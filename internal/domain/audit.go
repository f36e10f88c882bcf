package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditLLMCall     AuditEventType = "llm_call"
	AuditToolExec    AuditEventType = "tool_exec"
	AuditLeadCreated AuditEventType = "lead_created"
	AuditLeadAccess  AuditEventType = "lead_access"
	AuditLeadUpdate  AuditEventType = "lead_update"
	AuditDataExport  AuditEventType = "data_export"
	AuditDataErase   AuditEventType = "data_erase"
	AuditKeyRotation AuditEventType = "key_rotation"

	// Gateway access trail.
	AuditAccessLog    AuditEventType = "access"
	AuditAccessDenied AuditEventType = "access_denied"
	AuditDataEvent    AuditEventType = "data_event"
)

// AuditEvent represents a single auditable action.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail"`

	// Compliance fields (optional, zero values omitted).
	Actor    string `json:"actor,omitempty"`
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
