package domain

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// ContentEncryptor provides symmetric encryption for PII at rest: lead data
// JSON, message bodies, anything the store persists that identifies a person.
type ContentEncryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	IsEncrypted(s string) bool
	Rotate(newPassphrase string) error
}

// Patterns for PII that must not reach logs or the audit trail in the
// clear. Phone matching is tuned to Chilean numbers (+56 9 XXXX XXXX and
// local 9-digit forms) but tolerates loose spacing and dashes.
var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d .-]{6,14}\d`)
)

// MaskPII replaces email addresses and phone numbers in s with partially
// masked forms. Message bodies are encrypted at rest; this covers the
// fields that travel in plaintext, audit detail and log attributes.
func MaskPII(s string) string {
	s = emailPattern.ReplaceAllStringFunc(s, MaskEmail)
	s = phonePattern.ReplaceAllStringFunc(s, MaskPhone)
	return s
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// MaskPhone keeps the last three digits.
func MaskPhone(phone string) string {
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits <= 3 {
		return "***"
	}
	return "***" + phone[len(phone)-3:]
}

// ExportResult summarizes a data-subject export.
type ExportResult struct {
	Path         string    `json:"path"`
	LeadID       string    `json:"lead_id"`
	MessageCount int       `json:"message_count"`
	ExportedAt   time.Time `json:"exported_at"`
}

// DataRights covers the data-subject operations brokers are on the hook
// for: handing a lead a copy of their stored data, and erasing it on
// request. Erasure anonymizes the lead record and removes conversation
// history; appointments stay, with the lead reference intact, as business
// records.
type DataRights interface {
	Export(ctx context.Context, leadID, outputDir string) (*ExportResult, error)
	Erase(ctx context.Context, leadID string) error
}
