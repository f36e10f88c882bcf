package security

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"leadflow/internal/domain"
)

// PIIReencryptor is the slice of the store key rotation needs: rewrite
// every encrypted row under the currently active key.
type PIIReencryptor interface {
	ReencryptPII(ctx context.Context) (int, error)
}

// RotationStatus reports the rotation history of the active key.
type RotationStatus struct {
	RotatedAt time.Time // zero until the first rotation
	Rotations int
}

// KeyRotation coordinates a passphrase change with the re-encryption of
// stored PII. Swapping the encryptor's passphrase only affects new writes;
// existing rows keep their old salts until the store rewrite completes, and
// stay readable throughout because old derived keys remain cached.
//
// Rotation is operator-driven: the new passphrase must also be placed in
// LEADFLOW_ENCRYPTION_KEY before the next restart, so generating one at
// random here would orphan every row written after the switch.
type KeyRotation struct {
	enc    *AESContentEncryptor
	store  PIIReencryptor
	audit  domain.AuditLogger
	logger *slog.Logger

	mu        sync.Mutex
	rotatedAt time.Time
	rotations int
}

// NewKeyRotation wires rotation over the encryptor and store. The audit
// logger may be nil.
func NewKeyRotation(enc *AESContentEncryptor, store PIIReencryptor, audit domain.AuditLogger, logger *slog.Logger) *KeyRotation {
	return &KeyRotation{
		enc:    enc,
		store:  store,
		audit:  audit,
		logger: logger,
	}
}

// Rotate switches the active passphrase and rewrites stored rows under the
// new key. Returns the number of rows re-encrypted.
func (k *KeyRotation) Rotate(ctx context.Context, newPassphrase string) (int, error) {
	if newPassphrase == "" {
		return 0, fmt.Errorf("rotate key: empty passphrase")
	}

	if err := k.enc.Rotate(newPassphrase); err != nil {
		return 0, fmt.Errorf("rotate key: %w", err)
	}

	rows, err := k.store.ReencryptPII(ctx)
	if err != nil {
		// New writes already use the new key and old rows stay readable,
		// so a failed rewrite is resumable rather than fatal.
		k.logger.Error("re-encryption pass failed after key switch",
			"rows_done", rows, "error", err)
		return rows, fmt.Errorf("re-encrypt stored rows: %w", err)
	}

	k.mu.Lock()
	k.rotatedAt = time.Now().UTC()
	k.rotations++
	k.mu.Unlock()

	k.logger.Info("encryption key rotated", "rows_reencrypted", rows)

	if k.audit != nil {
		if err := k.audit.Log(ctx, domain.AuditEvent{
			Type:  domain.AuditKeyRotation,
			Actor: "operator",
			Detail: map[string]string{
				"rows_reencrypted": strconv.Itoa(rows),
			},
		}); err != nil {
			k.logger.Warn("audit write for key rotation failed", "error", err)
		}
	}

	return rows, nil
}

// Status reports when the key was last rotated in this process.
func (k *KeyRotation) Status() RotationStatus {
	k.mu.Lock()
	defer k.mu.Unlock()
	return RotationStatus{RotatedAt: k.rotatedAt, Rotations: k.rotations}
}
