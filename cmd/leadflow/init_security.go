package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"leadflow/internal/domain"
	"leadflow/internal/infra/config"
	"leadflow/internal/security"
)

// SecurityComponents holds the security pieces that exist before the store:
// the PII encryptor, the audit trail, and the export sandbox. Data-subject
// services need the store and are wired later in buildRuntime.
type SecurityComponents struct {
	Encryptor *security.AESContentEncryptor // nil when encryption is off
	Audit     domain.AuditLogger            // nil when audit is disabled
	FileAudit *security.FileAuditLogger     // concrete handle for retention sweeps
	Sandbox   *security.ExportSandbox
}

// initSecurity builds encryption, audit logging, and the export sandbox.
// Returns the components and a cleanup that runs in reverse order.
func initSecurity(cfg *config.Config, log *slog.Logger) (*SecurityComponents, func(), error) {
	comp := &SecurityComponents{}
	var cleanups []func()

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// 1. PII encryption. Missing passphrase is fatal rather than a warning:
	// a broker who turned on encrypt_pii must not silently store plaintext.
	if cfg.Security.Encryption.Enabled || cfg.Store.EncryptPII {
		passphrase := os.Getenv("LEADFLOW_ENCRYPTION_KEY")
		if passphrase == "" {
			cleanup()
			return nil, nil, fmt.Errorf("encryption enabled but LEADFLOW_ENCRYPTION_KEY is not set")
		}
		enc, err := security.NewAESContentEncryptor(passphrase)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("encryption: %w", err)
		}
		comp.Encryptor = enc
		cleanups = append(cleanups, enc.Zeroize)
		log.Info("lead PII encryption enabled", "algorithm", "AES-256-GCM")
	}

	// 2. Audit trail
	if cfg.Security.Audit.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Security.Audit.Path), 0700); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("create audit dir: %w", err)
		}
		fileAudit, err := security.NewFileAuditLogger(cfg.Security.Audit.Path)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("audit logger: %w", err)
		}
		cleanups = append(cleanups, func() { fileAudit.Close() })

		maxSize, err := security.ParseRetentionMaxSize(cfg.Security.Audit.MaxSize)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("audit retention max_size: %w", err)
		}
		if cfg.Security.Audit.MaxAge > 0 || maxSize > 0 {
			fileAudit.SetRetention(security.RetentionPolicy{
				MaxAge:  cfg.Security.Audit.MaxAge,
				MaxSize: maxSize,
			})
		}

		comp.FileAudit = fileAudit
		comp.Audit = security.NewComplianceAuditLogger(fileAudit)
		log.Info("audit trail enabled", "path", cfg.Security.Audit.Path)
	}

	// 3. Export sandbox
	sandbox, err := security.NewExportSandbox(cfg.Security.ExportsDir)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("export sandbox: %w", err)
	}
	comp.Sandbox = sandbox

	return comp, cleanup, nil
}
