package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"leadflow/internal/adapter/store"
	"leadflow/internal/infra/config"
	"leadflow/internal/infra/logger"
	"leadflow/internal/security"
)

// runRotateKey re-encrypts stored lead PII under the passphrase in
// LEADFLOW_ENCRYPTION_KEY_NEW. The current passphrase must still be in
// LEADFLOW_ENCRYPTION_KEY so existing rows can be read, and the new one
// must replace it there before the next start.
func runRotateKey() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if !cfg.Store.EncryptPII && !cfg.Security.Encryption.Enabled {
		return fmt.Errorf("encryption is disabled in config; nothing to rotate")
	}
	newKey := os.Getenv("LEADFLOW_ENCRYPTION_KEY_NEW")
	if newKey == "" {
		return fmt.Errorf("LEADFLOW_ENCRYPTION_KEY_NEW is not set")
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser()

	sec, secCleanup, err := initSecurity(cfg, log)
	if err != nil {
		return err
	}
	defer secCleanup()

	st, err := store.Open(cfg.Store.Path, sec.Encryptor, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rows, err := security.NewKeyRotation(sec.Encryptor, st, sec.Audit, log).Rotate(ctx, newKey)
	if err != nil {
		return err
	}

	fmt.Printf("Key rotated, %d row(s) re-encrypted.\n", rows)
	fmt.Println("Set LEADFLOW_ENCRYPTION_KEY to the new passphrase before the next start.")
	return nil
}
