package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"leadflow/internal/domain"
)

// DataRightsStore is the slice of the lead store data-subject operations
// need. EraseLead anonymizes the lead row and removes conversation data in
// one transaction, returning the number of messages deleted.
type DataRightsStore interface {
	Get(ctx context.Context, id string) (*domain.Lead, error)
	History(ctx context.Context, leadID string, limit int) ([]domain.Message, error)
	EraseLead(ctx context.Context, leadID string) (int64, error)
}

// DataRightsService implements the data-subject rights brokers are on the
// hook for under Ley 19.628: portability (export a lead's stored data and
// conversation) and erasure. Appointments survive erasure as business
// records; everything that identifies the lead goes.
type DataRightsService struct {
	store   DataRightsStore
	sandbox *ExportSandbox
	audit   domain.AuditLogger
	logger  *slog.Logger
}

var _ domain.DataRights = (*DataRightsService)(nil)

// NewDataRightsService wires data-subject operations over the lead store.
// The audit logger may be nil.
func NewDataRightsService(store DataRightsStore, sandbox *ExportSandbox, audit domain.AuditLogger, logger *slog.Logger) *DataRightsService {
	return &DataRightsService{
		store:   store,
		sandbox: sandbox,
		audit:   audit,
		logger:  logger,
	}
}

// Export writes the lead's profile and full conversation history to a JSON
// file under outputDir. An empty outputDir defaults to the exports root;
// either way the resolved path must stay inside the sandbox.
func (s *DataRightsService) Export(ctx context.Context, leadID, outputDir string) (*domain.ExportResult, error) {
	if leadID == "" {
		return nil, domain.NewDomainError("DataRights.Export", domain.ErrInvalidInput, "empty lead id")
	}

	lead, err := s.store.Get(ctx, leadID)
	if err != nil {
		return nil, err
	}

	history, err := s.store.History(ctx, leadID, 0)
	if err != nil {
		return nil, fmt.Errorf("load history for export: %w", err)
	}

	if outputDir == "" {
		outputDir = s.sandbox.Root()
	}
	dir, err := s.sandbox.ValidatePath(outputDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	now := time.Now().UTC()
	doc := map[string]any{
		"lead":         lead,
		"conversation": history,
		"exported_at":  now.Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal export: %w", err)
	}

	filename := fmt.Sprintf("lead_%s_%s.json", leadID, now.Format("20060102T150405"))
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("write export: %w", err)
	}

	if s.audit != nil {
		_ = s.audit.Log(ctx, domain.AuditEvent{
			Type:     domain.AuditDataExport,
			Resource: "lead:" + leadID,
			Action:   "data_export",
			Outcome:  "success",
			Detail: map[string]string{
				"path":          path,
				"message_count": strconv.Itoa(len(history)),
			},
		})
	}

	s.logger.Info("lead data exported",
		"lead_id", leadID, "path", path, "messages", len(history))

	return &domain.ExportResult{
		Path:         path,
		LeadID:       leadID,
		MessageCount: len(history),
		ExportedAt:   now,
	}, nil
}

// Erase removes the lead's PII and conversation data. The lead row itself
// is anonymized rather than deleted so pipeline counts stay truthful.
func (s *DataRightsService) Erase(ctx context.Context, leadID string) error {
	if leadID == "" {
		return domain.NewDomainError("DataRights.Erase", domain.ErrInvalidInput, "empty lead id")
	}

	// Surface ErrLeadNotFound before touching anything.
	if _, err := s.store.Get(ctx, leadID); err != nil {
		return err
	}

	deleted, err := s.store.EraseLead(ctx, leadID)
	if err != nil {
		return fmt.Errorf("erase lead %s: %w", leadID, err)
	}

	if s.audit != nil {
		_ = s.audit.Log(ctx, domain.AuditEvent{
			Type:     domain.AuditDataErase,
			Resource: "lead:" + leadID,
			Action:   "data_erase",
			Outcome:  "success",
			Detail: map[string]string{
				"messages_deleted": strconv.FormatInt(deleted, 10),
			},
		})
	}

	s.logger.Info("lead data erased",
		"lead_id", leadID, "messages_deleted", deleted)

	return nil
}
