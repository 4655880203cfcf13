package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/qualitytracker/internal/platform/blobstore"
	"github.com/ehr/qualitytracker/internal/platform/events"
)

// EventImportExecuted is published after a preview is executed.
const EventImportExecuted = "ImportExecuted"

// MissingColumnsError blocks a preview whose file lacks identity columns.
type MissingColumnsError struct {
	Missing []string
	Mapping *MappingResult
}

func (e *MissingColumnsError) Error() string {
	return "missing required columns: " + strings.Join(e.Missing, ", ")
}

// PreviewRequest is an uploaded file to reconcile.
type PreviewRequest struct {
	FileName    string
	ContentType string
	Data        []byte
	SystemID    string
	Mode        ImportMode
	OwnerID     *uuid.UUID
	CreatedBy   string
}

// ImportExecuted is the payload of EventImportExecuted.
type ImportExecuted struct {
	PreviewID  uuid.UUID   `json:"preview_id"`
	SystemID   string      `json:"system_id"`
	Mode       ImportMode  `json:"mode"`
	Summary    DiffSummary `json:"summary"`
	Applied    DiffSummary `json:"applied"`
	Failed     int         `json:"failed"`
	ExecutedBy string      `json:"executed_by,omitempty"`
	ExecutedAt time.Time   `json:"executed_at"`
}

type Service struct {
	systems   *Registry
	records   RecordRepository
	previews  PreviewStore
	logger    zerolog.Logger
	archive   blobstore.BlobStore
	publisher events.Publisher
	nowFunc   func() time.Time
}

func NewService(systems *Registry, records RecordRepository, previews PreviewStore, logger zerolog.Logger) *Service {
	return &Service{
		systems:   systems,
		records:   records,
		previews:  previews,
		logger:    logger.With().Str("component", "importer").Logger(),
		publisher: events.NopPublisher{},
		nowFunc:   time.Now,
	}
}

// SetArchive enables keeping uploaded files in store.
func (s *Service) SetArchive(store blobstore.BlobStore) {
	s.archive = store
}

func (s *Service) SetPublisher(p events.Publisher) {
	s.publisher = p
}

// Systems lists the configured healthcare systems.
func (s *Service) Systems() []SystemSummary {
	return s.systems.List()
}

// MapColumns maps headers against the configuration of systemID.
func (s *Service) MapColumns(systemID string, headers []string) (*MappingResult, error) {
	return NewMapper(s.systems).MapColumns(headers, systemID)
}

// CreatePreview parses, maps, transforms and diffs an upload, then stages
// the result. An unknown system fails before the file is read.
func (s *Service) CreatePreview(ctx context.Context, req PreviewRequest) (*Preview, error) {
	cfg, err := s.systems.Get(req.SystemID)
	if err != nil {
		return nil, err
	}
	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return nil, err
	}

	parsed, err := ParseFile(req.FileName, req.Data)
	if err != nil {
		return nil, err
	}

	mapping := MapColumns(parsed.Headers, cfg)
	if !mapping.Complete() {
		return nil, &MissingColumnsError{Missing: mapping.MissingRequired, Mapping: mapping}
	}

	transformed := TransformRows(parsed.Rows, mapping)

	existing, err := s.records.ListExisting(ctx, Scope{OwnerID: req.OwnerID})
	if err != nil {
		return nil, fmt.Errorf("load existing records: %w", err)
	}

	now := s.nowFunc()
	preview := &Preview{
		ID:         uuid.New(),
		SystemID:   cfg.ID,
		Mode:       mode,
		OwnerID:    req.OwnerID,
		FileName:   req.FileName,
		Mapping:    mapping,
		Validation: transformed.Report(len(parsed.Rows)),
		Diff:       CalculateDiff(mode, transformed.Rows, existing, now),
		FileNotes:  parsed.Warnings,
		CreatedBy:  req.CreatedBy,
		CreatedAt:  now,
	}

	if s.archive != nil {
		key := archiveKey(preview.ID, req.FileName)
		_, err := s.archive.Put(ctx, key, blobstore.BlobMetadata{
			FileName:    req.FileName,
			ContentType: req.ContentType,
			CreatedBy:   req.CreatedBy,
		}, bytes.NewReader(req.Data))
		if err != nil {
			s.logger.Warn().Err(err).Str("preview_id", preview.ID.String()).Msg("archive upload failed")
		} else {
			preview.ArchiveKey = key
		}
	}

	if err := s.previews.Save(preview); err != nil {
		return nil, fmt.Errorf("stage preview: %w", err)
	}

	sum := preview.Diff.Summary
	s.logger.Info().
		Str("preview_id", preview.ID.String()).
		Str("system_id", preview.SystemID).
		Str("mode", string(preview.Mode)).
		Int("rows", len(parsed.Rows)).
		Int("row_errors", len(transformed.Errors)).
		Int("inserts", sum.Inserts).
		Int("updates", sum.Updates).
		Int("skips", sum.Skips).
		Int("duplicates", sum.Duplicates).
		Int("deletes", sum.Deletes).
		Msg("import preview created")
	return preview, nil
}

func (s *Service) GetPreview(_ context.Context, id uuid.UUID) (*Preview, error) {
	return s.previews.Get(id)
}

// ExecutePreview applies a staged preview once. When the batch transaction
// itself fails the preview is staged again so it can be retried.
func (s *Service) ExecutePreview(ctx context.Context, id uuid.UUID, executedBy string) (*ExecutionReport, error) {
	preview, err := s.previews.Take(id)
	if err != nil {
		return nil, err
	}

	report, err := NewExecutor(s.records).Execute(ctx, preview.Diff.Changes, preview.OwnerID)
	if err != nil {
		if saveErr := s.previews.Save(preview); saveErr != nil {
			s.logger.Error().Err(saveErr).Str("preview_id", id.String()).Msg("restage preview failed")
		}
		return nil, err
	}
	report.PreviewID = preview.ID
	report.ExecutedBy = executedBy
	report.ExecutedAt = s.nowFunc().UTC()

	s.logger.Info().
		Str("preview_id", preview.ID.String()).
		Str("system_id", preview.SystemID).
		Str("mode", string(preview.Mode)).
		Int("applied", report.Applied.Total()).
		Int("skipped", report.Skipped).
		Int("conflicts", report.Conflicts).
		Int("errors", report.Errors).
		Msg("import executed")

	evt := events.Event{
		Type:       EventImportExecuted,
		Key:        preview.SystemID,
		OccurredAt: report.ExecutedAt,
		Data: ImportExecuted{
			PreviewID:  preview.ID,
			SystemID:   preview.SystemID,
			Mode:       preview.Mode,
			Summary:    preview.Diff.Summary,
			Applied:    report.Applied,
			Failed:     report.Failed(),
			ExecutedBy: executedBy,
			ExecutedAt: report.ExecutedAt,
		},
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn().Err(err).Str("preview_id", preview.ID.String()).Msg("publish import event failed")
	}
	return report, nil
}

// CancelPreview discards a staged preview and its archived file. Expired
// previews are left to eviction.
func (s *Service) CancelPreview(ctx context.Context, id uuid.UUID) error {
	preview, err := s.previews.Take(id)
	if err != nil {
		return err
	}
	s.removeArchive(ctx, preview)
	s.logger.Info().Str("preview_id", id.String()).Msg("import preview cancelled")
	return nil
}

// HandleExpired removes the archived file of an evicted preview.
func (s *Service) HandleExpired(preview *Preview) {
	s.removeArchive(context.Background(), preview)
	s.logger.Info().Str("preview_id", preview.ID.String()).Msg("import preview expired")
}

func (s *Service) removeArchive(ctx context.Context, preview *Preview) {
	if s.archive == nil || preview.ArchiveKey == "" {
		return
	}
	if err := s.archive.Delete(ctx, preview.ArchiveKey); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
		s.logger.Warn().Err(err).Str("preview_id", preview.ID.String()).Msg("archive delete failed")
	}
}

func archiveKey(id uuid.UUID, fileName string) string {
	name := filepath.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		name = "upload"
	}
	return "uploads/" + id.String() + "/" + name
}
