package importer

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/qualitytracker/internal/platform/blobstore"
	"github.com/ehr/qualitytracker/internal/platform/events"
)

const hillCSV = "Patient,DOB,Phone,Age,Annual Wellness Visit Q1,Annual Wellness Visit Q2,Breast Cancer Screening Q2\n" +
	"John Smith,01/15/1990,555-0100,35,3/4/2025,AWV completed,\n" +
	"Jane Doe,1985-06-01,,40,,,Screening ordered\n"

type serviceFixture struct {
	svc       *Service
	repo      *mockRecordRepo
	previews  *InMemoryPreviewStore
	archive   *blobstore.InMemoryBlobStore
	publisher *events.RecordingPublisher
	now       time.Time
}

func newServiceFixture(t *testing.T, existing ...ExistingRecord) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		repo:      newMockRecordRepo(existing...),
		archive:   blobstore.NewInMemoryBlobStore(),
		publisher: &events.RecordingPublisher{},
		now:       time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.previews = newTestPreviewStore(t, DefaultPreviewTTL, &f.now)
	f.svc = NewService(DefaultRegistry(), f.repo, f.previews, zerolog.Nop())
	f.svc.SetArchive(f.archive)
	f.svc.SetPublisher(f.publisher)
	f.svc.nowFunc = func() time.Time { return f.now }
	return f
}

func (f *serviceFixture) preview(t *testing.T, mode ImportMode) *Preview {
	t.Helper()
	p, err := f.svc.CreatePreview(context.Background(), PreviewRequest{
		FileName:  "hill.csv",
		Data:      []byte(hillCSV),
		SystemID:  "hill",
		Mode:      mode,
		CreatedBy: "user-1",
	})
	if err != nil {
		t.Fatalf("CreatePreview() error: %v", err)
	}
	return p
}

func TestService_CreatePreview_Merge(t *testing.T) {
	f := newServiceFixture(t, awvExisting(strPtr("Not Addressed")))

	p := f.preview(t, "")

	if p.Mode != ModeMerge || p.Diff.Mode != ModeMerge {
		t.Errorf("blank mode should default to merge, got %s / %s", p.Mode, p.Diff.Mode)
	}
	if p.Validation.RowCount != 2 || p.Validation.MeasureCount != 2 || p.Validation.PatientCount != 2 {
		t.Errorf("validation = %+v", p.Validation)
	}
	want := DiffSummary{Inserts: 1, Updates: 1}
	if p.Diff.Summary != want {
		t.Errorf("summary = %+v, want %+v", p.Diff.Summary, want)
	}
	if p.Diff.NewPatients != 1 || p.Diff.ExistingPatients != 1 {
		t.Errorf("patients new=%d existing=%d", p.Diff.NewPatients, p.Diff.ExistingPatients)
	}
	if p.Mapping.Stats.Skipped != 1 {
		t.Errorf("Age should be skipped, stats = %+v", p.Mapping.Stats)
	}
	if !p.ExpiresAt.Equal(f.now.Add(DefaultPreviewTTL)) {
		t.Errorf("expires at = %v", p.ExpiresAt)
	}

	if p.ArchiveKey != "uploads/"+p.ID.String()+"/hill.csv" {
		t.Errorf("archive key = %q", p.ArchiveKey)
	}
	rc, meta, err := f.archive.Get(context.Background(), p.ArchiveKey)
	if err != nil {
		t.Fatalf("archived file missing: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != hillCSV || meta.CreatedBy != "user-1" {
		t.Errorf("archived content or metadata mismatch: %+v", meta)
	}

	got, err := f.svc.GetPreview(context.Background(), p.ID)
	if err != nil || got.ID != p.ID {
		t.Errorf("GetPreview() = %v, %v", got, err)
	}
}

func TestService_CreatePreview_Replace(t *testing.T) {
	f := newServiceFixture(t, awvExisting(strPtr("Completed")))

	p := f.preview(t, ModeReplace)

	want := DiffSummary{Inserts: 2, Deletes: 1}
	if p.Diff.Summary != want {
		t.Errorf("summary = %+v, want %+v", p.Diff.Summary, want)
	}
	if p.Diff.Changes[0].Action != ActionDelete {
		t.Errorf("replace should list deletes first, got %s", p.Diff.Changes[0].Action)
	}
}

func TestService_CreatePreview_Errors(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreatePreview(ctx, PreviewRequest{FileName: "x.csv", Data: []byte(hillCSV), SystemID: "nope"})
	if !errors.Is(err, ErrUnknownSystem) {
		t.Errorf("expected ErrUnknownSystem, got %v", err)
	}

	_, err = f.svc.CreatePreview(ctx, PreviewRequest{FileName: "x.csv", Data: []byte(hillCSV), SystemID: "hill", Mode: "upsert"})
	if err == nil {
		t.Error("expected invalid mode error")
	}

	_, err = f.svc.CreatePreview(ctx, PreviewRequest{FileName: "x.pdf", Data: []byte("%PDF"), SystemID: "hill"})
	if !errors.Is(err, ErrUnsupportedFileType) {
		t.Errorf("expected ErrUnsupportedFileType, got %v", err)
	}

	_, err = f.svc.CreatePreview(ctx, PreviewRequest{
		FileName: "x.csv",
		Data:     []byte("Patient,Annual Wellness Visit Q2\nJohn,Completed\n"),
		SystemID: "hill",
	})
	var missing *MissingColumnsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingColumnsError, got %v", err)
	}
	if len(missing.Missing) != 1 || missing.Missing[0] != "DOB" {
		t.Errorf("missing = %v", missing.Missing)
	}

	f.repo.listErr = errors.New("db down")
	if _, err := f.svc.CreatePreview(ctx, PreviewRequest{FileName: "x.csv", Data: []byte(hillCSV), SystemID: "hill"}); !errors.Is(err, f.repo.listErr) {
		t.Errorf("expected wrapped repository error, got %v", err)
	}

	if f.previews.Len() != 0 {
		t.Errorf("failed previews should not be staged, have %d", f.previews.Len())
	}
}

func TestService_ExecutePreview(t *testing.T) {
	f := newServiceFixture(t, awvExisting(strPtr("Not Addressed")))
	p := f.preview(t, ModeMerge)

	report, err := f.svc.ExecutePreview(context.Background(), p.ID, "user-2")
	if err != nil {
		t.Fatalf("ExecutePreview() error: %v", err)
	}
	if report.PreviewID != p.ID || report.ExecutedBy != "user-2" {
		t.Errorf("report identity = %+v", report)
	}
	if report.Applied.Inserts != 1 || report.Applied.Updates != 1 {
		t.Errorf("applied = %+v", report.Applied)
	}
	if len(f.repo.applied) != 2 {
		t.Errorf("writer saw %d changes", len(f.repo.applied))
	}

	evts := f.publisher.Events()
	if len(evts) != 1 || evts[0].Type != EventImportExecuted || evts[0].Key != "hill" {
		t.Fatalf("events = %+v", evts)
	}
	payload, ok := evts[0].Data.(ImportExecuted)
	if !ok || payload.Applied.Total() != 2 || payload.Failed != 0 {
		t.Errorf("payload = %+v", evts[0].Data)
	}

	if _, err := f.svc.ExecutePreview(context.Background(), p.ID, "user-2"); !errors.Is(err, ErrPreviewNotFound) {
		t.Errorf("second execute should fail with ErrPreviewNotFound, got %v", err)
	}
}

func TestService_ExecutePreview_RestagesOnBatchFailure(t *testing.T) {
	f := newServiceFixture(t)
	p := f.preview(t, ModeMerge)

	f.repo.txErr = errors.New("pool closed")
	if _, err := f.svc.ExecutePreview(context.Background(), p.ID, ""); err == nil {
		t.Fatal("expected batch error")
	}
	if _, err := f.svc.GetPreview(context.Background(), p.ID); err != nil {
		t.Errorf("preview should be staged again, got %v", err)
	}

	f.repo.txErr = nil
	if _, err := f.svc.ExecutePreview(context.Background(), p.ID, ""); err != nil {
		t.Errorf("retry failed: %v", err)
	}
}

func TestService_ExecutePreview_PublishFailureIsNotFatal(t *testing.T) {
	f := newServiceFixture(t)
	f.publisher.Err = errors.New("broker unavailable")
	p := f.preview(t, ModeMerge)

	if _, err := f.svc.ExecutePreview(context.Background(), p.ID, ""); err != nil {
		t.Errorf("publish failure should not fail the import, got %v", err)
	}
}

func TestService_ExecutePreview_Expired(t *testing.T) {
	f := newServiceFixture(t)
	p := f.preview(t, ModeMerge)

	f.now = f.now.Add(DefaultPreviewTTL + time.Minute)
	if _, err := f.svc.ExecutePreview(context.Background(), p.ID, ""); !errors.Is(err, ErrPreviewExpired) {
		t.Errorf("expected ErrPreviewExpired, got %v", err)
	}
	if len(f.repo.applied) != 0 {
		t.Error("expired preview must not be applied")
	}
}

func TestService_CancelPreview(t *testing.T) {
	f := newServiceFixture(t)
	p := f.preview(t, ModeMerge)

	if err := f.svc.CancelPreview(context.Background(), p.ID); err != nil {
		t.Fatalf("CancelPreview() error: %v", err)
	}
	if len(f.archive.Keys("uploads/")) != 0 {
		t.Error("archived upload should be removed")
	}
	if _, err := f.svc.GetPreview(context.Background(), p.ID); !errors.Is(err, ErrPreviewNotFound) {
		t.Errorf("expected ErrPreviewNotFound, got %v", err)
	}
	if err := f.svc.CancelPreview(context.Background(), uuid.New()); !errors.Is(err, ErrPreviewNotFound) {
		t.Errorf("expected ErrPreviewNotFound, got %v", err)
	}
}

func TestService_HandleExpiredRemovesArchive(t *testing.T) {
	f := newServiceFixture(t)
	f.previews.OnExpire(f.svc.HandleExpired)
	p := f.preview(t, ModeMerge)

	f.now = f.now.Add(DefaultPreviewTTL + time.Minute)
	f.previews.evictExpired()

	if f.previews.Len() != 0 {
		t.Error("expired preview should be evicted")
	}
	if keys := f.archive.Keys("uploads/" + p.ID.String()); len(keys) != 0 {
		t.Errorf("archive keys left behind: %v", keys)
	}
}

func TestService_NoArchive(t *testing.T) {
	f := newServiceFixture(t)
	f.svc.archive = nil
	p := f.preview(t, ModeMerge)

	if p.ArchiveKey != "" {
		t.Errorf("archive key should be empty, got %q", p.ArchiveKey)
	}
	if err := f.svc.CancelPreview(context.Background(), p.ID); err != nil {
		t.Errorf("CancelPreview() error: %v", err)
	}
}

func TestArchiveKey(t *testing.T) {
	id := uuid.MustParse("6f1c2b0e-8a51-4c8e-9f59-2a7c1d3e4b5f")
	tests := []struct {
		name string
		want string
	}{
		{"hill.csv", "uploads/" + id.String() + "/hill.csv"},
		{`C:\Users\me\hill.xlsx`, "uploads/" + id.String() + "/hill.xlsx"},
		{"../../etc/passwd", "uploads/" + id.String() + "/passwd"},
		{"", "uploads/" + id.String() + "/upload"},
	}
	for _, tt := range tests {
		if got := archiveKey(id, tt.name); got != tt.want {
			t.Errorf("archiveKey(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestService_SystemsAndMapColumns(t *testing.T) {
	f := newServiceFixture(t)

	systems := f.svc.Systems()
	if len(systems) != 1 || systems[0].ID != "hill" {
		t.Errorf("systems = %+v", systems)
	}

	result, err := f.svc.MapColumns("hill", []string{"Patient", "DOB", "Unknown Col"})
	if err != nil {
		t.Fatalf("MapColumns() error: %v", err)
	}
	if result.Stats.Unmapped != 1 {
		t.Errorf("stats = %+v", result.Stats)
	}
	if _, err := f.svc.MapColumns("nope", nil); !errors.Is(err, ErrUnknownSystem) {
		t.Errorf("expected ErrUnknownSystem, got %v", err)
	}
}
