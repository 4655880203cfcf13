package importer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// mockRecordRepo is an in-memory RecordRepository keyed by identity.
type mockRecordRepo struct {
	mu       sync.Mutex
	existing []ExistingRecord
	listErr  error
	txErr    error
	failOn   map[IdentityKey]error
	applied  []DiffChange
	owners   []*uuid.UUID
	txDepth  int
	maxDepth int
}

func newMockRecordRepo(existing ...ExistingRecord) *mockRecordRepo {
	return &mockRecordRepo{existing: existing, failOn: make(map[IdentityKey]error)}
}

func (m *mockRecordRepo) ListExisting(_ context.Context, _ Scope) ([]ExistingRecord, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.existing, nil
}

func (m *mockRecordRepo) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	if m.txErr != nil {
		m.mu.Unlock()
		return m.txErr
	}
	m.txDepth++
	if m.txDepth > m.maxDepth {
		m.maxDepth = m.txDepth
	}
	m.mu.Unlock()

	err := fn(ctx)

	m.mu.Lock()
	m.txDepth--
	m.mu.Unlock()
	return err
}

func (m *mockRecordRepo) write(c DiffChange, ownerID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failOn[c.Key()]; ok {
		return err
	}
	m.applied = append(m.applied, c)
	m.owners = append(m.owners, ownerID)
	return nil
}

func (m *mockRecordRepo) InsertMeasure(_ context.Context, c DiffChange, ownerID *uuid.UUID) error {
	return m.write(c, ownerID)
}

func (m *mockRecordRepo) UpdateMeasure(_ context.Context, c DiffChange) error {
	return m.write(c, nil)
}

func (m *mockRecordRepo) AddDuplicateMeasure(_ context.Context, c DiffChange, ownerID *uuid.UUID) error {
	return m.write(c, ownerID)
}

func (m *mockRecordRepo) DeleteMeasure(_ context.Context, c DiffChange) error {
	return m.write(c, nil)
}

func change(action Action, name, measure string) DiffChange {
	return DiffChange{
		Action:         action,
		MemberName:     name,
		MemberDob:      "1990-01-15",
		RequestType:    "Screening",
		QualityMeasure: measure,
	}
}

func TestExecutor_AppliesModifyingChanges(t *testing.T) {
	repo := newMockRecordRepo()
	owner := uuid.New()
	changes := []DiffChange{
		change(ActionInsert, "A", "Breast Cancer Screening"),
		change(ActionUpdate, "B", "Breast Cancer Screening"),
		change(ActionSkip, "C", "Breast Cancer Screening"),
		change(ActionBoth, "D", "Breast Cancer Screening"),
		change(ActionDelete, "E", "Breast Cancer Screening"),
		change(ActionSkip, "F", "Breast Cancer Screening"),
	}

	report, err := NewExecutor(repo).Execute(context.Background(), changes, &owner)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	want := DiffSummary{Inserts: 1, Updates: 1, Duplicates: 1, Deletes: 1}
	if report.Applied != want {
		t.Errorf("applied = %+v, want %+v", report.Applied, want)
	}
	if report.Skipped != 2 {
		t.Errorf("skipped = %d, want 2", report.Skipped)
	}
	if report.Failed() != 0 || len(report.Failures) != 0 {
		t.Errorf("unexpected failures: %+v", report.Failures)
	}
	if len(repo.applied) != 4 {
		t.Fatalf("writer saw %d changes, want 4", len(repo.applied))
	}
	for i, c := range repo.applied {
		if c.Action == ActionSkip {
			t.Errorf("change %d: SKIP should never reach the writer", i)
		}
	}
	if repo.owners[0] == nil || *repo.owners[0] != owner {
		t.Error("insert should carry the owner")
	}
	if repo.maxDepth != 2 {
		t.Errorf("expected each change in a nested transaction, max depth = %d", repo.maxDepth)
	}
}

func TestExecutor_ContinuesPastFailures(t *testing.T) {
	repo := newMockRecordRepo()
	conflict := change(ActionUpdate, "B", "Breast Cancer Screening")
	gone := change(ActionDelete, "C", "Breast Cancer Screening")
	broken := change(ActionInsert, "D", "Breast Cancer Screening")
	broken.SourceRowIndex = new(int)
	*broken.SourceRowIndex = 7
	repo.failOn[conflict.Key()] = ErrIdentityConflict
	repo.failOn[gone.Key()] = ErrRecordNotFound
	repo.failOn[broken.Key()] = errors.New("connection reset")

	changes := []DiffChange{
		change(ActionInsert, "A", "Breast Cancer Screening"),
		conflict,
		gone,
		broken,
		change(ActionInsert, "E", "Breast Cancer Screening"),
	}

	report, err := NewExecutor(repo).Execute(context.Background(), changes, nil)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if report.Applied.Inserts != 2 {
		t.Errorf("inserts applied = %d, want 2", report.Applied.Inserts)
	}
	if report.Conflicts != 2 {
		t.Errorf("conflicts = %d, want 2", report.Conflicts)
	}
	if report.Errors != 1 {
		t.Errorf("errors = %d, want 1", report.Errors)
	}
	if len(report.Failures) != 3 {
		t.Fatalf("failures = %d, want 3", len(report.Failures))
	}

	last := report.Failures[2]
	if last.Index != 3 || last.Outcome != OutcomeError || last.MemberName != "D" {
		t.Errorf("unexpected failure entry: %+v", last)
	}
	if last.SourceRowIndex == nil || *last.SourceRowIndex != 7 {
		t.Error("failure should carry the source row index")
	}
	if report.Failures[0].Outcome != OutcomeConflict {
		t.Errorf("outcome = %s, want conflict", report.Failures[0].Outcome)
	}
}

func TestExecutor_BatchTransactionError(t *testing.T) {
	repo := newMockRecordRepo()
	repo.txErr = errors.New("pool closed")

	_, err := NewExecutor(repo).Execute(context.Background(), []DiffChange{change(ActionInsert, "A", "X")}, nil)
	if err == nil {
		t.Fatal("expected error when the batch transaction fails")
	}
	if !errors.Is(err, repo.txErr) {
		t.Errorf("error should wrap the cause, got %v", err)
	}
}

func TestExecutor_CancelledContext(t *testing.T) {
	repo := newMockRecordRepo()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewExecutor(repo).Execute(ctx, []DiffChange{change(ActionInsert, "A", "X")}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(repo.applied) != 0 {
		t.Error("no change should be applied after cancellation")
	}
}

func TestExecutor_EmptyBatch(t *testing.T) {
	report, err := NewExecutor(newMockRecordRepo()).Execute(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if report.Applied.Total() != 0 || report.Failures == nil {
		t.Errorf("unexpected report: %+v", report)
	}
}
