package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrIdentityConflict means the stored data changed since the diff was
	// calculated in a way that makes the change unsafe to apply.
	ErrIdentityConflict = errors.New("record changed since preview")
	ErrRecordNotFound   = errors.New("record no longer exists")
)

// Outcome is the result of applying one change.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeConflict Outcome = "conflict"
	OutcomeError    Outcome = "error"
)

// ChangeResult reports a change that was not applied.
type ChangeResult struct {
	Index          int     `json:"index"`
	Action         Action  `json:"action"`
	MemberName     string  `json:"member_name"`
	MemberDob      string  `json:"member_dob"`
	RequestType    string  `json:"request_type"`
	QualityMeasure string  `json:"quality_measure"`
	SourceRowIndex *int    `json:"source_row_index,omitempty"`
	Outcome        Outcome `json:"outcome"`
	Error          string  `json:"error"`
}

// ExecutionReport summarises a batch. The batch continues past failed
// changes; each failure is listed.
type ExecutionReport struct {
	PreviewID  uuid.UUID      `json:"preview_id"`
	Applied    DiffSummary    `json:"applied"`
	Skipped    int            `json:"skipped"`
	Conflicts  int            `json:"conflicts"`
	Errors     int            `json:"errors"`
	Failures   []ChangeResult `json:"failures"`
	ExecutedBy string         `json:"executed_by,omitempty"`
	ExecutedAt time.Time      `json:"executed_at"`
}

// Failed is the number of changes that were not applied.
func (r *ExecutionReport) Failed() int {
	return r.Conflicts + r.Errors
}

// ChangeWriter persists individual changes. InTx runs fn in a transaction,
// or in a savepoint when ctx already carries one.
type ChangeWriter interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	InsertMeasure(ctx context.Context, c DiffChange, ownerID *uuid.UUID) error
	UpdateMeasure(ctx context.Context, c DiffChange) error
	AddDuplicateMeasure(ctx context.Context, c DiffChange, ownerID *uuid.UUID) error
	DeleteMeasure(ctx context.Context, c DiffChange) error
}

// Executor applies the modifying changes of a diff.
type Executor struct {
	writer ChangeWriter
}

func NewExecutor(writer ChangeWriter) *Executor {
	return &Executor{writer: writer}
}

// Execute applies every non-SKIP change inside one transaction, each in its
// own savepoint. A change that fails is rolled back alone and reported; the
// returned error is reserved for failures of the batch transaction itself.
func (e *Executor) Execute(ctx context.Context, changes []DiffChange, ownerID *uuid.UUID) (*ExecutionReport, error) {
	report := &ExecutionReport{Failures: []ChangeResult{}}

	err := e.writer.InTx(ctx, func(ctx context.Context) error {
		for i, c := range changes {
			if c.Action == ActionSkip {
				report.Skipped++
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			err := e.writer.InTx(ctx, func(ctx context.Context) error {
				return e.apply(ctx, c, ownerID)
			})
			switch {
			case err == nil:
				report.Applied.record(c.Action)
			case errors.Is(err, ErrIdentityConflict), errors.Is(err, ErrRecordNotFound):
				report.Conflicts++
				report.Failures = append(report.Failures, failure(i, c, OutcomeConflict, err))
			default:
				report.Errors++
				report.Failures = append(report.Failures, failure(i, c, OutcomeError, err))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("execute import: %w", err)
	}
	return report, nil
}

func (e *Executor) apply(ctx context.Context, c DiffChange, ownerID *uuid.UUID) error {
	switch c.Action {
	case ActionInsert:
		return e.writer.InsertMeasure(ctx, c, ownerID)
	case ActionUpdate:
		return e.writer.UpdateMeasure(ctx, c)
	case ActionBoth:
		return e.writer.AddDuplicateMeasure(ctx, c, ownerID)
	case ActionDelete:
		return e.writer.DeleteMeasure(ctx, c)
	}
	return fmt.Errorf("unsupported action %q", c.Action)
}

func failure(i int, c DiffChange, outcome Outcome, err error) ChangeResult {
	return ChangeResult{
		Index:          i,
		Action:         c.Action,
		MemberName:     c.MemberName,
		MemberDob:      c.MemberDob,
		RequestType:    c.RequestType,
		QualityMeasure: c.QualityMeasure,
		SourceRowIndex: c.SourceRowIndex,
		Outcome:        outcome,
		Error:          err.Error(),
	}
}
