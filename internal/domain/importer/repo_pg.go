package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/qualitytracker/internal/platform/db"
)

type recordRepoPG struct{ pool *pgxpool.Pool }

func NewRecordRepoPG(pool *pgxpool.Pool) RecordRepository {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

func (r *recordRepoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, r.pool, fn)
}

const existingCols = `p.id, pm.id, p.member_name, p.member_dob,
	COALESCE(p.member_telephone, ''), COALESCE(p.member_address, ''),
	pm.request_type, pm.quality_measure, pm.measure_status, p.owner_id, ph.display_name`

func (r *recordRepoPG) ListExisting(ctx context.Context, scope Scope) ([]ExistingRecord, error) {
	query := `SELECT ` + existingCols + `
		FROM patient_measure pm
		JOIN patient p ON p.id = pm.patient_id
		LEFT JOIN physician ph ON ph.id = p.owner_id`
	var args []interface{}
	if scope.OwnerID != nil {
		query += ` WHERE p.owner_id = $1`
		args = append(args, *scope.OwnerID)
	}
	query += ` ORDER BY pm.created_at, pm.id`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query existing records: %w", err)
	}
	defer rows.Close()

	var records []ExistingRecord
	for rows.Next() {
		var rec ExistingRecord
		if err := rows.Scan(&rec.PatientID, &rec.MeasureID, &rec.MemberName, &rec.MemberDob,
			&rec.MemberTelephone, &rec.MemberAddress, &rec.RequestType, &rec.QualityMeasure,
			&rec.MeasureStatus, &rec.OwnerID, &rec.OwnerName); err != nil {
			return nil, fmt.Errorf("scan existing record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate existing records: %w", err)
	}
	return records, nil
}

// upsertPatient returns the patient for the change's name and DOB, creating
// it when absent. Blank contact fields never overwrite stored ones.
func (r *recordRepoPG) upsertPatient(ctx context.Context, c DiffChange, ownerID *uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (id, member_name, member_dob, member_telephone, member_address, owner_id)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)
		ON CONFLICT (member_name, member_dob) DO UPDATE SET
			member_telephone = COALESCE(EXCLUDED.member_telephone, patient.member_telephone),
			member_address = COALESCE(EXCLUDED.member_address, patient.member_address),
			owner_id = COALESCE(patient.owner_id, EXCLUDED.owner_id),
			updated_at = NOW()
		RETURNING id`,
		uuid.New(), c.MemberName, c.MemberDob, c.MemberTelephone, c.MemberAddress, ownerID,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert patient: %w", err)
	}
	return id, nil
}

func (r *recordRepoPG) measureExists(ctx context.Context, patientID uuid.UUID, c DiffChange, status *string) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM patient_measure
		WHERE patient_id = $1 AND request_type = $2 AND quality_measure = $3`
	args := []interface{}{patientID, c.RequestType, c.QualityMeasure}
	if status != nil {
		query += ` AND measure_status IS NOT DISTINCT FROM $4`
		args = append(args, *status)
	}
	query += `)`

	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("check existing measure: %w", err)
	}
	return exists, nil
}

func (r *recordRepoPG) insertMeasure(ctx context.Context, patientID uuid.UUID, c DiffChange) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_measure (id, patient_id, request_type, quality_measure, measure_status, status_date)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), patientID, c.RequestType, c.QualityMeasure, c.NewStatus, statusDate(c.StatusDate))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ErrIdentityConflict, err)
		}
		return fmt.Errorf("insert measure: %w", err)
	}
	return nil
}

// InsertMeasure fails with ErrIdentityConflict when a measure for the
// identity key was stored after the diff was calculated.
func (r *recordRepoPG) InsertMeasure(ctx context.Context, c DiffChange, ownerID *uuid.UUID) error {
	patientID, err := r.upsertPatient(ctx, c, ownerID)
	if err != nil {
		return err
	}
	exists, err := r.measureExists(ctx, patientID, c, nil)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrIdentityConflict, c.Key())
	}
	return r.insertMeasure(ctx, patientID, c)
}

// UpdateMeasure only writes when the stored status still equals OldStatus.
func (r *recordRepoPG) UpdateMeasure(ctx context.Context, c DiffChange) error {
	if c.ExistingMeasureID == nil {
		return fmt.Errorf("update measure: missing measure id")
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_measure SET measure_status = $2, status_date = $3, updated_at = NOW()
		WHERE id = $1 AND measure_status IS NOT DISTINCT FROM $4`,
		*c.ExistingMeasureID, c.NewStatus, statusDate(c.StatusDate), c.OldStatus)
	if err != nil {
		return fmt.Errorf("update measure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrChanged(ctx, *c.ExistingMeasureID)
	}

	if c.ExistingPatientID != nil {
		if _, err := r.conn(ctx).Exec(ctx, `
			UPDATE patient SET
				member_telephone = COALESCE(NULLIF($2, ''), member_telephone),
				member_address = COALESCE(NULLIF($3, ''), member_address),
				updated_at = NOW()
			WHERE id = $1`,
			*c.ExistingPatientID, c.MemberTelephone, c.MemberAddress); err != nil {
			return fmt.Errorf("update patient contact: %w", err)
		}
	}
	return nil
}

// AddDuplicateMeasure stores the new status next to the existing record.
// It conflicts when the existing record is gone or a record with the new
// status is already present.
func (r *recordRepoPG) AddDuplicateMeasure(ctx context.Context, c DiffChange, ownerID *uuid.UUID) error {
	if c.ExistingPatientID == nil || c.ExistingMeasureID == nil {
		return fmt.Errorf("add duplicate measure: missing existing ids")
	}

	var stillThere bool
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM patient_measure WHERE id = $1)`, *c.ExistingMeasureID,
	).Scan(&stillThere); err != nil {
		return fmt.Errorf("check existing measure: %w", err)
	}
	if !stillThere {
		return fmt.Errorf("%w: measure %s", ErrRecordNotFound, c.ExistingMeasureID)
	}

	if c.NewStatus != nil {
		dup, err := r.measureExists(ctx, *c.ExistingPatientID, c, c.NewStatus)
		if err != nil {
			return err
		}
		if dup {
			return fmt.Errorf("%w: %s already has this status", ErrIdentityConflict, c.Key())
		}
	}
	return r.insertMeasure(ctx, *c.ExistingPatientID, c)
}

func (r *recordRepoPG) DeleteMeasure(ctx context.Context, c DiffChange) error {
	if c.ExistingMeasureID == nil {
		return fmt.Errorf("delete measure: missing measure id")
	}
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient_measure WHERE id = $1`, *c.ExistingMeasureID)
	if err != nil {
		return fmt.Errorf("delete measure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: measure %s", ErrRecordNotFound, c.ExistingMeasureID)
	}
	return nil
}

func (r *recordRepoPG) missingOrChanged(ctx context.Context, measureID uuid.UUID) error {
	var status *string
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT measure_status FROM patient_measure WHERE id = $1`, measureID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: measure %s", ErrRecordNotFound, measureID)
	}
	if err != nil {
		return fmt.Errorf("reload measure: %w", err)
	}
	return fmt.Errorf("%w: measure %s status was modified", ErrIdentityConflict, measureID)
}

func statusDate(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(DateLayout, *s)
	if err != nil {
		return nil
	}
	return &t
}
