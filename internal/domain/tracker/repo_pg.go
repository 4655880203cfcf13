package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/qualitytracker/internal/domain/compliance"
	"github.com/ehr/qualitytracker/internal/platform/db"
)

type measureRepoPG struct {
	pool *pgxpool.Pool
}

func NewMeasureRepoPG(pool *pgxpool.Pool) MeasureRepository {
	return &measureRepoPG{pool: pool}
}

func (r *measureRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const measureCols = `pm.id, p.id, p.member_name, p.member_dob, p.member_telephone, p.member_address,
	pm.request_type, pm.quality_measure, pm.measure_status, pm.status_date,
	p.owner_id, ph.display_name, pm.updated_at`

const measureFrom = ` FROM patient_measure pm
	JOIN patient p ON p.id = pm.patient_id
	LEFT JOIN physician ph ON ph.id = p.owner_id`

const measureOrder = ` ORDER BY p.member_name, p.member_dob, pm.request_type, pm.quality_measure, pm.created_at`

// keywordPatterns turns category keywords into ILIKE patterns.
func keywordPatterns(keywords []string) []string {
	out := make([]string, len(keywords))
	for i, kw := range keywords {
		out[i] = "%" + kw + "%"
	}
	return out
}

// categoryClause renders a WHERE fragment selecting rows whose status falls
// in cat, using the same precedence as compliance.Categorize. It returns
// the clause, its arguments and the next placeholder index.
func categoryClause(cat compliance.Category, idx int) (string, []interface{}, int) {
	compliant := keywordPatterns(compliance.CompliantKeywords)
	nonCompliant := keywordPatterns(compliance.NonCompliantKeywords)
	status := `COALESCE(pm.measure_status, '')`

	switch cat {
	case compliance.Compliant:
		return fmt.Sprintf(` AND %s ILIKE ANY($%d)`, status, idx),
			[]interface{}{compliant}, idx + 1
	case compliance.NonCompliant:
		return fmt.Sprintf(` AND NOT (%s ILIKE ANY($%d)) AND %s ILIKE ANY($%d)`, status, idx, status, idx+1),
			[]interface{}{compliant, nonCompliant}, idx + 2
	case compliance.Unknown:
		return fmt.Sprintf(` AND NOT (%s ILIKE ANY($%d)) AND NOT (%s ILIKE ANY($%d))`, status, idx, status, idx+1),
			[]interface{}{compliant, nonCompliant}, idx + 2
	}
	return "", nil, idx
}

func (r *measureRepoPG) ListMeasures(ctx context.Context, f Filter, limit, offset int) ([]*MeasureRow, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.OwnerID != nil {
		where += fmt.Sprintf(` AND p.owner_id = $%d`, idx)
		args = append(args, *f.OwnerID)
		idx++
	}
	if f.RequestType != "" {
		where += fmt.Sprintf(` AND pm.request_type = $%d`, idx)
		args = append(args, f.RequestType)
		idx++
	}
	if f.QualityMeasure != "" {
		where += fmt.Sprintf(` AND pm.quality_measure = $%d`, idx)
		args = append(args, f.QualityMeasure)
		idx++
	}
	if f.Category != "" {
		clause, catArgs, next := categoryClause(f.Category, idx)
		where += clause
		args = append(args, catArgs...)
		idx = next
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+measureFrom+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count measures: %w", err)
	}

	query := `SELECT ` + measureCols + measureFrom + where + measureOrder +
		fmt.Sprintf(` LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list measures: %w", err)
	}
	defer rows.Close()

	measures, err := scanMeasureRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return measures, total, nil
}

func (r *measureRepoPG) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT p.id, p.member_name, p.member_dob, p.member_telephone, p.member_address,
			p.owner_id, ph.display_name, p.created_at, p.updated_at
		FROM patient p
		LEFT JOIN physician ph ON ph.id = p.owner_id
		WHERE p.id = $1`, id,
	).Scan(&p.ID, &p.MemberName, &p.MemberDob, &p.MemberTelephone, &p.MemberAddress,
		&p.OwnerID, &p.OwnerName, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return &p, nil
}

func (r *measureRepoPG) ListPatientMeasures(ctx context.Context, patientID uuid.UUID) ([]*MeasureRow, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+measureCols+measureFrom+` WHERE p.id = $1`+measureOrder, patientID)
	if err != nil {
		return nil, fmt.Errorf("list patient measures: %w", err)
	}
	defer rows.Close()
	return scanMeasureRows(rows)
}

func scanMeasureRows(rows pgx.Rows) ([]*MeasureRow, error) {
	measures := []*MeasureRow{}
	for rows.Next() {
		var (
			m          MeasureRow
			statusDate *time.Time
		)
		if err := rows.Scan(&m.ID, &m.PatientID, &m.MemberName, &m.MemberDob,
			&m.MemberTelephone, &m.MemberAddress, &m.RequestType, &m.QualityMeasure,
			&m.MeasureStatus, &statusDate, &m.OwnerID, &m.OwnerName, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan measure: %w", err)
		}
		if statusDate != nil {
			s := statusDate.Format("2006-01-02")
			m.StatusDate = &s
		}
		m.Category = compliance.CategorizePtr(m.MeasureStatus)
		measures = append(measures, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate measures: %w", err)
	}
	return measures, nil
}
