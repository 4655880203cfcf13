package tracker

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrPatientNotFound = errors.New("patient not found")

// MeasureRepository reads the patient-measure grid.
type MeasureRepository interface {
	ListMeasures(ctx context.Context, f Filter, limit, offset int) ([]*MeasureRow, int, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	ListPatientMeasures(ctx context.Context, patientID uuid.UUID) ([]*MeasureRow, error)
}
