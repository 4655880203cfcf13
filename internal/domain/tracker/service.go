package tracker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Service struct {
	measures MeasureRepository
}

func NewService(measures MeasureRepository) *Service {
	return &Service{measures: measures}
}

// ListMeasures returns one page of the grid and the total row count.
func (s *Service) ListMeasures(ctx context.Context, f Filter, limit, offset int) ([]*MeasureRow, int, error) {
	if f.Category != "" && !f.Category.Valid() {
		return nil, 0, fmt.Errorf("invalid status category %q", f.Category)
	}
	return s.measures.ListMeasures(ctx, f, limit, offset)
}

// GetPatientMeasures returns a patient with all tracked measures. When
// ownerID is set, patients owned by someone else are reported as not found.
func (s *Service) GetPatientMeasures(ctx context.Context, id uuid.UUID, ownerID *uuid.UUID) (*PatientMeasures, error) {
	patient, err := s.measures.GetPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != nil && (patient.OwnerID == nil || *patient.OwnerID != *ownerID) {
		return nil, ErrPatientNotFound
	}

	measures, err := s.measures.ListPatientMeasures(ctx, id)
	if err != nil {
		return nil, err
	}

	out := &PatientMeasures{Patient: patient, Measures: measures}
	for _, m := range measures {
		out.Counts.add(m.Category)
	}
	return out, nil
}
