package tracker

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/qualitytracker/internal/domain/compliance"
)

// MeasureRow is one row of the patient-measure grid. Category is derived
// from MeasureStatus when the row is read.
type MeasureRow struct {
	ID              uuid.UUID           `json:"id"`
	PatientID       uuid.UUID           `json:"patient_id"`
	MemberName      string              `json:"member_name"`
	MemberDob       string              `json:"member_dob"`
	MemberTelephone *string             `json:"member_telephone,omitempty"`
	MemberAddress   *string             `json:"member_address,omitempty"`
	RequestType     string              `json:"request_type"`
	QualityMeasure  string              `json:"quality_measure"`
	MeasureStatus   *string             `json:"measure_status"`
	StatusDate      *string             `json:"status_date,omitempty"`
	Category        compliance.Category `json:"status_category"`
	OwnerID         *uuid.UUID          `json:"owner_id,omitempty"`
	OwnerName       *string             `json:"owner_name,omitempty"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

type Patient struct {
	ID              uuid.UUID  `json:"id"`
	MemberName      string     `json:"member_name"`
	MemberDob       string     `json:"member_dob"`
	MemberTelephone *string    `json:"member_telephone,omitempty"`
	MemberAddress   *string    `json:"member_address,omitempty"`
	OwnerID         *uuid.UUID `json:"owner_id,omitempty"`
	OwnerName       *string    `json:"owner_name,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CategoryCounts tallies measures per compliance category.
type CategoryCounts struct {
	Compliant    int `json:"compliant"`
	NonCompliant int `json:"non_compliant"`
	Unknown      int `json:"unknown"`
}

func (c *CategoryCounts) add(cat compliance.Category) {
	switch cat {
	case compliance.Compliant:
		c.Compliant++
	case compliance.NonCompliant:
		c.NonCompliant++
	default:
		c.Unknown++
	}
}

// PatientMeasures is a patient with every tracked measure.
type PatientMeasures struct {
	Patient  *Patient       `json:"patient"`
	Measures []*MeasureRow  `json:"measures"`
	Counts   CategoryCounts `json:"counts"`
}

// Filter narrows a grid listing. Zero values match everything.
type Filter struct {
	OwnerID        *uuid.UUID
	RequestType    string
	QualityMeasure string
	Category       compliance.Category
}
