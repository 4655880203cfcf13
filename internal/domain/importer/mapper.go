package importer

import (
	"strings"
)

// ColumnType classifies a mapped header.
type ColumnType string

const (
	ColumnPatient ColumnType = "patient"
	ColumnMeasure ColumnType = "measure"
)

// Measure field names assigned from the Q1/Q2 header suffix convention.
const (
	FieldStatusDate       = "statusDate"
	FieldComplianceStatus = "complianceStatus"
)

const (
	dateSuffix   = " Q1"
	statusSuffix = " Q2"
)

// RequiredPatientColumns are the identity headers every upload must carry.
var RequiredPatientColumns = []string{"Patient", "DOB"}

// ColumnMapping ties one source header to its target field.
type ColumnMapping struct {
	SourceColumn string       `json:"source_column"`
	TargetField  string       `json:"target_field"`
	ColumnType   ColumnType   `json:"column_type"`
	MeasureInfo  *MeasureInfo `json:"measure_info,omitempty"`
}

// MappingStats counts headers per classification.
type MappingStats struct {
	Total    int `json:"total"`
	Patient  int `json:"patient"`
	Measure  int `json:"measure"`
	Skipped  int `json:"skipped"`
	Unmapped int `json:"unmapped"`
}

// MappingResult is the outcome of matching an upload's headers against a
// system configuration. Gaps are reported, never raised.
type MappingResult struct {
	SystemID        string          `json:"system_id"`
	Mappings        []ColumnMapping `json:"mappings"`
	SkippedColumns  []string        `json:"skipped_columns"`
	UnmappedColumns []string        `json:"unmapped_columns"`
	MissingRequired []string        `json:"missing_required"`
	Stats           MappingStats    `json:"stats"`
}

// Complete reports whether every required patient column was found.
func (r *MappingResult) Complete() bool {
	return len(r.MissingRequired) == 0
}

// MapColumns classifies each non-blank header in order: patient column,
// skip column, measure column (Q1/Q2 suffix first, then verbatim), else
// unmapped.
func MapColumns(headers []string, cfg *SystemConfig) *MappingResult {
	result := &MappingResult{
		SystemID:        cfg.ID,
		Mappings:        []ColumnMapping{},
		SkippedColumns:  []string{},
		UnmappedColumns: []string{},
		MissingRequired: []string{},
	}

	found := make(map[string]bool)
	for _, raw := range headers {
		header := strings.TrimSpace(raw)
		if header == "" {
			continue
		}
		result.Stats.Total++

		if field, ok := cfg.PatientColumns[header]; ok {
			result.Mappings = append(result.Mappings, ColumnMapping{
				SourceColumn: header,
				TargetField:  field,
				ColumnType:   ColumnPatient,
			})
			found[header] = true
			result.Stats.Patient++
			continue
		}

		if cfg.isSkipped(header) {
			result.SkippedColumns = append(result.SkippedColumns, header)
			result.Stats.Skipped++
			continue
		}

		if m, ok := matchMeasure(header, cfg); ok {
			result.Mappings = append(result.Mappings, m)
			result.Stats.Measure++
			continue
		}

		result.UnmappedColumns = append(result.UnmappedColumns, header)
		result.Stats.Unmapped++
	}

	for _, req := range RequiredPatientColumns {
		if !found[req] {
			result.MissingRequired = append(result.MissingRequired, req)
		}
	}
	return result
}

func matchMeasure(header string, cfg *SystemConfig) (ColumnMapping, bool) {
	for _, sfx := range []struct {
		suffix string
		field  string
	}{
		{dateSuffix, FieldStatusDate},
		{statusSuffix, FieldComplianceStatus},
	} {
		base, ok := strings.CutSuffix(header, sfx.suffix)
		if !ok {
			continue
		}
		if info, ok := cfg.MeasureColumns[base]; ok {
			return ColumnMapping{
				SourceColumn: header,
				TargetField:  sfx.field,
				ColumnType:   ColumnMeasure,
				MeasureInfo:  &info,
			}, true
		}
	}

	if info, ok := cfg.MeasureColumns[header]; ok {
		return ColumnMapping{
			SourceColumn: header,
			TargetField:  FieldComplianceStatus,
			ColumnType:   ColumnMeasure,
			MeasureInfo:  &info,
		}, true
	}
	return ColumnMapping{}, false
}

// MeasureColumnGroup lists the source columns feeding one measure slot.
// Several headers can feed the same slot when the configuration aliases them.
type MeasureColumnGroup struct {
	MeasureInfo
	DateColumns   []string
	StatusColumns []string
}

// GroupMeasureColumns groups measure mappings by (request type, quality
// measure) in order of first appearance.
func GroupMeasureColumns(mappings []ColumnMapping) []MeasureColumnGroup {
	var groups []MeasureColumnGroup
	index := make(map[MeasureInfo]int)

	for _, m := range mappings {
		if m.ColumnType != ColumnMeasure || m.MeasureInfo == nil {
			continue
		}
		i, ok := index[*m.MeasureInfo]
		if !ok {
			i = len(groups)
			index[*m.MeasureInfo] = i
			groups = append(groups, MeasureColumnGroup{MeasureInfo: *m.MeasureInfo})
		}
		switch m.TargetField {
		case FieldStatusDate:
			groups[i].DateColumns = append(groups[i].DateColumns, m.SourceColumn)
		default:
			groups[i].StatusColumns = append(groups[i].StatusColumns, m.SourceColumn)
		}
	}
	return groups
}

// Mapper resolves system IDs against a registry before mapping.
type Mapper struct {
	systems *Registry
}

func NewMapper(systems *Registry) *Mapper {
	return &Mapper{systems: systems}
}

// MapColumns maps headers for systemID. An unknown system fails fast with
// ErrUnknownSystem.
func (m *Mapper) MapColumns(headers []string, systemID string) (*MappingResult, error) {
	cfg, err := m.systems.Get(systemID)
	if err != nil {
		return nil, err
	}
	return MapColumns(headers, cfg), nil
}
