package importer

import (
	"fmt"
	"strings"
	"time"
)

// RawRow is one data row from a parsed file, keyed by trimmed header.
// Index is the 0-based position among data rows.
type RawRow struct {
	Index  int
	Values map[string]string
}

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationIssue is a row-level data problem found during transformation.
type ValidationIssue struct {
	RowIndex int      `json:"row_index"`
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// TransformedRow is one (patient, quality measure) pair from a source row.
type TransformedRow struct {
	MemberName          string  `json:"member_name"`
	MemberDob           string  `json:"member_dob"`
	MemberTelephone     string  `json:"member_telephone,omitempty"`
	MemberAddress       string  `json:"member_address,omitempty"`
	RequestType         string  `json:"request_type"`
	QualityMeasure      string  `json:"quality_measure"`
	MeasureStatus       *string `json:"measure_status"`
	StatusDate          *string `json:"status_date"`
	SourceRowIndex      int     `json:"source_row_index"`
	SourceMeasureColumn string  `json:"source_measure_column"`
}

// PatientRef identifies a source row that produced no measures.
type PatientRef struct {
	RowIndex   int    `json:"row_index"`
	MemberName string `json:"member_name"`
	MemberDob  string `json:"member_dob"`
}

type TransformResult struct {
	Rows                   []TransformedRow  `json:"rows"`
	Errors                 []ValidationIssue `json:"errors"`
	Warnings               []ValidationIssue `json:"warnings"`
	PatientsWithNoMeasures []PatientRef      `json:"patients_with_no_measures"`
	PatientCount           int               `json:"patient_count"`
}

// HasErrors reports whether any row was rejected.
func (r *TransformResult) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *TransformResult) addIssue(row int, field, msg string, sev Severity) {
	issue := ValidationIssue{RowIndex: row, Field: field, Message: msg, Severity: sev}
	if sev == SeverityError {
		r.Errors = append(r.Errors, issue)
		return
	}
	r.Warnings = append(r.Warnings, issue)
}

// TransformRows fans each wide source row out into one TransformedRow per
// measure group holding a non-blank status or date. Rows missing the
// patient name or DOB are rejected with an error.
func TransformRows(rows []RawRow, mapping *MappingResult) *TransformResult {
	result := &TransformResult{
		Rows:                   []TransformedRow{},
		Errors:                 []ValidationIssue{},
		Warnings:               []ValidationIssue{},
		PatientsWithNoMeasures: []PatientRef{},
	}

	patientCols := make(map[string][]string)
	for _, m := range mapping.Mappings {
		if m.ColumnType == ColumnPatient {
			patientCols[m.TargetField] = append(patientCols[m.TargetField], m.SourceColumn)
		}
	}
	groups := GroupMeasureColumns(mapping.Mappings)

	seen := make(map[IdentityKey]int)
	patients := make(map[patientKey]bool)
	today := time.Now().UTC()

	for _, raw := range rows {
		name := exactValue(raw.Values, patientCols[FieldMemberName])
		dob := firstValue(raw.Values, patientCols[FieldMemberDob])

		if strings.TrimSpace(name) == "" {
			result.addIssue(raw.Index, FieldMemberName, "patient name is required", SeverityError)
		}
		if dob == "" {
			result.addIssue(raw.Index, FieldMemberDob, "date of birth is required", SeverityError)
		}
		if strings.TrimSpace(name) == "" || dob == "" {
			continue
		}

		if parsed, ok := parseBirthDate(dob, today); ok {
			dob = parsed
		} else {
			result.addIssue(raw.Index, FieldMemberDob,
				fmt.Sprintf("unrecognized date of birth %q kept as entered", dob), SeverityWarning)
		}

		base := TransformedRow{
			MemberName:      name,
			MemberDob:       dob,
			MemberTelephone: firstValue(raw.Values, patientCols[FieldMemberTelephone]),
			MemberAddress:   firstValue(raw.Values, patientCols[FieldMemberAddress]),
			SourceRowIndex:  raw.Index,
		}

		pk := patientKey{MemberName: name, MemberDob: dob}
		if !patients[pk] {
			patients[pk] = true
			result.PatientCount++
		}

		emitted := 0
		for _, g := range groups {
			status, statusCol := firstValueFrom(raw.Values, g.StatusColumns)
			rawDate, dateCol := firstValueFrom(raw.Values, g.DateColumns)
			if status == "" && rawDate == "" {
				continue
			}

			row := base
			row.RequestType = g.RequestType
			row.QualityMeasure = g.QualityMeasure
			row.SourceMeasureColumn = statusCol
			if row.SourceMeasureColumn == "" {
				row.SourceMeasureColumn = dateCol
			}
			if status != "" {
				s := status
				row.MeasureStatus = &s
			}
			if rawDate != "" {
				if d, ok := parseDate(rawDate); ok {
					row.StatusDate = &d
				} else {
					result.addIssue(raw.Index, dateCol,
						fmt.Sprintf("unrecognized date %q ignored", rawDate), SeverityWarning)
				}
			}

			key := row.Key()
			if first, dup := seen[key]; dup {
				result.addIssue(raw.Index, row.QualityMeasure,
					fmt.Sprintf("duplicate patient+measure in file (first seen on row %d)", first), SeverityWarning)
			} else {
				seen[key] = raw.Index
			}

			result.Rows = append(result.Rows, row)
			emitted++
		}

		if emitted == 0 {
			result.PatientsWithNoMeasures = append(result.PatientsWithNoMeasures, PatientRef{
				RowIndex:   raw.Index,
				MemberName: name,
				MemberDob:  dob,
			})
		}
	}
	return result
}

// exactValue returns the first non-blank value among cols as entered. Names
// feed the identity key, which matches whitespace exactly.
func exactValue(values map[string]string, cols []string) string {
	_, c := firstValueFrom(values, cols)
	if c == "" {
		return ""
	}
	return values[c]
}

func firstValue(values map[string]string, cols []string) string {
	v, _ := firstValueFrom(values, cols)
	return v
}

// firstValueFrom returns the first non-blank trimmed value among cols and
// the column it came from.
func firstValueFrom(values map[string]string, cols []string) (string, string) {
	for _, c := range cols {
		if v := strings.TrimSpace(values[c]); v != "" {
			return v, c
		}
	}
	return "", ""
}
