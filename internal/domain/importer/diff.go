package importer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/qualitytracker/internal/domain/compliance"
)

// ImportMode selects how incoming rows are reconciled with stored records.
type ImportMode string

const (
	ModeMerge   ImportMode = "merge"
	ModeReplace ImportMode = "replace"
)

// ParseMode parses a mode name; blank defaults to merge.
func ParseMode(s string) (ImportMode, error) {
	switch ImportMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeMerge:
		return ModeMerge, nil
	case ModeReplace:
		return ModeReplace, nil
	}
	return "", fmt.Errorf("invalid import mode %q: must be merge or replace", s)
}

// Action is the decision taken for one (patient, measure) pair.
type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionSkip   Action = "SKIP"
	ActionBoth   Action = "BOTH"
	ActionDelete Action = "DELETE"
)

// ParseAction parses an action name case-insensitively.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case ActionInsert, ActionUpdate, ActionSkip, ActionBoth, ActionDelete:
		return a, nil
	}
	return "", fmt.Errorf("invalid action %q", s)
}

const (
	reasonReplaceAll = "Replace All mode"
	reasonNewRecord  = "New patient+measure combination"
)

// ExistingRecord is a stored patient measure as read for diffing.
type ExistingRecord struct {
	PatientID       uuid.UUID  `json:"patient_id"`
	MeasureID       uuid.UUID  `json:"measure_id"`
	MemberName      string     `json:"member_name"`
	MemberDob       string     `json:"member_dob"`
	MemberTelephone string     `json:"member_telephone,omitempty"`
	MemberAddress   string     `json:"member_address,omitempty"`
	RequestType     string     `json:"request_type"`
	QualityMeasure  string     `json:"quality_measure"`
	MeasureStatus   *string    `json:"measure_status"`
	OwnerID         *uuid.UUID `json:"owner_id,omitempty"`
	OwnerName       *string    `json:"owner_name,omitempty"`
}

// DiffChange is the decision for one (patient, measure) pair.
type DiffChange struct {
	Action            Action     `json:"action"`
	MemberName        string     `json:"member_name"`
	MemberDob         string     `json:"member_dob"`
	MemberTelephone   string     `json:"member_telephone,omitempty"`
	MemberAddress     string     `json:"member_address,omitempty"`
	RequestType       string     `json:"request_type"`
	QualityMeasure    string     `json:"quality_measure"`
	OldStatus         *string    `json:"old_status"`
	NewStatus         *string    `json:"new_status"`
	StatusDate        *string    `json:"status_date,omitempty"`
	Reason            string     `json:"reason"`
	ExistingPatientID *uuid.UUID `json:"existing_patient_id,omitempty"`
	ExistingMeasureID *uuid.UUID `json:"existing_measure_id,omitempty"`
	SourceRowIndex    *int       `json:"source_row_index,omitempty"`
}

func (c DiffChange) Key() IdentityKey {
	return IdentityKey{
		MemberName:     c.MemberName,
		MemberDob:      c.MemberDob,
		RequestType:    c.RequestType,
		QualityMeasure: c.QualityMeasure,
	}
}

// DiffSummary counts changes per action. Duplicates counts BOTH.
type DiffSummary struct {
	Inserts    int `json:"inserts"`
	Updates    int `json:"updates"`
	Skips      int `json:"skips"`
	Duplicates int `json:"duplicates"`
	Deletes    int `json:"deletes"`
}

func (s *DiffSummary) record(a Action) {
	switch a {
	case ActionInsert:
		s.Inserts++
	case ActionUpdate:
		s.Updates++
	case ActionSkip:
		s.Skips++
	case ActionBoth:
		s.Duplicates++
	case ActionDelete:
		s.Deletes++
	}
}

// Total is the number of changes the summary accounts for.
func (s DiffSummary) Total() int {
	return s.Inserts + s.Updates + s.Skips + s.Duplicates + s.Deletes
}

// DiffResult is the full output of one diff run.
type DiffResult struct {
	Mode             ImportMode   `json:"mode"`
	Summary          DiffSummary  `json:"summary"`
	Changes          []DiffChange `json:"changes"`
	NewPatients      int          `json:"new_patients"`
	ExistingPatients int          `json:"existing_patients"`
	GeneratedAt      time.Time    `json:"generated_at"`
}

// mergeRule is one row of the merge decision table. Rules are evaluated
// in order and the first match wins.
type mergeRule struct {
	matches func(oldCat, newCat compliance.Category, newBlank bool) bool
	action  Action
	reason  string
}

var mergeRules = []mergeRule{
	{
		matches: func(_, _ compliance.Category, newBlank bool) bool { return newBlank },
		action:  ActionSkip,
		reason:  "New data is blank - keeping existing",
	},
	{
		// Old unknown wins over new unknown: any new value replaces it.
		matches: func(oldCat, _ compliance.Category, _ bool) bool { return oldCat == compliance.Unknown },
		action:  ActionUpdate,
		reason:  "Existing status unknown - updating with new data",
	},
	{
		matches: func(_, newCat compliance.Category, _ bool) bool { return newCat == compliance.Unknown },
		action:  ActionSkip,
		reason:  "Cannot determine compliance of new status - keeping existing",
	},
	{
		matches: categories(compliance.NonCompliant, compliance.Compliant),
		action:  ActionUpdate,
		reason:  "Upgrading from non-compliant to compliant",
	},
	{
		matches: categories(compliance.Compliant, compliance.Compliant),
		action:  ActionSkip,
		reason:  "Both compliant - keeping existing",
	},
	{
		matches: categories(compliance.NonCompliant, compliance.NonCompliant),
		action:  ActionSkip,
		reason:  "Both non-compliant - keeping existing",
	},
	{
		matches: categories(compliance.Compliant, compliance.NonCompliant),
		action:  ActionBoth,
		reason:  "Downgrade detected - keeping both records",
	},
}

func categories(oldWant, newWant compliance.Category) func(compliance.Category, compliance.Category, bool) bool {
	return func(oldCat, newCat compliance.Category, _ bool) bool {
		return oldCat == oldWant && newCat == newWant
	}
}

// The rules above cover every category pair; this is only reached if a
// new category is added without a rule.
const reasonNoRule = "No merge rule matched - keeping existing"

// ApplyMergeLogic decides what to do with a row whose identity key matches
// an existing record.
func ApplyMergeLogic(row TransformedRow, existing ExistingRecord) DiffChange {
	newBlank := row.MeasureStatus == nil || strings.TrimSpace(*row.MeasureStatus) == ""
	oldCat := compliance.CategorizePtr(existing.MeasureStatus)
	newCat := compliance.CategorizePtr(row.MeasureStatus)

	action, reason := ActionSkip, reasonNoRule
	for _, rule := range mergeRules {
		if rule.matches(oldCat, newCat, newBlank) {
			action, reason = rule.action, rule.reason
			break
		}
	}

	change := changeFromRow(row, action, reason)
	change.OldStatus = existing.MeasureStatus
	patientID, measureID := existing.PatientID, existing.MeasureID
	change.ExistingPatientID = &patientID
	change.ExistingMeasureID = &measureID
	return change
}

func changeFromRow(row TransformedRow, action Action, reason string) DiffChange {
	idx := row.SourceRowIndex
	return DiffChange{
		Action:          action,
		MemberName:      row.MemberName,
		MemberDob:       row.MemberDob,
		MemberTelephone: row.MemberTelephone,
		MemberAddress:   row.MemberAddress,
		RequestType:     row.RequestType,
		QualityMeasure:  row.QualityMeasure,
		NewStatus:       row.MeasureStatus,
		StatusDate:      row.StatusDate,
		Reason:          reason,
		SourceRowIndex:  &idx,
	}
}

// CalculateReplaceAllDiff deletes every existing record and inserts every
// row. All deletes precede all inserts.
func CalculateReplaceAllDiff(rows []TransformedRow, existing []ExistingRecord, summary *DiffSummary) []DiffChange {
	changes := make([]DiffChange, 0, len(existing)+len(rows))

	for _, rec := range existing {
		patientID, measureID := rec.PatientID, rec.MeasureID
		changes = append(changes, DiffChange{
			Action:            ActionDelete,
			MemberName:        rec.MemberName,
			MemberDob:         rec.MemberDob,
			MemberTelephone:   rec.MemberTelephone,
			MemberAddress:     rec.MemberAddress,
			RequestType:       rec.RequestType,
			QualityMeasure:    rec.QualityMeasure,
			OldStatus:         rec.MeasureStatus,
			Reason:            reasonReplaceAll,
			ExistingPatientID: &patientID,
			ExistingMeasureID: &measureID,
		})
		summary.record(ActionDelete)
	}

	for _, row := range rows {
		changes = append(changes, changeFromRow(row, ActionInsert, reasonReplaceAll))
		summary.record(ActionInsert)
	}
	return changes
}

// CalculateMergeDiff classifies each row against existingByKey. Existing
// records no row refers to are left alone.
func CalculateMergeDiff(rows []TransformedRow, existingByKey map[IdentityKey]ExistingRecord, summary *DiffSummary) []DiffChange {
	changes := make([]DiffChange, 0, len(rows))

	for _, row := range rows {
		var change DiffChange
		if rec, ok := existingByKey[row.Key()]; ok {
			change = ApplyMergeLogic(row, rec)
		} else {
			change = changeFromRow(row, ActionInsert, reasonNewRecord)
		}
		summary.record(change.Action)
		changes = append(changes, change)
	}
	return changes
}

// IndexExisting builds the identity-key lookup for merge mode. When several
// records share a key, the last one in the slice wins, so callers pass
// records oldest first.
func IndexExisting(existing []ExistingRecord) map[IdentityKey]ExistingRecord {
	byKey := make(map[IdentityKey]ExistingRecord, len(existing))
	for _, rec := range existing {
		byKey[rec.Key()] = rec
	}
	return byKey
}

// CalculateDiff runs the diff for mode and counts new and existing patients
// among the incoming rows.
func CalculateDiff(mode ImportMode, rows []TransformedRow, existing []ExistingRecord, now time.Time) *DiffResult {
	result := &DiffResult{
		Mode:        mode,
		GeneratedAt: now.UTC(),
	}

	switch mode {
	case ModeReplace:
		result.Changes = CalculateReplaceAllDiff(rows, existing, &result.Summary)
	default:
		result.Mode = ModeMerge
		result.Changes = CalculateMergeDiff(rows, IndexExisting(existing), &result.Summary)
	}

	known := make(map[patientKey]bool, len(existing))
	for _, rec := range existing {
		known[patientKey{MemberName: rec.MemberName, MemberDob: rec.MemberDob}] = true
	}
	counted := make(map[patientKey]bool)
	for _, row := range rows {
		pk := patientKey{MemberName: row.MemberName, MemberDob: row.MemberDob}
		if counted[pk] {
			continue
		}
		counted[pk] = true
		if known[pk] {
			result.ExistingPatients++
		} else {
			result.NewPatients++
		}
	}
	return result
}

// FilterChangesByAction returns the changes with the given action, in order.
func FilterChangesByAction(changes []DiffChange, action Action) []DiffChange {
	out := make([]DiffChange, 0)
	for _, c := range changes {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

// ModifyingChanges returns every change except SKIP, in order.
func ModifyingChanges(changes []DiffChange) []DiffChange {
	out := make([]DiffChange, 0, len(changes))
	for _, c := range changes {
		if c.Action != ActionSkip {
			out = append(out, c)
		}
	}
	return out
}

// SummaryText renders a human-readable summary of a diff.
func SummaryText(result *DiffResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Import Mode: %s\n", strings.ToUpper(string(result.Mode)))
	fmt.Fprintf(&b, "Generated: %s\n", result.GeneratedAt.Format(time.RFC3339))
	b.WriteString("\nChanges:\n")
	fmt.Fprintf(&b, "  Inserts:    %d\n", result.Summary.Inserts)
	fmt.Fprintf(&b, "  Updates:    %d\n", result.Summary.Updates)
	fmt.Fprintf(&b, "  Skips:      %d\n", result.Summary.Skips)
	fmt.Fprintf(&b, "  Duplicates: %d\n", result.Summary.Duplicates)
	fmt.Fprintf(&b, "  Deletes:    %d\n", result.Summary.Deletes)
	fmt.Fprintf(&b, "  Total:      %d\n", result.Summary.Total())
	b.WriteString("\nPatients:\n")
	fmt.Fprintf(&b, "  New:      %d\n", result.NewPatients)
	fmt.Fprintf(&b, "  Existing: %d\n", result.ExistingPatients)
	return b.String()
}
