package importer

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the canonical form of every parsed date.
const DateLayout = "2006-01-02"

var dateLayouts = []string{
	DateLayout,
	"1/2/2006",
	"01/02/2006",
	"2006/01/02",
	"1-2-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2-Jan-2006",
	"2006-01-02 15:04:05",
	"1/2/2006 15:04",
	time.RFC3339,
}

// shortYearLayouts map years 69-99 to 19xx and 00-68 to 20xx.
var shortYearLayouts = []string{
	"1/2/06",
	"1-2-06",
	"2-Jan-06",
}

// Excel stores dates as days since 1899-12-30 (the 1900 leap-year bug
// shifts the real epoch by one day). Serials below 61 predate the bug.
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

const (
	minExcelSerial = 61
	maxExcelSerial = 2958465 // 9999-12-31
)

// parseDate returns value in canonical form, or false when no layout fits.
func parseDate(value string) (string, bool) {
	t, _, ok := parseTime(value)
	if !ok {
		return "", false
	}
	return t.Format(DateLayout), true
}

// parseBirthDate is parseDate for dates of birth. A two-digit year that
// lands after today belongs to the previous century.
func parseBirthDate(value string, today time.Time) (string, bool) {
	t, shortYear, ok := parseTime(value)
	if !ok {
		return "", false
	}
	if shortYear && t.After(today) {
		t = t.AddDate(-100, 0, 0)
	}
	return t.Format(DateLayout), true
}

func parseTime(value string) (time.Time, bool, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, false, false
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, false, true
		}
	}
	for _, layout := range shortYearLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true, true
		}
	}

	if serial, err := strconv.ParseFloat(v, 64); err == nil {
		days := int(math.Floor(serial + 1e-9))
		if days >= minExcelSerial && days <= maxExcelSerial {
			return excelEpoch.AddDate(0, 0, days), false, true
		}
	}
	return time.Time{}, false, false
}
