package importer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrUnsupportedFileType is returned for uploads that are neither CSV nor XLSX.
var ErrUnsupportedFileType = errors.New("unsupported file type")

var (
	// ErrEmptyFile is returned when a file has no header row.
	ErrEmptyFile     = errors.New("file has no header row")
	ErrMalformedFile = errors.New("malformed file")
)

// ParsedFile is an upload decoded into a header list and keyed rows.
type ParsedFile struct {
	FileName string   `json:"file_name"`
	Headers  []string `json:"headers"`
	Rows     []RawRow `json:"-"`
	Warnings []string `json:"warnings"`
}

// ParseFile decodes a CSV or XLSX upload. The extension of fileName picks
// the format.
func ParseFile(fileName string, data []byte) (*ParsedFile, error) {
	var (
		records [][]string
		err     error
	)
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv", ".txt":
		records, err = readCSV(data)
	case ".xlsx", ".xlsm":
		records, err = readXLSX(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFileType, filepath.Ext(fileName))
	}
	if errors.Is(err, ErrEmptyFile) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	return buildParsedFile(fileName, records)
}

// decodeText strips a UTF-8 BOM, converts UTF-16 with a BOM, and falls
// back to Windows-1252 for bytes that are not valid UTF-8.
func decodeText(data []byte) ([]byte, error) {
	out, _, err := transform.Bytes(unicode.BOMOverride(transform.Nop), data)
	if err != nil {
		return nil, fmt.Errorf("decode text: %w", err)
	}
	if utf8.Valid(out) {
		return out, nil
	}
	out, _, err = transform.Bytes(charmap.Windows1252.NewDecoder(), data)
	if err != nil {
		return nil, fmt.Errorf("decode windows-1252: %w", err)
	}
	return out, nil
}

func readCSV(data []byte) ([][]string, error) {
	text, err := decodeText(data)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(bytes.NewReader(text))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	var records [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func readXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, ErrEmptyFile
	}
	// Raw values keep date cells as serials instead of their display format.
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	return rows, nil
}

func buildParsedFile(fileName string, records [][]string) (*ParsedFile, error) {
	if len(records) == 0 {
		return nil, ErrEmptyFile
	}

	parsed := &ParsedFile{FileName: fileName, Warnings: []string{}}
	headers := make([]string, len(records[0]))
	seen := make(map[string]bool)
	for i, h := range records[0] {
		h = strings.TrimSpace(h)
		headers[i] = h
		if h == "" {
			continue
		}
		if seen[h] {
			parsed.Warnings = append(parsed.Warnings, fmt.Sprintf("duplicate header %q: first column wins", h))
		}
		seen[h] = true
	}
	for len(headers) > 0 && headers[len(headers)-1] == "" {
		headers = headers[:len(headers)-1]
	}
	if len(headers) == 0 {
		return nil, ErrEmptyFile
	}
	parsed.Headers = headers

	for i, rec := range records[1:] {
		if isBlankRecord(rec) {
			continue
		}
		if len(rec) > len(headers) && !isBlankRecord(rec[len(headers):]) {
			parsed.Warnings = append(parsed.Warnings,
				fmt.Sprintf("row %d has %d values but only %d headers; extra values ignored", i, len(rec), len(headers)))
		}

		values := make(map[string]string, len(headers))
		for col, h := range headers {
			if h == "" {
				continue
			}
			if _, dup := values[h]; dup {
				continue
			}
			if col < len(rec) {
				values[h] = rec[col]
			} else {
				values[h] = ""
			}
		}
		parsed.Rows = append(parsed.Rows, RawRow{Index: i, Values: values})
	}
	return parsed, nil
}

func isBlankRecord(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
