// Package dataset turns an uploaded CSV file into an in-memory table.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	ErrUnsupportedFormat = errors.New("only CSV file support is currently implemented")
	ErrNoData            = errors.New("no data found in file")
)

// ParseError carries the CSV reader's message for a malformed file.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("error parsing CSV at line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("error parsing CSV: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Dataset is an immutable table. Every row has len(Headers) cells.
type Dataset struct {
	Name    string     `json:"name"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

func (d Dataset) RowCount() int {
	return len(d.Rows)
}

func (d Dataset) ColumnCount() int {
	return len(d.Headers)
}

// Equal reports whether both datasets hold the same headers and cells.
func (d Dataset) Equal(other Dataset) bool {
	if len(d.Headers) != len(other.Headers) || len(d.Rows) != len(other.Rows) {
		return false
	}
	for i := range d.Headers {
		if d.Headers[i] != other.Headers[i] {
			return false
		}
	}
	for i := range d.Rows {
		if len(d.Rows[i]) != len(other.Rows[i]) {
			return false
		}
		for j := range d.Rows[i] {
			if d.Rows[i][j] != other.Rows[i][j] {
				return false
			}
		}
	}
	return true
}

// CheckExtension accepts only names ending in ".csv".
func CheckExtension(name string) error {
	if !strings.HasSuffix(strings.TrimSpace(name), ".csv") {
		return ErrUnsupportedFormat
	}
	return nil
}

// Build parses CSV content. The first record is the header row, all cells are
// kept as strings and blank or whitespace-only lines are skipped.
func Build(name string, r io.Reader) (Dataset, error) {
	if err := CheckExtension(name); err != nil {
		return Dataset{}, err
	}
	if r == nil {
		return Dataset{}, ErrNoData
	}

	reader := csv.NewReader(stripBOM(r))
	reader.FieldsPerRecord = -1

	var header []string
	rows := make([][]string, 0, 64)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Dataset{}, newParseError(err)
		}
		if blankRecord(record) {
			continue
		}
		if header == nil {
			header = record
			continue
		}
		if len(record) != len(header) {
			line, _ := reader.FieldPos(0)
			return Dataset{}, &ParseError{Line: line, Err: csv.ErrFieldCount}
		}
		rows = append(rows, record)
	}
	if len(rows) == 0 {
		return Dataset{}, ErrNoData
	}

	return Dataset{
		Name:    filepath.Base(strings.TrimSpace(name)),
		Headers: uniqueHeaders(header),
		Rows:    rows,
	}, nil
}

// blankRecord matches a line holding nothing but spaces or tabs. A line of
// bare delimiters such as ",," is still a row of empty cells.
func blankRecord(record []string) bool {
	return len(record) == 1 && strings.TrimSpace(record[0]) == ""
}

func newParseError(err error) error {
	var csvErr *csv.ParseError
	if errors.As(err, &csvErr) {
		return &ParseError{Line: csvErr.Line, Err: csvErr.Err}
	}
	return &ParseError{Err: err}
}

// uniqueHeaders keeps header order and suffixes repeated names with _1, _2, ...
func uniqueHeaders(header []string) []string {
	taken := make(map[string]bool, len(header))
	counts := make(map[string]int, len(header))
	out := make([]string, len(header))
	for i, name := range header {
		candidate := name
		for taken[candidate] {
			counts[name]++
			candidate = name + "_" + strconv.Itoa(counts[name])
		}
		taken[candidate] = true
		out[i] = candidate
	}
	return out
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func stripBOM(r io.Reader) io.Reader {
	buffered := bufio.NewReader(r)
	prefix, err := buffered.Peek(len(utf8BOM))
	if err == nil && bytes.Equal(prefix, utf8BOM) {
		_, _ = buffered.Discard(len(utf8BOM))
	}
	return buffered
}
