package engine

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"time"

	"github.com/labstack/gommon/log"
)

var logger = log.New("engine")

// SetLogger replaces the package logger.
func SetLogger(l *log.Logger) { logger = l }

var ErrNotFound = errors.New("logbook file not found")

// ParseError reports a logbook file that could not be read. Line is the
// 1-based line of the offending record, or 0 when not applicable.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// LoadOptions control how a file is turned into a store.
type LoadOptions struct {
	Rules KindRules
	// WindowMarker marks subscription topics whose samples are averaged.
	WindowMarker string
}

func DefaultLoadOptions() LoadOptions {
	return LoadOptions{Rules: DefaultKindRules(), WindowMarker: "wavemeter"}
}

// Logbook is the result of loading a file: the store, the autofill bindings
// and the raw metadata row, which is written back verbatim on save.
type Logbook struct {
	Store    *Store
	Bindings []Binding
	Meta     []string
}

// Load reads a logbook file. The file holds a header row, one metadata row
// of autofill descriptors and the records oldest-first; in memory the
// records are newest-first.
func Load(path string, opts LoadOptions) (*Logbook, error) {
	start := time.Now()

	// 1. Read file
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, &ParseError{Path: path, Err: err}
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		var csvErr *csv.ParseError
		if errors.As(err, &csvErr) {
			return nil, &ParseError{Path: path, Line: csvErr.Line, Err: csvErr.Err}
		}
		return nil, &ParseError{Path: path, Err: err}
	}
	if len(records) < 2 {
		return nil, &ParseError{Path: path, Err: errors.New("missing header or metadata row")}
	}

	// 2. Schema and metadata
	header, meta, body := records[0], records[1], records[2:]
	schema, err := DeriveSchema(header, opts.Rules)
	if err != nil {
		return nil, &ParseError{Path: path, Line: 1, Err: err}
	}
	if schema.StartColumn() < 0 || schema.StopColumn() < 0 {
		return nil, &ParseError{Path: path, Line: 1, Err: fmt.Errorf("missing %q or %q column", StartColumnName, StopColumnName)}
	}
	if len(meta) > len(header) {
		return nil, &ParseError{Path: path, Line: 2, Err: fmt.Errorf("metadata row has %d fields, header has %d", len(meta), len(header))}
	}
	meta = append(meta, make([]string, len(header)-len(meta))...)

	// 3. Body, reversed so that row 0 is the last line of the file
	rows := len(body)
	store := NewStore(schema)
	for c := range store.cols {
		store.cols[c] = newColumnData(schema.Column(c).Kind, rows)
	}
	for i, rec := range body {
		if len(rec) > len(header) {
			return nil, &ParseError{Path: path, Line: i + 3, Err: fmt.Errorf("record has %d fields, header has %d", len(rec), len(header))}
		}
		row := rows - 1 - i
		for c, cell := range rec {
			store.cols[c].put(row, TextValue(cell))
		}
	}
	store.rows = rows

	// 4. Narrow numeric columns that hold only integers
	for _, cd := range store.cols {
		if cd.kind == KindNumeric {
			cd.integral = allIntegral(cd)
		}
	}

	bindings, errs := ParseBindings(schema, meta, opts.WindowMarker)
	for _, err := range errs {
		logger.Warnf("%s: ignoring autofill descriptor: %v", path, err)
	}

	logger.Infof("Loaded %s. Rows: %d. Columns: %d. Bindings: %d. Time: %v",
		path, rows, schema.Len(), len(bindings), time.Since(start))
	return &Logbook{Store: store, Bindings: bindings, Meta: meta}, nil
}

func allIntegral(cd *columnData) bool {
	for i, ok := range cd.present {
		if !ok || !isIntegral(cd.nums[i]) {
			return false
		}
	}
	return true
}

func isIntegral(f float64) bool {
	return f == math.Trunc(f) && math.Abs(f) < 1<<53
}

// IntegerColumn reports whether a numeric column was narrowed to integers
// when it was loaded.
func (s *Store) IntegerColumn(col int) bool {
	if col < 0 || col >= len(s.cols) {
		return false
	}
	return s.cols[col].integral
}
