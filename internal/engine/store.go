package engine

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var ErrOutOfRange = errors.New("cell or row out of range")

// DisplayTimeLayout is used when rendering time cells for people.
const DisplayTimeLayout = "2006/01/02 15:04"

// Accepted layouts for time cells, tried in order. All are interpreted in
// local time.
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006/01/02",
}

// Value is a typed cell value. Only the field matching Kind is meaningful.
type Value struct {
	Kind Kind
	Time time.Time
	Text string
	Num  float64
}

func TimeValue(t time.Time) Value { return Value{Kind: KindTime, Time: t} }
func TextValue(s string) Value    { return Value{Kind: KindText, Text: s} }
func NumberValue(f float64) Value { return Value{Kind: KindNumeric, Num: f} }

// Format renders the value for display. Numbers use the given precision.
func (v Value) Format(precision int) string {
	switch v.Kind {
	case KindTime:
		return v.Time.Format(DisplayTimeLayout)
	case KindText:
		return v.Text
	default:
		return strconv.FormatFloat(v.Num, 'f', precision, 64)
	}
}

// ParseTime parses a local date-time in any of the accepted layouts.
func ParseTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t, true
		}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.Local(), true
	}
	return time.Time{}, false
}

func parseNumber(raw string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// columnData holds one column as a presence bitmap plus the typed slice
// matching the column kind.
type columnData struct {
	kind    Kind
	present []bool
	times   []time.Time
	texts   []string
	nums    []float64
	// integral marks numeric columns narrowed to integers on load.
	integral bool
}

func newColumnData(kind Kind, rows int) *columnData {
	cd := &columnData{kind: kind, present: make([]bool, rows)}
	switch kind {
	case KindTime:
		cd.times = make([]time.Time, rows)
	case KindText:
		cd.texts = make([]string, rows)
	default:
		cd.nums = make([]float64, rows)
	}
	return cd
}

func (cd *columnData) insert(pos, count int) {
	cd.present = insertZeros(cd.present, pos, count)
	switch cd.kind {
	case KindTime:
		cd.times = insertZeros(cd.times, pos, count)
	case KindText:
		cd.texts = insertZeros(cd.texts, pos, count)
	default:
		cd.nums = insertZeros(cd.nums, pos, count)
	}
}

func (cd *columnData) remove(pos, count int) {
	cd.present = removeRun(cd.present, pos, count)
	switch cd.kind {
	case KindTime:
		cd.times = removeRun(cd.times, pos, count)
	case KindText:
		cd.texts = removeRun(cd.texts, pos, count)
	default:
		cd.nums = removeRun(cd.nums, pos, count)
	}
}

func (cd *columnData) get(row int) (Value, bool) {
	if !cd.present[row] {
		return Value{}, false
	}
	switch cd.kind {
	case KindTime:
		return TimeValue(cd.times[row]), true
	case KindText:
		return TextValue(cd.texts[row]), true
	default:
		return NumberValue(cd.nums[row]), true
	}
}

// put stores v after converting it to the column kind. Values that cannot be
// converted leave the cell absent.
func (cd *columnData) put(row int, v Value) {
	cd.present[row] = false
	switch cd.kind {
	case KindTime:
		cd.times[row] = time.Time{}
		switch v.Kind {
		case KindTime:
			if !v.Time.IsZero() {
				cd.times[row], cd.present[row] = v.Time, true
			}
		case KindText:
			cd.times[row], cd.present[row] = ParseTime(v.Text)
		}
	case KindText:
		cd.texts[row] = ""
		var s string
		switch v.Kind {
		case KindText:
			s = v.Text
		case KindTime:
			if !v.Time.IsZero() {
				s = v.Time.Format(fileTimeLayout)
			}
		default:
			s = formatFloat(v.Num)
		}
		if s != "" {
			cd.texts[row], cd.present[row] = s, true
		}
	default:
		cd.nums[row] = 0
		switch v.Kind {
		case KindNumeric:
			if !math.IsNaN(v.Num) {
				cd.nums[row], cd.present[row] = v.Num, true
			}
		case KindText:
			cd.nums[row], cd.present[row] = parseNumber(v.Text)
		}
	}
}

// EventKind identifies a store change notification.
type EventKind int

const (
	RowsInserted EventKind = iota
	RowsDeleted
	CellUpdated
	ModifiedChanged
)

// Event describes a change to a store. Pos and Count are set for row events,
// Row and Col for cell updates, Modified for ModifiedChanged.
type Event struct {
	Kind     EventKind
	Pos      int
	Count    int
	Row      int
	Col      int
	Modified bool
}

// Store is the columnar logbook table. Row 0 is always the newest record.
//
// A Store is not safe for concurrent use; the owning session serializes
// access to it.
type Store struct {
	schema   *Schema
	cols     []*columnData
	rows     int
	modified bool

	observers map[int]func(Event)
	nextObs   int
}

// NewStore creates an empty store with the given schema.
func NewStore(schema *Schema) *Store {
	s := &Store{
		schema:    schema,
		cols:      make([]*columnData, schema.Len()),
		observers: make(map[int]func(Event)),
	}
	for i := range s.cols {
		s.cols[i] = newColumnData(schema.Column(i).Kind, 0)
	}
	return s
}

func (s *Store) Schema() *Schema  { return s.schema }
func (s *Store) RowCount() int    { return s.rows }
func (s *Store) ColumnCount() int { return len(s.cols) }
func (s *Store) Modified() bool   { return s.modified }

// Subscribe registers fn for change notifications. Observers are called
// synchronously on the goroutine that mutates the store.
func (s *Store) Subscribe(fn func(Event)) (cancel func()) {
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() { delete(s.observers, id) }
}

func (s *Store) emit(ev Event) {
	for _, fn := range s.observers {
		fn(ev)
	}
}

func (s *Store) setModified(m bool) {
	if s.modified == m {
		return
	}
	s.modified = m
	s.emit(Event{Kind: ModifiedChanged, Modified: m})
}

// MarkSaved clears the modified flag.
func (s *Store) MarkSaved() { s.setModified(false) }

// InsertRows inserts count empty rows at pos; existing rows from pos on move
// down by count.
func (s *Store) InsertRows(pos, count int) error {
	if pos < 0 || pos > s.rows || count < 0 {
		return fmt.Errorf("insert %d rows at %d of %d: %w", count, pos, s.rows, ErrOutOfRange)
	}
	if count == 0 {
		return nil
	}
	for _, cd := range s.cols {
		cd.insert(pos, count)
	}
	s.rows += count
	s.setModified(true)
	s.emit(Event{Kind: RowsInserted, Pos: pos, Count: count})
	return nil
}

// DeleteRows removes count rows starting at pos.
func (s *Store) DeleteRows(pos, count int) error {
	if pos < 0 || count < 0 || pos+count > s.rows {
		return fmt.Errorf("delete %d rows at %d of %d: %w", count, pos, s.rows, ErrOutOfRange)
	}
	if count == 0 {
		return nil
	}
	for _, cd := range s.cols {
		cd.remove(pos, count)
	}
	s.rows -= count
	s.setModified(true)
	s.emit(Event{Kind: RowsDeleted, Pos: pos, Count: count})
	return nil
}

// GetCell returns the value at (row, col). Out-of-range addresses and empty
// cells are reported as absent.
func (s *Store) GetCell(row, col int) (Value, bool) {
	if !s.inRange(row, col) {
		return Value{}, false
	}
	return s.cols[col].get(row)
}

// IsEmpty reports whether the cell at (row, col) holds no value.
func (s *Store) IsEmpty(row, col int) bool {
	_, ok := s.GetCell(row, col)
	return !ok
}

// SetCell stores raw after coercing it to the column kind. A value that
// does not parse leaves the cell absent; that is not an error.
func (s *Store) SetCell(row, col int, raw string) error {
	return s.SetValue(row, col, TextValue(raw))
}

// SetValue stores a typed value, converting it to the column kind where
// possible and storing absent otherwise.
func (s *Store) SetValue(row, col int, v Value) error {
	if !s.inRange(row, col) {
		return fmt.Errorf("set cell (%d, %d): %w", row, col, ErrOutOfRange)
	}
	s.cols[col].put(row, v)
	s.setModified(true)
	s.emit(Event{Kind: CellUpdated, Row: row, Col: col})
	return nil
}

// Clear makes the cell absent.
func (s *Store) Clear(row, col int) error {
	return s.SetValue(row, col, TextValue(""))
}

func (s *Store) inRange(row, col int) bool {
	return row >= 0 && row < s.rows && col >= 0 && col < len(s.cols)
}

func insertZeros[T any](xs []T, pos, count int) []T {
	out := make([]T, len(xs)+count)
	copy(out, xs[:pos])
	copy(out[pos+count:], xs[pos:])
	return out
}

func removeRun[T any](xs []T, pos, count int) []T {
	return append(xs[:pos:pos], xs[pos+count:]...)
}
