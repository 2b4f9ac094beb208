package engine

import (
	"fmt"
	"strings"
)

// GroupSeparator splits a column label into its group and parameter parts,
// e.g. "LD\nCurrent (mA)" belongs to group "LD".
const GroupSeparator = "\n"

// Names of the two designated time columns.
const (
	StartColumnName = "Time" + GroupSeparator + "Start"
	StopColumnName  = "Time" + GroupSeparator + "Stop"
)

// Kind is the semantic type of a column.
type Kind int

const (
	KindNumeric Kind = iota
	KindTime
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindTime:
		return "time"
	case KindText:
		return "text"
	default:
		return "numeric"
	}
}

type Column struct {
	Name  string
	Group string
	Kind  Kind
	// Precision is the display precision of numeric columns.
	Precision int
}

// KindRules decide the kind and display precision of a column from its label.
// Matching is exact: whole groups, the unit inside the trailing parentheses,
// or whole whitespace-separated label tokens.
type KindRules struct {
	TimeGroups       []string
	TextGroups       []string
	UnitPrecision    map[string]int
	LabelPrecision   map[string]int
	DefaultPrecision int
}

func DefaultKindRules() KindRules {
	return KindRules{
		TimeGroups: []string{"Time"},
		TextGroups: []string{"Comment"},
		UnitPrecision: map[string]int{
			"THz": 7,
			"MHz": 3,
			"mA":  1,
			"mV":  0,
			"V":   3,
			"mW":  1,
		},
		LabelPrecision: map[string]int{
			"Temp":    3,
			"Isotope": 0,
		},
		DefaultPrecision: 1,
	}
}

func (r KindRules) classify(name string) Column {
	col := Column{Name: name, Group: groupOf(name)}
	if contains(r.TimeGroups, col.Group) {
		col.Kind = KindTime
		return col
	}
	if contains(r.TextGroups, col.Group) {
		col.Kind = KindText
		return col
	}

	col.Kind = KindNumeric
	col.Precision = r.DefaultPrecision
	if unit, ok := unitOf(name); ok {
		if p, found := r.UnitPrecision[unit]; found {
			col.Precision = p
			return col
		}
	}
	for _, tok := range strings.Fields(name) {
		if p, found := r.LabelPrecision[tok]; found {
			col.Precision = p
			break
		}
	}
	return col
}

// Schema is the immutable, ordered column list of a store.
type Schema struct {
	columns []Column
	index   map[string]int
	start   int
	stop    int
}

// DeriveSchema builds a schema from a parsed header row.
func DeriveSchema(header []string, rules KindRules) (*Schema, error) {
	s := &Schema{
		columns: make([]Column, 0, len(header)),
		index:   make(map[string]int, len(header)),
		start:   -1,
		stop:    -1,
	}
	for i, name := range header {
		if _, dup := s.index[name]; dup {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		s.index[name] = i
		s.columns = append(s.columns, rules.classify(name))
	}

	if i, ok := s.index[StartColumnName]; ok && s.columns[i].Kind == KindTime {
		s.start = i
	}
	if i, ok := s.index[StopColumnName]; ok && s.columns[i].Kind == KindTime {
		s.stop = i
	}
	return s, nil
}

func (s *Schema) Len() int { return len(s.columns) }

// Column returns the column at position i. It panics if i is out of range.
func (s *Schema) Column(i int) Column { return s.columns[i] }

func (s *Schema) Columns() []Column {
	out := make([]Column, len(s.columns))
	copy(out, s.columns)
	return out
}

// Index returns the position of the named column.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

func (s *Schema) Names() []string {
	out := make([]string, len(s.columns))
	for i, c := range s.columns {
		out[i] = c.Name
	}
	return out
}

// Groups returns the distinct column groups in column order.
func (s *Schema) Groups() []string {
	var groups []string
	seen := make(map[string]bool)
	for _, c := range s.columns {
		if !seen[c.Group] {
			seen[c.Group] = true
			groups = append(groups, c.Group)
		}
	}
	return groups
}

// StartColumn returns the index of the start-time column, or -1.
func (s *Schema) StartColumn() int { return s.start }

// StopColumn returns the index of the stop-time column, or -1.
func (s *Schema) StopColumn() int { return s.stop }

func groupOf(name string) string {
	group, _, _ := strings.Cut(name, GroupSeparator)
	return group
}

// unitOf extracts "mA" from "LD\nCurrent (mA)".
func unitOf(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if !strings.HasSuffix(name, ")") {
		return "", false
	}
	open := strings.LastIndexByte(name, '(')
	if open < 0 {
		return "", false
	}
	return name[open+1 : len(name)-1], true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
