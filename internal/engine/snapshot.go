package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v18/arrow"
	"github.com/apache/arrow/go/v18/arrow/array"
	"github.com/apache/arrow/go/v18/arrow/memory"
)

var ErrNothingToPlot = errors.New("no plottable columns selected")

// SnapshotIndexName is the name of the index field of a snapshot.
const SnapshotIndexName = "Date"

// Snapshot copies the selected columns into an Arrow record for plotting.
// The stop time of each record becomes the leading index field, selected
// time columns are skipped and labels are flattened to one line. An empty
// rows selection means all rows. The caller must Release the record.
func (s *Store) Snapshot(cols, rows []int) (arrow.Record, error) {
	var selected []int
	for _, c := range cols {
		if c < 0 || c >= len(s.cols) {
			return nil, fmt.Errorf("snapshot column %d: %w", c, ErrOutOfRange)
		}
		if s.schema.Column(c).Kind != KindTime {
			selected = append(selected, c)
		}
	}
	if len(selected) == 0 {
		return nil, ErrNothingToPlot
	}
	if len(rows) == 0 {
		rows = make([]int, s.rows)
		for i := range rows {
			rows[i] = i
		}
	}
	for _, r := range rows {
		if r < 0 || r >= s.rows {
			return nil, fmt.Errorf("snapshot row %d: %w", r, ErrOutOfRange)
		}
	}

	fields := []arrow.Field{{Name: SnapshotIndexName, Type: arrow.FixedWidthTypes.Timestamp_s, Nullable: true}}
	for _, c := range selected {
		col := s.schema.Column(c)
		typ := arrow.DataType(arrow.PrimitiveTypes.Float64)
		if col.Kind == KindText {
			typ = arrow.BinaryTypes.String
		}
		fields = append(fields, arrow.Field{
			Name:     strings.ReplaceAll(col.Name, GroupSeparator, " "),
			Type:     typ,
			Nullable: true,
		})
	}

	b := array.NewRecordBuilder(memory.DefaultAllocator, arrow.NewSchema(fields, nil))
	defer b.Release()

	index := b.Field(0).(*array.TimestampBuilder)
	stop := s.schema.StopColumn()
	for _, r := range rows {
		if v, ok := s.GetCell(r, stop); ok {
			index.Append(arrow.Timestamp(v.Time.Unix()))
		} else {
			index.AppendNull()
		}
	}

	for i, c := range selected {
		switch fb := b.Field(i + 1).(type) {
		case *array.Float64Builder:
			for _, r := range rows {
				if v, ok := s.GetCell(r, c); ok {
					fb.Append(v.Num)
				} else {
					fb.AppendNull()
				}
			}
		case *array.StringBuilder:
			for _, r := range rows {
				if v, ok := s.GetCell(r, c); ok {
					fb.Append(v.Text)
				} else {
					fb.AppendNull()
				}
			}
		}
	}
	return b.NewRecord(), nil
}
