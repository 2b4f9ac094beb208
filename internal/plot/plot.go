// Package plot renders logbook snapshots as line charts.
package plot

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/apache/arrow/go/v18/arrow"
	"github.com/apache/arrow/go/v18/arrow/array"
	"github.com/wcharczuk/go-chart/v2"
)

// ErrTooFewPoints is returned when no series has two points to draw.
var ErrTooFewPoints = errors.New("not enough points to plot")

const (
	DefaultWidth  = 1024
	DefaultHeight = 480
)

// RenderPNG draws every numeric field of rec against the leading time index
// field. Rows without a time or value are left out of that series. Text
// fields are ignored.
func RenderPNG(w io.Writer, rec arrow.Record, width, height int) error {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	if rec.NumCols() < 2 {
		return ErrTooFewPoints
	}
	index, ok := rec.Column(0).(*array.Timestamp)
	if !ok {
		return fmt.Errorf("plot: index field is %s, not a timestamp", rec.Column(0).DataType())
	}
	unit := rec.Schema().Field(0).Type.(*arrow.TimestampType).Unit

	var series []chart.Series
	for i := 1; i < int(rec.NumCols()); i++ {
		values, ok := rec.Column(i).(*array.Float64)
		if !ok {
			continue
		}
		var points []point
		for r := 0; r < values.Len(); r++ {
			if index.IsNull(r) || values.IsNull(r) {
				continue
			}
			points = append(points, point{index.Value(r).ToTime(unit), values.Value(r)})
		}
		if len(points) < 2 {
			continue
		}
		// Snapshots list the newest record first
		sort.SliceStable(points, func(a, b int) bool { return points[a].t.Before(points[b].t) })

		ts := chart.TimeSeries{Name: rec.ColumnName(i)}
		for _, p := range points {
			ts.XValues = append(ts.XValues, p.t)
			ts.YValues = append(ts.YValues, p.v)
		}
		series = append(series, ts)
	}
	if len(series) == 0 {
		return ErrTooFewPoints
	}

	ch := chart.Chart{
		Width:      width,
		Height:     height,
		Background: chart.Style{Padding: chart.Box{Top: 20, Left: 16, Right: 12, Bottom: 16}},
		XAxis:      chart.XAxis{Name: rec.ColumnName(0), ValueFormatter: chart.TimeDateValueFormatter},
		Series:     series,
	}
	ch.Elements = []chart.Renderable{chart.Legend(&ch)}
	return ch.Render(chart.PNG, w)
}

type point struct {
	t time.Time
	v float64
}
