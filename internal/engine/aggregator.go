package engine

import "time"

// TotalHours sums the operating time of all closed records. Records without
// a stop time are still running and do not count yet.
func TotalHours(store *Store) float64 {
	start, stop := store.schema.StartColumn(), store.schema.StopColumn()
	if start < 0 || stop < 0 {
		return 0
	}

	// Capture slice headers once, the loop only reads them
	startCol, stopCol := store.cols[start], store.cols[stop]
	var total time.Duration
	for row := 0; row < store.rows; row++ {
		if !startCol.present[row] || !stopCol.present[row] {
			continue
		}
		total += stopCol.times[row].Sub(startCol.times[row])
	}
	return total.Hours()
}

// OpenRecord reports whether the newest record has been started but not
// stopped yet.
func OpenRecord(store *Store) bool {
	stop := store.schema.StopColumn()
	if store.rows == 0 || stop < 0 {
		return false
	}
	return store.IsEmpty(0, stop)
}
