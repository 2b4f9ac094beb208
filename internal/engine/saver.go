package engine

import (
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// BackupGenerations is the number of numbered backups kept next to a
// logbook file: path.1 is the newest, path.9 the oldest.
const BackupGenerations = 9

// fileTimeLayout is how time cells are written to disk.
const fileTimeLayout = "2006-01-02 15:04:05"

// SaveError reports a failed save. The live file is left untouched.
type SaveError struct {
	Path string
	Op   string
	Err  error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// Save writes the store to path, keeping BackupGenerations older versions.
// The new content is written to a temporary file in the same directory and
// renamed into place, so a failed save never leaves a partial logbook.
// On success the store's modified flag is cleared.
func Save(path string, store *Store, meta []string) error {
	// 1. Write the new content next to the target
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return &SaveError{Path: path, Op: "create temporary file", Err: err}
	}
	tmpName := tmp.Name()
	fail := func(op string, err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return &SaveError{Path: path, Op: op, Err: err}
	}

	if err := writeLogbook(tmp, store, meta); err != nil {
		return fail("write", err)
	}
	mode := fs.FileMode(0o644)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := tmp.Chmod(mode); err != nil {
		return fail("chmod", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &SaveError{Path: path, Op: "close", Err: err}
	}

	// 2. Shift the backups
	rotateBackups(path, BackupGenerations)

	// 3. Move the new content into place
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &SaveError{Path: path, Op: "rename", Err: err}
	}
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		dir.Sync()
		dir.Close()
	}

	store.MarkSaved()
	return nil
}

func backupName(path string, generation int) string {
	return path + "." + strconv.Itoa(generation)
}

// rotateBackups shifts path.N to path.N+1, dropping the oldest generation,
// and preserves the live file as path.1. Rotation is best effort: failures
// are logged and the save goes ahead.
func rotateBackups(path string, generations int) {
	for i := generations - 1; i >= 1; i-- {
		src := backupName(path, i)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, backupName(path, i+1)); err != nil {
			logger.Warnf("backup rotation: %v", err)
		}
	}

	if _, err := os.Stat(path); err != nil {
		// first save
		return
	}
	first := backupName(path, 1)
	os.Remove(first)
	if err := os.Link(path, first); err != nil {
		if err := copyFile(path, first); err != nil {
			logger.Warnf("backup rotation: %v", err)
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeLogbook(w io.Writer, store *Store, meta []string) error {
	cw := csv.NewWriter(w)
	n := store.ColumnCount()

	if err := cw.Write(store.Schema().Names()); err != nil {
		return err
	}
	metaRow := make([]string, n)
	copy(metaRow, meta)
	if err := cw.Write(metaRow); err != nil {
		return err
	}

	record := make([]string, n)
	for row := store.RowCount() - 1; row >= 0; row-- {
		for c := range record {
			record[c] = store.fileCell(row, c)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// fileCell renders a cell in its on-disk form.
func (s *Store) fileCell(row, col int) string {
	v, ok := s.GetCell(row, col)
	if !ok {
		return ""
	}
	switch v.Kind {
	case KindTime:
		return v.Time.Format(fileTimeLayout)
	case KindText:
		return v.Text
	default:
		if s.cols[col].integral && isIntegral(v.Num) {
			return strconv.FormatInt(int64(v.Num), 10)
		}
		return formatFloat(v.Num)
	}
}

// formatFloat writes the shortest representation that parses back to f,
// always with a fractional part.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".nN") {
		s += ".0"
	}
	return s
}
