package records

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrMissingColumn is returned when a required header is absent.
	ErrMissingColumn = errors.New("missing required column")

	inputColumns  = []string{ColumnUsername, ColumnUserID, ColumnProfileURL}
	outputColumns = []string{ColumnUsername, ColumnUserID, ColumnProfileURL, ColumnEmail}
)

// CSVInputStore reads and rewrites the input table as a CSV file.
// Columns other than the known ones are preserved in their original order.
type CSVInputStore struct {
	path string

	mu    sync.Mutex
	extra []string
}

// NewCSVInputStore returns a store for path.
func NewCSVInputStore(path string) *CSVInputStore {
	return &CSVInputStore{path: path}
}

// Load implements InputStore.
func (s *CSVInputStore) Load(_ context.Context) ([]InputRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	header, rows, err := readTable(f, inputColumns)
	if err != nil {
		return nil, fmt.Errorf("read input %s: %w", s.path, err)
	}

	var extra []string
	for _, name := range header {
		switch name {
		case ColumnUsername, ColumnUserID, ColumnProfileURL, ColumnStatus:
		default:
			extra = append(extra, name)
		}
	}
	s.mu.Lock()
	s.extra = extra
	s.mu.Unlock()

	out := make([]InputRecord, 0, len(rows))
	for _, row := range rows {
		rec := InputRecord{
			Username:   row[ColumnUsername],
			UserID:     row[ColumnUserID],
			ProfileURL: row[ColumnProfileURL],
			Status:     ParseStatus(row[ColumnStatus]),
		}
		if len(extra) > 0 {
			rec.Extra = make(map[string]string, len(extra))
			for _, name := range extra {
				rec.Extra[name] = row[name]
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Save implements InputStore. The file is replaced atomically.
func (s *CSVInputStore) Save(_ context.Context, recs []InputRecord) error {
	s.mu.Lock()
	extra := append([]string(nil), s.extra...)
	s.mu.Unlock()

	header := append([]string{ColumnUsername, ColumnUserID, ColumnProfileURL, ColumnStatus}, extra...)
	return writeFileAtomic(s.path, func(w *csv.Writer) error {
		if err := w.Write(header); err != nil {
			return err
		}
		for _, r := range recs {
			row := []string{r.Username, r.UserID, r.ProfileURL, r.Status.String()}
			for _, name := range extra {
				row = append(row, r.Extra[name])
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
		return nil
	})
}

// CSVOutputStore keeps resolved contacts in a CSV file.
type CSVOutputStore struct {
	path string
	mu   sync.Mutex
}

// NewCSVOutputStore returns a store for path.
func NewCSVOutputStore(path string) *CSVOutputStore {
	return &CSVOutputStore{path: path}
}

// Load implements OutputStore. A missing file is an empty store.
func (s *CSVOutputStore) Load(_ context.Context) ([]OutputRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	defer f.Close()

	_, rows, err := readTable(f, outputColumns)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read output %s: %w", s.path, err)
	}

	out := make([]OutputRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, OutputRecord{
			Username:   row[ColumnUsername],
			UserID:     row[ColumnUserID],
			ProfileURL: row[ColumnProfileURL],
			Email:      row[ColumnEmail],
		})
	}
	return out, nil
}

// Append implements OutputStore. The header is written when the file is new or empty;
// otherwise rows follow the column order of the existing header.
func (s *CSVOutputStore) Append(_ context.Context, recs []OutputRecord) error {
	if len(recs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat output: %w", err)
	}

	w := csv.NewWriter(f)
	columns := outputColumns
	if info.Size() == 0 {
		if err := w.Write(outputColumns); err != nil {
			f.Close()
			return fmt.Errorf("write output header: %w", err)
		}
	} else {
		columns, err = s.existingHeader()
		if err != nil {
			f.Close()
			return fmt.Errorf("read output header %s: %w", s.path, err)
		}
	}
	if err := writeOutputRows(w, columns, recs); err != nil {
		f.Close()
		return fmt.Errorf("append output: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync output: %w", err)
	}
	return f.Close()
}

// Replace implements OutputStore. The file is replaced atomically.
func (s *CSVOutputStore) Replace(_ context.Context, recs []OutputRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return writeFileAtomic(s.path, func(w *csv.Writer) error {
		if err := w.Write(outputColumns); err != nil {
			return err
		}
		return writeOutputRows(w, outputColumns, recs)
	})
}

func (s *CSVOutputStore) existingHeader() ([]string, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	return readHeader(cr, outputColumns)
}

// writeOutputRows writes recs in the given column order. Unknown columns are left blank.
func writeOutputRows(w *csv.Writer, columns []string, recs []OutputRecord) error {
	row := make([]string, len(columns))
	for _, r := range recs {
		for i, name := range columns {
			switch name {
			case ColumnUsername:
				row[i] = r.Username
			case ColumnUserID:
				row[i] = r.UserID
			case ColumnProfileURL:
				row[i] = r.ProfileURL
			case ColumnEmail:
				row[i] = r.Email
			default:
				row[i] = ""
			}
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// readTable reads a header-indexed CSV. Rows are returned as column-name maps;
// short rows yield blanks for missing cells.
func readTable(r io.Reader, required []string) ([]string, []map[string]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := readHeader(cr, required)
	if err != nil {
		return nil, nil, err
	}

	var rows []map[string]string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return header, rows, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read row: %w", err)
		}

		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(rec) {
				row[name] = rec[i]
			}
		}
		rows = append(rows, row)
	}
}

// readHeader reads the first record as column names and checks required ones.
func readHeader(cr *csv.Reader, required []string) ([]string, error) {
	header, err := cr.Read()
	if err != nil {
		return nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	present := make(map[string]bool, len(header))
	for _, name := range header {
		present[name] = true
	}
	for _, name := range required {
		if !present[name] {
			return nil, fmt.Errorf("%w %q", ErrMissingColumn, name)
		}
	}
	return header, nil
}

// writeFileAtomic writes through a temp file in the same directory and renames
// it over path.
func writeFileAtomic(path string, fill func(w *csv.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}

	w := csv.NewWriter(tmp)
	if err := fill(w); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
