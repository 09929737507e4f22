// Package journal writes the per-day trading journal: one CSV of
// per-update strategy snapshots and one CSV of discrete events.
package journal

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var updateHeader = []string{"ts", "combined", "vwap", "in_position", "entry_flag", "exit_flag", "reason"}

var eventHeader = []string{"ts", "event", "details"}

// Update is one journal row, written for every processed price update.
type Update struct {
	TS         time.Time
	Combined   float64
	VWAP       float64
	InPosition bool
	EntryFlag  bool
	ExitFlag   bool
	Reason     string
}

// Writer appends to updates_<date>.csv and events_<date>.csv under a
// journal directory. Rows are flushed on every write so a crash loses
// at most the row being written.
type Writer struct {
	mu      sync.Mutex
	updates *os.File
	events  *os.File
	upCSV   *csv.Writer
	evCSV   *csv.Writer
}

// NewWriter opens (or creates) the journal files for the given trading
// day. Existing files are appended to, so restarting mid-session keeps
// the morning's rows.
func NewWriter(dir string, day time.Time) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	date := day.Format("2006-01-02")
	updates, upCSV, err := openAppend(filepath.Join(dir, "updates_"+date+".csv"), updateHeader)
	if err != nil {
		return nil, err
	}
	events, evCSV, err := openAppend(filepath.Join(dir, "events_"+date+".csv"), eventHeader)
	if err != nil {
		_ = updates.Close()
		return nil, err
	}

	return &Writer{updates: updates, events: events, upCSV: upCSV, evCSV: evCSV}, nil
}

func openAppend(path string, header []string) (*os.File, *csv.Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) // #nosec G304 -- path built from configured journal dir
	if err != nil {
		return nil, nil, fmt.Errorf("open journal file: %w", err)
	}

	w := csv.NewWriter(f)
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("stat journal file: %w", err)
	}
	if info.Size() == 0 {
		if err := w.Write(header); err != nil {
			_ = f.Close()
			return nil, nil, fmt.Errorf("write journal header: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			_ = f.Close()
			return nil, nil, err
		}
	}
	return f, w, nil
}

// Record appends one update row.
func (w *Writer) Record(u Update) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	row := []string{
		u.TS.Format("2006-01-02 15:04:05"),
		strconv.FormatFloat(u.Combined, 'f', 2, 64),
		strconv.FormatFloat(u.VWAP, 'f', 2, 64),
		strconv.FormatBool(u.InPosition),
		strconv.FormatBool(u.EntryFlag),
		strconv.FormatBool(u.ExitFlag),
		u.Reason,
	}
	if err := w.upCSV.Write(row); err != nil {
		return fmt.Errorf("write update row: %w", err)
	}
	w.upCSV.Flush()
	return w.upCSV.Error()
}

// Event appends one event row.
func (w *Writer) Event(ts time.Time, event, details string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	row := []string{ts.Format("2006-01-02 15:04:05"), event, details}
	if err := w.evCSV.Write(row); err != nil {
		return fmt.Errorf("write event row: %w", err)
	}
	w.evCSV.Flush()
	return w.evCSV.Error()
}

// Close flushes and closes both journal files.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.upCSV.Flush()
	w.evCSV.Flush()

	var firstErr error
	if err := w.upCSV.Error(); err != nil {
		firstErr = err
	}
	if err := w.updates.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.evCSV.Error(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.events.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
