package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"sort"

	docerrors "github.com/bobboyms/docstore/pkg/errors"
)

// readLines returns every newline-terminated line found in path. A missing
// file yields no lines. A final, unterminated partial line — a torn write
// from a crash mid-append — is dropped rather than returned.
func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewReader(f)
	for {
		line, err := scanner.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			lines = append(lines, bytes.TrimRight(line, "\n"))
		}
		if err != nil {
			// Whatever's left in `line` with no trailing newline is a
			// torn write from a crash mid-append; it is intentionally
			// not appended to lines.
			break
		}
	}
	return lines, nil
}

// decodeLine parses and checksum-verifies a single WAL line. A malformed
// or checksum-failing line is not an error: it is simply treated as
// absent.
func decodeLine(line []byte) (Entry, bool) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return Entry{}, false
	}
	if !verifyChecksum(&e) {
		return Entry{}, false
	}
	return e, true
}

// scanMaxLSN returns the highest LSN found in path's valid entries, or 0
// if the file is absent/empty/entirely corrupt — an empty or absent log
// means LSN starts at 1.
func scanMaxLSN(path string) (uint64, error) {
	lines, err := readLines(path)
	if err != nil {
		return 0, err
	}
	var max uint64
	for _, line := range lines {
		e, ok := decodeLine(line)
		if !ok {
			continue
		}
		if e.LSN > max {
			max = e.LSN
		}
	}
	return max, nil
}

// Scan returns every valid entry with lsn >= fromLSN, from the on-disk log
// plus whatever is still buffered in memory, sorted by LSN.
func (w *WAL) Scan(fromLSN uint64) ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scanLocked(fromLSN)
}

func (w *WAL) scanLocked(fromLSN uint64) ([]Entry, error) {
	lines, err := readLines(w.path)
	if err != nil {
		return nil, docerrors.NewWalIOError("scan", err)
	}

	entries := make([]Entry, 0, len(lines)+len(w.buffer))
	for _, line := range lines {
		e, ok := decodeLine(line)
		if !ok {
			continue
		}
		if e.LSN >= fromLSN {
			entries = append(entries, e)
		}
	}
	for _, e := range w.buffer {
		if e.LSN >= fromLSN {
			entries = append(entries, e)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].LSN < entries[j].LSN })
	return entries, nil
}

// TrimCommittedTransaction removes every non-COMMIT record belonging to
// txnID from the active log, retaining its COMMIT as a durable marker.
// This is a pure optimization: failures are logged/reported but never
// surfaced, and corrupt lines are always retained unchanged to avoid
// widening data loss.
func (w *WAL) TrimCommittedTransaction(txnID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		w.swallow("trim-flush", err)
		w.recordTrimFailure()
		return
	}

	lines, err := readLines(w.path)
	if err != nil {
		w.swallow("trim-read", err)
		w.recordTrimFailure()
		return
	}

	kept := make([][]byte, 0, len(lines))
	for _, line := range lines {
		e, ok := decodeLine(line)
		if !ok {
			// Corrupt lines are retained unchanged.
			kept = append(kept, line)
			continue
		}
		if e.TransactionID != txnID {
			kept = append(kept, line)
			continue
		}
		if e.Operation == OpCommit {
			kept = append(kept, line)
		}
		// BEGIN/WRITE/DELETE/ROLLBACK for txnID are dropped.
	}

	if err := w.rewriteLocked(kept); err != nil {
		w.swallow("trim-write", err)
		w.recordTrimFailure()
	}
}

func (w *WAL) recordTrimFailure() {
	if m := w.opts.Metrics; m != nil {
		m.WalTrimFailures.Inc()
	}
}

// rewriteLocked atomically replaces the active log's contents with lines,
// reopening the file handle the WAL keeps open for appends.
func (w *WAL) rewriteLocked(lines [][]byte) error {
	tmpPath := w.path + ".trim.tmp"

	buf := make([]byte, 0, 4096)
	for _, line := range lines {
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	if err := os.WriteFile(tmpPath, buf, 0o644); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return err
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	return nil
}
