package wal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/DataDog/zstd"

	docerrors "github.com/bobboyms/docstore/pkg/errors"
)

// activeLogName is the file name of the live WAL segment within dbRoot.
const activeLogName = ".wal"

// WAL is a durable, append-only JSON-line log. All mutation goes through a
// single mutex; both critical sections it guards are short.
type WAL struct {
	mu      sync.Mutex
	dir     string
	path    string
	file    *os.File
	buffer  []Entry
	nextLSN uint64
	opts    Options
	closed  bool
}

// Open opens (or creates) the WAL at <dbRoot>/.wal, replaying it once to
// recover the next LSN. An empty or absent log starts LSNs at 1.
func Open(dbRoot string, opts Options) (*WAL, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(dbRoot, 0o755); err != nil {
		return nil, docerrors.NewWalIOError("mkdir", err)
	}

	path := filepath.Join(dbRoot, activeLogName)

	maxLSN, err := scanMaxLSN(path)
	if err != nil {
		return nil, docerrors.NewWalIOError("recovery-scan", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, docerrors.NewWalIOError("open", err)
	}

	return &WAL{
		dir:     dbRoot,
		path:    path,
		file:    f,
		nextLSN: maxLSN,
		opts:    opts,
	}, nil
}

// Path returns the active log's file path.
func (w *WAL) Path() string {
	return w.path
}

// Append assigns a unique, monotone LSN to e, timestamps and checksums it,
// and buffers it in memory. COMMIT and ROLLBACK force an immediate durable
// flush before returning, the engine's sole durability boundary.
func (w *WAL) Append(e Entry) (uint64, error) {
	start := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, docerrors.NewWalIOError("append", os.ErrClosed)
	}

	w.nextLSN++
	e.LSN = w.nextLSN
	e.Timestamp = time.Now().UnixMilli()

	// Store the images in the exact bytes json.Marshal writes for a
	// RawMessage (compacted, HTML-escaped), so the checksum sealed here
	// still verifies once the entry is flushed and read back.
	for _, img := range []*json.RawMessage{&e.BeforeImage, &e.AfterImage} {
		if len(*img) == 0 {
			continue
		}
		normalized, err := json.Marshal(*img)
		if err != nil {
			return 0, docerrors.NewWalIOError("marshal", err)
		}
		*img = normalized
	}

	if err := seal(&e); err != nil {
		return 0, docerrors.NewWalIOError("checksum", err)
	}

	w.buffer = append(w.buffer, e)

	mustFlush := e.Operation == OpCommit || e.Operation == OpRollback || len(w.buffer) >= w.opts.BufferSize
	if mustFlush {
		if err := w.flushLocked(); err != nil {
			return e.LSN, err
		}
	}

	if m := w.opts.Metrics; m != nil {
		m.WalAppendLatency.Observe(time.Since(start).Seconds())
	}

	return e.LSN, nil
}

// ForceFlush guarantees every buffered record is on stable storage.
func (w *WAL) ForceFlush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	start := time.Now()

	bufPtr := acquireLineBuffer()
	defer releaseLineBuffer(bufPtr)
	buf := *bufPtr

	for i := range w.buffer {
		line, err := json.Marshal(&w.buffer[i])
		if err != nil {
			return docerrors.NewWalIOError("marshal", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	if _, err := w.file.Write(buf); err != nil {
		return docerrors.NewWalIOError("write", err)
	}
	if err := w.file.Sync(); err != nil {
		return docerrors.NewWalIOError("fsync", err)
	}

	w.buffer = w.buffer[:0]

	if m := w.opts.Metrics; m != nil {
		m.WalFlushLatency.Observe(time.Since(start).Seconds())
	}

	w.maybeRotateLocked()
	return nil
}

// maybeRotateLocked rotates the active log once it exceeds the configured
// size threshold. Rotation is best-effort: any failure is logged/reported
// but never returned to the caller.
func (w *WAL) maybeRotateLocked() {
	info, err := w.file.Stat()
	if err != nil {
		w.swallow("stat", err)
		return
	}
	if info.Size() < w.opts.RotateSizeBytes {
		return
	}
	if err := w.rotateLocked(); err != nil {
		w.swallow("rotate", err)
		return
	}
	if m := w.opts.Metrics; m != nil {
		m.WalRotationTotal.Inc()
	}
}

func (w *WAL) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	archivePath := w.path + "." + time.Now().UTC().Format("20060102T150405.000000000Z")
	if err := os.Rename(w.path, archivePath); err != nil {
		// Best-effort recovery: keep the engine writable even if the
		// rename failed, by reopening the original file in place.
		if f, reopenErr := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); reopenErr == nil {
			w.file = f
		}
		return err
	}

	w.compressArchive(archivePath)

	newFile, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w.file = newFile

	w.nextLSN++
	checkpoint := Entry{
		LSN:           w.nextLSN,
		TransactionID: SystemTransactionID,
		Operation:     OpCheckpoint,
		Timestamp:     time.Now().UnixMilli(),
	}
	if err := seal(&checkpoint); err != nil {
		return err
	}
	line, err := json.Marshal(&checkpoint)
	if err != nil {
		return err
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return err
	}
	return w.file.Sync()
}

// compressArchive replaces a rotated archive with a zstd-compressed copy.
// Archives are informational only, so this is pure best effort.
func (w *WAL) compressArchive(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.swallow("archive-read", err)
		return
	}
	compressed, err := zstd.Compress(nil, data)
	if err != nil {
		w.swallow("archive-compress", err)
		return
	}
	if err := os.WriteFile(path+".zst", compressed, 0o644); err != nil {
		w.swallow("archive-write", err)
		return
	}
	if err := os.Remove(path); err != nil {
		w.swallow("archive-cleanup", err)
	}
}

func (w *WAL) swallow(op string, err error) {
	w.opts.Logger.Trace().Err(err).Str("op", op).Msg("wal: swallowed error")
	w.opts.Reporter.ReportSwallowedError("wal", op, err, nil)
}

// Close flushes any buffered entries and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.flushLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
