package state

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps the namespaces in memory and persists every committed
// batch as one JSON line, so a torn write can only lose the last batch and
// never half of one.
type FileStore struct {
	*MemoryStore
	path    string
	persist bool
	logger  *slog.Logger
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

var (
	_ Compactor = (*FileStore)(nil)
	_ Flusher   = (*FileStore)(nil)
)

type fileRecord struct {
	Ops []op `json:"ops"`
}

// NewFileStore opens (or creates) the log in stateDir. With persist false the
// log is replayed but never written, which is what dry runs want.
func NewFileStore(stateDir string, persist bool, logger *slog.Logger) (*FileStore, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	store := &FileStore{
		MemoryStore: NewMemoryStore(),
		path:        filepath.Join(stateDir, "spool.jsonl"),
		persist:     persist,
		logger:      logger,
	}

	if err := store.load(); err != nil {
		return nil, err
	}

	if persist {
		if err := store.openWriter(); err != nil {
			return nil, err
		}
	}

	return store, nil
}

func (f *FileStore) openWriter() error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open state file for append: %w", err)
	}
	f.file = file
	f.writer = bufio.NewWriterSize(file, 64*1024)
	return nil
}

// load replays the log with a streaming decoder, so a single batch is never
// limited by a line buffer. An undecodable tail is a torn last write and is
// cut off; anything decodable after it means the file is corrupt.
func (f *FileStore) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	dec := json.NewDecoder(bufio.NewReaderSize(file, 64*1024))
	var good int64
	for batch := 1; ; batch++ {
		var record fileRecord
		err := dec.Decode(&record)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return f.dropTornTail(file, good, fmt.Errorf("parse state batch %d: %w", batch, err))
		}
		f.apply(record.Ops)
		good = dec.InputOffset()
	}
}

func (f *FileStore) dropTornTail(file *os.File, good int64, parseErr error) error {
	if _, err := file.Seek(good, io.SeekStart); err != nil {
		return fmt.Errorf("seek state file: %w", err)
	}
	tail, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	tail = bytes.TrimLeft(tail, " \t\r\n")
	if i := bytes.IndexByte(tail, '\n'); i >= 0 && len(bytes.TrimSpace(tail[i:])) > 0 {
		// a bad batch followed by more data is corruption, not a torn tail
		return parseErr
	}

	if f.logger != nil {
		f.logger.Warn("discarding torn last state batch", "path", f.path, "bytes", len(tail), "err", parseErr)
	}
	if !f.persist {
		return nil
	}
	// appends must not land behind the torn bytes
	if err := os.Truncate(f.path, good); err != nil {
		return fmt.Errorf("truncate torn state file: %w", err)
	}
	return nil
}

func (f *FileStore) Put(ctx context.Context, ns Namespace, key string, value []byte) error {
	return f.commit([]op{{NS: ns, Key: key, Value: cloneBytes(value)}})
}

func (f *FileStore) Delete(ctx context.Context, ns Namespace, key string) error {
	if _, err := f.Get(ctx, ns, key); err != nil {
		return err
	}
	return f.commit([]op{{NS: ns, Key: key, Delete: true}})
}

func (f *FileStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	f.txMu.Lock()
	defer f.txMu.Unlock()

	tx := newBufferedTx(f.Get)
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.commit(tx.ops)
}

// commit appends the batch to the log before making it visible.
func (f *FileStore) commit(ops []op) error {
	if len(ops) == 0 {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.persist {
		data, err := json.Marshal(fileRecord{Ops: ops})
		if err != nil {
			return fmt.Errorf("encode state record: %w", err)
		}
		if _, err := f.writer.Write(data); err != nil {
			return fmt.Errorf("write state record: %w", err)
		}
		if err := f.writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
		if err := f.writer.Flush(); err != nil {
			return fmt.Errorf("flush state file: %w", err)
		}
	}

	f.apply(ops)
	return nil
}

// Compact rewrites the log as a snapshot of the live keys, one key per
// line, and drops the bytes of everything deleted since the last rewrite.
func (f *FileStore) Compact(ctx context.Context) error {
	if !f.persist {
		return nil
	}

	f.txMu.Lock()
	defer f.txMu.Unlock()
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	tmpPath := f.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create compacted state file: %w", err)
	}
	w := bufio.NewWriterSize(tmp, 64*1024)

	enc := json.NewEncoder(w)
	for _, ns := range Namespaces {
		err := f.MemoryStore.Iterate(ctx, ns, func(key string, value []byte) error {
			return enc.Encode(fileRecord{Ops: []op{{NS: ns, Key: key, Value: value}}})
		})
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("compact namespace %s: %w", ns, err)
		}
	}

	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("flush compacted state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync compacted state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close compacted state file: %w", err)
	}

	if err := f.file.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return f.openWriter()
}

// Flush writes any buffered data to the underlying file.
func (f *FileStore) Flush() error {
	if !f.persist || f.writer == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileStore) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if f.writer != nil {
		if err := f.writer.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush state file: %w", err)
		}
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil

	return firstErr
}
