// services/hub/internal/infrastructure/wal.go
package infrastructure

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	walEntryRecord = "record"
	walEntryAck    = "ack"
	walEntryRetry  = "retry"

	walMaxLineSize = 4 * 1024 * 1024
)

// WALEntry represents an entry in the write-ahead log.
type WALEntry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Retries   int             `json:"retries"`
}

// identified is implemented by payloads that carry their own id, so a record
// keeps the same id on the bus and in the log.
type identified interface {
	MessageID() string
}

// WAL is an append-only JSON-lines log. Acknowledgements and failed delivery
// attempts are appended as marker lines and folded in when the log is read.
type WAL struct {
	path        string
	file        *os.File
	mu          sync.Mutex
	compactSize int64
	currentSize int64
	maxRetries  int
}

// NewWAL creates a new write-ahead log.
func NewWAL(path string) (*WAL, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	return &WAL{
		path:        path,
		file:        file,
		currentSize: stat.Size(),
		compactSize: 100 * 1024 * 1024, // 100MB
		maxRetries:  5,
	}, nil
}

// Write adds a record to the WAL and syncs it to disk.
func (w *WAL) Write(data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal WAL record: %w", err)
	}

	id := uuid.New().String()
	if v, ok := data.(identified); ok && v.MessageID() != "" {
		id = v.MessageID()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.append(WALEntry{ID: id, Timestamp: time.Now().UTC(), Type: walEntryRecord, Data: raw}); err != nil {
		return err
	}

	if w.currentSize > w.compactSize {
		if err := w.compact(); err != nil {
			return fmt.Errorf("failed to compact WAL: %w", err)
		}
	}
	return nil
}

// Pending returns records that are neither acknowledged nor out of retries,
// oldest first, with their accumulated retry counts.
func (w *WAL) Pending() ([]WALEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	records, err := w.fold()
	if err != nil {
		return nil, err
	}

	pending := make([]WALEntry, 0, len(records))
	for _, entry := range records {
		if entry.Retries < w.maxRetries {
			pending = append(pending, entry)
		}
	}
	return pending, nil
}

// Remove acknowledges delivered records. They are dropped at the next compaction.
func (w *WAL) Remove(ids ...string) error {
	return w.mark(walEntryAck, ids)
}

// MarkFailed records one more failed delivery attempt for each id.
func (w *WAL) MarkFailed(ids ...string) error {
	return w.mark(walEntryRetry, ids)
}

func (w *WAL) mark(entryType string, ids []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now().UTC()
	for _, id := range ids {
		if err := w.append(WALEntry{ID: id, Timestamp: now, Type: entryType}); err != nil {
			return err
		}
	}
	return nil
}

// Compact rewrites the log keeping only pending records.
func (w *WAL) Compact() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.compact()
}

func (w *WAL) append(entry WALEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal WAL entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	w.currentSize += int64(len(line))
	return nil
}

// fold replays the log into its live records, in write order.
func (w *WAL) fold() ([]WALEntry, error) {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek WAL: %w", err)
	}

	var (
		order   []string
		records = make(map[string]*WALEntry)
	)
	scanner := bufio.NewScanner(w.file)
	scanner.Buffer(make([]byte, 64*1024), walMaxLineSize)

	for scanner.Scan() {
		var entry WALEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// Skip corrupted entries
			continue
		}

		switch entry.Type {
		case walEntryRecord:
			if _, seen := records[entry.ID]; !seen {
				order = append(order, entry.ID)
			}
			e := entry
			records[entry.ID] = &e
		case walEntryAck:
			delete(records, entry.ID)
		case walEntryRetry:
			if r, ok := records[entry.ID]; ok {
				r.Retries++
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read WAL: %w", err)
	}

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("failed to seek to end of WAL: %w", err)
	}

	live := make([]WALEntry, 0, len(records))
	for _, id := range order {
		if r, ok := records[id]; ok {
			live = append(live, *r)
			delete(records, id)
		}
	}
	return live, nil
}

func (w *WAL) compact() error {
	live, err := w.fold()
	if err != nil {
		return err
	}

	tempPath := w.path + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp WAL file: %w", err)
	}
	defer tempFile.Close()

	writer := bufio.NewWriter(tempFile)
	newSize := int64(0)

	// Records out of retries are kept so an operator can still inspect them.
	for _, entry := range live {
		line, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal WAL entry: %w", err)
		}
		line = append(line, '\n')
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("failed to write to temp WAL: %w", err)
		}
		newSize += int64(len(line))
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush temp WAL: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp WAL: %w", err)
	}

	w.file.Close()

	if err := os.Rename(tempPath, w.path); err != nil {
		return fmt.Errorf("failed to replace WAL file: %w", err)
	}

	w.file, err = os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen WAL file: %w", err)
	}

	w.currentSize = newSize
	return nil
}

// Close closes the WAL.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL before closing: %w", err)
		}
		return w.file.Close()
	}
	return nil
}

// Stats returns WAL statistics.
func (w *WAL) Stats() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	return map[string]interface{}{
		"path":         w.path,
		"size":         w.currentSize,
		"compact_size": w.compactSize,
	}
}
