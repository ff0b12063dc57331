package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	xerrors "mechx/internal/errors"
)

// FileRepository appends records as JSON lines and keeps an index in
// memory. Later lines for the same request id win on reload.
type FileRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  map[string]Record
	order    []string
	lines    int
}

// NewFileRepository opens or creates requests.jsonl under dataDir. A file
// dominated by superseded lines is compacted on open.
func NewFileRepository(dataDir string) (*FileRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create journal directory")
	}
	repo := &FileRepository{
		dataFile: filepath.Join(dataDir, "requests.jsonl"),
		records:  make(map[string]Record),
	}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	if repo.needsCompaction() {
		if _, err := repo.Compact(time.Now()); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

// Save implements Repository.
func (f *FileRepository) Save(_ context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "open journal")
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, rec := range records {
		encoded, err := json.Marshal(rec)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode journal record")
		}
		if _, err := w.Write(append(encoded, '\n')); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write journal")
		}
	}
	if err := w.Flush(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write journal")
	}
	for _, rec := range records {
		f.put(rec)
	}
	f.lines += len(records)
	return nil
}

// Get implements Repository.
func (f *FileRepository) Get(_ context.Context, requestID string) (Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.records[requestID]
	if !ok {
		return Record{}, notFound(requestID)
	}
	return rec, nil
}

// ListLatest implements Repository; newest first.
func (f *FileRepository) ListLatest(_ context.Context, limit int) ([]Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if limit <= 0 || limit > len(f.order) {
		limit = len(f.order)
	}
	out := make([]Record, 0, limit)
	for i := len(f.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.records[f.order[i]])
	}
	return out, nil
}

// Close implements Repository.
func (f *FileRepository) Close() error { return nil }

func (f *FileRepository) put(rec Record) {
	if prev, ok := f.records[rec.RequestID]; ok {
		if rec.CreatedAt == 0 {
			rec.CreatedAt = prev.CreatedAt
		}
		f.removeFromOrder(rec.RequestID)
	}
	f.records[rec.RequestID] = rec
	f.order = append(f.order, rec.RequestID)
}

func (f *FileRepository) removeFromOrder(id string) {
	for i, v := range f.order {
		if v == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			return
		}
	}
}

func (f *FileRepository) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "read journal")
	}
	defer file.Close()

	restored, err := readLines(file)
	if err != nil {
		return err
	}
	f.lines = len(restored)
	sort.SliceStable(restored, func(i, j int) bool { return restored[i].UpdatedAt < restored[j].UpdatedAt })
	for _, rec := range restored {
		f.put(rec)
	}
	return nil
}

func readLines(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var out []Record
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || rec.RequestID == "" {
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "parse journal")
	}
	return out, nil
}
