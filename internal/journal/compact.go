package journal

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"

	xerrors "mechx/internal/errors"
)

// A file journal compacts itself on open once it holds at least
// compactMinLines lines and more than compactRatio lines per live record.
const (
	compactRatio    = 4
	compactMinLines = 1024
)

// Compact rewrites the journal with one line per request id and moves the
// previous file to a zstd compressed archive next to it. It returns the
// archive path, or "" when there was nothing to compact.
func (f *FileRepository) Compact(now time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lines <= len(f.order) {
		return "", nil
	}
	archive := filepath.Join(filepath.Dir(f.dataFile),
		"requests-"+strconv.FormatInt(now.UTC().Unix(), 10)+".jsonl.zst")
	if err := archiveZstd(f.dataFile, archive); err != nil {
		return "", err
	}

	tmp := f.dataFile + ".tmp"
	if err := f.writeSnapshot(tmp); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, f.dataFile); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "replace journal")
	}
	f.lines = len(f.order)
	return archive, nil
}

func (f *FileRepository) needsCompaction() bool {
	return f.lines >= compactMinLines && f.lines > compactRatio*len(f.order)
}

func (f *FileRepository) writeSnapshot(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create journal snapshot")
	}
	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, id := range f.order {
		if err := enc.Encode(f.records[id]); err != nil {
			file.Close()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write journal snapshot")
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write journal snapshot")
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "sync journal snapshot")
	}
	return file.Close()
}

func archiveZstd(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "open journal for archive")
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create journal archive")
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		out.Close()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "init zstd encoder")
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		_ = os.Remove(dst)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write journal archive")
	}
	if err := enc.Close(); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "flush journal archive")
	}
	return out.Close()
}

// ReadArchive decodes a compacted journal archive. Later lines for the same
// request id win, as in the live file.
func ReadArchive(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open journal archive")
	}
	defer file.Close()
	dec, err := zstd.NewReader(file)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "init zstd decoder")
	}
	defer dec.Close()
	return readLines(dec)
}
