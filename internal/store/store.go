// Package store implements the on-disk piece store: a sparse file backing
// a single-file torrent, with piece-granularity hash verification and
// crash-safe resume.
package store

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"

	"github.com/lvbealr/leechd/internal/bitset"
	"github.com/lvbealr/leechd/internal/logging"
	"github.com/lvbealr/leechd/internal/metainfo"
)

// ErrIOFailure wraps a write error, which is fatal to the owning
// coordinator: the .download file is left in place for the next run's
// resume scan rather than being cleaned up.
var ErrIOFailure = errors.New("store: I/O failure")

// Store provides byte-addressable access to the target file plus
// piece-level hash verification.
type Store struct {
	info     *metainfo.Info
	file     *os.File
	complete bool // true: opened the finished file read-only
	log      *logging.Logger
}

// downloadSuffix marks the in-progress file; the finished file carries no
// suffix at all.
const downloadSuffix = ".download"

// Open implements the resume logic of spec.md §4.1:
//   - <name> exists with the right size            -> complete, read-only
//   - <name>.download exists with the right size    -> resume scan
//   - neither exists                                -> create <name>.download
func Open(dir string, info *metainfo.Info, log *logging.Logger) (*Store, *bitset.Set, []int, error) {
	finalPath := finalPath(dir, info.Name)
	downloadPath := finalPath + downloadSuffix

	if fi, err := os.Stat(finalPath); err == nil && fi.Size() == info.TotalLength {
		f, err := os.Open(finalPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: opening complete file: %w", err)
		}
		have := bitset.New(info.NumPieces)
		for i := 0; i < info.NumPieces; i++ {
			have.Set(i)
		}
		s := &Store{info: info, file: f, complete: true, log: log}
		return s, have, nil, nil
	}

	if fi, err := os.Stat(downloadPath); err == nil && fi.Size() == info.TotalLength {
		f, err := os.OpenFile(downloadPath, os.O_RDWR, 0644)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: opening download file: %w", err)
		}
		s := &Store{info: info, file: f, log: log}
		have, missing, err := s.resumeScan()
		if err != nil {
			f.Close()
			return nil, nil, nil, err
		}
		return s, have, missing, nil
	}

	f, err := os.Create(downloadPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("store: creating download file: %w", err)
	}
	if err := f.Truncate(info.TotalLength); err != nil {
		f.Close()
		return nil, nil, nil, fmt.Errorf("store: truncating download file: %w", err)
	}

	s := &Store{info: info, file: f, log: log}
	have := bitset.New(info.NumPieces)
	missing := make([]int, info.NumPieces)
	for i := range missing {
		missing[i] = i
	}
	return s, have, missing, nil
}

func finalPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + string(os.PathSeparator) + name
}

// resumeScan re-verifies every piece's SHA-1 against the published hash,
// building the initial have/missing split for a partially downloaded file.
func (s *Store) resumeScan() (*bitset.Set, []int, error) {
	have := bitset.New(s.info.NumPieces)
	var missing []int

	for i := 0; i < s.info.NumPieces; i++ {
		length := s.info.PieceLen(i)
		data, err := s.Read(s.info.PieceOffset(i), length)
		if err != nil {
			return nil, nil, fmt.Errorf("store: resume scan reading piece %d: %w", i, err)
		}
		sum := sha1.Sum(data)
		if sum == s.info.PieceSHA(i) {
			have.Set(i)
		} else {
			missing = append(missing, i)
			s.log.Info("resume: piece %d failed verification, queued for re-download", i)
		}
	}
	return have, missing, nil
}

// Read performs a positional read of length bytes at offset.
func (s *Store) Read(offset int64, length int64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := s.file.ReadAt(buf, offset)
	if err != nil && n != len(buf) {
		return nil, fmt.Errorf("store: read at %d (%d bytes): %w", offset, length, err)
	}
	return buf, nil
}

// Write performs a positional write of data at offset. Failure here is
// reported as ErrIOFailure, which the coordinator treats as fatal.
func (s *Store) Write(offset int64, data []byte) error {
	if s.complete {
		return nil // read-only store: torrent was already complete on open
	}
	if _, err := s.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("%w: writing %d bytes at %d: %v", ErrIOFailure, len(data), offset, err)
	}
	return nil
}

// PieceOffset, PieceLen, PieceSHA forward to the Info for convenience at
// call sites that only hold a *Store.
func (s *Store) PieceOffset(i int) int64     { return s.info.PieceOffset(i) }
func (s *Store) PieceLen(i int) int64        { return s.info.PieceLen(i) }
func (s *Store) PieceSHA(i int) [20]byte     { return s.info.PieceSHA(i) }

// Complete reports whether the store was opened already-finished.
func (s *Store) Complete() bool { return s.complete }

// Close releases the underlying file handle.
func (s *Store) Close() error { return s.file.Close() }

// Finalize renames the in-progress file to its final name once every
// piece has been verified. A no-op if the store was opened already
// complete.
func (s *Store) Finalize(dir string) error {
	if s.complete {
		return nil
	}
	finalName := finalPath(dir, s.info.Name)
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("store: closing download file: %w", err)
	}
	if err := os.Rename(finalName+downloadSuffix, finalName); err != nil {
		return fmt.Errorf("store: finalizing %q: %w", finalName, err)
	}
	f, err := os.Open(finalName)
	if err != nil {
		return fmt.Errorf("store: reopening finalized file: %w", err)
	}
	s.file = f
	s.complete = true
	return nil
}
