package store

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/lvbealr/leechd/internal/logging"
	"github.com/lvbealr/leechd/internal/metainfo"
)

func testInfo(pieceLength, totalLength int64, hashes [][]byte) *metainfo.Info {
	var pieces []byte
	for _, h := range hashes {
		pieces = append(pieces, h...)
	}
	numPieces := (totalLength + pieceLength - 1) / pieceLength
	return &metainfo.Info{
		Name:        "out.bin",
		TotalLength: totalLength,
		PieceLength: pieceLength,
		NumPieces:   int(numPieces),
		PieceHashes: pieces,
	}
}

func piecePayload(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

// TestOpenCompleteOnOpen implements scenario 1 of spec.md §8: a finished
// file on disk means the torrent opens with missing == empty.
func TestOpenCompleteOnOpen(t *testing.T) {
	dir := t.TempDir()

	piece0 := piecePayload(4, 0xAA)
	piece1 := piecePayload(4, 0xBB)
	h0 := sha1.Sum(piece0)
	h1 := sha1.Sum(piece1)
	info := testInfo(4, 8, [][]byte{h0[:], h1[:]})

	full := append(append([]byte{}, piece0...), piece1...)
	if err := os.WriteFile(filepath.Join(dir, "out.bin"), full, 0644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}

	s, have, missing, err := Open(dir, info, logging.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if len(missing) != 0 {
		t.Fatalf("missing = %v, want empty for a complete file", missing)
	}
	if have.Count() != 2 {
		t.Fatalf("have.Count() = %d, want 2", have.Count())
	}
	if !s.Complete() {
		t.Fatalf("expected store to report Complete()")
	}
}

// TestOpenCreatesDownloadFile covers the neither-exists branch: a fresh
// .download file of the right size with everything in missing.
func TestOpenCreatesDownloadFile(t *testing.T) {
	dir := t.TempDir()
	piece0 := piecePayload(4, 0xAA)
	h0 := sha1.Sum(piece0)
	info := testInfo(4, 4, [][]byte{h0[:]})

	s, have, missing, err := Open(dir, info, logging.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if !have.IsEmpty() {
		t.Fatalf("have should start empty for a fresh download")
	}
	if len(missing) != 1 || missing[0] != 0 {
		t.Fatalf("missing = %v, want [0]", missing)
	}

	fi, err := os.Stat(filepath.Join(dir, "out.bin.download"))
	if err != nil {
		t.Fatalf("expected a .download file to be created: %v", err)
	}
	if fi.Size() != 4 {
		t.Fatalf("download file size = %d, want 4", fi.Size())
	}
}

// TestResumeScanSplitsGoodAndBadPieces implements the resume-scan
// invariant: a partially-written .download file yields have/missing
// split by per-piece SHA-1 verification.
func TestResumeScanSplitsGoodAndBadPieces(t *testing.T) {
	dir := t.TempDir()

	piece0 := piecePayload(4, 0xAA)
	piece1 := piecePayload(4, 0xBB)
	h0 := sha1.Sum(piece0)
	h1 := sha1.Sum(piece1)
	info := testInfo(4, 8, [][]byte{h0[:], h1[:]})

	// Piece 0 correct, piece 1 corrupted.
	onDisk := append(append([]byte{}, piece0...), piecePayload(4, 0xFF)...)
	if err := os.WriteFile(filepath.Join(dir, "out.bin.download"), onDisk, 0644); err != nil {
		t.Fatalf("writing fixture download file: %v", err)
	}

	s, have, missing, err := Open(dir, info, logging.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if !have.IsSet(0) {
		t.Fatalf("piece 0 should verify and be marked have")
	}
	if have.IsSet(1) {
		t.Fatalf("piece 1 should fail verification")
	}
	if len(missing) != 1 || missing[0] != 1 {
		t.Fatalf("missing = %v, want [1]", missing)
	}
}

func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	piece0 := piecePayload(4, 0xAA)
	h0 := sha1.Sum(piece0)
	info := testInfo(4, 4, [][]byte{h0[:]})

	s, _, _, err := Open(dir, info, logging.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Write(0, piece0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read(0, 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(piece0) {
		t.Fatalf("Read() = %v, want %v", got, piece0)
	}
}
