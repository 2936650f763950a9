// Package metainfo parses single-file .torrent metadata and derives the
// swarm-identifying info-hash from the raw bencoded info dictionary.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/jackpal/bencode-go"
)

// ErrMalformed wraps any failure to decode or validate a .torrent file:
// missing keys, a non-integer length, or a pieces string whose length is
// not a multiple of 20.
var ErrMalformed = errors.New("metainfo: malformed torrent file")

const hashLen = 20

// rawTorrent mirrors the bencoded root dictionary of a .torrent file.
// Multi-file torrents (the "files" key) are out of scope; only single-file
// torrents via "info.length" are accepted.
type rawTorrent struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         rawInfo    `bencode:"info"`
}

type rawInfo struct {
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length"`
}

// Info is the immutable, derived-once metadata for a single torrent.
type Info struct {
	InfoHash     [hashLen]byte
	TrackerURL   string
	AnnounceList [][]string
	Name         string
	TotalLength  int64
	PieceLength  int64
	NumPieces    int
	PieceHashes  []byte // concatenation of NumPieces 20-byte SHA-1 digests
}

// Load reads and parses the .torrent file at path, computing its info-hash
// from the exact bencoded bytes of the "info" dictionary as found in the
// source file (not a re-encoding), so hand-ordered or unusual torrents
// still hash correctly.
func Load(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading %q: %w", path, err)
	}

	var raw rawTorrent
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("%w: decoding %q: %v", ErrMalformed, path, err)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	hash := sha1.Sum(infoBytes)

	if raw.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: non-positive piece length", ErrMalformed)
	}
	if raw.Info.Length <= 0 {
		return nil, fmt.Errorf("%w: non-positive length", ErrMalformed)
	}
	if len(raw.Info.Pieces)%hashLen != 0 {
		return nil, fmt.Errorf("%w: pieces length %d not a multiple of %d", ErrMalformed, len(raw.Info.Pieces), hashLen)
	}
	if raw.Info.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrMalformed)
	}

	numPieces := (raw.Info.Length + raw.Info.PieceLength - 1) / raw.Info.PieceLength
	if int64(len(raw.Info.Pieces)/hashLen) != numPieces {
		return nil, fmt.Errorf("%w: piece hash count %d does not match expected %d pieces",
			ErrMalformed, len(raw.Info.Pieces)/hashLen, numPieces)
	}

	return &Info{
		InfoHash:     hash,
		TrackerURL:   raw.Announce,
		AnnounceList: raw.AnnounceList,
		Name:         raw.Info.Name,
		TotalLength:  raw.Info.Length,
		PieceLength:  raw.Info.PieceLength,
		NumPieces:    int(numPieces),
		PieceHashes:  []byte(raw.Info.Pieces),
	}, nil
}

// PieceOffset returns the byte offset of piece i within the logical file.
func (m *Info) PieceOffset(i int) int64 {
	return int64(i) * m.PieceLength
}

// PieceLen returns the length of piece i: PieceLength for every piece but
// the last, and the remainder (or a full PieceLength if it divides evenly)
// for the last.
func (m *Info) PieceLen(i int) int64 {
	if i < m.NumPieces-1 {
		return m.PieceLength
	}
	last := m.TotalLength % m.PieceLength
	if last == 0 {
		return m.PieceLength
	}
	return last
}

// PieceSHA returns the published 20-byte SHA-1 digest for piece i.
func (m *Info) PieceSHA(i int) [hashLen]byte {
	var out [hashLen]byte
	copy(out[:], m.PieceHashes[hashLen*i:hashLen*(i+1)])
	return out
}

// extractInfoBytes locates the "4:info" key in the raw bencoded file and
// returns the exact byte range of its value, without re-encoding it.
// Rather than tracking container depth with a counter over a flat scan,
// it recurses one bencode value at a time (skipBencodeValue below); a
// dict or list value is simply the span covering however many child
// values it recursively skips before its closing "e".
func extractInfoBytes(data []byte) ([]byte, error) {
	key := []byte("4:info")
	keyAt := bytes.Index(data, key)
	if keyAt < 0 {
		return nil, fmt.Errorf("no %q key found", key)
	}

	valueStart := keyAt + len(key)
	valueEnd, err := skipBencodeValue(data, valueStart)
	if err != nil {
		return nil, err
	}
	return data[valueStart:valueEnd], nil
}

// skipBencodeValue reports the index just past the single bencode value
// (integer, byte string, list, or dict) starting at pos.
func skipBencodeValue(data []byte, pos int) (int, error) {
	if pos >= len(data) {
		return 0, fmt.Errorf("unexpected end of data at byte %d", pos)
	}

	switch {
	case data[pos] == 'i':
		rel := bytes.IndexByte(data[pos+1:], 'e')
		if rel < 0 {
			return 0, fmt.Errorf("unterminated integer at byte %d", pos)
		}
		return pos + 1 + rel + 1, nil

	case data[pos] == 'd' || data[pos] == 'l':
		cursor := pos + 1
		for cursor < len(data) && data[cursor] != 'e' {
			next, err := skipBencodeValue(data, cursor)
			if err != nil {
				return 0, err
			}
			cursor = next
		}
		if cursor >= len(data) {
			return 0, fmt.Errorf("unterminated %q starting at byte %d", string(data[pos]), pos)
		}
		return cursor + 1, nil

	case data[pos] >= '0' && data[pos] <= '9':
		colon := bytes.IndexByte(data[pos:], ':')
		if colon < 0 {
			return 0, fmt.Errorf("malformed string length at byte %d", pos)
		}
		colon += pos
		length, err := strconv.Atoi(string(data[pos:colon]))
		if err != nil {
			return 0, fmt.Errorf("invalid string length at byte %d: %w", pos, err)
		}
		end := colon + 1 + length
		if end > len(data) {
			return 0, fmt.Errorf("string at byte %d overruns buffer", pos)
		}
		return end, nil

	default:
		return 0, fmt.Errorf("unexpected byte %q at %d", data[pos], pos)
	}
}
