// Package peer implements the per-peer BitTorrent wire protocol state
// machine: handshake, length-prefixed framing, and the choke/interest/
// request/block/cancel message set of spec.md §4.3.
package peer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// BlockSize is the atomic unit of the wire protocol (2^14 bytes).
const BlockSize = 1 << 14

// MaxInflight bounds the number of outstanding block requests per peer.
const MaxInflight = 8

// MaxFrameSize rejects any frame larger than this as a protocol
// violation (spec.md §7).
const MaxFrameSize = 1 << 20

// ErrProtocolViolation covers an oversized frame, a too-short message
// payload, a bad handshake header, or an unexpected info-hash; the owning
// session closes itself in response. A short read off the socket is
// reported as the underlying I/O error, not as ErrProtocolViolation.
var ErrProtocolViolation = errors.New("peer: protocol violation")

// ID enumerates the in-scope message ids (spec.md §4.3 table).
type ID uint8

const (
	MsgChoke ID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
)

// Message is one parsed wire-protocol message. KeepAlive is represented
// as a nil *Message.
type Message struct {
	ID      ID
	Payload []byte
}

// RequestPayload is the (index, begin, length) triple shared by request
// and cancel messages.
type RequestPayload struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

func (r RequestPayload) encode() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], r.Index)
	binary.BigEndian.PutUint32(buf[4:8], r.Begin)
	binary.BigEndian.PutUint32(buf[8:12], r.Length)
	return buf
}

func decodeRequestPayload(b []byte) (RequestPayload, error) {
	if len(b) < 12 {
		return RequestPayload{}, fmt.Errorf("%w: request payload too short (%d bytes)", ErrProtocolViolation, len(b))
	}
	return RequestPayload{
		Index:  binary.BigEndian.Uint32(b[0:4]),
		Begin:  binary.BigEndian.Uint32(b[4:8]),
		Length: binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// NewRequestMessage builds a `request` message.
func NewRequestMessage(p RequestPayload) Message {
	return Message{ID: MsgRequest, Payload: p.encode()}
}

// NewCancelMessage builds a `cancel` message.
func NewCancelMessage(p RequestPayload) Message {
	return Message{ID: MsgCancel, Payload: p.encode()}
}

// NewHaveMessage builds a `have` message.
func NewHaveMessage(index int) Message {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(index))
	return Message{ID: MsgHave, Payload: buf}
}

// NewBitfieldMessage builds a `bitfield` message from a packed payload.
func NewBitfieldMessage(packed []byte) Message {
	return Message{ID: MsgBitfield, Payload: packed}
}

// NewBlockMessage builds a `piece` (block) message.
func NewBlockMessage(index, begin uint32, data []byte) Message {
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(buf[0:4], index)
	binary.BigEndian.PutUint32(buf[4:8], begin)
	copy(buf[8:], data)
	return Message{ID: MsgPiece, Payload: buf}
}

// DecodeHave extracts the piece index from a `have` message's payload.
func DecodeHave(payload []byte) (int, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("%w: have payload too short", ErrProtocolViolation)
	}
	return int(binary.BigEndian.Uint32(payload[0:4])), nil
}

// DecodeRequest extracts a request/cancel payload.
func DecodeRequest(payload []byte) (RequestPayload, error) {
	return decodeRequestPayload(payload)
}

// DecodeBlock splits a `piece` message's payload into its index, begin,
// and data.
func DecodeBlock(payload []byte) (index, begin uint32, data []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: piece payload too short (%d bytes)", ErrProtocolViolation, len(payload))
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	data = payload[8:]
	return index, begin, data, nil
}

// WriteMessage length-prefix-frames msg and writes it to w. A nil msg
// writes a keep-alive (zero-length frame).
func WriteMessage(w io.Writer, msg *Message) error {
	var buf bytes.Buffer
	if msg == nil {
		if err := binary.Write(&buf, binary.BigEndian, uint32(0)); err != nil {
			return err
		}
		_, err := w.Write(buf.Bytes())
		return err
	}

	length := uint32(len(msg.Payload) + 1)
	if err := binary.Write(&buf, binary.BigEndian, length); err != nil {
		return err
	}
	buf.WriteByte(byte(msg.ID))
	buf.Write(msg.Payload)
	_, err := w.Write(buf.Bytes())
	return err
}

// ReadMessage reads one length-prefixed frame from r. A zero-length
// frame (keep-alive) is reported by returning (nil, nil).
func ReadMessage(r io.Reader) (*Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds max %d", ErrProtocolViolation, length, MaxFrameSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}

	// Ignore message ids outside the in-scope set (forward compatible),
	// but still surface them so the session can decide to drop silently.
	return &Message{ID: ID(buf[0]), Payload: buf[1:]}, nil
}

// handshakeWireLen is the fixed 68-byte handshake size: 1 + 19 + 8 + 20 + 20.
const handshakeWireLen = 1 + 19 + 8 + 20 + 20

const protocolName = "BitTorrent protocol"

// Handshake is the 68-byte opening exchange of spec.md §4.3.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

func writeHandshake(w io.Writer, hs Handshake) error {
	buf := make([]byte, handshakeWireLen)
	buf[0] = byte(len(protocolName))
	copy(buf[1:20], protocolName)
	copy(buf[28:48], hs.InfoHash[:])
	copy(buf[48:68], hs.PeerID[:])
	_, err := w.Write(buf)
	return err
}

func readHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, handshakeWireLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("reading handshake: %w", err)
	}
	if buf[0] != byte(len(protocolName)) || string(buf[1:20]) != protocolName {
		return Handshake{}, fmt.Errorf("%w: unexpected protocol header", ErrProtocolViolation)
	}
	var hs Handshake
	copy(hs.InfoHash[:], buf[28:48])
	copy(hs.PeerID[:], buf[48:68])
	return hs, nil
}

// Dial opens a TCP connection to addr and performs the outbound
// handshake, validating the remote's echoed info-hash.
func Dial(addr string, infoHash, peerID [20]byte, timeout time.Duration) (net.Conn, [20]byte, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, [20]byte{}, fmt.Errorf("dialing %s: %w", addr, err)
	}

	conn.SetDeadline(time.Now().Add(timeout))
	if err := writeHandshake(conn, Handshake{InfoHash: infoHash, PeerID: peerID}); err != nil {
		conn.Close()
		return nil, [20]byte{}, fmt.Errorf("sending handshake to %s: %w", addr, err)
	}

	remote, err := readHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, [20]byte{}, err
	}
	if remote.InfoHash != infoHash {
		conn.Close()
		return nil, [20]byte{}, fmt.Errorf("%w: info-hash mismatch from %s", ErrProtocolViolation, addr)
	}
	conn.SetDeadline(time.Time{})

	return conn, remote.PeerID, nil
}

// Accept performs the responder side of the handshake on an already
// accepted connection, echoing our own peer id once the remote's
// info-hash is recognized by acceptInfoHash.
func Accept(conn net.Conn, myPeerID [20]byte, timeout time.Duration, acceptInfoHash func([20]byte) bool) ([20]byte, error) {
	conn.SetDeadline(time.Now().Add(timeout))
	remote, err := readHandshake(conn)
	if err != nil {
		return [20]byte{}, err
	}
	if !acceptInfoHash(remote.InfoHash) {
		return [20]byte{}, fmt.Errorf("%w: unknown info-hash from %s", ErrProtocolViolation, conn.RemoteAddr())
	}
	if err := writeHandshake(conn, Handshake{InfoHash: remote.InfoHash, PeerID: myPeerID}); err != nil {
		return [20]byte{}, fmt.Errorf("echoing handshake: %w", err)
	}
	conn.SetDeadline(time.Time{})
	return remote.PeerID, nil
}
