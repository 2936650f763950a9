// Package peerid mints the 20-byte Azureus-style client identifier sent
// in the handshake and the tracker announce.
package peerid

import (
	"github.com/google/uuid"
)

// Prefix identifies this client in the Azureus peer-id convention:
// "-" + 2-letter client code + 4-digit version + "-".
const Prefix = "-LD0001-"

// New mints a 20-byte peer id: Prefix followed by random bytes drawn from
// a UUIDv4, trimmed to fill out the remaining length.
func New() [20]byte {
	var out [20]byte
	copy(out[:], Prefix)

	tail := uuid.New()
	copy(out[len(Prefix):], tail[:20-len(Prefix)])
	return out
}

// String renders id as a raw 20-byte string, the form the tracker and
// handshake both expect.
func String(id [20]byte) string {
	return string(id[:])
}
