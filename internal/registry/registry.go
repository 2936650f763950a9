// Package registry implements the process-global info_hash -> coordinator
// mapping used to deduplicate calls to download(path), guarded by a
// single mutex since readers are infrequent (spec.md §9).
package registry

import "sync"

// Handle is the minimal interface a coordinator exposes to the registry;
// kept narrow so this package has no import-cycle dependency on
// internal/coordinator.
type Handle interface {
	InfoHash() [20]byte
}

var (
	mu    sync.Mutex
	byHash = map[[20]byte]Handle{}
)

// Find returns the registered handle for infoHash, if any.
func Find(infoHash [20]byte) (Handle, bool) {
	mu.Lock()
	defer mu.Unlock()
	h, ok := byHash[infoHash]
	return h, ok
}

// Register inserts h under its info-hash. Registering the same info-hash
// twice replaces the previous entry; callers are expected to check Find
// first to preserve download(path)'s idempotence.
func Register(h Handle) {
	mu.Lock()
	defer mu.Unlock()
	byHash[h.InfoHash()] = h
}

// Remove deletes the entry for infoHash, called from a coordinator's
// terminate path.
func Remove(infoHash [20]byte) {
	mu.Lock()
	defer mu.Unlock()
	delete(byHash, infoHash)
}
