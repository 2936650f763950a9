// Package coordinator implements the per-torrent swarm coordinator of
// spec.md §4.2: piece bookkeeping, the have/missing split, the tracker
// announce loop, and broadcasting completed pieces to every live peer
// session.
package coordinator

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lvbealr/leechd/internal/bitset"
	"github.com/lvbealr/leechd/internal/logging"
	"github.com/lvbealr/leechd/internal/metainfo"
	"github.com/lvbealr/leechd/internal/peer"
	"github.com/lvbealr/leechd/internal/peerid"
	"github.com/lvbealr/leechd/internal/registry"
	"github.com/lvbealr/leechd/internal/store"
	"github.com/lvbealr/leechd/internal/tracker"
)

// Status is the terminal or running state of a Coordinator.
type Status int

const (
	StatusRunning Status = iota
	StatusComplete
	StatusFailed
)

// Config carries the ambient knobs a CLI or test harness supplies.
type Config struct {
	DownloadDir string
	ListenPort  int
	MaxPeers    int
}

// DefaultConfig returns sane defaults for a standalone leech.
func DefaultConfig() Config {
	return Config{DownloadDir: ".", ListenPort: 6881, MaxPeers: 50}
}

// mailbox event types; Coordinator.run processes exactly one at a time.
type downloadedMsg struct{ index int }
type newPeerMsg struct {
	conn   net.Conn
	peerID [20]byte
}
type peerExitedMsg struct{ addr string }
type trackerTickMsg struct{}
type fatalStoreErrMsg struct{ err error }

// Coordinator owns a single torrent's metadata, have/missing split, and
// the set of live PeerSessions, per spec.md §3.
type Coordinator struct {
	info   *metainfo.Info
	store  *store.Store
	cfg    Config
	log    *logging.Logger
	peerID [20]byte

	trackerClient *tracker.Client

	mailbox chan interface{}
	done    chan struct{}
	closeMu sync.Once

	mu      sync.Mutex // guards have/missing/peers; only the actor goroutine mutates, readers are external status queries
	have    *bitset.Set
	missing map[int]struct{}
	peers   map[string]*peer.Session // keyed by remote address

	uploaded   int64 // atomic
	downloaded int64 // atomic

	status   Status
	statusMu sync.RWMutex

	rngSeed int64 // base seed; each session derives its own rand.Rand
}

// Open implements download(path) of spec.md §4.2: idempotent by
// info-hash via the process-wide registry.
func Open(torrentPath string, cfg Config, log *logging.Logger) (*Coordinator, error) {
	info, err := metainfo.Load(torrentPath)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	if existing, ok := registry.Find(info.InfoHash); ok {
		if c, ok := existing.(*Coordinator); ok {
			return c, nil
		}
	}

	st, have, missing, err := store.Open(cfg.DownloadDir, info, log)
	if err != nil {
		return nil, fmt.Errorf("coordinator: opening piece store: %w", err)
	}

	missingSet := map[int]struct{}{}
	for _, i := range missing {
		missingSet[i] = struct{}{}
	}

	id := peerid.New()

	c := &Coordinator{
		info:          info,
		store:         st,
		cfg:           cfg,
		log:           log,
		peerID:        id,
		trackerClient: tracker.NewClient(log),
		mailbox:       make(chan interface{}, 256),
		done:          make(chan struct{}),
		have:          have,
		missing:       missingSet,
		peers:         map[string]*peer.Session{},
		rngSeed:       time.Now().UnixNano(),
	}

	if len(missingSet) == 0 {
		c.status = StatusComplete
	}

	registry.Register(c)
	go c.run()
	return c, nil
}

// InfoHash implements registry.Handle.
func (c *Coordinator) InfoHash() [20]byte { return c.info.InfoHash }

// Status reports the coordinator's current lifecycle state.
func (c *Coordinator) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

func (c *Coordinator) setStatus(s Status) {
	c.statusMu.Lock()
	c.status = s
	c.statusMu.Unlock()
}

// Progress reports completed/total piece counts for CLI progress output.
func (c *Coordinator) Progress() (completed, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info.NumPieces - len(c.missing), c.info.NumPieces
}

// Uploaded/DownloadedBytes expose the monotonic byte counters for tracker
// announces and CLI reporting.
func (c *Coordinator) Uploaded() int64        { return atomic.LoadInt64(&c.uploaded) }
func (c *Coordinator) DownloadedBytes() int64 { return atomic.LoadInt64(&c.downloaded) }

// AddUploaded/AddDownloaded implement peer.Coordinator; eventual
// consistency is sufficient per spec.md §5.
func (c *Coordinator) AddUploaded(n int64)   { atomic.AddInt64(&c.uploaded, n) }
func (c *Coordinator) AddDownloaded(n int64) { atomic.AddInt64(&c.downloaded, n) }

// Downloaded implements peer.Coordinator: a session reports that it has
// hash-verified and written piece index. Delivered through the mailbox
// so the have/missing mutation and the broadcast happen on the actor
// goroutine, serialized against concurrent sessions (spec.md §5).
func (c *Coordinator) Downloaded(index int) {
	select {
	case c.mailbox <- downloadedMsg{index: index}:
	case <-c.done:
	}
}

// FatalStoreError implements peer.Coordinator: a write failure is fatal
// to the whole torrent (spec.md §7).
func (c *Coordinator) FatalStoreError(err error) {
	select {
	case c.mailbox <- fatalStoreErrMsg{err: err}:
	case <-c.done:
	}
}

// NewPeer transfers ownership of an already-handshaked socket to the
// coordinator, which spawns and registers a PeerSession (spec.md §4.2).
func (c *Coordinator) NewPeer(conn net.Conn, remotePeerID [20]byte) {
	select {
	case c.mailbox <- newPeerMsg{conn: conn, peerID: remotePeerID}:
	case <-c.done:
		conn.Close()
	}
}

// Find is the registry lookup of spec.md §4.2.
func Find(infoHash [20]byte) (*Coordinator, bool) {
	h, ok := registry.Find(infoHash)
	if !ok {
		return nil, false
	}
	c, ok := h.(*Coordinator)
	return c, ok
}

// Wait blocks until the coordinator has shut down (complete or failed).
func (c *Coordinator) Wait() { <-c.done }

// terminate shuts the coordinator down, closing every session and
// removing it from the registry.
func (c *Coordinator) terminate(status Status) {
	c.setStatus(status)
	c.mu.Lock()
	peers := make([]*peer.Session, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}

	if status == StatusComplete {
		if err := c.store.Finalize(c.cfg.DownloadDir); err != nil {
			c.log.Error("finalizing %s: %v", c.info.Name, err)
		}
	} else {
		c.store.Close()
	}

	registry.Remove(c.info.InfoHash)
	c.closeMu.Do(func() { close(c.done) })
}

// run is the coordinator's actor loop: one message processed at a time.
func (c *Coordinator) run() {
	if c.status == StatusComplete {
		c.log.Info("%s: already complete on open", c.info.Name)
		c.terminate(StatusComplete)
		return
	}

	trackerTimer := time.NewTimer(0) // fire immediately for the initial "started" announce
	defer trackerTimer.Stop()
	first := true

	for {
		select {
		case <-c.done:
			return

		case ev := <-c.mailbox:
			c.handle(ev)
			if c.Status() != StatusRunning {
				c.terminate(c.Status())
				return
			}

		case <-trackerTimer.C:
			interval := c.announce(first)
			first = false
			trackerTimer.Reset(interval)
		}
	}
}

func (c *Coordinator) handle(ev interface{}) {
	switch e := ev.(type) {
	case downloadedMsg:
		c.onDownloaded(e.index)
	case newPeerMsg:
		c.onNewPeer(e.conn, e.peerID)
	case peerExitedMsg:
		c.mu.Lock()
		delete(c.peers, e.addr)
		c.mu.Unlock()
	case fatalStoreErrMsg:
		c.log.Error("%s: fatal store error, shutting down: %v", c.info.Name, e.err)
		c.setStatus(StatusFailed)
	case trackerTickMsg:
		// handled via trackerTimer directly; reserved for explicit
		// external nudges (e.g. a forced re-announce from the CLI).
	}
}

// onDownloaded applies a completed piece and broadcasts have(i) to every
// live session. A downloaded(i) for an index no longer in missing is
// ignored, making repeated reports idempotent (spec.md §5 & §8).
func (c *Coordinator) onDownloaded(index int) {
	c.mu.Lock()
	if _, stillMissing := c.missing[index]; !stillMissing {
		c.mu.Unlock()
		return
	}
	delete(c.missing, index)
	c.have.Set(index)
	done := len(c.missing) == 0
	peers := make([]*peer.Session, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	c.log.Info("%s: piece %d complete (%d/%d)", c.info.Name, index, c.info.NumPieces-len(c.missing), c.info.NumPieces)

	for _, p := range peers {
		p.NotifyHave(index)
	}

	if done {
		c.setStatus(StatusComplete)
	}
}

// onNewPeer spawns a PeerSession for an already-handshaked connection.
func (c *Coordinator) onNewPeer(conn net.Conn, remotePeerID [20]byte) {
	addr := conn.RemoteAddr().String()

	c.mu.Lock()
	if len(c.peers) >= c.cfg.MaxPeers {
		c.mu.Unlock()
		conn.Close()
		return
	}
	if _, exists := c.peers[addr]; exists {
		c.mu.Unlock()
		conn.Close()
		return
	}
	haveSnapshot := c.have.Clone()
	c.mu.Unlock()

	rng := rand.New(rand.NewSource(c.rngSeed ^ int64(len(addr))))
	sess := peer.New(conn, remotePeerID, c.info, c.store, c, haveSnapshot, c.log, rng)

	c.mu.Lock()
	c.peers[addr] = sess
	c.mu.Unlock()

	go func() {
		sess.Run()
		select {
		case c.mailbox <- peerExitedMsg{addr: addr}:
		case <-c.done:
		}
	}()
}
