package coordinator

import (
	"net"
	"strconv"
	"time"

	"github.com/lvbealr/leechd/internal/peer"
	"github.com/lvbealr/leechd/internal/tracker"
)

// trackerRetryInterval is the minimum backoff after a transient
// announce failure (spec.md §7).
const trackerRetryInterval = 30 * time.Second

const handshakeTimeout = 5 * time.Second

// announceTrackers collects every distinct tracker URL named in the
// torrent's announce / announce-list.
func (c *Coordinator) announceTrackers() []string {
	seen := map[string]struct{}{}
	var urls []string

	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}

	add(c.info.TrackerURL)
	for _, tier := range c.info.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	return urls
}

// announce performs one announce round across every tracker URL,
// connects to every newly-seen peer address, and returns the delay
// until the next round.
func (c *Coordinator) announce(first bool) time.Duration {
	event := tracker.EventEmpty
	if first {
		event = tracker.EventStarted
	}

	left := c.exactBytesLeft()
	urls := c.announceTrackers()
	if len(urls) == 0 {
		c.log.Error("%s: no trackers found in torrent", c.info.Name)
		return trackerRetryInterval
	}

	var (
		best    *tracker.Response
		succeed bool
	)

	for _, u := range urls {
		if !isHTTPURL(u) {
			continue // non-HTTP trackers (e.g. udp://) are out of scope
		}
		resp, err := c.trackerClient.Announce(tracker.AnnounceRequest{
			URL:        u,
			InfoHash:   c.info.InfoHash,
			PeerID:     c.peerID,
			Port:       c.cfg.ListenPort,
			Uploaded:   c.Uploaded(),
			Downloaded: c.DownloadedBytes(),
			Left:       left,
			Event:      event,
		})
		if err != nil {
			c.log.Fail("%s: tracker %s: %v", c.info.Name, u, err)
			continue
		}
		succeed = true
		c.connectToPeers(resp.Peers)
		if best == nil || resp.Interval < best.Interval {
			best = resp
		}
	}

	if !succeed {
		return trackerRetryInterval
	}
	if best.Interval <= 0 {
		return tracker.DefaultRetryInterval
	}
	return best.Interval
}

func isHTTPURL(u string) bool {
	return len(u) >= 7 && (u[:7] == "http://" || (len(u) >= 8 && u[:8] == "https://"))
}

// exactBytesLeft computes the "left" announce field as the exact sum of
// remaining piece lengths, refining the approximate |missing|*piece_length
// formula per spec.md §9's Open Question.
func (c *Coordinator) exactBytesLeft() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var left int64
	for i := range c.missing {
		left += c.info.PieceLen(i)
	}
	return left
}

// connectToPeers spawns one outbound handshake attempt per distinct,
// not-already-connected peer address.
func (c *Coordinator) connectToPeers(peers []tracker.Peer) {
	c.mu.Lock()
	var toDial []tracker.Peer
	seen := map[string]struct{}{}
	for _, p := range peers {
		addr := net.JoinHostPort(p.IP, strconv.Itoa(int(p.Port)))
		if _, exists := c.peers[addr]; exists {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		toDial = append(toDial, p)
	}
	c.mu.Unlock()

	for _, p := range toDial {
		go c.dialPeer(p)
	}
}

func (c *Coordinator) dialPeer(p tracker.Peer) {
	addr := net.JoinHostPort(p.IP, strconv.Itoa(int(p.Port)))
	conn, remoteID, err := peer.Dial(addr, c.info.InfoHash, c.peerID, handshakeTimeout)
	if err != nil {
		c.log.Fail("%s: handshake with %s: %v", c.info.Name, addr, err)
		return
	}
	c.NewPeer(conn, remoteID)
}
