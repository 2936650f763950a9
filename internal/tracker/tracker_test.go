package tracker

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackpal/bencode-go"

	"github.com/lvbealr/leechd/internal/logging"
)

// TestParseCompactPeers implements scenario 6 of spec.md §8: the raw
// bytes 0x0A 0x00 0x00 0x01 0x1A 0xE1 decode to 10.0.0.1:6881.
func TestParseCompactPeers(t *testing.T) {
	raw := []byte{0x0A, 0x00, 0x00, 0x01, 0x1A, 0xE1}
	peers, err := ParseCompactPeers(raw)
	if err != nil {
		t.Fatalf("ParseCompactPeers: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("len(peers) = %d, want 1", len(peers))
	}
	if peers[0].IP != "10.0.0.1" || peers[0].Port != 6881 {
		t.Fatalf("peer = %+v, want 10.0.0.1:6881", peers[0])
	}
}

func TestParseCompactPeersRejectsBadLength(t *testing.T) {
	if _, err := ParseCompactPeers([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected an error for a non-multiple-of-6 peers string")
	}
}

func TestAnnounceDecodesCompactResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"interval": int64(1800),
			"peers":    string([]byte{0x0A, 0x00, 0x00, 0x01, 0x1A, 0xE1}),
		}
		bencode.Marshal(w, resp)
	}))
	defer srv.Close()

	c := NewClient(logging.Default())
	resp, err := c.Announce(AnnounceRequest{
		URL:      srv.URL,
		InfoHash: [20]byte{1, 2, 3},
		PeerID:   [20]byte{4, 5, 6},
		Port:     6881,
		Left:     1000,
		Event:    EventStarted,
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if resp.Interval != 1800*time.Second {
		t.Fatalf("Interval = %v, want 1800s", resp.Interval)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].IP != "10.0.0.1" {
		t.Fatalf("Peers = %+v", resp.Peers)
	}
}

// TestAnnounceDecodesDictListResponse exercises the other peers shape
// through the real decode path (bencode.Unmarshal, not a hand-built
// rawResponse), since the two shapes are resolved by the same "peers"
// key at runtime rather than by distinct struct fields.
func TestAnnounceDecodesDictListResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"interval": int64(900),
			"peers": []interface{}{
				map[string]interface{}{"ip": "10.0.0.1", "port": int64(6881)},
				map[string]interface{}{"ip": "10.0.0.2", "port": int64(6882)},
			},
		}
		bencode.Marshal(w, resp)
	}))
	defer srv.Close()

	c := NewClient(logging.Default())
	resp, err := c.Announce(AnnounceRequest{URL: srv.URL, Event: EventStarted})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if resp.Interval != 900*time.Second {
		t.Fatalf("Interval = %v, want 900s", resp.Interval)
	}
	if len(resp.Peers) != 2 {
		t.Fatalf("len(Peers) = %d, want 2", len(resp.Peers))
	}
	if resp.Peers[0].IP != "10.0.0.1" || resp.Peers[0].Port != 6881 {
		t.Fatalf("Peers[0] = %+v, want 10.0.0.1:6881", resp.Peers[0])
	}
	if resp.Peers[1].IP != "10.0.0.2" || resp.Peers[1].Port != 6882 {
		t.Fatalf("Peers[1] = %+v, want 10.0.0.2:6882", resp.Peers[1])
	}
}

func TestAnnounceReportsFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{"failure reason": "unregistered torrent"}
		bencode.Marshal(w, resp)
	}))
	defer srv.Close()

	c := NewClient(logging.Default())
	_, err := c.Announce(AnnounceRequest{URL: srv.URL, Event: EventStarted})
	if err == nil {
		t.Fatalf("expected an error when the tracker reports a failure reason")
	}
}

func TestAnnounceMissingIntervalAndPeersDefaultsToRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		bencode.Marshal(&buf, map[string]interface{}{})
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	c := NewClient(logging.Default())
	resp, err := c.Announce(AnnounceRequest{URL: srv.URL})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if resp.Interval != DefaultRetryInterval {
		t.Fatalf("Interval = %v, want default %v", resp.Interval, DefaultRetryInterval)
	}
	if len(resp.Peers) != 0 {
		t.Fatalf("Peers = %+v, want none", resp.Peers)
	}
}
