// Package tracker implements the HTTP tracker announce described in
// spec.md §4.2: a GET request carrying info_hash/peer_id/port/uploaded/
// downloaded/left/compact/event, and a bencoded response in either
// compact or dict-list peer form.
package tracker

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"

	"github.com/lvbealr/leechd/internal/logging"
)

// ErrTrackerFailure wraps a transient announce failure: non-200 status,
// a bencode decode error, or a "failure reason" key in the response. The
// caller is expected to retry at the next scheduled tick.
var ErrTrackerFailure = errors.New("tracker: announce failed")

// DefaultRetryInterval is used when a response carries no positive
// interval, whatever its peer list (spec.md §9 Open Questions).
const DefaultRetryInterval = 30 * time.Second

// Event is the tracker announce event parameter.
type Event string

const (
	EventStarted Event = "started"
	EventStopped Event = "stopped"
	EventEmpty   Event = ""
)

// AnnounceRequest carries every field needed to build the GET query.
type AnnounceRequest struct {
	URL        string
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
}

// rawResponse mirrors the bencoded tracker reply. Peers may arrive either
// compact (a packed byte string) or as a list of {ip, port} dicts, so the
// field is decoded into interface{} and resolved by decodePeers once the
// runtime shape is known, rather than by two struct fields competing for
// the same "peers" key.
type rawResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int         `bencode:"interval"`
	Peers         interface{} `bencode:"peers"`
}

// Response is the normalized tracker reply.
type Response struct {
	Interval time.Duration
	Peers    []Peer // decoded from either peers form, in tracker order; duplicates are kept
}

// Peer is one tracker-advertised remote endpoint.
type Peer struct {
	IP   string
	Port uint16
}

// Client issues HTTP announce requests.
type Client struct {
	HTTP *http.Client
	log  *logging.Logger
}

// NewClient builds a Client with a bounded request timeout.
func NewClient(log *logging.Logger) *Client {
	return &Client{
		HTTP: &http.Client{Timeout: 15 * time.Second},
		log:  log,
	}
}

// Announce performs one HTTP GET against req.URL and returns the
// normalized response. Any failure is wrapped in ErrTrackerFailure.
func (c *Client) Announce(req AnnounceRequest) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing announce URL %q: %v", ErrTrackerFailure, req.URL, err)
	}

	q := url.Values{}
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(req.Port))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if req.Event != EventEmpty {
		q.Set("event", string(req.Event))
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrTrackerFailure, err)
	}
	httpReq.Header.Set("User-Agent", "leechd/1.0")

	c.log.Info("announcing to %s (event=%q)", u.Host, req.Event)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrackerFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrTrackerFailure, resp.StatusCode)
	}

	var raw rawResponse
	if err := bencode.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrTrackerFailure, err)
	}
	if raw.FailureReason != "" {
		return nil, fmt.Errorf("%w: %s", ErrTrackerFailure, raw.FailureReason)
	}

	out := &Response{}
	if raw.Interval > 0 {
		out.Interval = time.Duration(raw.Interval) * time.Second
	} else {
		out.Interval = DefaultRetryInterval
	}

	peers, err := decodePeers(raw.Peers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrackerFailure, err)
	}
	out.Peers = peers

	return out, nil
}

// decodePeers resolves the "peers" field's runtime shape — a packed
// compact byte string, a list of {ip, port} dicts, or absent — into a
// normalized peer slice, per spec.md §4.2's "accept either form".
func decodePeers(field interface{}) ([]Peer, error) {
	switch v := field.(type) {
	case nil:
		return nil, nil

	case string:
		return decodeCompactPeers([]byte(v))

	case []interface{}:
		peers := make([]Peer, 0, len(v))
		for _, entry := range v {
			dict, ok := entry.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("peers list entry has unexpected type %T", entry)
			}
			ip, _ := dict["ip"].(string)
			port, err := toPort(dict["port"])
			if err != nil {
				return nil, err
			}
			peers = append(peers, Peer{IP: ip, Port: port})
		}
		return peers, nil

	default:
		return nil, fmt.Errorf("peers field has unexpected type %T", field)
	}
}

// toPort coerces a bencode-decoded integer (int64 from bencode-go's
// interface{} decode path) down to a uint16 port.
func toPort(v interface{}) (uint16, error) {
	switch p := v.(type) {
	case int64:
		return uint16(p), nil
	case int:
		return uint16(p), nil
	default:
		return 0, fmt.Errorf("peers list entry has non-integer port %T", v)
	}
}

// decodeCompactPeers unpacks the 6-bytes-per-peer compact form (4 IP
// bytes, 2 big-endian port bytes).
func decodeCompactPeers(b []byte) ([]Peer, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("invalid compact peers length %d (must be multiple of 6)", len(b))
	}
	var peers []Peer
	for i := 0; i < len(b); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", b[i], b[i+1], b[i+2], b[i+3])
		port := uint16(b[i+4])<<8 | uint16(b[i+5])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}

// ParseCompactPeers exposes the compact-form decoder directly, used by
// tests (scenario 6 of spec.md §8).
func ParseCompactPeers(raw []byte) ([]Peer, error) {
	return decodeCompactPeers(raw)
}
