package peer

import (
	"crypto/sha1"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/lvbealr/leechd/internal/bitset"
	"github.com/lvbealr/leechd/internal/logging"
	"github.com/lvbealr/leechd/internal/metainfo"
	"github.com/lvbealr/leechd/internal/store"
)

// Coordinator is the narrow surface a Session needs from its owning
// TorrentCoordinator: the downloaded(i) notification of spec.md §4.2 and
// the shared byte counters of spec.md §3.
type Coordinator interface {
	Downloaded(index int)
	AddUploaded(n int64)
	AddDownloaded(n int64)
	// FatalStoreError reports a write failure, fatal to the whole torrent
	// per spec.md §7 — the coordinator shuts down, leaving the
	// .download file in place for the next run's resume scan.
	FatalStoreError(err error)
}

// blockKey identifies one in-flight or queued block request.
type blockKey struct {
	Index uint32
	Begin uint32
}

// UploadBPS is the default per-session upload rate budget (128 KiB/s).
const UploadBPS = 128 * 1024

// allowanceInterval is how often the upload allowance is replenished.
const allowanceInterval = 10 * time.Second

// keepaliveMin/Max bound the randomised per-session keepalive timer.
const keepaliveMin = 5 * time.Second
const keepaliveMax = 15 * time.Second

// idleTimeout closes a session that has produced no frame at all for
// this long (spec.md §5: "a silent peer is eventually choked out").
const idleTimeout = 2 * time.Minute

// mailbox event types. Session.Run processes exactly one at a time,
// matching the single-threaded-actor model of spec.md §5.
type wireFrame struct {
	msg *Message // nil == keep-alive
	err error
}
type haveEvent struct{ index int }
type keepaliveTick struct{}
type allowanceTick struct{}

// Session is the per-TCP-connection actor implementing the wire protocol
// state machine of spec.md §4.3.
type Session struct {
	conn   net.Conn
	info   *metainfo.Info
	store  *store.Store
	coord  Coordinator
	log    *logging.Logger
	rng    *rand.Rand
	peerID [20]byte
	addr   string

	mailbox chan interface{}
	done    chan struct{}
	closeMu sync.Once

	iHave   *bitset.Set
	peerHas *bitset.Set
	want    map[int]struct{}

	imChoked        bool
	imInterested    bool
	peerIsChoked    bool
	peerIsInterested bool

	outQueue []RequestPayload
	inQueue  []RequestPayload
	inFlight map[blockKey]RequestPayload

	partialBlocks map[blockKey][]byte
	pieceBytes    map[uint32]int64 // running byte count per piece awaiting assembly

	uploadAllowance int64
	lastSeen        time.Time
}

// New constructs a Session. iHave is a snapshot of the coordinator's have
// set at session-creation time, owned exclusively by this Session from
// here on (spec.md §3: "updated on local completion" via NotifyHave).
func New(conn net.Conn, peerID [20]byte, info *metainfo.Info, st *store.Store, coord Coordinator, iHave *bitset.Set, log *logging.Logger, rng *rand.Rand) *Session {
	return &Session{
		conn:            conn,
		info:            info,
		store:           st,
		coord:           coord,
		log:             log,
		rng:             rng,
		peerID:          peerID,
		addr:            conn.RemoteAddr().String(),
		mailbox:         make(chan interface{}, 64),
		done:            make(chan struct{}),
		iHave:           iHave.Clone(),
		peerHas:         bitset.New(info.NumPieces),
		want:            map[int]struct{}{},
		imChoked:        true,
		peerIsChoked:    true,
		inFlight:        map[blockKey]RequestPayload{},
		partialBlocks:   map[blockKey][]byte{},
		pieceBytes:      map[uint32]int64{},
		uploadAllowance: int64(UploadBPS * allowanceInterval.Seconds()),
		lastSeen:        time.Now(),
	}
}

// Addr reports the remote endpoint, used by the coordinator's peers map
// and logging.
func (s *Session) Addr() string { return s.addr }

// NotifyHave is how the coordinator pushes a newly-completed piece to
// this session (spec.md §4.3, "Coordinator-driven event"). Safe to call
// from any goroutine; it is delivered through the mailbox like any other
// event.
func (s *Session) NotifyHave(index int) {
	select {
	case s.mailbox <- haveEvent{index: index}:
	case <-s.done:
	}
}

// Close tears down the session's connection; idempotent.
func (s *Session) Close() {
	s.closeMu.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Done reports the channel closed when the session has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run drives the session until the connection closes or a fatal
// protocol error occurs. It blocks the calling goroutine; callers
// typically invoke it via `go session.Run()`.
func (s *Session) Run() {
	defer s.Close()

	if !s.iHave.IsEmpty() {
		if err := WriteMessage(s.conn, ptr(NewBitfieldMessage(s.iHave.Bytes()))); err != nil {
			s.log.Fail("%s: sending initial bitfield: %v", s.addr, err)
			return
		}
	}

	readerErrs := make(chan struct{})
	go s.readLoop(readerErrs)

	keepalive := time.NewTimer(s.randomKeepaliveInterval())
	defer keepalive.Stop()
	allowance := time.NewTicker(allowanceInterval)
	defer allowance.Stop()

	s.runWorkLoop()

	for {
		select {
		case <-s.done:
			return
		case <-readerErrs:
			return
		case ev := <-s.mailbox:
			if !s.handleEvent(ev) {
				return
			}
			s.runWorkLoop()
		case <-keepalive.C:
			if time.Since(s.lastSeen) > idleTimeout {
				s.log.Info("%s: idle for %s, closing", s.addr, idleTimeout)
				return
			}
			if err := WriteMessage(s.conn, nil); err != nil {
				s.log.Fail("%s: sending keep-alive: %v", s.addr, err)
				return
			}
			keepalive.Reset(s.randomKeepaliveInterval())
		case <-allowance.C:
			if s.uploadAllowance < 0 {
				s.uploadAllowance = UploadBPS*int64(allowanceInterval.Seconds()) + s.uploadAllowance
			} else {
				s.uploadAllowance = UploadBPS * int64(allowanceInterval.Seconds())
			}
			if err := WriteMessage(s.conn, nil); err != nil {
				s.log.Fail("%s: sending keep-alive: %v", s.addr, err)
				return
			}
			s.runWorkLoop()
		}
	}
}

func (s *Session) randomKeepaliveInterval() time.Duration {
	span := keepaliveMax - keepaliveMin
	return keepaliveMin + time.Duration(s.rng.Int63n(int64(span)))
}

// readLoop decodes frames off the socket and forwards them to the
// mailbox, so a blocking socket read never stalls delivery of
// coordinator-origin events (spec.md §5).
func (s *Session) readLoop(done chan<- struct{}) {
	defer close(done)
	for {
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		msg, err := ReadMessage(s.conn)
		if err != nil {
			select {
			case s.mailbox <- wireFrame{err: err}:
			case <-s.done:
			}
			return
		}
		select {
		case s.mailbox <- wireFrame{msg: msg}:
		case <-s.done:
			return
		}
	}
}

// handleEvent processes exactly one mailbox event and reports whether
// the session should keep running.
func (s *Session) handleEvent(ev interface{}) bool {
	switch e := ev.(type) {
	case wireFrame:
		if e.err != nil {
			s.log.Info("%s: connection closed: %v", s.addr, e.err)
			return false
		}
		s.lastSeen = time.Now()
		if e.msg == nil {
			return true // keep-alive
		}
		return s.handleMessage(e.msg)
	case haveEvent:
		s.handleCoordinatorHave(e.index)
		return true
	}
	return true
}

func (s *Session) handleMessage(msg *Message) bool {
	switch msg.ID {
	case MsgChoke:
		s.imChoked = true
		for _, req := range s.inFlight {
			s.outQueue = append([]RequestPayload{req}, s.outQueue...)
		}
		s.inFlight = map[blockKey]RequestPayload{}

	case MsgUnchoke:
		s.imChoked = false

	case MsgInterested:
		s.peerIsInterested = true

	case MsgNotInterested:
		s.peerIsInterested = false

	case MsgBitfield:
		s.peerHas = bitset.FromBytes(msg.Payload, s.info.NumPieces)
		s.recomputeWant()

	case MsgHave:
		idx, err := DecodeHave(msg.Payload)
		if err != nil {
			s.log.Error("%s: %v", s.addr, err)
			return false
		}
		s.peerHas.Set(idx)
		if !s.iHave.IsSet(idx) {
			s.want[idx] = struct{}{}
		}

	case MsgRequest:
		req, err := DecodeRequest(msg.Payload)
		if err != nil {
			s.log.Error("%s: %v", s.addr, err)
			return false
		}
		if s.peerIsChoked {
			break // drop silently per spec.md §4.3
		}
		s.inQueue = append(s.inQueue, req)

	case MsgCancel:
		req, err := DecodeRequest(msg.Payload)
		if err != nil {
			s.log.Error("%s: %v", s.addr, err)
			return false
		}
		filtered := s.inQueue[:0]
		for _, q := range s.inQueue {
			if q != req {
				filtered = append(filtered, q)
			}
		}
		s.inQueue = filtered

	case MsgPiece:
		if !s.handleBlock(msg.Payload) {
			return false
		}

	default:
		// unknown ids are forward-compatible no-ops.
	}
	return true
}

func (s *Session) handleBlock(payload []byte) bool {
	index, begin, data, err := DecodeBlock(payload)
	if err != nil {
		s.log.Error("%s: %v", s.addr, err)
		return false
	}

	s.coord.AddDownloaded(int64(len(data)))
	key := blockKey{Index: index, Begin: begin}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.partialBlocks[key] = buf
	s.pieceBytes[index] += int64(len(data))
	delete(s.inFlight, key)

	pieceIdx := int(index)
	if pieceIdx < 0 || pieceIdx >= s.info.NumPieces {
		s.log.Error("%s: block for out-of-range piece %d", s.addr, pieceIdx)
		return false
	}

	if s.pieceBytes[index] < s.info.PieceLen(pieceIdx) {
		return true
	}

	data, ok := s.assemblePiece(pieceIdx)
	if !ok {
		return true
	}

	sum := sha1.Sum(data)
	if sum != s.info.PieceSHA(pieceIdx) {
		s.log.Warn("%s: piece %d failed hash verification, discarding", s.addr, pieceIdx)
		s.discardPiece(pieceIdx)
		return true
	}

	if err := s.store.Write(s.info.PieceOffset(pieceIdx), data); err != nil {
		s.log.Error("%s: writing piece %d: %v", s.addr, pieceIdx, err)
		s.coord.FatalStoreError(err)
		return false
	}

	s.discardPiece(pieceIdx)
	s.iHave.Set(pieceIdx)
	delete(s.want, pieceIdx)
	s.coord.Downloaded(pieceIdx)
	return true
}

// assemblePiece concatenates every accumulated block of piece idx in
// offset order. Returns ok=false if a gap remains (should not happen
// once pieceBytes reaches the full length, but guards against a
// malformed peer sending overlapping/duplicate ranges).
func (s *Session) assemblePiece(idx int) ([]byte, bool) {
	length := s.info.PieceLen(idx)
	out := make([]byte, length)
	var filled int64

	for begin := int64(0); begin < length; begin += BlockSize {
		key := blockKey{Index: uint32(idx), Begin: uint32(begin)}
		chunk, ok := s.partialBlocks[key]
		if !ok {
			return nil, false
		}
		copy(out[begin:], chunk)
		filled += int64(len(chunk))
	}
	return out, filled == length
}

func (s *Session) discardPiece(idx int) {
	for begin := int64(0); begin < s.info.PieceLen(idx); begin += BlockSize {
		delete(s.partialBlocks, blockKey{Index: uint32(idx), Begin: uint32(begin)})
	}
	delete(s.pieceBytes, uint32(idx))
}

// handleCoordinatorHave applies a coordinator-broadcast have(i): update
// iHave, drop i from want, cancel any in-flight/queued requests for it,
// and forward a have message to the remote peer.
func (s *Session) handleCoordinatorHave(index int) {
	s.iHave.Set(index)
	delete(s.want, index)

	for key, req := range s.inFlight {
		if key.Index == uint32(index) {
			delete(s.inFlight, key)
			if err := WriteMessage(s.conn, ptr(NewCancelMessage(req))); err != nil {
				s.log.Fail("%s: sending cancel for piece %d: %v", s.addr, index, err)
			}
		}
	}
	filtered := s.outQueue[:0]
	for _, req := range s.outQueue {
		if req.Index != uint32(index) {
			filtered = append(filtered, req)
		}
	}
	s.outQueue = filtered
	s.discardPiece(index)

	if err := WriteMessage(s.conn, ptr(NewHaveMessage(index))); err != nil {
		s.log.Fail("%s: forwarding have(%d): %v", s.addr, index, err)
	}
}

func (s *Session) recomputeWant() {
	diff := s.peerHas.AndNot(s.iHave)
	s.want = map[int]struct{}{}
	for _, i := range diff.Ordered() {
		s.want[i] = struct{}{}
	}
}

// runWorkLoop executes the fixed five-step outgoing driver of spec.md
// §4.3 after every incoming event and timer tick.
func (s *Session) runWorkLoop() {
	s.stepSelectRequests()
	if !s.stepSendRequests() {
		return
	}
	s.stepUpdateInterest()
	s.stepMaybeUnchoke()
	s.stepServeReplies()
}

// stepSelectRequests picks one piece uniformly at random from want and
// queues every block request for it, once queued+in-flight work is
// below MaxInflight.
func (s *Session) stepSelectRequests() {
	if len(s.want) == 0 || len(s.outQueue)+len(s.inFlight) >= MaxInflight {
		return
	}

	candidates := make([]int, 0, len(s.want))
	for i := range s.want {
		candidates = append(candidates, i)
	}
	p := candidates[s.rng.Intn(len(candidates))]
	delete(s.want, p)

	length := s.info.PieceLen(p)
	for begin := int64(0); begin < length; begin += BlockSize {
		remaining := length - begin
		if remaining > BlockSize {
			remaining = BlockSize
		}
		s.outQueue = append(s.outQueue, RequestPayload{
			Index:  uint32(p),
			Begin:  uint32(begin),
			Length: uint32(remaining),
		})
	}
}

// stepSendRequests drains outQueue onto the wire while choked is false
// and in-flight stays under the bound. Returns false if a write failed
// (caller should tear the session down).
func (s *Session) stepSendRequests() bool {
	for !s.imChoked && len(s.inFlight) < MaxInflight && len(s.outQueue) > 0 {
		req := s.outQueue[0]

		if !s.imInterested {
			if err := WriteMessage(s.conn, ptr(Message{ID: MsgInterested})); err != nil {
				s.log.Fail("%s: sending interested: %v", s.addr, err)
				return false
			}
			s.imInterested = true
		}

		if err := WriteMessage(s.conn, ptr(NewRequestMessage(req))); err != nil {
			s.log.Fail("%s: sending request %+v: %v", s.addr, req, err)
			return false
		}
		s.outQueue = s.outQueue[1:]
		s.inFlight[blockKey{Index: req.Index, Begin: req.Begin}] = req
	}
	return true
}

func (s *Session) stepUpdateInterest() {
	if s.imInterested && len(s.inFlight) == 0 && len(s.outQueue) == 0 {
		if err := WriteMessage(s.conn, ptr(Message{ID: MsgNotInterested})); err != nil {
			s.log.Fail("%s: sending not_interested: %v", s.addr, err)
			return
		}
		s.imInterested = false
	}
}

func (s *Session) stepMaybeUnchoke() {
	if s.peerIsChoked && s.uploadAllowance > 0 {
		if err := WriteMessage(s.conn, ptr(Message{ID: MsgUnchoke})); err != nil {
			s.log.Fail("%s: sending unchoke: %v", s.addr, err)
			return
		}
		s.peerIsChoked = false
	}
}

func (s *Session) stepServeReplies() {
	for !s.peerIsChoked && s.peerIsInterested && s.uploadAllowance > 0 && len(s.inQueue) > 0 {
		req := s.inQueue[0]
		s.inQueue = s.inQueue[1:]

		data, err := s.store.Read(s.info.PieceOffset(int(req.Index))+int64(req.Begin), int64(req.Length))
		if err != nil {
			s.log.Error("%s: reading piece %d offset %d for reply: %v", s.addr, req.Index, req.Begin, err)
			continue
		}

		if err := WriteMessage(s.conn, ptr(NewBlockMessage(req.Index, req.Begin, data))); err != nil {
			s.log.Fail("%s: sending block %d/%d: %v", s.addr, req.Index, req.Begin, err)
			return
		}
		s.uploadAllowance -= int64(req.Length)
		s.coord.AddUploaded(int64(req.Length))
	}

	if s.uploadAllowance <= 0 && !s.peerIsChoked {
		if err := WriteMessage(s.conn, ptr(Message{ID: MsgChoke})); err != nil {
			s.log.Fail("%s: sending choke: %v", s.addr, err)
			return
		}
		s.peerIsChoked = true
	}
}

func ptr[T any](v T) *T { return &v }
