package coordinator

import (
	"net"
	"strconv"

	"github.com/lvbealr/leechd/internal/logging"
	"github.com/lvbealr/leechd/internal/peer"
	"github.com/lvbealr/leechd/internal/peerid"
)

// ListenAndServe accepts inbound peer connections on port, performs the
// responder side of the handshake, and routes each successfully
// handshaked connection to the coordinator registered for its
// info-hash. Unrecognized info-hashes are dropped. It runs until the
// listener errors (e.g. on shutdown) and is meant to be invoked from a
// dedicated goroutine by the CLI.
func ListenAndServe(port int, log *logging.Logger) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return err
	}
	defer ln.Close()

	myID := peerid.New()
	log.Info("listening for peers on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go acceptConn(conn, myID, log)
	}
}

func acceptConn(conn net.Conn, myID [20]byte, log *logging.Logger) {
	var matched *Coordinator

	remoteID, err := peer.Accept(conn, myID, handshakeTimeout, func(hash [20]byte) bool {
		c, ok := Find(hash)
		if !ok {
			return false
		}
		matched = c
		return true
	})
	if err != nil {
		log.Fail("inbound handshake from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	matched.NewPeer(conn, remoteID)
}
