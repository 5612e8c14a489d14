package group

import (
	"bufio"
	"net"

	"github.com/jihwankim/haloserver/pkg/profiler"
	"github.com/jihwankim/haloserver/pkg/wire"
)

// clientConn is one connected client's write side. Reads happen on a
// dedicated per-connection goroutine (readLoop); writes only ever
// happen from the group's single actor goroutine, so no locking is
// needed here.
type clientConn struct {
	id   profiler.ClientID
	conn net.Conn
	w    *bufio.Writer
}

func newClientConn(id profiler.ClientID, conn net.Conn) *clientConn {
	return &clientConn{id: id, conn: conn, w: bufio.NewWriter(conn)}
}

func (c *clientConn) send(kind wire.Kind, payload interface{}) error {
	msg, err := wire.Encode(kind, payload)
	if err != nil {
		return err
	}
	if err := wire.WriteMessage(c.w, msg); err != nil {
		return err
	}
	return c.w.Flush()
}
