package tcp

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/protocol"
)

const handshakeTimeout = 10 * time.Second

// conn is one framed TCP stream bound to a verified remote identity.
type conn struct {
	nc     net.Conn
	br     *bufio.Reader
	remote *identity.Identity

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func handshake(nc net.Conn, local *identity.Identity, client bool) (*conn, error) {
	_ = nc.SetDeadline(time.Now().Add(handshakeTimeout))
	c := &conn{nc: nc, br: bufio.NewReader(nc)}
	rw := bufferedConn{r: c.br, Conn: nc}

	var (
		r   *protocol.Remote
		err error
	)
	if client {
		r, err = protocol.HandshakeClient(rw, local, nil)
	} else {
		r, err = protocol.HandshakeServer(rw, local, nil)
	}
	if err != nil {
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})
	c.remote = r.Identity
	return c, nil
}

// bufferedConn reads through the buffered reader so bytes read ahead during
// the handshake are not lost to the frame loop.
type bufferedConn struct {
	r *bufio.Reader
	net.Conn
}

func (b bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

func (c *conn) Send(raw []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return protocol.WriteFrame(c.nc, protocol.Frame{Type: protocol.FramePacket, Payload: raw})
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.nc.SetWriteDeadline(time.Now().Add(time.Second))
		_ = protocol.WriteFrame(c.nc, protocol.Frame{Type: protocol.FrameClose})
		c.wmu.Unlock()
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

func (c *conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }

// serve delivers packet frames until the stream ends or a CLOSE arrives.
func (c *conn) serve(deliver func([]byte)) error {
	for {
		f, err := protocol.ReadFrame(c.br)
		if err != nil {
			return err
		}
		switch f.Type {
		case protocol.FramePacket:
			deliver(f.Payload)
		case protocol.FrameClose:
			return nil
		}
	}
}
