// Package ws carries packets as binary WebSocket messages, one packet per
// message. A single interface may listen for browsers and relays and dial
// out to other nodes at the same time.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/joshuafuller/Reticulum/rns/iface"
)

const (
	DefaultPath = "/rns"
	writeWait   = 5 * time.Second
)

var ErrNothingToRun = errors.New("ws: neither listen address nor peers configured")

type Config struct {
	Name   string
	Listen string
	Path   string
	// Peers are ws:// URLs to dial.
	Peers  []string
	Mode   iface.Mode
	Logger *zap.Logger

	RedialMin time.Duration
	RedialMax time.Duration
}

type Interface struct {
	iface.Base
	cfg   Config
	log   *zap.Logger
	peers *iface.PeerSet

	upgrader websocket.Upgrader

	mu     sync.Mutex
	srv    *http.Server
	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Interface, error) {
	if cfg.Listen == "" && len(cfg.Peers) == 0 {
		return nil, ErrNothingToRun
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	i := &Interface{
		Base:  iface.NewBase(cfg.Name, iface.DefaultMTU, true, cfg.Mode),
		cfg:   cfg,
		log:   log.With(zap.String("interface", cfg.Name)),
		peers: iface.NewPeerSet(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  2 * iface.DefaultMTU,
			WriteBufferSize: 2 * iface.DefaultMTU,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	i.Base.Bind(i)
	return i, nil
}

// Addr returns the listening address, or nil when not listening.
func (i *Interface) Addr() net.Addr {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ln == nil {
		return nil
	}
	return i.ln.Addr()
}

func (i *Interface) Connections() int { return i.peers.Len() }

func (i *Interface) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	if i.cfg.Listen != "" {
		ln, err := net.Listen("tcp", i.cfg.Listen)
		if err != nil {
			cancel()
			return fmt.Errorf("ws: listen %s: %w", i.cfg.Listen, err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc(i.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
			c, err := i.upgrader.Upgrade(w, r, nil)
			if err != nil {
				i.log.Debug("upgrade failed", zap.Error(err))
				return
			}
			_ = i.serve(ctx, newConn(c))
		})
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		i.mu.Lock()
		i.srv, i.ln = srv, ln
		i.mu.Unlock()

		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				i.log.Warn("serve failed", zap.Error(err))
			}
		}()
	}
	for _, u := range i.cfg.Peers {
		u := u
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			iface.Redial(ctx, i.log, i.cfg.Name, i.cfg.RedialMin, i.cfg.RedialMax, func(ctx context.Context) (bool, error) {
				c, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
				if err != nil {
					return false, err
				}
				return true, i.serve(ctx, newConn(c))
			})
		}()
	}
	i.mu.Lock()
	i.cancel = cancel
	i.mu.Unlock()
	i.SetOnline(true)
	return nil
}

func (i *Interface) serve(ctx context.Context, c *conn) error {
	i.peers.Add(c)
	defer i.peers.Remove(c)
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	defer c.Close()

	c.ws.SetReadLimit(int64(i.MTU()))
	for {
		mt, raw, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				i.log.Debug("connection lost", zap.String("remote", c.RemoteAddr()), zap.Error(err))
			}
			return err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		i.Deliver(raw)
	}
}

func (i *Interface) Transmit(raw []byte) error {
	if err := i.CheckSize(raw); err != nil {
		return err
	}
	if err := i.peers.Broadcast(raw); err != nil {
		return err
	}
	i.CountTx(len(raw))
	return nil
}

func (i *Interface) Close() error {
	i.mu.Lock()
	cancel, srv := i.cancel, i.srv
	i.cancel = nil
	i.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := i.peers.CloseAll()
	if srv != nil {
		sctx, done := context.WithTimeout(context.Background(), writeWait)
		_ = srv.Shutdown(sctx)
		done()
	}
	i.wg.Wait()
	i.SetOnline(false)
	return err
}

type conn struct {
	ws  *websocket.Conn
	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newConn(c *websocket.Conn) *conn { return &conn{ws: c} }

// Send writes one binary message. gorilla/websocket allows a single
// concurrent writer.
func (c *conn) Send(raw []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, raw)
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		defer c.wmu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }
