// Package quic carries packets as QUIC datagrams. Each connection first runs
// the signed HELLO exchange on a control stream, which binds it to the remote
// transport identity; packets then ride unreliable datagrams, matching the
// best-effort semantics of every other medium.
package quic

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	q "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/iface"
	"github.com/joshuafuller/Reticulum/rns/protocol"
)

const handshakeTimeout = 10 * time.Second

var (
	ErrNoIdentity   = errors.New("quic: transport identity required")
	ErrNoDatagrams  = errors.New("quic: peer does not support datagrams")
	ErrNothingToRun = errors.New("quic: neither listen address nor peers configured")
)

type Config struct {
	Name     string
	Listen   string
	Peers    []string
	Identity *identity.Identity
	Mode     iface.Mode
	Logger   *zap.Logger

	RedialMin time.Duration
	RedialMax time.Duration
}

type Interface struct {
	iface.Base
	cfg   Config
	log   *zap.Logger
	peers *iface.PeerSet

	mu     sync.Mutex
	ln     *q.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Interface, error) {
	if cfg.Identity == nil {
		return nil, ErrNoIdentity
	}
	if cfg.Listen == "" && len(cfg.Peers) == 0 {
		return nil, ErrNothingToRun
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
	}
	i.Base.Bind(i)
	return i, nil
}

func quicConfig() *q.Config {
	return &q.Config{EnableDatagrams: true, KeepAlivePeriod: 15 * time.Second}
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

// Connections returns the number of established connections.
func (i *Interface) Connections() int { return i.peers.Len() }

func (i *Interface) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	if i.cfg.Listen != "" {
		tlsConf, err := newTLSConfig()
		if err != nil {
			cancel()
			return err
		}
		ln, err := q.ListenAddr(i.cfg.Listen, tlsConf, quicConfig())
		if err != nil {
			cancel()
			return fmt.Errorf("quic: listen %s: %w", i.cfg.Listen, err)
		}
		i.mu.Lock()
		i.ln = ln
		i.mu.Unlock()
		i.wg.Add(1)
		go i.acceptLoop(ctx, ln)
	}
	for _, addr := range i.cfg.Peers {
		addr := addr
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			iface.Redial(ctx, i.log, i.cfg.Name, i.cfg.RedialMin, i.cfg.RedialMax, func(ctx context.Context) (bool, error) {
				return i.dial(ctx, addr)
			})
		}()
	}
	i.mu.Lock()
	i.cancel = cancel
	i.mu.Unlock()
	i.SetOnline(true)
	return nil
}

func (i *Interface) acceptLoop(ctx context.Context, ln *q.Listener) {
	defer i.wg.Done()
	for {
		qc, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				i.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			c, err := i.handshake(ctx, qc, false)
			if err != nil {
				i.log.Debug("handshake failed", zap.Stringer("remote", qc.RemoteAddr()), zap.Error(err))
				_ = qc.CloseWithError(1, "handshake failed")
				return
			}
			_ = i.serve(ctx, c)
		}()
	}
}

func (i *Interface) dial(ctx context.Context, addr string) (bool, error) {
	tlsConf, err := newTLSConfig()
	if err != nil {
		return false, err
	}
	qc, err := q.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return false, err
	}
	c, err := i.handshake(ctx, qc, true)
	if err != nil {
		_ = qc.CloseWithError(1, "handshake failed")
		return false, err
	}
	return true, i.serve(ctx, c)
}

// handshake runs HELLO on a dedicated control stream opened by the dialer.
func (i *Interface) handshake(ctx context.Context, qc q.Connection, client bool) (*conn, error) {
	if !qc.ConnectionState().SupportsDatagrams {
		return nil, ErrNoDatagrams
	}
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	var (
		st     q.Stream
		remote *protocol.Remote
		err    error
	)
	if client {
		st, err = qc.OpenStreamSync(hctx)
		if err != nil {
			return nil, err
		}
		remote, err = protocol.HandshakeClient(st, i.cfg.Identity, map[string]string{"mode": i.Mode().String()})
	} else {
		st, err = qc.AcceptStream(hctx)
		if err != nil {
			return nil, err
		}
		remote, err = protocol.HandshakeServer(st, i.cfg.Identity, map[string]string{"mode": i.Mode().String()})
	}
	if err != nil {
		return nil, err
	}
	return &conn{qc: qc, control: st, remote: remote.Identity}, nil
}

func (i *Interface) serve(ctx context.Context, c *conn) error {
	i.peers.Add(c)
	defer i.peers.Remove(c)
	i.log.Info("connected", zap.String("remote", c.RemoteAddr()), zap.Stringer("identity", c.remote.Hash()))

	for {
		raw, err := c.qc.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() == nil {
				i.log.Debug("connection lost", zap.String("remote", c.RemoteAddr()), zap.Error(err))
			}
			return err
		}
		if len(raw) > i.MTU() {
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
	cancel, ln := i.cancel, i.ln
	i.cancel = nil
	i.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := i.peers.CloseAll()
	if ln != nil {
		_ = ln.Close()
	}
	i.wg.Wait()
	i.SetOnline(false)
	return err
}

type conn struct {
	qc      q.Connection
	control q.Stream
	remote  *identity.Identity
}

func (c *conn) Send(raw []byte) error { return c.qc.SendDatagram(raw) }

func (c *conn) Close() error { return c.qc.CloseWithError(0, "closing") }

func (c *conn) RemoteAddr() string { return c.qc.RemoteAddr().String() }
