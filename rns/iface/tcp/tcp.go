// Package tcp carries packets over TCP streams with length-prefixed frames.
// Both ends prove their transport identity with a signed HELLO before any
// packet is exchanged. Servers fan out to every connected client; clients
// reconnect with backoff.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/iface"
)

var ErrNoIdentity = errors.New("tcp: transport identity required")

type ServerConfig struct {
	Name     string
	Listen   string
	Identity *identity.Identity
	Mode     iface.Mode
	Logger   *zap.Logger
}

type Server struct {
	iface.Base
	cfg   ServerConfig
	log   *zap.Logger
	peers *iface.PeerSet

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Identity == nil {
		return nil, ErrNoIdentity
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		Base:  iface.NewBase(cfg.Name, iface.DefaultMTU, true, cfg.Mode),
		cfg:   cfg,
		log:   log.With(zap.String("interface", cfg.Name)),
		peers: iface.NewPeerSet(),
	}
	s.Base.Bind(s)
	return s, nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int { return s.peers.Len() }

func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("tcp: listen %s: %w", s.cfg.Listen, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ln = ln
	s.cancel = cancel
	s.mu.Unlock()
	s.SetOnline(true)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		_ = ln.Close()
	}()
	go s.acceptLoop(ctx, ln)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go s.handle(ctx, nc)
	}
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	defer s.wg.Done()
	c, err := handshake(nc, s.cfg.Identity, false)
	if err != nil {
		s.log.Debug("handshake failed", zap.String("remote", nc.RemoteAddr().String()), zap.Error(err))
		_ = nc.Close()
		return
	}
	s.peers.Add(c)
	defer s.peers.Remove(c)
	s.log.Info("client connected", zap.String("remote", c.RemoteAddr()), zap.Stringer("identity", c.remote.Hash()))

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	if err := c.serve(s.Deliver); err != nil && ctx.Err() == nil {
		s.log.Debug("client dropped", zap.String("remote", c.RemoteAddr()), zap.Error(err))
	}
	_ = c.Close()
}

func (s *Server) Transmit(raw []byte) error {
	if err := s.CheckSize(raw); err != nil {
		return err
	}
	if err := s.peers.Broadcast(raw); err != nil {
		return err
	}
	s.CountTx(len(raw))
	return nil
}

func (s *Server) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := s.peers.CloseAll()
	s.wg.Wait()
	s.SetOnline(false)
	return ignoreClosed(err)
}

type ClientConfig struct {
	Name      string
	Address   string
	Identity  *identity.Identity
	Mode      iface.Mode
	Logger    *zap.Logger
	RedialMin time.Duration
	RedialMax time.Duration
}

type Client struct {
	iface.Base
	cfg ClientConfig
	log *zap.Logger

	current atomic.Pointer[conn]
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Identity == nil {
		return nil, ErrNoIdentity
	}
	if cfg.Address == "" {
		return nil, errors.New("tcp: address required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		Base: iface.NewBase(cfg.Name, iface.DefaultMTU, true, cfg.Mode),
		cfg:  cfg,
		log:  log.With(zap.String("interface", cfg.Name)),
	}
	c.Base.Bind(c)
	return c, nil
}

// Remote returns the verified identity of the connected server, or nil.
func (c *Client) Remote() *identity.Identity {
	if cur := c.current.Load(); cur != nil {
		return cur.remote
	}
	return nil
}

func (c *Client) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		iface.Redial(ctx, c.log, c.cfg.Name, c.cfg.RedialMin, c.cfg.RedialMax, c.session)
	}()
	return nil
}

func (c *Client) session(ctx context.Context) (bool, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return false, err
	}
	cn, err := handshake(nc, c.cfg.Identity, true)
	if err != nil {
		_ = nc.Close()
		return false, err
	}
	c.current.Store(cn)
	c.SetOnline(true)
	c.log.Info("connected", zap.String("remote", cn.RemoteAddr()), zap.Stringer("identity", cn.remote.Hash()))
	defer func() {
		c.current.CompareAndSwap(cn, nil)
		c.SetOnline(false)
		_ = cn.Close()
	}()

	stop := context.AfterFunc(ctx, func() { _ = cn.Close() })
	defer stop()
	return true, cn.serve(c.Deliver)
}

func (c *Client) Transmit(raw []byte) error {
	if err := c.CheckSize(raw); err != nil {
		return err
	}
	cn := c.current.Load()
	if cn == nil {
		return iface.ErrNoPeer
	}
	if err := cn.Send(raw); err != nil {
		return err
	}
	c.CountTx(len(raw))
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
