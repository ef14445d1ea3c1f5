// Package udp carries one packet per datagram to a fixed list of peers,
// typically a subnet broadcast address.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/joshuafuller/Reticulum/rns/iface"
)

type Config struct {
	Name   string
	Listen string
	// Peers receive every transmitted frame. Broadcast addresses work when
	// the socket is allowed to broadcast.
	Peers  []string
	Mode   iface.Mode
	Logger *zap.Logger
}

type Interface struct {
	iface.Base
	cfg   Config
	log   *zap.Logger
	peers []*net.UDPAddr

	mu     sync.Mutex
	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Interface, error) {
	if cfg.Listen == "" {
		return nil, errors.New("udp: listen address required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	i := &Interface{
		Base: iface.NewBase(cfg.Name, iface.DefaultMTU, false, cfg.Mode),
		cfg:  cfg,
		log:  log.With(zap.String("interface", cfg.Name)),
	}
	i.Base.Bind(i)
	for _, p := range cfg.Peers {
		addr, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			return nil, fmt.Errorf("udp: resolve %s: %w", p, err)
		}
		i.peers = append(i.peers, addr)
	}
	return i, nil
}

// AddPeer adds a destination for transmitted frames.
func (i *Interface) AddPeer(addr string) error {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("udp: resolve %s: %w", addr, err)
	}
	i.mu.Lock()
	i.peers = append(i.peers, a)
	i.mu.Unlock()
	return nil
}

// Addr returns the bound local address once started.
func (i *Interface) Addr() net.Addr {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.conn == nil {
		return nil
	}
	return i.conn.LocalAddr()
}

func (i *Interface) Start(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp", i.cfg.Listen)
	if err != nil {
		return fmt.Errorf("udp: resolve %s: %w", i.cfg.Listen, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("udp: listen %s: %w", i.cfg.Listen, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	i.mu.Lock()
	i.conn = conn
	i.cancel = cancel
	i.mu.Unlock()
	i.SetOnline(true)

	i.wg.Add(2)
	go func() {
		defer i.wg.Done()
		<-ctx.Done()
		_ = conn.Close()
	}()
	go i.readLoop(conn)
	return nil
}

func (i *Interface) readLoop(conn *net.UDPConn) {
	defer i.wg.Done()
	buf := make([]byte, 2*iface.DefaultMTU)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				i.log.Warn("read failed", zap.Error(err))
			}
			i.SetOnline(false)
			return
		}
		if n > i.MTU() {
			i.log.Debug("oversized datagram", zap.Stringer("from", from), zap.Int("size", n))
			continue
		}
		i.Deliver(append([]byte(nil), buf[:n]...))
	}
}

func (i *Interface) Transmit(raw []byte) error {
	if err := i.CheckSize(raw); err != nil {
		return err
	}
	i.mu.Lock()
	conn, peers := i.conn, i.peers
	i.mu.Unlock()
	if conn == nil {
		return iface.ErrNotStarted
	}
	if len(peers) == 0 {
		return iface.ErrNoPeer
	}
	var err error
	for _, p := range peers {
		_, werr := conn.WriteToUDP(raw, p)
		err = multierr.Append(err, werr)
	}
	if err == nil {
		i.CountTx(len(raw))
	}
	return err
}

func (i *Interface) Close() error {
	i.mu.Lock()
	cancel := i.cancel
	i.cancel = nil
	i.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	i.wg.Wait()
	i.SetOnline(false)
	return nil
}
