// Package iface defines the capability set every transmission medium
// implements. Transport multiplexes over Interface values and never inspects
// their concrete type; a new medium is added by implementing Interface.
package iface

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultMTU is the network-wide packet size limit every medium must carry.
const DefaultMTU = 500

var (
	ErrClosed      = errors.New("iface: interface closed")
	ErrNotStarted  = errors.New("iface: interface not started")
	ErrFrameTooBig = errors.New("iface: frame exceeds interface MTU")
	ErrNoPeer      = errors.New("iface: no connected peer")
)

// Receiver is called with every raw frame an interface receives. It may be
// invoked from the interface's own goroutines and must not block.
type Receiver func(raw []byte, from Interface)

// Mode changes how long paths learned through an interface stay valid.
type Mode uint8

const (
	ModeFull Mode = iota
	ModeAccessPoint
	ModeRoaming
	ModeBoundary
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeAccessPoint:
		return "access_point"
	case ModeRoaming:
		return "roaming"
	case ModeBoundary:
		return "boundary"
	default:
		return "unknown"
	}
}

// ParseMode accepts the names produced by Mode.String; empty means full.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "full":
		return ModeFull, nil
	case "access_point", "ap":
		return ModeAccessPoint, nil
	case "roaming":
		return ModeRoaming, nil
	case "boundary":
		return ModeBoundary, nil
	default:
		return ModeFull, fmt.Errorf("iface: unknown mode %q", s)
	}
}

// Stats are cumulative counters for one interface.
type Stats struct {
	RxPackets uint64
	TxPackets uint64
	RxBytes   uint64
	TxBytes   uint64
	Online    bool
}

// Interface is the medium contract: transmit bytes, deliver received bytes
// to a callback, advertise an MTU and whether the medium is full duplex.
type Interface interface {
	Name() string
	MTU() int
	Duplex() bool
	Mode() Mode
	Transmit(raw []byte) error
	SetReceiver(r Receiver)
	Start(ctx context.Context) error
	Close() error
	Stats() Stats
}

// Base carries the bookkeeping shared by all media. Implementations embed it
// and call Deliver for every received frame and CountTx after transmitting.
type Base struct {
	name   string
	mtu    int
	duplex bool
	mode   Mode

	mu       sync.RWMutex
	receiver Receiver
	self     Interface

	rxPackets atomic.Uint64
	txPackets atomic.Uint64
	rxBytes   atomic.Uint64
	txBytes   atomic.Uint64
	online    atomic.Bool
}

// NewBase returns a Base for the named medium.
func NewBase(name string, mtu int, duplex bool, mode Mode) Base {
	return Base{name: name, mtu: mtu, duplex: duplex, mode: mode}
}

// Bind records the outer Interface so Deliver can hand it to the receiver.
func (b *Base) Bind(self Interface) {
	b.mu.Lock()
	b.self = self
	b.mu.Unlock()
}

func (b *Base) Name() string { return b.name }
func (b *Base) MTU() int     { return b.mtu }
func (b *Base) Duplex() bool { return b.duplex }
func (b *Base) Mode() Mode   { return b.mode }

func (b *Base) SetReceiver(r Receiver) {
	b.mu.Lock()
	b.receiver = r
	b.mu.Unlock()
}

// Deliver passes a received frame to the registered receiver.
func (b *Base) Deliver(raw []byte) {
	b.rxPackets.Add(1)
	b.rxBytes.Add(uint64(len(raw)))
	b.mu.RLock()
	r, self := b.receiver, b.self
	b.mu.RUnlock()
	if r != nil {
		r(raw, self)
	}
}

// CheckSize rejects frames larger than the MTU.
func (b *Base) CheckSize(raw []byte) error {
	if b.mtu > 0 && len(raw) > b.mtu {
		return ErrFrameTooBig
	}
	return nil
}

func (b *Base) CountTx(n int) {
	b.txPackets.Add(1)
	b.txBytes.Add(uint64(n))
}

func (b *Base) SetOnline(v bool) { b.online.Store(v) }

func (b *Base) Stats() Stats {
	return Stats{
		RxPackets: b.rxPackets.Load(),
		TxPackets: b.txPackets.Load(),
		RxBytes:   b.rxBytes.Load(),
		TxBytes:   b.txBytes.Load(),
		Online:    b.online.Load(),
	}
}
