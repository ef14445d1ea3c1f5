// Package memory is an in-process broadcast medium. Every interface attached
// to a Hub hears every frame the others transmit, like nodes sharing one
// radio channel.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/joshuafuller/Reticulum/rns/iface"
)

type Hub struct {
	mu      sync.RWMutex
	members []*Interface
}

func NewHub() *Hub { return &Hub{} }

// Attach creates an interface on the hub.
func (h *Hub) Attach(name string, mode iface.Mode) *Interface {
	i := &Interface{Base: iface.NewBase(name, iface.DefaultMTU, true, mode), hub: h}
	i.Base.Bind(i)
	h.mu.Lock()
	h.members = append(h.members, i)
	h.mu.Unlock()
	return i
}

func (h *Hub) detach(i *Interface) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for n, m := range h.members {
		if m == i {
			h.members = append(h.members[:n], h.members[n+1:]...)
			return
		}
	}
}

func (h *Hub) others(self *Interface) []*Interface {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Interface, 0, len(h.members))
	for _, m := range h.members {
		if m != self && m.started.Load() && !m.closed.Load() {
			out = append(out, m)
		}
	}
	return out
}

// Pair returns two interfaces joined point to point.
func Pair(a, b string) (*Interface, *Interface) {
	h := NewHub()
	return h.Attach(a, iface.ModeFull), h.Attach(b, iface.ModeFull)
}

type Interface struct {
	iface.Base
	hub     *Hub
	started atomic.Bool
	closed  atomic.Bool
}

func (i *Interface) Start(ctx context.Context) error {
	if i.closed.Load() {
		return iface.ErrClosed
	}
	i.started.Store(true)
	i.SetOnline(true)
	return nil
}

func (i *Interface) Transmit(raw []byte) error {
	if i.closed.Load() {
		return iface.ErrClosed
	}
	if !i.started.Load() {
		return iface.ErrNotStarted
	}
	if err := i.CheckSize(raw); err != nil {
		return err
	}
	for _, m := range i.hub.others(i) {
		m.Deliver(append([]byte(nil), raw...))
	}
	i.CountTx(len(raw))
	return nil
}

func (i *Interface) Close() error {
	if i.closed.Swap(true) {
		return nil
	}
	i.SetOnline(false)
	i.hub.detach(i)
	return nil
}
