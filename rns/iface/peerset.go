package iface

import (
	"sync"

	"go.uber.org/multierr"
)

// Conn is one connected remote on a multi-peer medium.
type Conn interface {
	Send(raw []byte) error
	Close() error
	RemoteAddr() string
}

// PeerSet tracks the live connections of a medium and fans transmissions
// out to all of them.
type PeerSet struct {
	mu    sync.RWMutex
	conns map[Conn]struct{}
}

func NewPeerSet() *PeerSet {
	return &PeerSet{conns: make(map[Conn]struct{})}
}

func (s *PeerSet) Add(c Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *PeerSet) Remove(c Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *PeerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *PeerSet) snapshot() []Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast sends raw to every connection. It returns ErrNoPeer when the set
// is empty and the combined send errors otherwise.
func (s *PeerSet) Broadcast(raw []byte) error {
	conns := s.snapshot()
	if len(conns) == 0 {
		return ErrNoPeer
	}
	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Send(raw))
	}
	return err
}

// CloseAll closes and forgets every connection.
func (s *PeerSet) CloseAll() error {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[Conn]struct{})
	s.mu.Unlock()

	var err error
	for c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return err
}
