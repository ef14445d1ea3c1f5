package transport

import (
	"sort"
	"time"

	"github.com/joshuafuller/Reticulum/rns/destination"
	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/iface"
	"github.com/joshuafuller/Reticulum/rns/packet"
)

// Path is the best known route to a destination.
type Path struct {
	Destination identity.Hash
	// NextHop is the transport id of the relay to hand packets to; zero
	// when the destination is a direct neighbour.
	NextHop   identity.Hash
	Hops      uint8
	Interface iface.Interface
	Updated   time.Time
	Expires   time.Time
	// Unresponsive paths are replaced by the next announce regardless of
	// hop count.
	Unresponsive bool
}

func (p Path) expired(now time.Time) bool { return !now.Before(p.Expires) }

type pathEntry struct {
	Path
	randoms  [][destination.RandomHashLength]byte
	announce *packet.Packet
}

func (e *pathEntry) seenRandom(r [destination.RandomHashLength]byte) bool {
	for _, have := range e.randoms {
		if have == r {
			return true
		}
	}
	return false
}

func (e *pathEntry) addRandom(r [destination.RandomHashLength]byte) {
	e.randoms = append(e.randoms, r)
	if len(e.randoms) > maxRandomBlobs {
		e.randoms = e.randoms[len(e.randoms)-maxRandomBlobs:]
	}
}

// announceEntry is a pending rebroadcast.
type announceEntry struct {
	packet            *packet.Packet
	hops              uint8
	retries           int
	localRebroadcasts int
	next              time.Time
}

// reverseEntry carries a proof back to where the proven packet came from.
type reverseEntry struct {
	receivedOn iface.Interface
	outbound   iface.Interface
	expires    time.Time
}

// relayEntry joins the two halves of a link relayed through this node.
type relayEntry struct {
	destination identity.Hash
	receivedOn  iface.Interface
	nextHop     iface.Interface
	validated   bool
	expires     time.Time
}

// waitingRequest is a path request we could not answer yet.
type waitingRequest struct {
	receivedOn iface.Interface
	expires    time.Time
}

type snapshot struct {
	paths map[identity.Hash]Path
}

// publish replaces the reader snapshot. Control loop only.
func (t *Transport) publish() {
	paths := make(map[identity.Hash]Path, len(t.paths))
	for h, e := range t.paths {
		paths[h] = e.Path
	}
	t.snap.Store(&snapshot{paths: paths})
	t.metrics.paths.Set(float64(len(paths)))
}

// Paths returns the path table ordered by destination.
func (t *Transport) Paths() []Path {
	s := t.snap.Load()
	out := make([]Path, 0, len(s.paths))
	for _, p := range s.paths {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Destination.String() < out[j].Destination.String()
	})
	return out
}

// PathTo returns the current path to dest.
func (t *Transport) PathTo(dest identity.Hash) (Path, bool) {
	p, ok := t.snap.Load().paths[dest]
	if !ok || p.expired(t.clock.Now()) {
		return Path{}, false
	}
	return p, true
}

func (t *Transport) HasPath(dest identity.Hash) bool {
	_, ok := t.PathTo(dest)
	return ok
}

// HopsTo returns the hop count to dest, or MaxHops when no path is known.
func (t *Transport) HopsTo(dest identity.Hash) int {
	if p, ok := t.PathTo(dest); ok {
		return int(p.Hops)
	}
	return t.cfg.MaxHops
}

// NextHop returns the relay and interface packets to dest leave through.
func (t *Transport) NextHop(dest identity.Hash) (identity.Hash, iface.Interface, error) {
	p, ok := t.PathTo(dest)
	if !ok {
		return identity.Hash{}, nil, ErrNoPath
	}
	return p.NextHop, p.Interface, nil
}

// ExpirePath forgets the path to dest. The change is queued for the control
// loop and applied after any packet currently being handled, so it may be
// called from announce and packet handlers.
func (t *Transport) ExpirePath(dest identity.Hash) error {
	return t.post(func() {
		if _, ok := t.paths[dest]; ok {
			delete(t.paths, dest)
			t.publish()
		}
	})
}

// MarkUnresponsive lets the next announce for dest replace the path even
// if it is longer. Like ExpirePath it is applied asynchronously.
func (t *Transport) MarkUnresponsive(dest identity.Hash) error {
	return t.post(func() { t.markUnresponsive(dest) })
}

func (t *Transport) markUnresponsive(dest identity.Hash) bool {
	e, ok := t.paths[dest]
	if !ok || e.Unresponsive {
		return false
	}
	e.Unresponsive = true
	t.publish()
	return true
}

func pathExpiry(i iface.Interface) time.Duration {
	if i == nil {
		return PathExpiry
	}
	switch i.Mode() {
	case iface.ModeAccessPoint:
		return AccessPointPathExpiry
	case iface.ModeRoaming:
		return RoamingPathExpiry
	default:
		return PathExpiry
	}
}
