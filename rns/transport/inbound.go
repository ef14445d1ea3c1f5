package transport

import (
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/joshuafuller/Reticulum/rns/crypto"
	"github.com/joshuafuller/Reticulum/rns/destination"
	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/iface"
	"github.com/joshuafuller/Reticulum/rns/link"
	"github.com/joshuafuller/Reticulum/rns/packet"
)

// inbound processes one received frame. Control loop only.
func (t *Transport) inbound(raw []byte, from iface.Interface) {
	p, err := packet.Unpack(raw)
	if err != nil {
		t.drop(nil, from, dropMalformed)
		return
	}
	p.ReceivedOn = from
	// The counter cannot be incremented past 255 without wrapping.
	if p.Hops == math.MaxUint8 {
		t.drop(p, from, dropHopLimit)
		return
	}
	p.Hops++
	if from != nil {
		t.metrics.inbound.WithLabelValues(from.Name()).Inc()
	}
	if !t.filter(p) {
		return
	}

	if p.HeaderType == packet.Header2 && p.Type != packet.Announce && t.local(p.Destination) == nil {
		if t.id.IsZero() || p.TransportID != t.id {
			t.drop(p, from, dropNotForUs)
			return
		}
		t.forward(p)
		return
	}

	switch {
	case p.Type == packet.Announce:
		t.handleAnnounce(p)
	case p.DestinationType == packet.Link:
		t.handleLinkPacket(p)
	case p.Type == packet.LinkRequest:
		t.handleLinkRequest(p)
	case p.Type == packet.Proof:
		t.handleProof(p)
	default:
		t.deliver(p)
	}
}

// filter drops duplicates and packets that left their scope. Announces are
// exempt from the duplicate window; replays are caught by their random blob
// and repeated copies drive rebroadcast suppression.
func (t *Transport) filter(p *packet.Packet) bool {
	if p.Type == packet.Announce {
		if p.DestinationType != packet.Single {
			t.drop(p, p.ReceivedOn, dropBadAnnounce)
			return false
		}
		return true
	}
	if (p.DestinationType == packet.Plain || p.DestinationType == packet.Group) && p.Hops > 1 {
		t.drop(p, p.ReceivedOn, dropScope)
		return false
	}
	h := p.Hash()
	if t.seen.Contains(h) {
		t.drop(p, p.ReceivedOn, dropDuplicate)
		return false
	}
	t.seen.Add(h, struct{}{})
	return true
}

// relayed rewrites p for the next leg. Packets still more than one hop from
// their destination keep a transport header naming the next relay.
func relayed(p *packet.Packet, path *pathEntry) *packet.Packet {
	q := p.Clone()
	q.ReceivedOn, q.AttachedTo = nil, nil
	if path != nil && path.Hops > 1 && !path.NextHop.IsZero() {
		q.HeaderType = packet.Header2
		q.TransportType = packet.Transport
		q.TransportID = path.NextHop
	} else {
		q.HeaderType = packet.Header1
		q.TransportType = packet.Broadcast
		q.TransportID = identity.Hash{}
	}
	return q
}

// forward moves a packet addressed to this node as relay toward its
// destination. Exceeding the hop limit is a silent drop.
func (t *Transport) forward(p *packet.Packet) {
	if !t.cfg.Enabled {
		t.drop(p, p.ReceivedOn, dropNotForUs)
		return
	}
	if int(p.Hops) > t.cfg.MaxHops {
		t.drop(p, p.ReceivedOn, dropHopLimit)
		return
	}
	now := t.clock.Now()
	path, ok := t.paths[p.Destination]
	if !ok || path.expired(now) {
		t.drop(p, p.ReceivedOn, dropNoPath)
		return
	}
	raw, err := relayed(p, path).Pack()
	if err != nil {
		t.drop(p, p.ReceivedOn, dropMalformed)
		return
	}

	if p.Type == packet.LinkRequest {
		t.relays[link.IDFromRequest(p)] = &relayEntry{
			destination: p.Destination,
			receivedOn:  p.ReceivedOn,
			nextHop:     path.Interface,
			expires:     now.Add(link.DefaultEstablishmentTimeoutPerHop * time.Duration(int(path.Hops)+1)),
		}
	} else {
		t.reverse[p.TruncatedHash()] = &reverseEntry{
			receivedOn: p.ReceivedOn,
			outbound:   path.Interface,
			expires:    now.Add(ReverseTimeout),
		}
	}
	if err := t.transmit(raw, []iface.Interface{path.Interface}); err != nil {
		t.log.Debug("forward failed", zap.Stringer("destination", p.Destination), zap.Error(err))
		return
	}
	t.metrics.forwarded.Inc()
}

// handleLinkPacket delivers to a local link or relays between the two
// interfaces recorded when the link request passed through.
func (t *Transport) handleLinkPacket(p *packet.Packet) {
	if l := t.localLink(p.Destination); l != nil {
		if err := l.Receive(p); err != nil {
			if errors.Is(err, crypto.ErrDecryptionFailed) {
				t.drop(p, p.ReceivedOn, dropDecrypt)
				return
			}
			t.log.Debug("link packet rejected", zap.Stringer("link", p.Destination), zap.Stringer("context", p.Context), zap.Error(err))
		}
		return
	}

	e, ok := t.relays[p.Destination]
	if !ok || !t.cfg.Enabled {
		t.drop(p, p.ReceivedOn, dropUnknownLink)
		return
	}
	if int(p.Hops) > t.cfg.MaxHops {
		t.drop(p, p.ReceivedOn, dropHopLimit)
		return
	}

	var out iface.Interface
	switch p.ReceivedOn {
	case e.nextHop:
		out = e.receivedOn
	case e.receivedOn:
		out = e.nextHop
	default:
		t.drop(p, p.ReceivedOn, dropUnknownLink)
		return
	}

	now := t.clock.Now()
	if p.Type == packet.Proof && p.Context == packet.ContextLinkProof {
		if e.validated || p.ReceivedOn != e.nextHop {
			t.drop(p, p.ReceivedOn, dropBadProof)
			return
		}
		if k, ok := t.known.Get(e.destination); ok && !link.ValidateProof(k.Identity, p.Destination, p.Data) {
			t.drop(p, p.ReceivedOn, dropBadProof)
			return
		}
		e.validated = true
	}
	if e.validated {
		e.expires = now.Add(link.DefaultStaleTime)
	}

	raw, err := relayed(p, nil).Pack()
	if err != nil {
		t.drop(p, p.ReceivedOn, dropMalformed)
		return
	}
	if err := t.transmit(raw, []iface.Interface{out}); err != nil {
		t.log.Debug("link relay failed", zap.Stringer("link", p.Destination), zap.Error(err))
		return
	}
	t.metrics.forwarded.Inc()
}

func (t *Transport) handleLinkRequest(p *packet.Packet) {
	d := t.local(p.Destination)
	if d == nil {
		t.drop(p, p.ReceivedOn, dropUnknownDest)
		return
	}
	if !d.AcceptsLinks() {
		t.drop(p, p.ReceivedOn, dropRefused)
		return
	}
	t.dmu.RLock()
	user := t.serve[d.Hash()]
	t.dmu.RUnlock()

	userEstablished := user.OnEstablished
	user.OnEstablished = func(l *link.Link) {
		d.LinkEstablished(l)
		if userEstablished != nil {
			userEstablished(l)
		}
	}
	l, err := link.Accept(d, p, t, t.linkConfig(user, int(p.Hops)))
	if err != nil {
		t.log.Debug("link request refused", zap.Stringer("destination", d.Hash()), zap.Error(err))
		return
	}
	t.addLink(l)
}

// handleProof resolves a local receipt or carries the proof one hop back
// along the reverse table.
func (t *Transport) handleProof(p *packet.Packet) {
	if t.proveReceipt(p) {
		return
	}
	e, ok := t.reverse[p.Destination]
	if !ok || !t.cfg.Enabled {
		t.drop(p, p.ReceivedOn, dropUnknownProof)
		return
	}
	if p.ReceivedOn != e.outbound {
		t.drop(p, p.ReceivedOn, dropUnknownProof)
		return
	}
	delete(t.reverse, p.Destination)
	raw, err := relayed(p, nil).Pack()
	if err != nil {
		t.drop(p, p.ReceivedOn, dropMalformed)
		return
	}
	if err := t.transmit(raw, []iface.Interface{e.receivedOn}); err != nil {
		t.log.Debug("proof relay failed", zap.Error(err))
		return
	}
	t.metrics.forwarded.Inc()
}

func (t *Transport) deliver(p *packet.Packet) {
	d := t.local(p.Destination)
	if d == nil || p.Type != packet.Data {
		t.drop(p, p.ReceivedOn, dropUnknownDest)
		return
	}
	err := d.Receive(p)
	switch {
	case err == nil:
	case errors.Is(err, destination.ErrDecryption):
		t.drop(p, p.ReceivedOn, dropDecrypt)
	default:
		t.log.Debug("delivery failed", zap.Stringer("destination", d.Hash()), zap.Error(err))
	}
}
