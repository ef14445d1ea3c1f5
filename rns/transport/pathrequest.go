package transport

import (
	"crypto/rand"

	"go.uber.org/zap"

	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/iface"
	"github.com/joshuafuller/Reticulum/rns/packet"
)

// RequestPath asks the network for a path to dest. The owner answers with a
// fresh announce and transport nodes that know a path answer with the one
// they cached; either way HasPath turns true once it arrives.
func (t *Transport) RequestPath(dest identity.Hash) error {
	tag := make([]byte, pathRequestTagSize)
	if _, err := rand.Read(tag); err != nil {
		return err
	}
	t.tags.Add(tagKey(dest, tag), struct{}{})
	t.requested.Add(dest, struct{}{})
	return t.Outbound(t.pathRequest(dest, tag))
}

func (t *Transport) pathRequest(dest identity.Hash, tag []byte) *packet.Packet {
	data := make([]byte, 0, 2*identity.HashLength+len(tag))
	data = append(data, dest[:]...)
	if t.cfg.Enabled {
		data = append(data, t.id[:]...)
	}
	data = append(data, tag...)
	return &packet.Packet{
		DestinationType: packet.Plain,
		Type:            packet.Data,
		Destination:     t.pathRequests.Hash(),
		Context:         packet.ContextNone,
		Data:            data,
	}
}

func tagKey(dest identity.Hash, tag []byte) string {
	return string(dest[:]) + string(tag)
}

// handlePathRequest is the packet handler of the path request destination.
// It runs on the control loop.
func (t *Transport) handlePathRequest(data []byte, p *packet.Packet) {
	var tag []byte
	switch {
	case len(data) >= 2*identity.HashLength+pathRequestTagSize:
		tag = data[2*identity.HashLength : 2*identity.HashLength+pathRequestTagSize]
	case len(data) >= identity.HashLength+pathRequestTagSize:
		tag = data[identity.HashLength : identity.HashLength+pathRequestTagSize]
	default:
		t.drop(p, p.ReceivedOn, dropMalformed)
		return
	}
	dest, _ := identity.HashFromBytes(data[:identity.HashLength])
	key := tagKey(dest, tag)
	if t.tags.Contains(key) {
		t.drop(p, p.ReceivedOn, dropDuplicate)
		return
	}
	t.tags.Add(key, struct{}{})

	if d := t.local(dest); d != nil {
		ap, err := d.AnnouncePacket(d.AppData(), true)
		if err != nil {
			t.log.Debug("path response", zap.Stringer("destination", dest), zap.Error(err))
			return
		}
		ap.AttachedTo = p.ReceivedOn
		if err := t.Outbound(ap); err != nil {
			t.log.Debug("path response", zap.Stringer("destination", dest), zap.Error(err))
		}
		return
	}
	if !t.cfg.Enabled {
		return
	}

	now := t.clock.Now()
	if e, ok := t.paths[dest]; ok && !e.expired(now) && e.announce != nil {
		t.answerPathRequest(e, p.ReceivedOn)
		return
	}

	t.waiting[dest] = &waitingRequest{receivedOn: p.ReceivedOn, expires: now.Add(PathRequestTimeout)}
	raw, err := t.pathRequest(dest, tag).Pack()
	if err != nil {
		return
	}
	if err := t.broadcast(raw, p.ReceivedOn); err != nil {
		t.log.Debug("path request not forwarded", zap.Stringer("destination", dest), zap.Error(err))
	}
}

// answerPathRequest replays the cached announce toward the requester,
// marked as a path response so it is not rebroadcast further.
func (t *Transport) answerPathRequest(e *pathEntry, on iface.Interface) {
	if e.announce == nil || on == nil {
		return
	}
	q := e.announce.Clone()
	q.ReceivedOn, q.AttachedTo = nil, nil
	q.HeaderType = packet.Header2
	q.TransportType = packet.Transport
	q.TransportID = t.id
	q.Context = packet.ContextPathResponse
	q.Hops = e.Hops
	raw, err := q.Pack()
	if err != nil {
		return
	}
	if err := t.transmit(raw, []iface.Interface{on}); err != nil {
		t.log.Debug("path response", zap.Stringer("destination", e.Destination), zap.Error(err))
	}
}

// solicited reports whether a path response for dest answers a request this
// node sent or forwarded. The path response context is not covered by the
// announce signature, so unsolicited ones are treated as plain announces.
func (t *Transport) solicited(dest identity.Hash) bool {
	if _, ok := t.waiting[dest]; ok {
		return true
	}
	return t.requested.Contains(dest)
}
