package transport

import (
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/joshuafuller/Reticulum/rns/destination"
	"github.com/joshuafuller/Reticulum/rns/discovery"
	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/iface"
	"github.com/joshuafuller/Reticulum/rns/packet"
)

// handleAnnounce applies the path table policy: unknown destinations are
// added, known ones are replaced only by a strictly shorter path or when the
// current entry is stale. Equal hop counts keep the existing entry; a repeat
// through the same next hop only refreshes its expiry.
func (t *Transport) handleAnnounce(p *packet.Packet) {
	a, err := destination.ParseAnnounce(p)
	if err != nil {
		t.drop(p, p.ReceivedOn, dropBadAnnounce)
		return
	}
	if t.local(a.Destination) != nil {
		return
	}
	now := t.clock.Now()
	t.suppressRebroadcast(a.Destination, p.Hops)

	if int(p.Hops) > t.cfg.MaxHops {
		t.drop(p, p.ReceivedOn, dropHopLimit)
		return
	}
	cur, have := t.paths[a.Destination]
	if have && cur.seenRandom(a.RandomHash) {
		t.drop(p, p.ReceivedOn, dropReplay)
		return
	}
	if a.PathResponse && !t.solicited(a.Destination) {
		a.PathResponse = false
		p.Context = packet.ContextNone
	}
	if !a.PathResponse && !t.limiter(a.Destination).AllowN(now, 1) {
		t.drop(p, p.ReceivedOn, dropRateLimited)
		return
	}

	var nextHop identity.Hash
	if p.HeaderType == packet.Header2 {
		nextHop = p.TransportID
	}
	switch {
	case !have, p.Hops < cur.Hops, cur.expired(now), cur.Unresponsive:
	case p.Hops == cur.Hops && nextHop == cur.NextHop && p.ReceivedOn == cur.Interface:
		cur.addRandom(a.RandomHash)
		cur.Updated = now
		cur.Expires = now.Add(pathExpiry(p.ReceivedOn))
		cur.announce = p.Clone()
		t.publish()
		t.metrics.announces.WithLabelValues("refreshed").Inc()
		return
	default:
		t.drop(p, p.ReceivedOn, dropWorsePath)
		return
	}

	entry := &pathEntry{
		Path: Path{
			Destination: a.Destination,
			NextHop:     nextHop,
			Hops:        p.Hops,
			Interface:   p.ReceivedOn,
			Updated:     now,
			Expires:     now.Add(pathExpiry(p.ReceivedOn)),
		},
		announce: p.Clone(),
	}
	if have {
		entry.randoms = cur.randoms
	}
	entry.addRandom(a.RandomHash)
	t.paths[a.Destination] = entry
	t.publish()
	t.metrics.announces.WithLabelValues("accepted").Inc()
	t.log.Debug("path updated",
		zap.Stringer("destination", a.Destination),
		zap.Uint8("hops", p.Hops),
		zap.Stringer("next_hop", nextHop),
		zap.String("interface", ifaceName(p.ReceivedOn)))

	t.remember(discovery.Known{
		Destination: a.Destination,
		Identity:    a.Identity,
		AppData:     a.AppData,
		Hops:        p.Hops,
		SeenAt:      now,
	})

	if t.cfg.Enabled && !a.PathResponse && int(p.Hops) < t.cfg.MaxHops {
		t.announces[a.Destination] = &announceEntry{
			packet: p.Clone(),
			hops:   p.Hops,
			next:   now.Add(jitter(AnnounceWindow)),
		}
	}
	if w, ok := t.waiting[a.Destination]; ok {
		delete(t.waiting, a.Destination)
		t.answerPathRequest(entry, w.receivedOn)
	}
	t.notify(a)
}

// suppressRebroadcast cancels a pending rebroadcast once a neighbour passed
// the announce on, or enough neighbours at our distance repeated it.
func (t *Transport) suppressRebroadcast(dest identity.Hash, hops uint8) {
	e, ok := t.announces[dest]
	if !ok {
		return
	}
	switch int(hops) {
	case int(e.hops) + 2:
		delete(t.announces, dest)
	case int(e.hops) + 1:
		e.localRebroadcasts++
		if e.localRebroadcasts >= LocalRebroadcastsMax {
			delete(t.announces, dest)
		}
	}
}

// rebroadcast retransmits due announces with this node as transport id.
func (t *Transport) rebroadcast(now time.Time) {
	for dest, e := range t.announces {
		if now.Before(e.next) {
			continue
		}
		if e.retries > AnnounceRetries {
			delete(t.announces, dest)
			continue
		}
		q := e.packet.Clone()
		q.ReceivedOn, q.AttachedTo = nil, nil
		q.HeaderType = packet.Header2
		q.TransportType = packet.Transport
		q.TransportID = t.id
		q.Hops = e.hops
		raw, err := q.Pack()
		if err != nil {
			delete(t.announces, dest)
			continue
		}
		if err := t.broadcast(raw, nil); err != nil {
			t.log.Debug("announce rebroadcast failed", zap.Stringer("destination", dest), zap.Error(err))
		}
		e.retries++
		e.next = now.Add(AnnounceGrace + jitter(AnnounceWindow))
		t.metrics.announces.WithLabelValues("rebroadcast").Inc()
	}
}

func (t *Transport) limiter(dest identity.Hash) *rate.Limiter {
	if l, ok := t.limiters.Get(dest); ok {
		return l
	}
	l := rate.NewLimiter(t.cfg.AnnounceRate, t.cfg.AnnounceBurst)
	t.limiters.Add(dest, l)
	return l
}

// remember caches the identity for Recall and hands it to the resolver off
// the control loop, since a shared resolver may block on the network.
func (t *Transport) remember(k discovery.Known) {
	t.known.Add(k.Destination, k)
	select {
	case t.persist <- k:
	default:
		t.log.Warn("identity persistence backlog full", zap.Stringer("destination", k.Destination))
	}
}

func (t *Transport) notify(a *destination.Announced) {
	t.hmu.RLock()
	handlers := append([]announceHandler(nil), t.handlers...)
	t.hmu.RUnlock()
	for _, h := range handlers {
		if h.all || h.nameHash == a.NameHash {
			h.fn(a)
		}
	}
}

func jitter(window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	return rand.N(window)
}

func ifaceName(i iface.Interface) string {
	if i == nil {
		return ""
	}
	return i.Name()
}
