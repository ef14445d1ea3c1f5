package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/joshuafuller/Reticulum/rns/iface"
)

// jobs runs the periodic maintenance. Control loop only.
func (t *Transport) jobs() {
	now := t.clock.Now()
	if t.cfg.Enabled {
		t.rebroadcast(now)
	}

	changed := false
	for h, e := range t.paths {
		if e.expired(now) {
			delete(t.paths, h)
			changed = true
		}
	}
	if changed {
		t.publish()
	}
	for h, e := range t.reverse {
		if now.After(e.expires) {
			delete(t.reverse, h)
		}
	}
	for h, e := range t.relays {
		if now.After(e.expires) {
			delete(t.relays, h)
			if !e.validated {
				t.rediscover(e, now)
			}
		}
	}
	for h, at := range t.rediscovered {
		if now.Sub(at) >= PathRequestInterval {
			delete(t.rediscovered, h)
		}
	}
	for h, w := range t.waiting {
		if now.After(w.expires) {
			delete(t.waiting, h)
		}
	}
	t.expireReceipts(now)

	for _, l := range t.Links() {
		l.Tick()
	}
}

// rediscover handles a link request relayed toward e.destination that was
// never proven: the path it took is marked unresponsive, unless the request
// came in on a boundary interface, and requested again.
func (t *Transport) rediscover(e *relayEntry, now time.Time) {
	if at, ok := t.rediscovered[e.destination]; ok && now.Sub(at) < PathRequestInterval {
		return
	}
	t.rediscovered[e.destination] = now
	if e.receivedOn == nil || e.receivedOn.Mode() != iface.ModeBoundary {
		t.markUnresponsive(e.destination)
	}
	if err := t.RequestPath(e.destination); err != nil {
		t.log.Debug("path rediscovery", zap.Stringer("destination", e.destination), zap.Error(err))
	}
}
