package transport

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/joshuafuller/Reticulum/rns/destination"
	"github.com/joshuafuller/Reticulum/rns/iface"
	"github.com/joshuafuller/Reticulum/rns/packet"
)

// Outbound transmits a locally originated packet. Packets to a Single
// destination with a known path go out on that path's interface, through the
// next relay when it is more than one hop away. Everything else, and packets
// without a known path, is broadcast on every interface unless pinned with
// AttachedTo. Outbound is safe for concurrent use and may be called from
// handlers running on the control loop.
func (t *Transport) Outbound(p *packet.Packet) error {
	q := p.Clone()
	q.ReceivedOn = nil

	var targets []iface.Interface
	switch {
	case q.AttachedTo != nil:
		targets = []iface.Interface{q.AttachedTo}
	case q.Type == packet.Announce, q.Type == packet.Proof,
		q.DestinationType != packet.Single:
		targets = t.Interfaces()
	default:
		if path, ok := t.PathTo(q.Destination); ok {
			if path.Hops > 1 && !path.NextHop.IsZero() {
				q.HeaderType = packet.Header2
				q.TransportType = packet.Transport
				q.TransportID = path.NextHop
			}
			targets = []iface.Interface{path.Interface}
		} else {
			targets = t.Interfaces()
		}
	}

	raw, err := q.Pack()
	if err != nil {
		return err
	}
	if q.Type != packet.Announce {
		t.seen.Add(q.Hash(), struct{}{})
	}
	return t.transmit(raw, targets)
}

// transmit sends raw on every target. It fails only when no target took the
// frame.
func (t *Transport) transmit(raw []byte, targets []iface.Interface) error {
	if len(targets) == 0 {
		return ErrNoPath
	}
	var errs error
	sent := 0
	for _, i := range targets {
		if len(raw) > i.MTU() {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", i.Name(), iface.ErrFrameTooBig))
			continue
		}
		if err := i.Transmit(raw); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", i.Name(), err))
			continue
		}
		sent++
		t.metrics.outbound.WithLabelValues(i.Name()).Inc()
	}
	if sent == 0 {
		return errs
	}
	if errs != nil {
		t.log.Debug("partial transmit", zap.Int("sent", sent), zap.Error(errs))
	}
	return nil
}

func (t *Transport) broadcast(raw []byte, except iface.Interface) error {
	var targets []iface.Interface
	for _, i := range t.Interfaces() {
		if i != except {
			targets = append(targets, i)
		}
	}
	return t.transmit(raw, targets)
}

// Send encrypts data for d and transmits it. For Single destinations the
// returned receipt resolves when the recipient proves delivery; for other
// types it is nil.
func (t *Transport) Send(d *destination.Destination, data []byte) (*Receipt, error) {
	p, err := d.Packet(data)
	if err != nil {
		return nil, err
	}
	var r *Receipt
	if d.Type() == packet.Single && d.Identity() != nil {
		hops := 1
		if path, ok := t.PathTo(d.Hash()); ok && path.Hops > 1 {
			hops = int(path.Hops)
		}
		r = newReceipt(p, d.Identity(), t.clock.Now(), ReceiptTimeoutPerHop*time.Duration(hops))
		t.rmu.Lock()
		t.receipts[r.truncated] = r
		t.rmu.Unlock()
	}
	if err := t.Outbound(p); err != nil {
		if r != nil {
			t.rmu.Lock()
			delete(t.receipts, r.truncated)
			t.rmu.Unlock()
		}
		return nil, err
	}
	return r, nil
}
