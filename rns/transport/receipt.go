package transport

import (
	"context"
	"sync"
	"time"

	"github.com/joshuafuller/Reticulum/rns/destination"
	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/packet"
)

type Status uint8

const (
	StatusSent Status = iota
	StatusDelivered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Receipt tracks the delivery proof for one sent packet.
type Receipt struct {
	hash      [32]byte
	truncated identity.Hash
	dest      identity.Hash
	id        *identity.Identity
	sentAt    time.Time

	mu          sync.Mutex
	timeout     time.Duration
	status      Status
	rtt         time.Duration
	onDelivered func(*Receipt)
	onFailed    func(*Receipt)
	done        chan struct{}
}

func newReceipt(p *packet.Packet, id *identity.Identity, now time.Time, timeout time.Duration) *Receipt {
	return &Receipt{
		hash:      p.Hash(),
		truncated: p.TruncatedHash(),
		dest:      p.Destination,
		id:        id,
		sentAt:    now,
		timeout:   timeout,
		done:      make(chan struct{}),
	}
}

func (r *Receipt) Hash() [32]byte             { return r.hash }
func (r *Receipt) Destination() identity.Hash { return r.dest }

func (r *Receipt) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// RTT is the time from sending to a valid proof.
func (r *Receipt) RTT() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rtt
}

// SetTimeout changes how long the receipt waits for a proof.
func (r *Receipt) SetTimeout(d time.Duration) {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// OnDelivered registers fn for a valid proof. It runs immediately when the
// receipt is already delivered.
func (r *Receipt) OnDelivered(fn func(*Receipt)) {
	r.mu.Lock()
	if r.status == StatusDelivered {
		r.mu.Unlock()
		fn(r)
		return
	}
	r.onDelivered = fn
	r.mu.Unlock()
}

// OnFailed registers fn for a timeout.
func (r *Receipt) OnFailed(fn func(*Receipt)) {
	r.mu.Lock()
	if r.status == StatusFailed {
		r.mu.Unlock()
		fn(r)
		return
	}
	r.onFailed = fn
	r.mu.Unlock()
}

// Done is closed once the receipt leaves StatusSent.
func (r *Receipt) Done() <-chan struct{} { return r.done }

// Wait blocks until the receipt resolves or ctx ends.
func (r *Receipt) Wait(ctx context.Context) (Status, error) {
	select {
	case <-r.done:
		return r.Status(), nil
	case <-ctx.Done():
		return r.Status(), ctx.Err()
	}
}

func (r *Receipt) expired(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == StatusSent && now.Sub(r.sentAt) > r.timeout
}

func (r *Receipt) resolve(s Status, now time.Time) {
	r.mu.Lock()
	if r.status != StatusSent {
		r.mu.Unlock()
		return
	}
	r.status = s
	var cb func(*Receipt)
	if s == StatusDelivered {
		r.rtt = now.Sub(r.sentAt)
		cb = r.onDelivered
	} else {
		cb = r.onFailed
	}
	close(r.done)
	r.mu.Unlock()
	if cb != nil {
		cb(r)
	}
}

// proveReceipt resolves the receipt a proof answers. It reports whether the
// proof was meant for a local receipt.
func (t *Transport) proveReceipt(p *packet.Packet) bool {
	t.rmu.Lock()
	r, ok := t.receipts[p.Destination]
	t.rmu.Unlock()
	if !ok {
		return false
	}
	if !destination.ValidateProof(r.id, r.hash, p.Data) {
		t.drop(p, p.ReceivedOn, dropBadProof)
		return true
	}
	t.rmu.Lock()
	delete(t.receipts, p.Destination)
	t.rmu.Unlock()
	r.resolve(StatusDelivered, t.clock.Now())
	return true
}

func (t *Transport) expireReceipts(now time.Time) {
	var failed []*Receipt
	t.rmu.Lock()
	for h, r := range t.receipts {
		if r.expired(now) {
			delete(t.receipts, h)
			failed = append(failed, r)
		}
	}
	t.rmu.Unlock()
	for _, r := range failed {
		r.resolve(StatusFailed, now)
	}
}
