package link

import (
	"bytes"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuafuller/Reticulum/rns/destination"
	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/packet"
)

// wire queues packets so tests decide when, and whether, they arrive.
type wire struct {
	mu    sync.Mutex
	queue []*packet.Packet
}

func (w *wire) Outbound(p *packet.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = append(w.queue, p)
	return nil
}

func (w *wire) take() []*packet.Packet {
	w.mu.Lock()
	defer w.mu.Unlock()
	q := w.queue
	w.queue = nil
	return q
}

// onAir packs and unpacks p the way an interface would.
func onAir(t *testing.T, p *packet.Packet) *packet.Packet {
	t.Helper()
	raw, err := p.Pack()
	require.NoError(t, err)
	q, err := packet.Unpack(raw)
	require.NoError(t, err)
	return q
}

type recorder struct {
	mu          sync.Mutex
	established int
	closed      int
	packets     [][]byte
	resources   [][]byte
	identified  int
}

func (r *recorder) config(clk clock.Clock) Config {
	return Config{
		Clock:         clk,
		OnEstablished: func(*Link) { r.mu.Lock(); r.established++; r.mu.Unlock() },
		OnClosed:      func(*Link) { r.mu.Lock(); r.closed++; r.mu.Unlock() },
		OnPacket: func(_ *Link, data []byte) {
			r.mu.Lock()
			r.packets = append(r.packets, append([]byte(nil), data...))
			r.mu.Unlock()
		},
		OnResource: func(_ *Link, data []byte) {
			r.mu.Lock()
			r.resources = append(r.resources, data)
			r.mu.Unlock()
		},
		OnIdentified: func(*Link) { r.mu.Lock(); r.identified++; r.mu.Unlock() },
	}
}

type pair struct {
	clk      *clock.Mock
	in, out  *destination.Destination
	a, b     *Link
	wa, wb   *wire
	ra, rb   *recorder
	serverID *identity.Identity
}

func destinations(t *testing.T) (*identity.Identity, *destination.Destination, *destination.Destination) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	in, err := destination.New(id, destination.In, packet.Single, "test", "link")
	require.NoError(t, err)
	in.AcceptLinks(true)
	pub, err := identity.FromPublicKey(id.PublicKey())
	require.NoError(t, err)
	out, err := destination.New(pub, destination.Out, packet.Single, "test", "link")
	require.NoError(t, err)
	return id, in, out
}

// request starts the initiator side and returns the request as received.
func request(t *testing.T, tweak func(*Config)) *pair {
	t.Helper()
	p := &pair{clk: clock.NewMock(), wa: &wire{}, wb: &wire{}, ra: &recorder{}, rb: &recorder{}}
	p.serverID, p.in, p.out = destinations(t)
	cfg := p.ra.config(p.clk)
	if tweak != nil {
		tweak(&cfg)
	}
	var err error
	p.a, err = New(p.out, p.wa, cfg)
	require.NoError(t, err)
	require.NoError(t, p.a.Start())
	assert.Equal(t, StateRequested, p.a.State())
	return p
}

func establish(t *testing.T, tweak func(*Config)) *pair {
	t.Helper()
	p := request(t, tweak)
	sent := p.wa.take()
	require.Len(t, sent, 1)
	req := onAir(t, sent[0])
	require.Equal(t, packet.LinkRequest, req.Type)

	cfg := p.rb.config(p.clk)
	if tweak != nil {
		tweak(&cfg)
	}
	var err error
	p.b, err = Accept(p.in, req, p.wb, cfg)
	require.NoError(t, err)
	require.Equal(t, p.a.ID(), p.b.ID())
	assert.Equal(t, StateHandshaking, p.b.State())

	p.clk.Add(100 * time.Millisecond)
	p.shuttle(t, nil)
	require.Equal(t, StateActive, p.a.State())
	require.Equal(t, StateActive, p.b.State())
	return p
}

// shuttle delivers queued packets both ways until the wires are quiet.
// drop may discard packets heading to the responder.
func (p *pair) shuttle(t *testing.T, drop func(*packet.Packet) bool) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		toB, toA := p.wa.take(), p.wb.take()
		if len(toB) == 0 && len(toA) == 0 {
			return
		}
		for _, pkt := range toA {
			_ = p.a.Receive(onAir(t, pkt))
		}
		for _, pkt := range toB {
			if drop != nil && drop(pkt) {
				continue
			}
			_ = p.b.Receive(onAir(t, pkt))
		}
	}
	t.Fatal("wires never went quiet")
}

func TestEstablish(t *testing.T) {
	p := establish(t, nil)

	assert.Equal(t, 100*time.Millisecond, p.a.RTT())
	assert.Equal(t, 100*time.Millisecond, p.b.RTT())
	assert.Equal(t, 1, p.ra.established)
	assert.Equal(t, 1, p.rb.established)
	assert.True(t, p.a.Initiator())
	assert.False(t, p.b.Initiator())
	assert.Equal(t, p.serverID.Hash(), p.a.RemoteIdentity().Hash())
	assert.Nil(t, p.b.RemoteIdentity())
}

func TestProofWithBadSignatureIsIgnored(t *testing.T) {
	p := request(t, nil)
	req := onAir(t, p.wa.take()[0])
	b, err := Accept(p.in, req, p.wb, Config{Clock: p.clk})
	require.NoError(t, err)
	require.NotNil(t, b)

	proof := onAir(t, p.wb.take()[0])
	proof.Data[0] ^= 0xFF
	assert.ErrorIs(t, p.a.Receive(proof), ErrHandshake)
	assert.Equal(t, StateRequested, p.a.State())
}

func TestAcceptRequiresAcceptingDestination(t *testing.T) {
	p := request(t, nil)
	req := onAir(t, p.wa.take()[0])
	p.in.AcceptLinks(false)
	_, err := Accept(p.in, req, p.wb, Config{})
	assert.ErrorIs(t, err, ErrNotAccepted)
}

func TestNewRejectsInboundDestination(t *testing.T) {
	_, in, _ := destinations(t)
	_, err := New(in, &wire{}, Config{})
	assert.ErrorIs(t, err, ErrInvalidDestination)
}

func TestEstablishmentTimeout(t *testing.T) {
	p := request(t, func(c *Config) { c.Hops = 2 })
	req := onAir(t, p.wa.take()[0])
	_, err := Accept(p.in, req, p.wb, Config{Clock: p.clk})
	require.NoError(t, err)
	proof := onAir(t, p.wb.take()[0])

	p.clk.Add(11 * time.Second)
	p.a.Tick()
	assert.Equal(t, StateRequested, p.a.State())

	p.clk.Add(2 * time.Second)
	p.a.Tick()
	assert.Equal(t, StateTimedOut, p.a.State())
	assert.ErrorIs(t, p.a.Err(), ErrTimeout)
	assert.Equal(t, 1, p.ra.closed)

	p.a.Tick()
	assert.Equal(t, 1, p.ra.closed)

	// A proof arriving after the timeout needs a fresh handshake.
	assert.ErrorIs(t, p.a.Receive(proof), ErrLinkClosed)
	assert.Equal(t, StateTimedOut, p.a.State())
	assert.Zero(t, p.ra.established)
}

func TestSendDeliversInOrder(t *testing.T) {
	p := establish(t, nil)

	for i := 0; i < 20; i++ {
		require.NoError(t, p.a.Send([]byte{byte(i)}))
	}
	p.shuttle(t, nil)

	require.Len(t, p.rb.packets, 20)
	for i, data := range p.rb.packets {
		assert.Equal(t, []byte{byte(i)}, data)
	}
	assert.Zero(t, p.a.Pending())

	require.NoError(t, p.b.Send([]byte("reply")))
	p.shuttle(t, nil)
	require.Len(t, p.ra.packets, 1)
	assert.Equal(t, []byte("reply"), p.ra.packets[0])
}

func TestLostSegmentIsRetransmitted(t *testing.T) {
	p := establish(t, nil)

	dropped := false
	dropFirstSegment := func(pkt *packet.Packet) bool {
		if pkt.Context == packet.ContextSegment && !dropped {
			dropped = true
			return true
		}
		return false
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, p.a.Send([]byte{byte(i)}))
	}
	p.shuttle(t, dropFirstSegment)
	assert.Empty(t, p.rb.packets, "later segments wait for the missing one")
	assert.Equal(t, 1, p.a.Pending())

	p.clk.Add(MinRTO)
	p.a.Tick()
	p.shuttle(t, nil)

	require.Len(t, p.rb.packets, 3)
	for i, data := range p.rb.packets {
		assert.Equal(t, []byte{byte(i)}, data)
	}
	assert.Zero(t, p.a.Pending())
}

func TestDuplicateSegmentDeliveredOnce(t *testing.T) {
	p := establish(t, nil)

	require.NoError(t, p.a.Send([]byte("once")))
	seg := p.wa.take()
	require.Len(t, seg, 1)
	require.NoError(t, p.b.Receive(onAir(t, seg[0])))

	// The ack is lost, so the initiator sends the segment again.
	p.wb.take()
	p.clk.Add(MinRTO)
	p.a.Tick()
	p.shuttle(t, nil)

	assert.Len(t, p.rb.packets, 1)
	assert.Zero(t, p.a.Pending())
}

func TestRetriesExhaustedTimesOut(t *testing.T) {
	p := establish(t, nil)

	require.NoError(t, p.a.Send([]byte("lost")))
	first := p.wa.take()
	require.Len(t, first, 1)
	for i := 0; i < DefaultMaxRetries+2 && p.a.State() == StateActive; i++ {
		p.clk.Add(MaxRTO)
		p.a.Tick()
		p.wa.take()
	}
	assert.Equal(t, StateTimedOut, p.a.State())
	assert.ErrorIs(t, p.a.Err(), ErrTimeout)
	assert.Equal(t, 1, p.ra.closed)
	assert.ErrorIs(t, p.a.Send([]byte("x")), ErrLinkClosed)

	// Late traffic from the peer does not revive the link.
	require.NoError(t, p.b.Receive(onAir(t, first[0])))
	require.NoError(t, p.b.Send([]byte("late")))
	late := p.wb.take()
	require.NotEmpty(t, late)
	for _, pkt := range late {
		assert.ErrorIs(t, p.a.Receive(onAir(t, pkt)), ErrLinkClosed)
	}
	assert.Equal(t, StateTimedOut, p.a.State())
	assert.Equal(t, 1, p.ra.closed)
	assert.Empty(t, p.ra.packets)
}

func TestSendLimits(t *testing.T) {
	p := request(t, func(c *Config) {
		c.Window = 1
		c.MaxBacklog = 2
	})
	assert.ErrorIs(t, p.a.Send([]byte("early")), ErrNotActive)
	p.wa.take()

	p = establish(t, func(c *Config) {
		c.Window = 1
		c.MaxBacklog = 2
	})
	assert.ErrorIs(t, p.a.Send(make([]byte, MDU+1)), ErrTooLarge)
	require.NoError(t, p.a.Send(make([]byte, MDU)))
	require.NoError(t, p.a.Send([]byte("b")))
	require.NoError(t, p.a.Send([]byte("c")))
	assert.ErrorIs(t, p.a.Send([]byte("d")), ErrBacklogFull)

	p.shuttle(t, nil)
	assert.Len(t, p.rb.packets, 3)
}

func TestSendResource(t *testing.T) {
	p := establish(t, nil)

	payload := make([]byte, 5000)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	require.NoError(t, p.a.SendResource(payload))
	p.shuttle(t, nil)

	require.Len(t, p.rb.resources, 1)
	assert.True(t, bytes.Equal(payload, p.rb.resources[0]))

	text := bytes.Repeat([]byte("compressible "), 2000)
	require.NoError(t, p.b.SendResource(text))
	p.shuttle(t, nil)
	require.Len(t, p.ra.resources, 1)
	assert.Equal(t, text, p.ra.resources[0])
}

func TestIdentify(t *testing.T) {
	p := establish(t, nil)

	client, err := identity.Generate()
	require.NoError(t, err)
	assert.ErrorIs(t, p.b.Identify(client), ErrNotInitiator)
	require.NoError(t, p.a.Identify(client))
	p.shuttle(t, nil)

	require.NotNil(t, p.b.RemoteIdentity())
	assert.Equal(t, client.Hash(), p.b.RemoteIdentity().Hash())
	assert.Equal(t, 1, p.rb.identified)
}

func TestTeardown(t *testing.T) {
	p := establish(t, nil)

	require.NoError(t, p.a.Teardown())
	p.shuttle(t, nil)

	assert.Equal(t, StateClosed, p.a.State())
	assert.Equal(t, StateClosed, p.b.State())
	assert.NoError(t, p.a.Err())
	assert.NoError(t, p.b.Err())
	assert.Equal(t, 1, p.ra.closed)
	assert.Equal(t, 1, p.rb.closed)

	require.NoError(t, p.a.Teardown())
	assert.Equal(t, 1, p.ra.closed)
	assert.ErrorIs(t, p.b.Send([]byte("x")), ErrLinkClosed)
}

func TestKeepaliveAndStale(t *testing.T) {
	p := establish(t, nil)

	p.clk.Add(DefaultKeepalive)
	p.a.Tick()
	sent := p.wa.take()
	require.Len(t, sent, 1)
	assert.Equal(t, packet.ContextKeepalive, sent[0].Context)
	require.NoError(t, p.b.Receive(onAir(t, sent[0])))
	reply := p.wb.take()
	require.Len(t, reply, 1)
	require.NoError(t, p.a.Receive(onAir(t, reply[0])))

	// The responder heard from the initiator at the keepalive, so it is
	// not stale yet.
	p.clk.Add(DefaultStaleTime - DefaultKeepalive)
	p.b.Tick()
	assert.Equal(t, StateActive, p.b.State())

	p.clk.Add(DefaultKeepalive + time.Second)
	p.b.Tick()
	assert.Equal(t, StateTimedOut, p.b.State())
	assert.ErrorIs(t, p.b.Err(), ErrTimeout)
}

func TestSessionInterface(t *testing.T) {
	var _ destination.Session = (*Link)(nil)
}
