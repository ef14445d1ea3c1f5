package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuafuller/Reticulum/rns/destination"
	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/iface"
	memiface "github.com/joshuafuller/Reticulum/rns/iface/memory"
	"github.com/joshuafuller/Reticulum/rns/link"
	"github.com/joshuafuller/Reticulum/rns/packet"
)

const eventually = 5 * time.Second

func startNode(t *testing.T, forward bool, ifaces ...iface.Interface) *Transport {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	tr, err := New(Config{Identity: id, Enabled: forward, JobInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	for _, i := range ifaces {
		require.NoError(t, tr.AddInterface(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = tr.Close()
	})
	require.Eventually(t, func() bool {
		for _, i := range ifaces {
			if !i.Stats().Online {
				return false
			}
		}
		return tr.running.Load()
	}, eventually, 5*time.Millisecond)
	return tr
}

// echoServer registers an echo destination that proves every packet.
func echoServer(t *testing.T, tr *Transport) (*destination.Destination, <-chan []byte) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	in, err := destination.New(id, destination.In, packet.Single, "example_utilities", "echo", "request")
	require.NoError(t, err)
	got := make(chan []byte, 16)
	in.SetPacketHandler(func(data []byte, _ *packet.Packet) { got <- data })
	in.SetProofStrategy(destination.ProveAll)
	require.NoError(t, tr.Register(in))
	return in, got
}

func outbound(t *testing.T, tr *Transport, dest identity.Hash) *destination.Destination {
	t.Helper()
	k, err := tr.Recall(dest)
	require.NoError(t, err)
	out, err := destination.New(k.Identity, destination.Out, packet.Single, "example_utilities", "echo", "request")
	require.NoError(t, err)
	require.Equal(t, dest, out.Hash())
	return out
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(eventually):
		t.Fatal("nothing received")
		return nil
	}
}

func TestEchoBetweenNeighbours(t *testing.T) {
	hub := memiface.NewHub()
	srv := startNode(t, false, hub.Attach("srv", iface.ModeFull))
	cli := startNode(t, false, hub.Attach("cli", iface.ModeFull))

	in, got := echoServer(t, srv)
	require.NoError(t, in.Announce([]byte("echo")))
	require.Eventually(t, func() bool { return cli.HasPath(in.Hash()) }, eventually, 10*time.Millisecond)

	r, err := cli.Send(outbound(t, cli, in.Hash()), []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), receive(t, got))

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	status, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, status)
}

func TestPathRequestBetweenNeighbours(t *testing.T) {
	hub := memiface.NewHub()
	srv := startNode(t, false, hub.Attach("srv", iface.ModeFull))
	cli := startNode(t, false, hub.Attach("cli", iface.ModeFull))
	in, _ := echoServer(t, srv)

	require.NoError(t, cli.RequestPath(in.Hash()))
	require.Eventually(t, func() bool { return cli.HasPath(in.Hash()) }, eventually, 10*time.Millisecond)
}

func TestPathCommandsFromAnnounceHandler(t *testing.T) {
	hub := memiface.NewHub()
	srv := startNode(t, false, hub.Attach("srv", iface.ModeFull))
	cli := startNode(t, false, hub.Attach("cli", iface.ModeFull))
	in, _ := echoServer(t, srv)

	returned := make(chan error, 1)
	cli.RegisterAnnounceHandler("", func(a *destination.Announced) {
		select {
		case returned <- cli.ExpirePath(a.Destination):
		default:
		}
	})
	require.NoError(t, in.Announce(nil))
	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(eventually):
		t.Fatal("announce handler blocked")
	}
	require.Eventually(t, func() bool { return !cli.HasPath(in.Hash()) }, eventually, 10*time.Millisecond)
}

// chain builds a - r - b where only r forwards.
func chain(t *testing.T) (a, r, b *Transport) {
	t.Helper()
	left, right := memiface.NewHub(), memiface.NewHub()
	a = startNode(t, false, left.Attach("a", iface.ModeFull))
	r = startNode(t, true, left.Attach("r-left", iface.ModeFull), right.Attach("r-right", iface.ModeFull))
	b = startNode(t, false, right.Attach("b", iface.ModeFull))
	return a, r, b
}

func TestSendThroughRelay(t *testing.T) {
	a, r, b := chain(t)
	in, got := echoServer(t, b)
	require.NoError(t, in.Announce(nil))

	require.Eventually(t, func() bool {
		p, ok := a.PathTo(in.Hash())
		return ok && p.Hops == 2 && p.NextHop == r.ID()
	}, eventually, 10*time.Millisecond)

	rc, err := a.Send(outbound(t, a, in.Hash()), []byte("across"))
	require.NoError(t, err)
	assert.Equal(t, []byte("across"), receive(t, got))

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	status, err := rc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, status)
	assert.GreaterOrEqual(t, testutil.ToFloat64(r.metrics.forwarded), 2.0)
}

func TestLinkThroughRelay(t *testing.T) {
	a, r, b := chain(t)
	in, _ := echoServer(t, b)
	require.NoError(t, b.ServeLinks(in, link.Config{
		OnPacket: func(l *link.Link, data []byte) {
			_ = l.Send(append([]byte("echo:"), data...))
		},
		OnResource: func(l *link.Link, data []byte) {
			_ = l.Send([]byte{byte(len(data) >> 8), byte(len(data))})
		},
	}))
	require.NoError(t, in.Announce(nil))
	require.Eventually(t, func() bool { return a.HasPath(in.Hash()) }, eventually, 10*time.Millisecond)

	established := make(chan struct{})
	replies := make(chan []byte, 4)
	l, err := a.OpenLink(outbound(t, a, in.Hash()), link.Config{
		OnEstablished: func(*link.Link) { close(established) },
		OnPacket:      func(_ *link.Link, data []byte) { replies <- data },
	})
	require.NoError(t, err)
	select {
	case <-established:
	case <-time.After(eventually):
		t.Fatalf("link not established, state %s", l.State())
	}
	require.Len(t, b.Links(), 1)

	require.NoError(t, l.Send([]byte("hello")))
	assert.Equal(t, []byte("echo:hello"), receive(t, replies))

	require.NoError(t, l.SendResource(bytes.Repeat([]byte("resource "), 300)))
	assert.Equal(t, []byte{byte(2700 >> 8), byte(2700 & 0xFF)}, receive(t, replies))
	assert.Positive(t, testutil.ToFloat64(r.metrics.forwarded))

	require.NoError(t, l.Teardown())
	require.Eventually(t, func() bool { return len(b.Links()) == 0 && len(a.Links()) == 0 }, eventually, 10*time.Millisecond)
}
