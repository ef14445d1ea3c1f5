package udp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuafuller/Reticulum/rns/iface"
)

func TestLoopbackExchange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(Config{Name: "a", Listen: "127.0.0.1:0"})
	require.NoError(t, err)
	b, err := New(Config{Name: "b", Listen: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer a.Close()
	defer b.Close()

	got := make(chan []byte, 1)
	b.SetReceiver(func(raw []byte, from iface.Interface) {
		assert.Equal(t, "b", from.Name())
		got <- raw
	})

	assert.ErrorIs(t, a.Transmit([]byte("x")), iface.ErrNoPeer)
	require.NoError(t, a.AddPeer(b.Addr().String()))
	require.NoError(t, a.Transmit([]byte("datagram")))

	select {
	case raw := <-got:
		assert.Equal(t, []byte("datagram"), raw)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not received")
	}
	assert.Equal(t, uint64(1), a.Stats().TxPackets)
	assert.False(t, a.Duplex())
}

func TestTransmitBeforeStart(t *testing.T) {
	a, err := New(Config{Name: "a", Listen: "127.0.0.1:0", Peers: []string{"127.0.0.1:9"}})
	require.NoError(t, err)
	assert.ErrorIs(t, a.Transmit([]byte("x")), iface.ErrNotStarted)
	assert.ErrorIs(t, a.Transmit(make([]byte, iface.DefaultMTU+1)), iface.ErrFrameTooBig)
	require.NoError(t, a.Close())
}
