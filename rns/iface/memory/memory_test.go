package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuafuller/Reticulum/rns/iface"
)

type sink struct {
	mu     sync.Mutex
	frames [][]byte
	from   []iface.Interface
}

func (s *sink) receive(raw []byte, from iface.Interface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, raw)
	s.from = append(s.from, from)
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub()
	a := h.Attach("a", iface.ModeFull)
	b := h.Attach("b", iface.ModeRoaming)
	c := h.Attach("c", iface.ModeFull)

	var sa, sb, sc sink
	a.SetReceiver(sa.receive)
	b.SetReceiver(sb.receive)
	c.SetReceiver(sc.receive)

	ctx := context.Background()
	for _, i := range []*Interface{a, b, c} {
		require.NoError(t, i.Start(ctx))
	}

	require.NoError(t, a.Transmit([]byte("frame")))
	assert.Empty(t, sa.frames)
	require.Len(t, sb.frames, 1)
	require.Len(t, sc.frames, 1)
	assert.Equal(t, []byte("frame"), sb.frames[0])
	assert.Same(t, b, sb.from[0].(*Interface))
	assert.Equal(t, iface.ModeRoaming, sb.from[0].Mode())

	st := a.Stats()
	assert.Equal(t, uint64(1), st.TxPackets)
	assert.Equal(t, uint64(5), st.TxBytes)
	assert.True(t, st.Online)
	assert.Equal(t, uint64(1), b.Stats().RxPackets)
}

func TestTransmitRules(t *testing.T) {
	a, b := Pair("a", "b")
	assert.ErrorIs(t, a.Transmit([]byte("x")), iface.ErrNotStarted)

	require.NoError(t, a.Start(context.Background()))
	assert.ErrorIs(t, a.Transmit(make([]byte, iface.DefaultMTU+1)), iface.ErrFrameTooBig)

	// b never started, so it hears nothing.
	var sb sink
	b.SetReceiver(sb.receive)
	require.NoError(t, a.Transmit([]byte("x")))
	assert.Empty(t, sb.frames)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Transmit([]byte("x")), iface.ErrClosed)
	assert.False(t, a.Stats().Online)
}

func TestDeliveredFramesAreCopies(t *testing.T) {
	a, b := Pair("a", "b")
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	var sb sink
	b.SetReceiver(sb.receive)

	buf := []byte("abc")
	require.NoError(t, a.Transmit(buf))
	buf[0] = 'z'
	assert.Equal(t, []byte("abc"), sb.frames[0])
}
