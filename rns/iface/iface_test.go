package iface

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeFull, ModeAccessPoint, ModeRoaming, ModeBoundary} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	got, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, got)
	_, err = ParseMode("gateway")
	assert.Error(t, err)
}

type fakeConn struct {
	sent   [][]byte
	fail   error
	closed bool
}

func (f *fakeConn) Send(raw []byte) error {
	f.sent = append(f.sent, raw)
	return f.fail
}
func (f *fakeConn) Close() error       { f.closed = true; return nil }
func (f *fakeConn) RemoteAddr() string { return "fake" }

func TestPeerSet(t *testing.T) {
	s := NewPeerSet()
	assert.ErrorIs(t, s.Broadcast([]byte("x")), ErrNoPeer)

	a, b := &fakeConn{}, &fakeConn{fail: errors.New("boom")}
	s.Add(a)
	s.Add(b)
	assert.Equal(t, 2, s.Len())

	err := s.Broadcast([]byte("x"))
	assert.EqualError(t, err, "boom")
	assert.Len(t, a.sent, 1)

	s.Remove(b)
	assert.NoError(t, s.Broadcast([]byte("y")))
	assert.NoError(t, s.CloseAll())
	assert.True(t, a.closed)
	assert.Equal(t, 0, s.Len())
}

func TestRedialBacksOff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		Redial(ctx, zap.NewNop(), "t", time.Millisecond, 4*time.Millisecond, func(context.Context) (bool, error) {
			if calls.Add(1) == 4 {
				cancel()
			}
			return false, errors.New("refused")
		})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Redial did not stop on cancel")
	}
	assert.Equal(t, int32(4), calls.Load())
}

func TestBaseCounters(t *testing.T) {
	b := NewBase("x", 10, true, ModeBoundary)
	var got []byte
	b.SetReceiver(func(raw []byte, _ Interface) { got = raw })
	b.Deliver([]byte("abc"))
	assert.Equal(t, []byte("abc"), got)
	assert.ErrorIs(t, b.CheckSize(make([]byte, 11)), ErrFrameTooBig)
	b.CountTx(4)
	st := b.Stats()
	assert.Equal(t, uint64(1), st.RxPackets)
	assert.Equal(t, uint64(3), st.RxBytes)
	assert.Equal(t, uint64(4), st.TxBytes)
	assert.Equal(t, ModeBoundary, b.Mode())
}
