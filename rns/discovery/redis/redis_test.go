package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuafuller/Reticulum/rns/discovery"
	"github.com/joshuafuller/Reticulum/rns/identity"
)

// Set RNS_TEST_REDIS=host:port to run against a live server.
func testStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("RNS_TEST_REDIS")
	if addr == "" {
		t.Skip("RNS_TEST_REDIS not set")
	}
	s, err := Dial(context.Background(), addr, Options{Prefix: "rns:test:" + t.Name() + ":", TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRememberRecall(t *testing.T) {
	s := testStore(t)
	id, err := identity.Generate()
	require.NoError(t, err)
	dest := identity.TruncatedHash([]byte("redis"))

	require.NoError(t, s.Remember(discovery.Known{Destination: dest, Identity: id, AppData: []byte("x"), Hops: 4, SeenAt: time.Now()}))
	got, err := s.Recall(dest)
	require.NoError(t, err)
	assert.Equal(t, id.Hash(), got.Identity.Hash())
	assert.Equal(t, uint8(4), got.Hops)

	_, err = s.Recall(identity.TruncatedHash([]byte("missing")))
	assert.ErrorIs(t, err, discovery.ErrNotFound)

	list, err := s.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDefaults(t *testing.T) {
	s := New(nil, Options{})
	assert.Equal(t, DefaultPrefix, s.prefix)
	assert.Equal(t, DefaultTTL, s.ttl)
	assert.Equal(t, DefaultPrefix+identity.Hash{}.String(), s.key(identity.Hash{}))
}
