package status

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/iface"
	memiface "github.com/joshuafuller/Reticulum/rns/iface/memory"
	"github.com/joshuafuller/Reticulum/rns/link"
	"github.com/joshuafuller/Reticulum/rns/transport"
)

type fakeSource struct {
	id     identity.Hash
	paths  []transport.Path
	ifaces []iface.Interface
}

func (f *fakeSource) ID() identity.Hash             { return f.id }
func (f *fakeSource) Enabled() bool                 { return true }
func (f *fakeSource) Paths() []transport.Path       { return f.paths }
func (f *fakeSource) Interfaces() []iface.Interface { return f.ifaces }
func (f *fakeSource) Links() []*link.Link           { return nil }

func (f *fakeSource) PathTo(dest identity.Hash) (transport.Path, bool) {
	for _, p := range f.paths {
		if p.Destination == dest {
			return p, true
		}
	}
	return transport.Path{}, false
}

func newServer(t *testing.T) (*httptest.Server, *fakeSource) {
	t.Helper()
	a, _ := memiface.Pair("lan", "peer")
	now := time.Now().UTC().Truncate(time.Second)
	src := &fakeSource{
		id: identity.TruncatedHash([]byte("node")),
		paths: []transport.Path{{
			Destination: identity.TruncatedHash([]byte("dest")),
			NextHop:     identity.TruncatedHash([]byte("relay")),
			Hops:        3,
			Interface:   a,
			Updated:     now,
			Expires:     now.Add(time.Hour),
		}},
		ifaces: []iface.Interface{a},
	}
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "rns_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv := httptest.NewServer(New(src, reg, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, src
}

func get(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestPaths(t *testing.T) {
	srv, src := newServer(t)

	var paths []Path
	require.Equal(t, http.StatusOK, get(t, srv.URL+"/paths", &paths))
	require.Len(t, paths, 1)
	assert.Equal(t, src.paths[0].Destination.String(), paths[0].Destination)
	assert.Equal(t, uint8(3), paths[0].Hops)
	assert.Equal(t, "lan", paths[0].Interface)
	assert.True(t, src.paths[0].Expires.Equal(paths[0].Expires))

	var one Path
	require.Equal(t, http.StatusOK, get(t, srv.URL+"/paths/"+src.paths[0].Destination.String(), &one))
	assert.Equal(t, paths[0], one)

	unknown := identity.TruncatedHash([]byte("nowhere"))
	assert.Equal(t, http.StatusNotFound, get(t, srv.URL+"/paths/"+unknown.String(), nil))
	assert.Equal(t, http.StatusBadRequest, get(t, srv.URL+"/paths/zz", nil))
}

func TestNodeAndInterfaces(t *testing.T) {
	srv, src := newServer(t)

	var n Node
	require.Equal(t, http.StatusOK, get(t, srv.URL+"/", &n))
	assert.Equal(t, src.id.String(), n.Identity)
	assert.Equal(t, 1, n.Paths)
	assert.True(t, n.Transport)

	var ifaces []Interface
	require.Equal(t, http.StatusOK, get(t, srv.URL+"/interfaces", &ifaces))
	require.Len(t, ifaces, 1)
	assert.Equal(t, "lan", ifaces[0].Name)
	assert.Equal(t, "full", ifaces[0].Mode)
	assert.Equal(t, iface.DefaultMTU, ifaces[0].MTU)

	var links []Link
	require.Equal(t, http.StatusOK, get(t, srv.URL+"/links", &links))
	assert.Empty(t, links)
}

func TestMetrics(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "rns_test_total 1")
}
