package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuafuller/Reticulum/rns/config"
	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/status"
	"github.com/joshuafuller/Reticulum/rns/transport"
)

func execute(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root := NewRootCmd()
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute("version")
	require.NoError(t, err)
	assert.Contains(t, out, "rns version "+Version)
}

func TestFirstRunCreatesConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rns")
	_, err := execute("identity", "--config", dir)
	require.ErrorIs(t, err, config.ErrCreated)
	assert.Contains(t, err.Error(), "review it")
	assert.FileExists(t, filepath.Join(dir, config.FileName))

	out, err := execute("identity", "--config", dir)
	require.NoError(t, err)
	id, err := identity.Load(filepath.Join(dir, "identity"))
	require.NoError(t, err)
	assert.Contains(t, out, id.Hash().String())
}

func TestIdentityGenerateAndInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id")
	out, err := execute("identity", "--generate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "New identity written")

	id, err := identity.Load(path)
	require.NoError(t, err)
	out, err = execute("identity", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, id.Hash().String())

	_, err = execute("identity", "--generate", path)
	assert.Error(t, err)
	_, err = execute("identity", "--generate", path, "--file", path)
	assert.Error(t, err)
}

func TestPathsEmpty(t *testing.T) {
	tr, err := transport.New(transport.Config{})
	require.NoError(t, err)
	srv := httptest.NewServer(status.New(tr, nil, nil).Handler())
	defer srv.Close()

	out, err := execute("paths", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "No known paths")
}

func TestPathsTable(t *testing.T) {
	dest := identity.TruncatedHash([]byte("dest"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/paths", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]status.Path{{
			Destination: dest.String(),
			NextHop:     identity.Hash{}.String(),
			Hops:        1,
			Interface:   "lan",
			Expires:     time.Now().Add(time.Hour),
		}})
	}))
	defer srv.Close()

	out, err := execute("paths", "--server", srv.URL+"/")
	require.NoError(t, err)
	assert.Contains(t, out, "DESTINATION")
	assert.Contains(t, out, dest.String())
	assert.Contains(t, out, "direct")
	assert.Contains(t, out, "lan")
}

func TestPathsServerError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err := execute("paths", "--server", srv.URL)
	assert.ErrorContains(t, err, "404")
}

func TestEchoArgs(t *testing.T) {
	_, err := execute("echo")
	assert.Error(t, err)
	_, err = execute("echo", "not-a-hash")
	assert.ErrorContains(t, err, "invalid destination")
	_, err = execute("echo", "-s", identity.Hash{}.String())
	assert.Error(t, err)
}
