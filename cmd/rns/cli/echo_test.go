package cli

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuafuller/Reticulum/rns/config"
	"github.com/joshuafuller/Reticulum/rns/destination"
	"github.com/joshuafuller/Reticulum/rns/identity"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := c.LocalAddr().String()
	require.NoError(t, c.Close())
	return addr
}

func udpConfig(t *testing.T, listen, peer string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Node.LogLevel = "error"
	cfg.Interfaces = []config.Interface{{Name: "udp", Type: config.TypeUDP, Listen: listen, Peers: []string{peer}}}
	require.NoError(t, cfg.Save(dir))
	return dir
}

func TestEchoOverUDP(t *testing.T) {
	srvAddr, cliAddr := freeUDPAddr(t), freeUDPAddr(t)
	srvDir := udpConfig(t, srvAddr, cliAddr)
	cliDir := udpConfig(t, cliAddr, srvAddr)

	id, _, err := identity.LoadOrGenerate(filepath.Join(srvDir, "identity"))
	require.NoError(t, err)
	dest, err := destination.HashFor(id, echoApp, echoAspects...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srvOut := &syncBuffer{}
	srvDone := make(chan error, 1)
	go func() {
		root := NewRootCmd()
		root.SetOut(srvOut)
		root.SetErr(srvOut)
		root.SetArgs([]string{"echo", "-s", "--config", srvDir})
		srvDone <- root.ExecuteContext(ctx)
	}()
	defer func() {
		cancel()
		assert.NoError(t, <-srvDone)
	}()
	require.Eventually(t, func() bool {
		return strings.Contains(srvOut.String(), "Sent announce")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, srvOut.String(), dest.String())

	out, err := execute("echo", dest.String(), "--config", cliDir, "-t", "10s")
	require.NoError(t, err, out)
	assert.Contains(t, out, fmt.Sprintf("Valid reply received from %s", dest))
	require.Eventually(t, func() bool {
		return strings.Contains(srvOut.String(), "proof sent")
	}, 5*time.Second, 10*time.Millisecond)
}
