package rns

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/joshuafuller/Reticulum/rns/config"
	"github.com/joshuafuller/Reticulum/rns/discovery/redis"
	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/iface"
	"github.com/joshuafuller/Reticulum/rns/iface/quic"
	"github.com/joshuafuller/Reticulum/rns/iface/tcp"
	"github.com/joshuafuller/Reticulum/rns/iface/udp"
	"github.com/joshuafuller/Reticulum/rns/iface/ws"
)

const redisDialTimeout = 5 * time.Second

// FromConfig builds a node from a loaded configuration. dir is the
// configuration directory; the identity file is created there on first use.
func FromConfig(cfg *config.Config, dir string, reg prometheus.Registerer, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}
	id, created, err := identity.LoadOrGenerate(cfg.IdentityPath(dir))
	if err != nil {
		return nil, err
	}
	if created {
		log.Info("created identity", zap.Stringer("identity", id.Hash()), zap.String("path", cfg.IdentityPath(dir)))
	}

	opts := Options{
		Identity:   id,
		Transport:  cfg.Node.Transport,
		MaxHops:    cfg.Node.MaxHops,
		Registerer: reg,
		Logger:     log,
	}

	if cfg.Discovery.Redis != "" {
		ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
		store, err := redis.Dial(ctx, cfg.Discovery.Redis, redis.Options{TTL: cfg.Discovery.TTL})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("rns: discovery redis %s: %w", cfg.Discovery.Redis, err)
		}
		opts.Resolver = store
		opts.Closers = append(opts.Closers, store)
	}

	for _, ic := range cfg.Interfaces {
		if !ic.IsEnabled() {
			log.Info("interface disabled", zap.String("interface", ic.Name))
			continue
		}
		i, err := buildInterface(ic, id, log)
		if err != nil {
			closeAll(opts.Closers)
			return nil, fmt.Errorf("rns: interface %q: %w", ic.Name, err)
		}
		opts.Interfaces = append(opts.Interfaces, i)
	}
	n, err := NewNode(opts)
	if err != nil {
		closeAll(opts.Closers)
		return nil, err
	}
	return n, nil
}

func buildInterface(ic config.Interface, id *identity.Identity, log *zap.Logger) (iface.Interface, error) {
	mode, err := iface.ParseMode(ic.Mode)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(ic.Type) {
	case config.TypeUDP:
		return udp.New(udp.Config{Name: ic.Name, Listen: ic.Listen, Peers: ic.Peers, Mode: mode, Logger: log})
	case config.TypeTCPServer:
		return tcp.NewServer(tcp.ServerConfig{Name: ic.Name, Listen: ic.Listen, Identity: id, Mode: mode, Logger: log})
	case config.TypeTCPClient:
		if len(ic.Peers) != 1 {
			return nil, fmt.Errorf("tcp client needs exactly one peer, got %d", len(ic.Peers))
		}
		return tcp.NewClient(tcp.ClientConfig{Name: ic.Name, Address: ic.Peers[0], Identity: id, Mode: mode, Logger: log})
	case config.TypeQUIC:
		return quic.New(quic.Config{Name: ic.Name, Listen: ic.Listen, Peers: ic.Peers, Identity: id, Mode: mode, Logger: log})
	case config.TypeWSServer, config.TypeWSClient:
		return ws.New(ws.Config{Name: ic.Name, Listen: ic.Listen, Path: ic.Path, Peers: ic.Peers, Mode: mode, Logger: log})
	default:
		return nil, fmt.Errorf("unknown interface type %q", ic.Type)
	}
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
