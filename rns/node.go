package rns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/joshuafuller/Reticulum/rns/destination"
	"github.com/joshuafuller/Reticulum/rns/discovery"
	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/iface"
	"github.com/joshuafuller/Reticulum/rns/link"
	"github.com/joshuafuller/Reticulum/rns/packet"
	"github.com/joshuafuller/Reticulum/rns/resource"
	"github.com/joshuafuller/Reticulum/rns/transport"
)

var (
	ErrNotStarted     = errors.New("rns: node not started")
	ErrStarted        = errors.New("rns: node already started")
	ErrResolveTimeout = errors.New("rns: destination did not answer path request")
)

const (
	// ResolveInterval is how often Resolve checks for an answer to its path
	// request.
	ResolveInterval = 100 * time.Millisecond
	// ResolveRetry is how long Resolve waits before repeating the request.
	ResolveRetry = 5 * time.Second
)

// Options configure a Node. Identity is generated when nil.
type Options struct {
	Identity   *identity.Identity
	Transport  bool
	MaxHops    int
	Interfaces []iface.Interface
	Resolver   discovery.Resolver
	Registerer prometheus.Registerer
	Clock      clock.Clock
	Logger     *zap.Logger

	// Closers are closed after the interfaces, e.g. a Redis resolver.
	Closers []io.Closer
}

// Node is a high-level helper combining an identity, a transport and its
// interfaces. Applications that need more control use transport directly.
type Node struct {
	id      *identity.Identity
	tr      *transport.Transport
	log     *zap.Logger
	clock   clock.Clock
	closers []io.Closer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error

	bmu        sync.Mutex
	collectors map[identity.Hash]*resource.Collector
}

func NewNode(opts Options) (*Node, error) {
	id := opts.Identity
	if id == nil {
		var err error
		if id, err = identity.Generate(); err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	tr, err := transport.New(transport.Config{
		Identity:   id,
		Enabled:    opts.Transport,
		MaxHops:    opts.MaxHops,
		Resolver:   opts.Resolver,
		Registerer: opts.Registerer,
		Clock:      clk,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	for _, i := range opts.Interfaces {
		if err := tr.AddInterface(i); err != nil {
			return nil, err
		}
	}
	return &Node{
		id:         id,
		tr:         tr,
		log:        log,
		clock:      clk,
		closers:    opts.Closers,
		collectors: make(map[identity.Hash]*resource.Collector),
	}, nil
}

func (n *Node) Identity() *identity.Identity    { return n.id }
func (n *Node) Transport() *transport.Transport { return n.tr }

// Start runs the transport in the background until ctx is cancelled or
// Close is called. It returns once the interfaces are started.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.cancel != nil {
		n.mu.Unlock()
		return ErrStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	n.cancel, n.done = cancel, done
	n.mu.Unlock()

	go func() { done <- n.tr.Run(runCtx) }()
	select {
	case <-n.tr.Ready():
	case err := <-done:
		done <- err
		if err == nil {
			err = runCtx.Err()
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
	n.log.Info("node started", zap.Stringer("identity", n.id.Hash()), zap.Int("interfaces", len(n.tr.Interfaces())))
	return nil
}

// Wait blocks until the transport stops and returns its error.
func (n *Node) Wait() error {
	n.mu.Lock()
	done := n.done
	n.mu.Unlock()
	if done == nil {
		return ErrNotStarted
	}
	err := <-done
	done <- err
	return err
}

// Close stops the transport, tears down links and closes every interface.
func (n *Node) Close() error {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		if runErr := <-done; runErr != nil {
			err = multierr.Append(err, runErr)
		}
		done <- nil
	}
	err = multierr.Append(err, n.tr.Close())
	for _, c := range n.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// NewDestination creates an inbound destination and registers it. Single
// destinations use the node identity.
func (n *Node) NewDestination(typ packet.DestinationType, appName string, aspects ...string) (*destination.Destination, error) {
	var id *identity.Identity
	if typ == packet.Single {
		id = n.id
	}
	d, err := destination.New(id, destination.In, typ, appName, aspects...)
	if err != nil {
		return nil, err
	}
	if err := n.tr.Register(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Announce emits an announce for d; nil appData uses d's default.
func (n *Node) Announce(d *destination.Destination, appData []byte) error {
	return d.Announce(appData)
}

// Resolve returns an outbound destination for a remote hash, sending a path
// request when its identity or path is not known yet and waiting for the
// answer.
func (n *Node) Resolve(ctx context.Context, dest identity.Hash, appName string, aspects ...string) (*destination.Destination, error) {
	known, err := n.tr.Recall(dest)
	if err != nil || !n.tr.HasPath(dest) {
		ticker := n.clock.Ticker(ResolveInterval)
		defer ticker.Stop()
		var requested time.Time
		for !n.tr.HasPath(dest) {
			if now := n.clock.Now(); requested.IsZero() || now.Sub(requested) >= ResolveRetry {
				// Interfaces may still be starting; a failed request is
				// retried on the next tick.
				if err := n.tr.RequestPath(dest); err != nil {
					n.log.Debug("path request", zap.Stringer("destination", dest), zap.Error(err))
				} else {
					requested = now
				}
			}
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %s", ErrResolveTimeout, dest)
			case <-ticker.C:
			}
		}
		if known, err = n.tr.Recall(dest); err != nil {
			return nil, err
		}
	}
	d, err := destination.New(known.Identity, destination.Out, packet.Single, appName, aspects...)
	if err != nil {
		return nil, err
	}
	if d.Hash() != dest {
		return nil, fmt.Errorf("%w: %s is not %s", transport.ErrUnknownDestination, dest, destination.Name(appName, aspects...))
	}
	return d, nil
}

// Send transmits one packet to d. The receipt is nil for non-Single
// destinations.
func (n *Node) Send(d *destination.Destination, data []byte) (*transport.Receipt, error) {
	return n.tr.Send(d, data)
}

// Link opens a link to d and waits until it is established, fails, or ctx
// ends. Callbacks in cfg keep working on the returned link.
func (n *Node) Link(ctx context.Context, d *destination.Destination, cfg link.Config) (*link.Link, error) {
	result := make(chan error, 1)
	established, closed := cfg.OnEstablished, cfg.OnClosed
	cfg.OnEstablished = func(l *link.Link) {
		select {
		case result <- nil:
		default:
		}
		if established != nil {
			established(l)
		}
	}
	cfg.OnClosed = func(l *link.Link) {
		err := l.Err()
		if err == nil {
			err = link.ErrLinkClosed
		}
		select {
		case result <- err:
		default:
		}
		if closed != nil {
			closed(l)
		}
	}

	l, err := n.tr.OpenLink(d, cfg)
	if err != nil {
		return nil, err
	}
	select {
	case err := <-result:
		if err != nil {
			return nil, err
		}
		return l, nil
	case <-ctx.Done():
		_ = l.Teardown()
		return nil, ctx.Err()
	}
}

// Recall returns what the node learned about dest from announces.
func (n *Node) Recall(dest identity.Hash) (discovery.Known, error) {
	return n.tr.Recall(dest)
}
