// Package transport routes packets between local destinations, links and the
// attached interfaces.
//
// A single control loop owns the routing state: the path table, pending
// announce rebroadcasts, the reverse table used to carry proofs back and the
// table of links relayed through this node. Interfaces hand received frames
// to the loop through a bounded queue and never block on it. Readers such as
// status queries and Outbound consult an immutable snapshot that the loop
// republishes after every change to the path table.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/joshuafuller/Reticulum/rns/destination"
	"github.com/joshuafuller/Reticulum/rns/discovery"
	"github.com/joshuafuller/Reticulum/rns/discovery/memory"
	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/iface"
	"github.com/joshuafuller/Reticulum/rns/link"
	"github.com/joshuafuller/Reticulum/rns/packet"
)

const (
	DefaultMaxHops = 128
	// MaxHopLimit is the largest hop count a packet can carry and still be
	// counted one hop further.
	MaxHopLimit        = 254
	DefaultQueueSize   = 1024
	DefaultJobInterval = 250 * time.Millisecond

	PathExpiry            = 7 * 24 * time.Hour
	AccessPointPathExpiry = 24 * time.Hour
	RoamingPathExpiry     = 6 * time.Hour

	AnnounceRetries = 1
	AnnounceGrace   = 5 * time.Second
	AnnounceWindow  = 500 * time.Millisecond
	// LocalRebroadcastsMax neighbours repeating an announce at our own
	// distance cancel our rebroadcast.
	LocalRebroadcastsMax = 2

	ReverseTimeout     = 8 * time.Minute
	DedupWindow        = 2 * time.Minute
	DedupSize          = 100000
	PathRequestTimeout = 30 * time.Second
	// PathRequestInterval is the least time between two rediscovery path
	// requests for the same destination.
	PathRequestInterval  = 20 * time.Second
	ReceiptTimeoutPerHop = 6 * time.Second

	DefaultAnnounceBurst = 4
	pathRequestTagSize   = 16
	maxRandomBlobs       = 64
)

// DefaultAnnounceRate caps how often one destination's announces are
// processed.
var DefaultAnnounceRate = rate.Every(10 * time.Second)

var (
	ErrNoPath             = errors.New("transport: no path")
	ErrQueueFull          = errors.New("transport: queue full")
	ErrNotRunning         = errors.New("transport: not running")
	ErrRunning            = errors.New("transport: already running")
	ErrDuplicate          = errors.New("transport: destination already registered")
	ErrUnknownDestination = errors.New("transport: unknown destination")
	ErrNoIdentity         = errors.New("transport: transport mode needs an identity")
)

// Config parameterises a Transport. Zero values select the defaults.
type Config struct {
	// Identity names this node as a relay. Required when Enabled.
	Identity *identity.Identity
	// Enabled makes the node forward packets for others and rebroadcast
	// announces.
	Enabled       bool
	MaxHops       int
	QueueSize     int
	JobInterval   time.Duration
	AnnounceRate  rate.Limit
	AnnounceBurst int
	// Resolver persists identities learned from announces.
	Resolver   discovery.Resolver
	Registerer prometheus.Registerer
	Clock      clock.Clock
	Logger     *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxHops <= 0 {
		c.MaxHops = DefaultMaxHops
	}
	if c.MaxHops > MaxHopLimit {
		c.MaxHops = MaxHopLimit
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.JobInterval <= 0 {
		c.JobInterval = DefaultJobInterval
	}
	if c.AnnounceRate == 0 {
		c.AnnounceRate = DefaultAnnounceRate
	}
	if c.AnnounceBurst <= 0 {
		c.AnnounceBurst = DefaultAnnounceBurst
	}
	if c.Resolver == nil {
		c.Resolver = memory.New()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

type frame struct {
	raw  []byte
	from iface.Interface
}

type AnnounceHandler func(a *destination.Announced)

type announceHandler struct {
	nameHash [identity.NameHashLength]byte
	all      bool
	fn       AnnounceHandler
}

// Transport is the routing engine of one node.
type Transport struct {
	cfg     Config
	log     *zap.Logger
	clock   clock.Clock
	id      identity.Hash
	metrics *metrics

	frames    chan frame
	cmds      chan func()
	persist   chan discovery.Known
	running   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once

	ifmu   sync.RWMutex
	ifaces []iface.Interface
	runCtx context.Context

	dmu   sync.RWMutex
	dests map[identity.Hash]*destination.Destination
	serve map[identity.Hash]link.Config

	lmu   sync.Mutex
	links map[identity.Hash]*link.Link

	rmu      sync.Mutex
	receipts map[identity.Hash]*Receipt

	hmu      sync.RWMutex
	handlers []announceHandler

	seen *expirable.LRU[[32]byte, struct{}]
	tags *expirable.LRU[string, struct{}]
	// requested holds destinations this node asked a path for.
	requested *expirable.LRU[identity.Hash, struct{}]
	known     *expirable.LRU[identity.Hash, discovery.Known]
	limiters  *expirable.LRU[identity.Hash, *rate.Limiter]

	pathRequests *destination.Destination

	// Owned by the control loop.
	paths     map[identity.Hash]*pathEntry
	announces map[identity.Hash]*announceEntry
	reverse   map[identity.Hash]*reverseEntry
	relays    map[identity.Hash]*relayEntry
	waiting   map[identity.Hash]*waitingRequest
	// rediscovered throttles path requests for failed relayed links.
	rediscovered map[identity.Hash]time.Time

	snap atomic.Pointer[snapshot]
}

// New builds a transport. Interfaces are added with AddInterface and started
// by Run.
func New(cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()
	if cfg.Enabled && cfg.Identity == nil {
		return nil, ErrNoIdentity
	}
	t := &Transport{
		cfg:       cfg,
		log:       cfg.Logger,
		clock:     cfg.Clock,
		metrics:   newMetrics(cfg.Registerer),
		frames:    make(chan frame, cfg.QueueSize),
		ready:     make(chan struct{}),
		cmds:      make(chan func(), 64),
		persist:   make(chan discovery.Known, 256),
		dests:     make(map[identity.Hash]*destination.Destination),
		serve:     make(map[identity.Hash]link.Config),
		links:     make(map[identity.Hash]*link.Link),
		receipts:  make(map[identity.Hash]*Receipt),
		seen:      expirable.NewLRU[[32]byte, struct{}](DedupSize, nil, DedupWindow),
		tags:      expirable.NewLRU[string, struct{}](DedupSize, nil, PathRequestTimeout),
		requested: expirable.NewLRU[identity.Hash, struct{}](4096, nil, PathRequestTimeout),
		known:     expirable.NewLRU[identity.Hash, discovery.Known](4096, nil, PathExpiry),
		limiters:  expirable.NewLRU[identity.Hash, *rate.Limiter](4096, nil, time.Hour),
		paths:     make(map[identity.Hash]*pathEntry),
		announces: make(map[identity.Hash]*announceEntry),
		reverse:   make(map[identity.Hash]*reverseEntry),
		relays:    make(map[identity.Hash]*relayEntry),
		waiting:   make(map[identity.Hash]*waitingRequest),

		rediscovered: make(map[identity.Hash]time.Time),
	}
	if cfg.Identity != nil {
		t.id = cfg.Identity.Hash()
		t.log = t.log.With(zap.Stringer("transport", t.id))
	}
	t.snap.Store(&snapshot{paths: map[identity.Hash]Path{}})

	pr, err := destination.New(nil, destination.In, packet.Plain, "rnstransport", "path", "request")
	if err != nil {
		return nil, err
	}
	pr.SetPacketHandler(t.handlePathRequest)
	t.pathRequests = pr
	if err := t.Register(pr); err != nil {
		return nil, err
	}
	return t, nil
}

// ID is the transport identity hash, zero when the node has none.
func (t *Transport) ID() identity.Hash { return t.id }

// Enabled reports whether the node forwards for others.
func (t *Transport) Enabled() bool { return t.cfg.Enabled }

// AddInterface attaches a medium. Interfaces added while running are started
// immediately.
func (t *Transport) AddInterface(i iface.Interface) error {
	i.SetReceiver(t.receive)
	t.ifmu.Lock()
	t.ifaces = append(t.ifaces, i)
	ctx := t.runCtx
	t.ifmu.Unlock()
	if ctx != nil {
		if err := i.Start(ctx); err != nil {
			return fmt.Errorf("transport: start %s: %w", i.Name(), err)
		}
	}
	t.log.Debug("interface added", zap.String("interface", i.Name()), zap.Stringer("mode", i.Mode()))
	return nil
}

func (t *Transport) Interfaces() []iface.Interface {
	t.ifmu.RLock()
	defer t.ifmu.RUnlock()
	return append([]iface.Interface(nil), t.ifaces...)
}

// receive is the interface callback. It must not block.
func (t *Transport) receive(raw []byte, from iface.Interface) {
	select {
	case t.frames <- frame{raw: raw, from: from}:
	default:
		t.drop(nil, from, dropQueueFull)
	}
}

// Register makes d reachable for inbound packets and binds it to this
// transport for sending.
func (t *Transport) Register(d *destination.Destination) error {
	if d.Direction() != destination.In {
		return fmt.Errorf("%w: only inbound destinations receive", destination.ErrInvalidType)
	}
	t.dmu.Lock()
	defer t.dmu.Unlock()
	if _, ok := t.dests[d.Hash()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, d)
	}
	t.dests[d.Hash()] = d
	d.Bind(t)
	return nil
}

func (t *Transport) Deregister(d *destination.Destination) {
	t.dmu.Lock()
	delete(t.dests, d.Hash())
	delete(t.serve, d.Hash())
	t.dmu.Unlock()
}

func (t *Transport) local(h identity.Hash) *destination.Destination {
	t.dmu.RLock()
	defer t.dmu.RUnlock()
	return t.dests[h]
}

// RegisterAnnounceHandler calls fn for every accepted announce whose name
// matches aspectFilter ("app.aspect..."); an empty filter matches all.
// Handlers run on the control loop and must not block.
func (t *Transport) RegisterAnnounceHandler(aspectFilter string, fn AnnounceHandler) {
	h := announceHandler{fn: fn, all: aspectFilter == ""}
	if !h.all {
		h.nameHash = destination.NameHash(aspectFilter)
	}
	t.hmu.Lock()
	t.handlers = append(t.handlers, h)
	t.hmu.Unlock()
}

// Run starts the interfaces and processes frames and timers until ctx is
// cancelled.
func (t *Transport) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer t.running.Store(false)

	t.ifmu.Lock()
	t.runCtx = ctx
	ifaces := append([]iface.Interface(nil), t.ifaces...)
	t.ifmu.Unlock()
	defer func() {
		t.ifmu.Lock()
		t.runCtx = nil
		t.ifmu.Unlock()
	}()

	for _, i := range ifaces {
		if err := i.Start(ctx); err != nil {
			return fmt.Errorf("transport: start %s: %w", i.Name(), err)
		}
	}

	go t.persistLoop(ctx)
	t.readyOnce.Do(func() { close(t.ready) })

	ticker := t.clock.Ticker(t.cfg.JobInterval)
	defer ticker.Stop()
	t.log.Info("transport running", zap.Int("interfaces", len(ifaces)), zap.Bool("forwarding", t.cfg.Enabled))
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-t.frames:
			t.inbound(f.raw, f.from)
		case fn := <-t.cmds:
			fn()
		case <-ticker.C:
			t.jobs()
		}
	}
}

// Ready is closed once Run has started the interfaces for the first time.
func (t *Transport) Ready() <-chan struct{} { return t.ready }

// post queues fn for the control loop without waiting for it.
func (t *Transport) post(fn func()) error {
	if !t.running.Load() {
		return ErrNotRunning
	}
	select {
	case t.cmds <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

func (t *Transport) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case k := <-t.persist:
			if err := t.cfg.Resolver.Remember(k); err != nil {
				t.log.Warn("remember identity", zap.Stringer("destination", k.Destination), zap.Error(err))
			}
		}
	}
}

// Recall returns what was learned from the last announce of dest.
func (t *Transport) Recall(dest identity.Hash) (discovery.Known, error) {
	if k, ok := t.known.Get(dest); ok {
		return k.Clone(), nil
	}
	return t.cfg.Resolver.Recall(dest)
}

// Close tears down local links and closes every interface.
func (t *Transport) Close() error {
	t.lmu.Lock()
	links := make([]*link.Link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.lmu.Unlock()
	for _, l := range links {
		_ = l.Teardown()
	}

	var err error
	for _, i := range t.Interfaces() {
		err = multierr.Append(err, i.Close())
	}
	return err
}
