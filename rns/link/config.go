package link

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	DefaultEstablishmentTimeoutPerHop = 6 * time.Second
	DefaultKeepalive                  = 360 * time.Second
	DefaultStaleTime                  = 720 * time.Second
	DefaultMaxRetries                 = 5
	DefaultWindow                     = 8
	DefaultMaxBacklog                 = 64

	MinRTO = 500 * time.Millisecond
	MaxRTO = 30 * time.Second
)

// Config tunes a link and carries its callbacks. Callbacks run on the
// goroutine that drove the transition, usually the transport control loop,
// and must not block.
type Config struct {
	Clock  clock.Clock
	Logger *zap.Logger

	// Hops to the remote end, used to scale the establishment timeout.
	Hops                       int
	EstablishmentTimeoutPerHop time.Duration
	Keepalive                  time.Duration
	StaleTime                  time.Duration
	MaxRetries                 int
	Window                     int
	MaxBacklog                 int

	OnEstablished func(l *Link)
	// OnClosed fires once when the link reaches Closed or TimedOut;
	// Err reports why.
	OnClosed     func(l *Link)
	OnPacket     func(l *Link, data []byte)
	OnResource   func(l *Link, data []byte)
	OnIdentified func(l *Link)
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Hops < 1 {
		c.Hops = 1
	}
	if c.EstablishmentTimeoutPerHop <= 0 {
		c.EstablishmentTimeoutPerHop = DefaultEstablishmentTimeoutPerHop
	}
	if c.Keepalive <= 0 {
		c.Keepalive = DefaultKeepalive
	}
	if c.StaleTime <= 0 {
		c.StaleTime = DefaultStaleTime
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxBacklog <= 0 {
		c.MaxBacklog = DefaultMaxBacklog
	}
	return c
}
