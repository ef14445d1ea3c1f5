package transport

import (
	"github.com/joshuafuller/Reticulum/rns/destination"
	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/link"
	"github.com/joshuafuller/Reticulum/rns/packet"
)

// OpenLink starts a link to an outbound Single destination. The link is
// returned in StateRequested; cfg.OnEstablished or cfg.OnClosed report the
// outcome.
func (t *Transport) OpenLink(d *destination.Destination, cfg link.Config) (*link.Link, error) {
	hops := 1
	if path, ok := t.PathTo(d.Hash()); ok && path.Hops > 1 {
		hops = int(path.Hops)
	}
	l, err := link.New(d, t, t.linkConfig(cfg, hops))
	if err != nil {
		return nil, err
	}
	t.addLink(l)
	if err := l.Start(); err != nil {
		t.removeLink(l.ID())
		return nil, err
	}
	return l, nil
}

// ServeLinks accepts links to d. cfg supplies the callbacks of every
// accepted link; the destination's link established handler also runs.
func (t *Transport) ServeLinks(d *destination.Destination, cfg link.Config) error {
	if d.Type() != packet.Single || d.Direction() != destination.In {
		return link.ErrNotAccepted
	}
	t.dmu.Lock()
	t.serve[d.Hash()] = cfg
	t.dmu.Unlock()
	d.AcceptLinks(true)
	return nil
}

func (t *Transport) linkConfig(cfg link.Config, hops int) link.Config {
	if cfg.Clock == nil {
		cfg.Clock = t.clock
	}
	if cfg.Logger == nil {
		cfg.Logger = t.log.Named("link")
	}
	cfg.Hops = hops
	userClosed := cfg.OnClosed
	cfg.OnClosed = func(l *link.Link) {
		t.removeLink(l.ID())
		if userClosed != nil {
			userClosed(l)
		}
	}
	return cfg
}

func (t *Transport) addLink(l *link.Link) {
	t.lmu.Lock()
	t.links[l.ID()] = l
	n := len(t.links)
	t.lmu.Unlock()
	t.metrics.links.Set(float64(n))
}

func (t *Transport) removeLink(id identity.Hash) {
	t.lmu.Lock()
	delete(t.links, id)
	n := len(t.links)
	t.lmu.Unlock()
	t.metrics.links.Set(float64(n))
}

func (t *Transport) localLink(id identity.Hash) *link.Link {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	return t.links[id]
}

// Links returns the links terminating at this node.
func (t *Transport) Links() []*link.Link {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	out := make([]*link.Link, 0, len(t.links))
	for _, l := range t.links {
		out = append(out, l)
	}
	return out
}
