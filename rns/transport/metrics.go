package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/joshuafuller/Reticulum/rns/iface"
	"github.com/joshuafuller/Reticulum/rns/packet"
)

// Drop reasons, used as the "reason" label of the drops counter.
const (
	dropMalformed    = "malformed"
	dropDuplicate    = "duplicate"
	dropScope        = "scope"
	dropHopLimit     = "hop_limit"
	dropNoPath       = "no_path"
	dropUnknownDest  = "unknown_destination"
	dropQueueFull    = "queue_full"
	dropBadAnnounce  = "invalid_announce"
	dropReplay       = "replay"
	dropRateLimited  = "rate_limited"
	dropWorsePath    = "worse_path"
	dropNotForUs     = "not_for_us"
	dropUnknownLink  = "unknown_link"
	dropBadProof     = "invalid_proof"
	dropUnknownProof = "unknown_proof"
	dropDecrypt      = "decryption"
	dropRefused      = "refused"
)

type metrics struct {
	inbound   *prometheus.CounterVec
	outbound  *prometheus.CounterVec
	drops     *prometheus.CounterVec
	forwarded prometheus.Counter
	announces *prometheus.CounterVec
	paths     prometheus.Gauge
	links     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rns", Subsystem: "transport", Name: "inbound_packets_total",
			Help: "Packets received, by interface.",
		}, []string{"interface"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rns", Subsystem: "transport", Name: "outbound_packets_total",
			Help: "Packets transmitted, by interface.",
		}, []string{"interface"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rns", Subsystem: "transport", Name: "dropped_packets_total",
			Help: "Packets dropped, by reason.",
		}, []string{"reason"}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rns", Subsystem: "transport", Name: "forwarded_packets_total",
			Help: "Packets forwarded for other nodes.",
		}),
		announces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rns", Subsystem: "transport", Name: "announces_total",
			Help: "Announces accepted into the path table or rebroadcast.",
		}, []string{"result"}),
		paths: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rns", Subsystem: "transport", Name: "paths",
			Help: "Entries in the path table.",
		}),
		links: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rns", Subsystem: "transport", Name: "links",
			Help: "Links terminating at this node.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.inbound, m.outbound, m.drops, m.forwarded, m.announces, m.paths, m.links)
	}
	return m
}

// drop counts a discarded packet. Drops are policy, not faults, so they are
// only logged at debug level.
func (t *Transport) drop(p *packet.Packet, from iface.Interface, reason string) {
	t.metrics.drops.WithLabelValues(reason).Inc()
	if ce := t.log.Check(zap.DebugLevel, "packet dropped"); ce != nil {
		fields := []zap.Field{zap.String("reason", reason)}
		if p != nil {
			fields = append(fields, zap.Stringer("destination", p.Destination), zap.Stringer("type", p.Type), zap.Uint8("hops", p.Hops))
		}
		if from != nil {
			fields = append(fields, zap.String("interface", from.Name()))
		}
		ce.Write(fields...)
	}
}
