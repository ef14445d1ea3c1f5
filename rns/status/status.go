// Package status serves read-only JSON snapshots of a running transport and
// its Prometheus metrics over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/iface"
	"github.com/joshuafuller/Reticulum/rns/link"
	"github.com/joshuafuller/Reticulum/rns/transport"
)

const shutdownTimeout = 5 * time.Second

// Source is the part of a transport the status server reads.
type Source interface {
	ID() identity.Hash
	Enabled() bool
	Paths() []transport.Path
	PathTo(dest identity.Hash) (transport.Path, bool)
	Interfaces() []iface.Interface
	Links() []*link.Link
}

type Node struct {
	Identity  string `json:"identity"`
	Transport bool   `json:"transport"`
	Paths     int    `json:"paths"`
	Links     int    `json:"links"`
}

type Path struct {
	Destination  string    `json:"destination"`
	NextHop      string    `json:"next_hop"`
	Hops         uint8     `json:"hops"`
	Interface    string    `json:"interface"`
	Updated      time.Time `json:"updated"`
	Expires      time.Time `json:"expires"`
	Unresponsive bool      `json:"unresponsive,omitempty"`
}

type Interface struct {
	Name      string `json:"name"`
	Mode      string `json:"mode"`
	MTU       int    `json:"mtu"`
	Online    bool   `json:"online"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
}

type Link struct {
	ID          string  `json:"id"`
	Destination string  `json:"destination"`
	State       string  `json:"state"`
	Initiator   bool    `json:"initiator"`
	RTTMillis   float64 `json:"rtt_ms"`
}

type Server struct {
	src      Source
	gatherer prometheus.Gatherer
	log      *zap.Logger
	router   *mux.Router
}

// New builds a status server. A nil gatherer serves the default registry.
func New(src Source, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{src: src, gatherer: gatherer, log: log, router: mux.NewRouter()}
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/", s.node).Methods(http.MethodGet)
	s.router.HandleFunc("/paths", s.paths).Methods(http.MethodGet)
	s.router.HandleFunc("/paths/{destination}", s.path).Methods(http.MethodGet)
	s.router.HandleFunc("/interfaces", s.interfaces).Methods(http.MethodGet)
	s.router.HandleFunc("/links", s.links).Methods(http.MethodGet)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve answers requests on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	s.log.Info("status server listening", zap.Stringer("addr", ln.Addr()))
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) node(w http.ResponseWriter, _ *http.Request) {
	s.write(w, Node{
		Identity:  s.src.ID().String(),
		Transport: s.src.Enabled(),
		Paths:     len(s.src.Paths()),
		Links:     len(s.src.Links()),
	})
}

func (s *Server) paths(w http.ResponseWriter, _ *http.Request) {
	paths := s.src.Paths()
	out := make([]Path, 0, len(paths))
	for _, p := range paths {
		out = append(out, pathView(p))
	}
	s.write(w, out)
}

func (s *Server) path(w http.ResponseWriter, r *http.Request) {
	dest, err := identity.ParseHash(mux.Vars(r)["destination"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, ok := s.src.PathTo(dest)
	if !ok {
		http.Error(w, transport.ErrNoPath.Error(), http.StatusNotFound)
		return
	}
	s.write(w, pathView(p))
}

func pathView(p transport.Path) Path {
	v := Path{
		Destination:  p.Destination.String(),
		NextHop:      p.NextHop.String(),
		Hops:         p.Hops,
		Updated:      p.Updated,
		Expires:      p.Expires,
		Unresponsive: p.Unresponsive,
	}
	if p.Interface != nil {
		v.Interface = p.Interface.Name()
	}
	return v
}

func (s *Server) interfaces(w http.ResponseWriter, _ *http.Request) {
	ifaces := s.src.Interfaces()
	out := make([]Interface, 0, len(ifaces))
	for _, i := range ifaces {
		st := i.Stats()
		out = append(out, Interface{
			Name:      i.Name(),
			Mode:      i.Mode().String(),
			MTU:       i.MTU(),
			Online:    st.Online,
			RxPackets: st.RxPackets,
			TxPackets: st.TxPackets,
			RxBytes:   st.RxBytes,
			TxBytes:   st.TxBytes,
		})
	}
	s.write(w, out)
}

func (s *Server) links(w http.ResponseWriter, _ *http.Request) {
	links := s.src.Links()
	out := make([]Link, 0, len(links))
	for _, l := range links {
		out = append(out, Link{
			ID:          l.ID().String(),
			Destination: l.Destination().Hash().String(),
			State:       l.State().String(),
			Initiator:   l.Initiator(),
			RTTMillis:   float64(l.RTT()) / float64(time.Millisecond),
		})
	}
	s.write(w, out)
}

func (s *Server) write(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("status response", zap.Error(err))
	}
}
