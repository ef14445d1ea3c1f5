package cli

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joshuafuller/Reticulum/rns"
	"github.com/joshuafuller/Reticulum/rns/destination"
	"github.com/joshuafuller/Reticulum/rns/identity"
	"github.com/joshuafuller/Reticulum/rns/packet"
	"github.com/joshuafuller/Reticulum/rns/transport"
)

const (
	echoApp    = "example_utilities"
	probeSize  = 16
	echoTitle  = "Simple echo server and client"
	echoLonger = `Server mode (-s) announces an echo destination and proves every packet it
receives. Client mode sends probes to a destination hash and reports the round
trip time of each delivery proof.`
)

var echoAspects = []string{"echo", "request"}

type echoFlags struct {
	server   bool
	timeout  time.Duration
	count    int
	interval time.Duration
	announce time.Duration
}

func newEchoCmd(opts *options) *cobra.Command {
	f := &echoFlags{}
	cmd := &cobra.Command{
		Use:   "echo [-s] [destination]",
		Short: echoTitle,
		Long:  echoLonger,
		Args: func(cmd *cobra.Command, args []string) error {
			if f.server {
				return cobra.NoArgs(cmd, args)
			}
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				return err
			}
			if _, err := identity.ParseHash(args[0]); err != nil {
				return fmt.Errorf("invalid destination %q: %w", args[0], err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			node, err := rns.FromConfig(cfg, opts.dir(), nil, log)
			if err != nil {
				return err
			}
			defer node.Close()
			if err := node.Start(cmd.Context()); err != nil {
				return err
			}
			if f.server {
				return echoServer(cmd, node, f)
			}
			dest, _ := identity.ParseHash(args[0])
			return echoClient(cmd, node, dest, f, log)
		},
	}
	cmd.Flags().BoolVarP(&f.server, "server", "s", false, "wait for incoming packets from clients")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 15*time.Second, "time to wait for a path and for each reply")
	cmd.Flags().IntVarP(&f.count, "count", "c", 1, "number of probes to send")
	cmd.Flags().DurationVarP(&f.interval, "interval", "i", time.Second, "delay between probes")
	cmd.Flags().DurationVar(&f.announce, "announce", 0, "server re-announce interval; zero announces once")
	return cmd
}

func echoServer(cmd *cobra.Command, node *rns.Node, f *echoFlags) error {
	out := cmd.OutOrStdout()
	d, err := node.NewDestination(packet.Single, echoApp, echoAspects...)
	if err != nil {
		return err
	}
	d.SetProofStrategy(destination.ProveAll)
	d.SetPacketHandler(func(data []byte, p *packet.Packet) {
		fmt.Fprintf(out, "Received packet of %d bytes after %d hops, proof sent\n", len(data), p.Hops)
	})

	fmt.Fprintf(out, "Echo server %s running, hit Ctrl-C to quit\n", d.Hash())
	if err := node.Announce(d, nil); err != nil {
		return err
	}
	fmt.Fprintf(out, "Sent announce from %s\n", d.Hash())

	ctx := cmd.Context()
	if f.announce <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(f.announce)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := node.Announce(d, nil); err != nil {
				return err
			}
			fmt.Fprintf(out, "Sent announce from %s\n", d.Hash())
		}
	}
}

func echoClient(cmd *cobra.Command, node *rns.Node, dest identity.Hash, f *echoFlags, log *zap.Logger) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	if !node.Transport().HasPath(dest) {
		fmt.Fprintf(out, "Requesting path to %s\n", dest)
	}
	rctx, cancel := context.WithTimeout(ctx, f.timeout)
	d, err := node.Resolve(rctx, dest, echoApp, echoAspects...)
	cancel()
	if err != nil {
		return err
	}

	failed := 0
	for n := 0; n < f.count; n++ {
		if n > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.interval):
			}
		}
		probe := make([]byte, probeSize)
		if _, err := rand.Read(probe); err != nil {
			return err
		}
		r, err := node.Send(d, probe)
		if err != nil {
			return err
		}
		r.SetTimeout(f.timeout)
		fmt.Fprintf(out, "Sent echo request to %s\n", dest)

		status, err := r.Wait(ctx)
		if err != nil {
			return err
		}
		if status != transport.StatusDelivered {
			failed++
			fmt.Fprintln(out, "Probe timed out")
			continue
		}
		hops := node.Transport().HopsTo(dest)
		fmt.Fprintf(out, "Valid reply received from %s, round-trip time is %s over %d hop(s)\n", dest, r.RTT().Round(time.Millisecond), hops)
		log.Debug("echo reply", zap.Stringer("destination", dest), zap.Duration("rtt", r.RTT()))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d probes timed out", failed, f.count)
	}
	return nil
}
