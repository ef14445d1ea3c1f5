package cli

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joshuafuller/Reticulum/rns"
	"github.com/joshuafuller/Reticulum/rns/status"
)

func newDaemonCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run a node from the configuration until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			node, err := rns.FromConfig(cfg, opts.dir(), reg, log)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := node.Start(ctx); err != nil {
				_ = node.Close()
				return err
			}
			if cfg.Status.Listen != "" {
				srv := status.New(node.Transport(), reg, log)
				go func() {
					if err := srv.ListenAndServe(ctx, cfg.Status.Listen); err != nil {
						log.Error("status server", zap.Error(err))
					}
				}()
			}
			stopped := make(chan error, 1)
			go func() { stopped <- node.Wait() }()
			select {
			case <-ctx.Done():
				log.Info("shutting down")
			case err := <-stopped:
				_ = node.Close()
				return err
			}
			return node.Close()
		},
	}
}
