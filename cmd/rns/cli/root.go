// Package cli implements the rns command line.
package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joshuafuller/Reticulum/rns/config"
	"github.com/joshuafuller/Reticulum/rns/logging"
)

// options are the persistent flags shared by every command.
type options struct {
	configDir string
	logLevel  string
}

// NewRootCmd builds the command tree. Each call returns a fresh tree so
// tests can run commands independently.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "rns",
		Short: "Identity-addressed encrypted mesh transport",
		Long: `rns runs a node of an identity-addressed mesh network and offers small
utilities to test reachability and inspect a running daemon.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configDir, "config", "", "configuration directory (default ~/.rns)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override node.log_level")

	root.AddCommand(
		newEchoCmd(opts),
		newDaemonCmd(opts),
		newIdentityCmd(opts),
		newPathsCmd(),
		newVersionCmd(),
	)
	return root
}

func (o *options) dir() string {
	if o.configDir == "" {
		return config.DefaultDir()
	}
	return o.configDir
}

// load reads the configuration and builds the logger. On first run it
// writes the default configuration and asks the operator to review it.
func (o *options) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.dir())
	if errors.Is(err, config.ErrCreated) {
		return nil, nil, fmt.Errorf("%w; review it and run the command again", err)
	}
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Node.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	log, err := logging.New(level, cfg.Node.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
