package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuafuller/Reticulum/rns/identity"
)

func newIdentityCmd(opts *options) *cobra.Command {
	var generate, file string
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show or create an identity",
		Long: `Without flags, prints the hash of the node identity named in the
configuration, creating it if needed. --file inspects another identity file and
--generate writes a new one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				id  *identity.Identity
				err error
			)
			switch {
			case generate != "":
				if _, err := os.Stat(generate); err == nil {
					return fmt.Errorf("%s already exists", generate)
				} else if !errors.Is(err, os.ErrNotExist) {
					return err
				}
				if id, err = identity.Generate(); err != nil {
					return err
				}
				if err := id.Save(generate); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "New identity written to %s\n", generate)
			case file != "":
				if id, err = identity.Load(file); err != nil {
					return err
				}
			default:
				cfg, _, err := opts.load()
				if err != nil {
					return err
				}
				if id, _, err = identity.LoadOrGenerate(cfg.IdentityPath(opts.dir())); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Identity %s\n", id.Hash())
			return nil
		},
	}
	cmd.Flags().StringVar(&generate, "generate", "", "write a new identity to this file")
	cmd.Flags().StringVar(&file, "file", "", "inspect this identity file")
	cmd.MarkFlagsMutuallyExclusive("generate", "file")
	return cmd
}
