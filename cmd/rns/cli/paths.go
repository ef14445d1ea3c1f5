package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuafuller/Reticulum/rns/status"
)

const requestTimeout = 10 * time.Second

func newPathsCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "paths",
		Short: "Print the path table of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var paths []status.Path
			if err := getJSON(cmd.Context(), strings.TrimRight(server, "/")+"/paths", &paths); err != nil {
				return err
			}
			if len(paths) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No known paths")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DESTINATION\tHOPS\tVIA\tINTERFACE\tEXPIRES")
			for _, p := range paths {
				via := p.NextHop
				if strings.Trim(via, "0") == "" {
					via = "direct"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", p.Destination, p.Hops, via, p.Interface, p.Expires.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://127.0.0.1:4280", "status server URL of the daemon")
	return cmd
}

func getJSON(ctx context.Context, url string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
