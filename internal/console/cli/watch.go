package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/blowfish/enigma/internal/console/watch"
	"github.com/blowfish/enigma/internal/shared/changes"
)

func newWatchCmd(env *environment) *cobra.Command {
	var resource string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream record changes as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := env.Console()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			stream, err := c.Watcher(func(o *watch.Options) {
				o.OnEvent = func(ev changes.Event) {
					if resource != "" && ev.Resource != resource {
						return
					}
					fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", ev.Timestamp.Local().Format(time.RFC3339), ev.Type, ev.Resource, ev.ID)
				}
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&resource, "resource", "r", "", "only show changes to this resource")
	return cmd
}
