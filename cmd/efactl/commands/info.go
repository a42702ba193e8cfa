package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func newInfoCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Construct every configured device and print its address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := setup(flags)
			if err != nil {
				return err
			}
			defer s.close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NIC PATH\tPROVIDER\tQUEUES\tLOCAL ADDRESS")
			var errs error
			for _, device := range s.cfg.Devices {
				ctx, err := s.newContext(device, nil)
				if err != nil {
					s.logger.Errorw("device unavailable", "device", device, "error", err)
					errs = multierr.Append(errs, err)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", ctx.NICPath(), s.provider.Name(), ctx.QueueCount(), ctx.LocalAddr())
				errs = multierr.Append(errs, ctx.Deconstruct())
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return errs
		},
	}
}
