package cli

import (
	"fmt"

	"github.com/Shadowskybtw/loyalty-backend/internal/ledger"
	"github.com/Shadowskybtw/loyalty-backend/internal/metrics"
	"github.com/Shadowskybtw/loyalty-backend/internal/progress"
	"github.com/Shadowskybtw/loyalty-backend/internal/reconcile"

	"github.com/spf13/cobra"
)

func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	var accounts []uint
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute cached progress from the event log and repair drift",
		Long: `Recompute every account's progress from its event log and overwrite
cached values that disagree. Each account is handled in its own transaction,
so the command is safe to interrupt and re-run.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer e.close()

			rec, err := metrics.New()
			if err != nil {
				return WrapExitError(ExitCommandError, "metrics", err)
			}
			agg := progress.NewAggregator(ledger.New(), e.logger, rec)
			job := reconcile.NewJob(e.db, agg, e.logger, rec, e.cfg.Database.MaxRetries)

			rep := job.Run(cmd.Context(), reconcile.Filter{AccountIDs: accounts, DryRun: dryRun})
			if err := RenderReport(cmd.OutOrStdout(), rootOpts.Format, rep); err != nil {
				return WrapExitError(ExitCommandError, "render report", err)
			}
			if rep.Errors > 0 || rep.Incomplete {
				return NewExitError(ExitFailure, fmt.Sprintf("%d account(s) failed to reconcile", rep.Errors))
			}
			return nil
		},
	}

	cmd.Flags().UintSliceVar(&accounts, "account", nil, "account id to reconcile (repeatable, default all)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report drift without writing")

	return cmd
}
