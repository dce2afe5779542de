package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"dedupvault/internal/datastore"
	"dedupvault/internal/retention"
	"dedupvault/internal/schedule"
)

// newScheduleCmd runs the periodic GC and retention-prune jobs in the
// foreground until interrupted, the way the teacher's orchestrator runs
// its cron-entry jobs for the life of the process.
func (r *runner) newScheduleCmd() *cobra.Command {
	var gcCron, pruneCron string
	var spec retention.KeepSpec

	cmd := &cobra.Command{
		Use:   "schedule <datastore>",
		Short: "Run periodic garbage-collection and retention-prune jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repository := args[0]
			sched, err := schedule.New(r.log)
			if err != nil {
				return err
			}

			if err := sched.AddCronJob("garbage-collect", gcCron, func(ctx context.Context) error {
				ds, err := datastore.New(repository, nil, r.log)
				if err != nil {
					return err
				}
				_, err = ds.RunGC()
				return err
			}); err != nil {
				return err
			}

			if err := sched.AddCronJob("prune", pruneCron, func(ctx context.Context) error {
				ds, err := datastore.New(repository, nil, r.log)
				if err != nil {
					return err
				}
				snaps, err := ds.IterSnapshots(nil, nil)
				if err != nil {
					return err
				}
				state := retention.NewState(toRetentionSnapshots(snaps), time.Now())
				for _, id := range retention.Prune(retention.BuildPolicy(spec), state) {
					if err := removeSnapshot(snaps, id); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
				return err
			}

			sched.Start()
			defer sched.Stop()

			fmt.Println("scheduler running; press ctrl-c to stop")
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&gcCron, "gc-cron", "0 3 * * *", "cron expression for garbage collection")
	cmd.Flags().StringVar(&pruneCron, "prune-cron", "0 4 * * *", "cron expression for retention pruning")
	cmd.Flags().IntVar(&spec.Last, "keep-last", 0, "keep the N most recent snapshots")
	cmd.Flags().IntVar(&spec.Hourly, "keep-hourly", 0, "keep one snapshot per hour for N hours")
	cmd.Flags().IntVar(&spec.Daily, "keep-daily", 7, "keep one snapshot per day for N days")
	cmd.Flags().IntVar(&spec.Weekly, "keep-weekly", 4, "keep one snapshot per week for N weeks")
	cmd.Flags().IntVar(&spec.Monthly, "keep-monthly", 12, "keep one snapshot per month for N months")
	cmd.Flags().IntVar(&spec.Yearly, "keep-yearly", 0, "keep one snapshot per year for N years")
	return cmd
}
