package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"dedupvault/internal/datastore"
	"dedupvault/internal/retention"
)

func (r *runner) newPruneCmd() *cobra.Command {
	var ns []string
	var spec retention.KeepSpec
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "prune <datastore>",
		Short: "Prune snapshots not kept by the retention policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := datastore.New(args[0], nil, r.log)
			if err != nil {
				return err
			}
			snaps, err := ds.IterSnapshots(ns, nil)
			if err != nil {
				return err
			}

			state := retention.NewState(toRetentionSnapshots(snaps), time.Now())
			policy := retention.BuildPolicy(spec)
			pruneIDs := retention.Prune(policy, state)

			if !dryRun {
				for _, id := range pruneIDs {
					if err := removeSnapshot(snaps, id); err != nil {
						return err
					}
				}
			}

			p := newPrinter(outputFormat(cmd))
			return p.emit(map[string]any{"pruned": pruneIDs, "dry_run": dryRun}, func() {
				for _, id := range pruneIDs {
					fmt.Println(id)
				}
				fmt.Printf("%d snapshot(s) pruned\n", len(pruneIDs))
			})
		},
	}
	cmd.Flags().StringSliceVar(&ns, "namespace", nil, "namespace path segments")
	cmd.Flags().IntVar(&spec.Last, "keep-last", 0, "keep the N most recent snapshots")
	cmd.Flags().IntVar(&spec.Hourly, "keep-hourly", 0, "keep one snapshot per hour for N hours")
	cmd.Flags().IntVar(&spec.Daily, "keep-daily", 0, "keep one snapshot per day for N days")
	cmd.Flags().IntVar(&spec.Weekly, "keep-weekly", 0, "keep one snapshot per week for N weeks")
	cmd.Flags().IntVar(&spec.Monthly, "keep-monthly", 0, "keep one snapshot per month for N months")
	cmd.Flags().IntVar(&spec.Yearly, "keep-yearly", 0, "keep one snapshot per year for N years")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be pruned without deleting")
	return cmd
}

func toRetentionSnapshots(snaps []datastore.Snapshot) []retention.Snapshot {
	out := make([]retention.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, retention.Snapshot{ID: retention.SnapshotID(s.Path), Time: s.ID.Time})
	}
	return out
}

func removeSnapshot(snaps []datastore.Snapshot, id retention.SnapshotID) error {
	for _, s := range snaps {
		if s.Path == string(id) {
			return os.RemoveAll(s.Path)
		}
	}
	return nil
}

func (r *runner) newGarbageCollectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "garbage-collect <datastore>",
		Short: "Run a mark-and-sweep garbage collection pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := datastore.New(args[0], nil, r.log)
			if err != nil {
				return err
			}
			result, err := ds.RunGC()
			if err != nil {
				return err
			}
			p := newPrinter(outputFormat(cmd))
			return p.emit(result, func() {
				p.kv([][2]string{
					{"snapshots-seen", fmt.Sprint(result.SnapshotsSeen)},
					{"chunks-touched", fmt.Sprint(result.ChunksTouched)},
					{"chunks-removed", fmt.Sprint(result.ChunksRemoved)},
					{"bytes-removed", fmt.Sprint(result.BytesRemoved)},
				})
			})
		},
	}
	return cmd
}
