package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"dedupvault/internal/apperr"
	"dedupvault/internal/config"
	configfile "dedupvault/internal/config/file"
	"dedupvault/internal/datastore"
	"dedupvault/internal/tape/changer"
	"dedupvault/internal/tape/drive"
	"dedupvault/internal/tape/inventory"
	"dedupvault/internal/tape/pipeline"
)

func (r *runner) newTapeCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tape",
		Short: "Tape archival backup and restore",
	}
	root.AddCommand(r.newTapeBackupCmd(), r.newTapeRestoreCmd())
	return root
}

// tapeContext resolves the hardware paths and pool policy a tape command
// needs, either from --config (loading a config.Config via the file-backed
// Store) or from the individual override flags.
type tapeContext struct {
	drivePath     string
	changerPath   string
	transportAddr changer.ElementAddress
	driveAddr     changer.ElementAddress
	inventoryPath string
	pool          pipeline.PoolConfig
}

func resolveTapeContext(cmd *cobra.Command, poolName string) (tapeContext, error) {
	var tc tapeContext
	cfgPath, _ := cmd.Flags().GetString("config")
	if cfgPath != "" {
		store := configfile.NewStore(cfgPath)
		cfg, err := store.Load(context.Background())
		if err != nil {
			return tc, err
		}
		if cfg == nil {
			return tc, apperr.Wrap(apperr.ClassNotFound, "tape", fmt.Errorf("no config at %s", cfgPath))
		}
		if cfg.Tape != nil {
			tc.drivePath = cfg.Tape.DrivePath
			tc.changerPath = cfg.Tape.ChangerPath
			tc.transportAddr = changer.ElementAddress(cfg.Tape.TransportAddress)
			tc.driveAddr = changer.ElementAddress(cfg.Tape.DriveAddress)
			tc.inventoryPath = cfg.Tape.InventoryPath
		}
		if pc, ok := cfg.FindPool(poolName); ok {
			tc.pool = toPipelinePool(pc)
		}
	}

	// Flags.Changed, not a zero-value check: element address 0 is a valid
	// changer address, so "was this flag actually passed" is the only
	// correct way to decide whether it overrides --config.
	if v, _ := cmd.Flags().GetString("drive-path"); v != "" {
		tc.drivePath = v
	}
	if v, _ := cmd.Flags().GetString("changer-path"); v != "" {
		tc.changerPath = v
	}
	if cmd.Flags().Changed("transport-address") {
		v, _ := cmd.Flags().GetUint16("transport-address")
		tc.transportAddr = changer.ElementAddress(v)
	}
	if cmd.Flags().Changed("drive-address") {
		v, _ := cmd.Flags().GetUint16("drive-address")
		tc.driveAddr = changer.ElementAddress(v)
	}
	if v, _ := cmd.Flags().GetString("inventory"); v != "" {
		tc.inventoryPath = v
	}
	if tc.drivePath == "" || tc.changerPath == "" || tc.inventoryPath == "" {
		return tc, apperr.Wrap(apperr.ClassBadInput, "tape", fmt.Errorf("drive path, changer path, and inventory path are required (via --config or flags)"))
	}
	return tc, nil
}

func toPipelinePool(pc config.PoolConfig) pipeline.PoolConfig {
	p := pipeline.PoolConfig{Name: pc.Name}
	switch pc.Policy {
	case "always-create":
		p.Policy = pipeline.AllocationAlwaysCreate
	case "interval":
		p.Policy = pipeline.AllocationInterval
		if d, err := time.ParseDuration(pc.Interval); err == nil {
			p.Interval = d
		}
	default:
		p.Policy = pipeline.AllocationContinue
	}
	return p
}

func addTapeFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "tape.cfg path (datastores/pools/tape config)")
	cmd.Flags().String("drive-path", "", "tape drive device node (e.g. /dev/nst0)")
	cmd.Flags().String("changer-path", "", "medium changer device node (e.g. /dev/sg3)")
	cmd.Flags().Uint16("transport-address", 0, "changer transport element address")
	cmd.Flags().Uint16("drive-address", 0, "changer data-transfer element address for the drive")
	cmd.Flags().String("inventory", "", "media inventory database path")
	cmd.Flags().Int("rate-limit", 0, "pace drive block I/O to this many bytes/sec (0 = unlimited)")
}

func rateLimit(cmd *cobra.Command) int {
	v, _ := cmd.Flags().GetInt("rate-limit")
	return v
}

func (r *runner) newTapeBackupCmd() *cobra.Command {
	var repository string
	var namespace []string

	cmd := &cobra.Command{
		Use:   "backup <pool> <datastore>",
		Short: "Write a datastore's finished snapshots to tape",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			poolName, repoArg := args[0], args[1]
			if repository == "" {
				repository = repoArg
			}
			tc, err := resolveTapeContext(cmd, poolName)
			if err != nil {
				return err
			}
			if tc.pool.Name == "" {
				tc.pool = pipeline.PoolConfig{Name: poolName, Policy: pipeline.AllocationContinue}
			}

			ds, err := datastore.New(repository, nil, r.log)
			if err != nil {
				return err
			}
			snaps, err := ds.IterSnapshots(namespace, nil)
			if err != nil {
				return err
			}
			refs, err := snapshotRefs(ds, repoArg, snaps)
			if err != nil {
				return err
			}

			sess, err := drive.NewSession(tc.drivePath)
			if err != nil {
				return err
			}
			defer sess.Close()
			sess.SetSustainedRate(rateLimit(cmd))
			chgDev, err := changer.Open(tc.changerPath)
			if err != nil {
				return err
			}
			defer chgDev.Close()
			ch := changer.New(chgDev, tc.transportAddr)

			inv, err := inventory.Open(tc.inventoryPath)
			if err != nil {
				return err
			}

			job := &pipeline.TapeBackupJob{
				Pool:      tc.pool,
				Drive:     sess,
				DriveAddr: tc.driveAddr,
				Changer:   ch,
				Inventory: inv,
				Chunks:    ds,
			}
			if err := job.Run(refs); err != nil {
				return err
			}
			if err := inv.Save(); err != nil {
				return err
			}

			p := newPrinter(outputFormat(cmd))
			return p.emit(job.Progress, func() {
				fmt.Printf("wrote %d snapshot(s), %d bytes across %d media\n",
					job.Progress.SnapshotsDone, job.Progress.BytesWritten, len(job.Progress.MediaUsed))
			})
		},
	}
	addTapeFlags(cmd)
	cmd.Flags().StringVar(&repository, "repository", "", "datastore root path (overrides positional arg)")
	cmd.Flags().StringSliceVar(&namespace, "namespace", nil, "namespace path segments to back up")
	return cmd
}

func snapshotRefs(ds *datastore.Datastore, store string, snaps []datastore.Snapshot) ([]pipeline.SnapshotRef, error) {
	var refs []pipeline.SnapshotRef
	for _, s := range snaps {
		if !s.Finished {
			continue
		}
		dir := ds.Path(s.ID)
		manifest, err := ds.ReadManifest(dir)
		if err != nil {
			return nil, err
		}
		refs = append(refs, pipeline.SnapshotRef{
			Store:     store,
			Namespace: s.ID.Namespace,
			ID:        s.ID,
			Dir:       dir,
			Manifest:  manifest,
		})
	}
	return refs, nil
}

func (r *runner) newTapeRestoreCmd() *cobra.Command {
	var repository string

	cmd := &cobra.Command{
		Use:   "restore <media-set-uuid> <pool>",
		Short: "Restore every member of a media set back into a datastore",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			setUUID, poolName := args[0], args[1]
			if repository == "" {
				return apperr.Wrap(apperr.ClassBadInput, "tape restore", fmt.Errorf("--repository is required"))
			}
			tc, err := resolveTapeContext(cmd, poolName)
			if err != nil {
				return err
			}

			ds, err := datastore.New(repository, nil, r.log)
			if err != nil {
				return err
			}
			inv, err := inventory.Open(tc.inventoryPath)
			if err != nil {
				return err
			}
			members, err := mediaSetLabels(inv, poolName, setUUID)
			if err != nil {
				return err
			}

			sess, err := drive.NewSession(tc.drivePath)
			if err != nil {
				return err
			}
			defer sess.Close()
			sess.SetSustainedRate(rateLimit(cmd))
			chgDev, err := changer.Open(tc.changerPath)
			if err != nil {
				return err
			}
			defer chgDev.Close()
			ch := changer.New(chgDev, tc.transportAddr)

			var restored int
			for _, label := range members {
				if err := ch.LoadMedia(label, tc.driveAddr); err != nil {
					return fmt.Errorf("load %s: %w", label, err)
				}
				if err := sess.Rewind(); err != nil {
					return err
				}
				n, err := restoreMedia(sess, ds)
				if err != nil {
					return fmt.Errorf("restore %s: %w", label, err)
				}
				restored += n
				if err := ch.UnloadToFreeSlot(tc.driveAddr); err != nil {
					return err
				}
			}

			p := newPrinter(outputFormat(cmd))
			return p.emit(map[string]any{"media": len(members), "archives_restored": restored}, func() {
				fmt.Printf("restored %d archive(s) across %d media\n", restored, len(members))
			})
		},
	}
	addTapeFlags(cmd)
	cmd.Flags().StringVar(&repository, "repository", "", "destination datastore root path")
	return cmd
}

// mediaSetLabels returns the media labels of a set's members, in seq_nr
// order, for the changer to load one at a time.
func mediaSetLabels(inv *inventory.DB, pool, setUUID string) ([]string, error) {
	type member struct {
		seqNr int
		label string
	}
	var members []member
	for _, m := range inv.ListPoolMedia(pool) {
		if m.MediaSet != nil && m.MediaSet.SetUUID.String() == setUUID {
			members = append(members, member{seqNr: m.MediaSet.SeqNr, label: m.Label})
		}
	}
	if len(members) == 0 {
		return nil, apperr.Wrap(apperr.ClassNotFound, "tape restore", fmt.Errorf("no media found for set %s", setUUID))
	}
	sort.Slice(members, func(i, j int) bool { return members[i].seqNr < members[j].seqNr })

	labels := make([]string, len(members))
	for i, m := range members {
		labels[i] = m.label
	}
	return labels, nil
}

// restoreMedia reads every archive on the currently loaded, rewound tape
// via RestoreNext until the medium runs out of recorded files (ReadBlock
// returning an empty block at the double-filemark end-of-data marker),
// storing the chunks of chunk archives into ds. Snapshot and catalog
// archives are read (draining them off the tape) but not applied: no
// snapshot directory or manifest is recreated in ds, and the catalog is
// bookkeeping for offline browsing, not chunk-store or snapshot state.
func restoreMedia(sess *drive.Session, ds *datastore.Datastore) (int, error) {
	job := &pipeline.TapeRestoreJob{Drive: sess, Chunks: ds}
	count := 0
	for {
		_, err := job.RestoreNext()
		if err != nil {
			if count > 0 {
				break
			}
			return count, err
		}
		count++
		if err := sess.ForwardSpaceFiles(1); err != nil {
			return count, err
		}
	}
	return count, nil
}
