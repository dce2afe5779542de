package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"dedupvault/internal/apperr"
	"dedupvault/internal/tape/changer"
	"dedupvault/internal/tape/drive"
)

func (r *runner) newDriveCmd() *cobra.Command {
	var drivePath, changerPath string
	var driveAddr uint16
	var transportAddr uint16

	root := &cobra.Command{
		Use:   "drive",
		Short: "Inspect and operate a tape drive",
	}
	root.PersistentFlags().StringVar(&drivePath, "drive-path", "", "tape drive device node")
	root.PersistentFlags().StringVar(&changerPath, "changer-path", "", "medium changer device node")
	root.PersistentFlags().Uint16Var(&driveAddr, "drive-address", 0, "changer data-transfer element address for the drive")
	root.PersistentFlags().Uint16Var(&transportAddr, "transport-address", 0, "changer transport element address")

	openChanger := func() (*changer.Device, *changer.Changer, error) {
		if changerPath == "" {
			return nil, nil, apperr.Wrap(apperr.ClassBadInput, "drive", fmt.Errorf("--changer-path is required"))
		}
		dev, err := changer.Open(changerPath)
		if err != nil {
			return nil, nil, err
		}
		return dev, changer.New(dev, changer.ElementAddress(transportAddr)), nil
	}

	root.AddCommand(
		r.newDriveStatusCmd(&drivePath),
		r.newDriveLoadMediaCmd(openChanger, &driveAddr),
		r.newDriveUnloadCmd(openChanger, &driveAddr),
		r.newDriveEjectCmd(openChanger, &driveAddr),
		r.newDriveCleanCmd(openChanger, &driveAddr),
	)
	return root
}

func (r *runner) newDriveStatusCmd(drivePath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the drive's current state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if *drivePath == "" {
				return apperr.Wrap(apperr.ClassBadInput, "drive status", fmt.Errorf("--drive-path is required"))
			}
			sess, err := drive.NewSession(*drivePath)
			if err != nil {
				return err
			}
			defer sess.Close()

			p := newPrinter(outputFormat(cmd))
			return p.emit(map[string]any{"state": sess.State().String()}, func() {
				fmt.Println(sess.State())
			})
		},
	}
}

func (r *runner) newDriveLoadMediaCmd(open changerOpener, driveAddr *uint16) *cobra.Command {
	return &cobra.Command{
		Use:   "load-media <label>",
		Short: "Load a labeled medium into the drive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, ch, err := open()
			if err != nil {
				return err
			}
			defer dev.Close()
			if err := ch.LoadMedia(args[0], changer.ElementAddress(*driveAddr)); err != nil {
				return err
			}
			p := newPrinter(outputFormat(cmd))
			return p.emit(map[string]any{"loaded": args[0]}, func() {
				fmt.Printf("loaded %s\n", args[0])
			})
		},
	}
}

func (r *runner) newDriveUnloadCmd(open changerOpener, driveAddr *uint16) *cobra.Command {
	return &cobra.Command{
		Use:   "unload",
		Short: "Unload the drive's medium to a free slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, ch, err := open()
			if err != nil {
				return err
			}
			defer dev.Close()
			if err := ch.UnloadToFreeSlot(changer.ElementAddress(*driveAddr)); err != nil {
				return err
			}
			p := newPrinter(outputFormat(cmd))
			return p.emit(map[string]any{"unloaded": true}, func() {
				fmt.Println("unloaded")
			})
		},
	}
}

func (r *runner) newDriveEjectCmd(open changerOpener, driveAddr *uint16) *cobra.Command {
	return &cobra.Command{
		Use:   "eject <label>",
		Short: "Export a medium to the import/export port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, ch, err := open()
			if err != nil {
				return err
			}
			defer dev.Close()
			if err := ch.ExportMedia(args[0]); err != nil {
				return err
			}
			p := newPrinter(outputFormat(cmd))
			return p.emit(map[string]any{"exported": args[0]}, func() {
				fmt.Printf("exported %s\n", args[0])
			})
		},
	}
}

func (r *runner) newDriveCleanCmd(open changerOpener, driveAddr *uint16) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Run a cleaning cartridge through the drive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, ch, err := open()
			if err != nil {
				return err
			}
			defer dev.Close()
			if err := ch.CleanDrive(changer.ElementAddress(*driveAddr)); err != nil {
				return err
			}
			p := newPrinter(outputFormat(cmd))
			return p.emit(map[string]any{"cleaned": true}, func() {
				fmt.Println("cleaned")
			})
		},
	}
}
