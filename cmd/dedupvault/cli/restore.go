package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"dedupvault/internal/apperr"
	"dedupvault/internal/datastore"
	"dedupvault/internal/index"
)

func (r *runner) newRestoreCmd() *cobra.Command {
	var repository string

	cmd := &cobra.Command{
		Use:   "restore <snapshot-dir> <file> <target>",
		Short: "Restore one file from a snapshot",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if repository == "" {
				return apperr.Wrap(apperr.ClassBadInput, "restore", fmt.Errorf("--repository is required"))
			}
			snapshotDir, fileName, target := args[0], args[1], args[2]

			ds, err := datastore.New(repository, nil, r.log)
			if err != nil {
				return err
			}
			manifest, err := ds.ReadManifest(snapshotDir)
			if err != nil {
				return err
			}
			var entry *datastore.ManifestEntry
			for i := range manifest {
				if manifest[i].Name == fileName {
					entry = &manifest[i]
					break
				}
			}
			if entry == nil {
				return apperr.Wrap(apperr.ClassNotFound, "restore", fmt.Errorf("%s not in snapshot manifest", fileName))
			}

			if err := restoreFile(ds, snapshotDir, *entry, target); err != nil {
				return err
			}

			p := newPrinter(outputFormat(cmd))
			return p.emit(map[string]any{"file": fileName, "target": target}, func() {
				fmt.Printf("restored %s to %s\n", fileName, target)
			})
		},
	}
	cmd.Flags().StringVar(&repository, "repository", "", "datastore root path")
	return cmd
}

func restoreFile(ds *datastore.Datastore, snapshotDir string, entry datastore.ManifestEntry, target string) error {
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()

	indexPath := filepath.Join(snapshotDir, entry.IndexFile)
	switch entry.Kind {
	case datastore.IndexFixed:
		fr, err := index.OpenFixedReader(indexPath)
		if err != nil {
			return err
		}
		defer fr.Close()
		for i := 0; i < fr.IndexCount(); i++ {
			digest, err := fr.IndexDigest(i)
			if err != nil {
				return err
			}
			if err := writeChunk(ds, out, digest); err != nil {
				return err
			}
		}
	case datastore.IndexDynamic:
		dr, err := index.OpenDynamicReader(indexPath)
		if err != nil {
			return err
		}
		defer dr.Close()
		for i := 0; i < dr.IndexCount(); i++ {
			digest, err := dr.IndexDigest(i)
			if err != nil {
				return err
			}
			if err := writeChunk(ds, out, digest); err != nil {
				return err
			}
		}
	default:
		return apperr.Wrap(apperr.ClassBadInput, "restore", fmt.Errorf("unknown index kind %q", entry.Kind))
	}
	return nil
}

func writeChunk(ds *datastore.Datastore, out *os.File, digest [32]byte) error {
	data, err := ds.GetChunkDecoded(digest)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}
