package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"dedupvault/internal/apperr"
	"dedupvault/internal/chunk"
	"dedupvault/internal/datastore"
	"dedupvault/internal/index"
)

// fixedChunkSize is the block size backup splits plain files into. Real VM
// image backups come pre-chunked by the hypervisor side; this CLI's own
// "backup a directory of files" path uses a fixed chunk size so it can
// write the fixed-size index format directly (§4.2), rather than
// reimplementing a CDC splitter client-side.
const fixedChunkSize = 4 << 20 // 4 MiB

func (r *runner) newBackupCmd() *cobra.Command {
	var repository string
	var compress bool

	cmd := &cobra.Command{
		Use:   "backup <files…>",
		Short: "Back up files into a datastore snapshot",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if repository == "" {
				return apperr.Wrap(apperr.ClassBadInput, "backup", fmt.Errorf("--repository is required"))
			}
			paths, err := expandGlobs(args)
			if err != nil {
				return apperr.Wrap(apperr.ClassBadInput, "backup", err)
			}

			ds, err := datastore.New(repository, nil, r.log)
			if err != nil {
				return err
			}

			id := datastore.SnapshotID{Type: datastore.TypeHost, ID: hostID(), Time: time.Now()}
			dir, _, err := ds.CreateSnapshotDir(id)
			if err != nil {
				return err
			}
			lock, err := ds.LockSnapshotExclusiveNoBlock(dir)
			if err != nil {
				return err
			}
			defer lock.Unlock()

			var manifest []datastore.ManifestEntry
			for _, p := range paths {
				entry, err := backupFile(ds, dir, p, compress)
				if err != nil {
					return fmt.Errorf("backup %s: %w", p, err)
				}
				manifest = append(manifest, entry)
			}

			if err := ds.WriteManifest(dir, manifest); err != nil {
				return err
			}

			p := newPrinter(outputFormat(cmd))
			return p.emit(map[string]any{"snapshot": id.Time.UTC().Format(time.RFC3339), "files": len(manifest)}, func() {
				fmt.Printf("backed up %d file(s) to snapshot %s\n", len(manifest), dir)
			})
		},
	}
	cmd.Flags().StringVar(&repository, "repository", "", "datastore root path")
	cmd.Flags().BoolVar(&compress, "compress", true, "zstd-compress chunks")
	return cmd
}

func backupFile(ds *datastore.Datastore, snapshotDir, path string, compress bool) (datastore.ManifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return datastore.ManifestEntry{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return datastore.ManifestEntry{}, err
	}

	name := filepath.Base(path)
	indexFile := name + ".fidx"
	fw, err := index.NewFixedWriter(filepath.Join(snapshotDir, indexFile), uuid.New(), time.Now(), fixedChunkSize)
	if err != nil {
		return datastore.ManifestEntry{}, err
	}

	buf := make([]byte, fixedChunkSize)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			framed, digest, encErr := chunk.Encode(buf[:n], chunk.EncodeOptions{Compress: compress})
			if encErr != nil {
				return datastore.ManifestEntry{}, encErr
			}
			if _, _, putErr := ds.PutChunk(framed, digest); putErr != nil {
				return datastore.ManifestEntry{}, putErr
			}
			if appendErr := fw.Append(digest, int64(n)); appendErr != nil {
				return datastore.ManifestEntry{}, appendErr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return datastore.ManifestEntry{}, err
		}
	}

	csum, _, err := closeAndChecksum(fw)
	if err != nil {
		return datastore.ManifestEntry{}, err
	}
	return datastore.ManifestEntry{
		Name:          name,
		Size:          info.Size(),
		IndexFile:     indexFile,
		Kind:          datastore.IndexFixed,
		IndexChecksum: csum,
	}, nil
}

// closeAndChecksum closes the writer and reopens it read-only to compute
// the checksum Close doesn't itself return, mirroring how the datastore
// verifies a freshly written index against the manifest entry it produces.
func closeAndChecksum(fw *index.FixedWriter) ([32]byte, int64, error) {
	finalPath, err := fw.Close()
	if err != nil {
		return [32]byte{}, 0, err
	}
	fr, err := index.OpenFixedReader(finalPath)
	if err != nil {
		return [32]byte{}, 0, err
	}
	defer fr.Close()
	csum, total := fr.ComputeCsum()
	return csum, total, nil
}

func expandGlobs(patterns []string) ([]string, error) {
	var out []string
	for _, pat := range patterns {
		if _, err := os.Stat(pat); err == nil {
			out = append(out, pat)
			continue
		}
		matches, err := doublestar.FilepathGlob(pat)
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", pat, err)
		}
		out = append(out, matches...)
	}
	return out, nil
}

func hostID() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}
