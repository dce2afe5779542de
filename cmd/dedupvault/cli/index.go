package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"dedupvault/internal/apperr"
	"dedupvault/internal/index"
)

// newIndexCmd implements "index dump", a debugging verb recovered from
// original_source's index_dump CLI (not in the distilled spec's §6.6 list,
// but cheap and non-destructive, so carried forward per SPEC_FULL.md C2).
func (r *runner) newIndexCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "index",
		Short: "Inspect index files",
	}
	root.AddCommand(r.newIndexDumpCmd())
	return root
}

func (r *runner) newIndexDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Print an index file's chunk count, logical size, and checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			count, size, csum, err := dumpIndex(path)
			if err != nil {
				return apperr.Wrap(apperr.ClassBadInput, "index dump", err)
			}
			p := newPrinter(outputFormat(cmd))
			return p.emit(map[string]any{"file": path, "count": count, "size": size, "checksum": fmt.Sprintf("%x", csum)}, func() {
				p.kv([][2]string{
					{"count", fmt.Sprint(count)},
					{"size", fmt.Sprint(size)},
					{"checksum", fmt.Sprintf("%x", csum)},
				})
			})
		},
	}
	return cmd
}

func dumpIndex(path string) (count int, size int64, csum [32]byte, err error) {
	if fr, ferr := index.OpenFixedReader(path); ferr == nil {
		defer fr.Close()
		csum, size = fr.ComputeCsum()
		return fr.IndexCount(), size, csum, nil
	}
	dr, derr := index.OpenDynamicReader(path)
	if derr != nil {
		return 0, 0, csum, derr
	}
	defer dr.Close()
	csum, size = dr.ComputeCsum()
	return dr.IndexCount(), size, csum, nil
}
