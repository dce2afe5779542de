package datastore

import (
	"io/fs"
	"syscall"
	"time"
)

// atimeOf extracts the access time from a FileInfo's platform-specific Sys(),
// since Go's os.FileInfo has no portable atime accessor.
func atimeOf(info fs.FileInfo) time.Time {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(st.Atim.Sec, st.Atim.Nsec)
}
