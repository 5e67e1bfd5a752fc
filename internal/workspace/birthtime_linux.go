//go:build linux

package workspace

import (
	"time"

	"golang.org/x/sys/unix"
)

// birthTime returns the creation time of path when the filesystem records it,
// otherwise fallback.
func birthTime(path string, fallback time.Time) time.Time {
	var stx unix.Statx_t
	if err := unix.Statx(unix.AT_FDCWD, path, unix.AT_STATX_SYNC_AS_STAT, unix.STATX_BTIME, &stx); err != nil {
		return fallback
	}
	if stx.Mask&unix.STATX_BTIME == 0 || stx.Btime.Sec == 0 {
		return fallback
	}
	return time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec))
}
