//go:build linux

package scanner

import "golang.org/x/sys/unix"

// DiskUsage refreshes total/used/free bytes for mountPath via statvfs,
// the filesystem-level source of truth the scanner and executor both
// trust over any cached catalog value.
func DiskUsage(mountPath string) (total, used, free int64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(mountPath, &stat); err != nil {
		return 0, 0, 0, err
	}

	blockSize := int64(stat.Bsize)
	total = int64(stat.Blocks) * blockSize
	free = int64(stat.Bavail) * blockSize
	used = total - int64(stat.Bfree)*blockSize
	return total, used, free, nil
}
