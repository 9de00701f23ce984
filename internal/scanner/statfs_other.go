//go:build !linux

package scanner

import "fmt"

// DiskUsage is unimplemented off Linux; the daemon targets Linux JBOD
// hosts exclusively, and this stub exists only so the package still
// builds under cross-compilation checks.
func DiskUsage(mountPath string) (total, used, free int64, err error) {
	return 0, 0, 0, fmt.Errorf("statvfs not supported on this platform")
}
