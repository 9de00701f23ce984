package safety

import (
	"strings"

	"pbalanced/internal/cmdutil"
)

// LsofOpenFileProbe shells out to lsof to check whether any process has
// path open, the same 10s-timeout tier the daemon uses for other
// status-check commands (lsblk). lsof exits 1 with empty
// output when nothing holds the file, which is the common case and
// must not be treated as an error.
func LsofOpenFileProbe(path string) (bool, error) {
	output, err := cmdutil.RunFast("lsof", "--", path)
	if err != nil && len(output) == 0 {
		return false, nil
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// ZpoolScrubProbe shells out to zpool status and looks for the scan
// line's "scan:" / "resilver in progress" markers, the same
// string-matching style used for SUSPENDED/UNAVAIL pool-health checks.
func ZpoolScrubProbe(pool string) (bool, error) {
	output, err := cmdutil.RunZFS("zpool", "status", pool)
	if err != nil {
		return false, err
	}

	status := string(output)
	for _, line := range strings.Split(status, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "scan:") {
			continue
		}
		if strings.Contains(trimmed, "scrub in progress") || strings.Contains(trimmed, "resilver in progress") {
			return true, nil
		}
	}
	return false, nil
}
