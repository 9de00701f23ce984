// Package hardware detects enough of the host's CPU topology to pick a
// scan concurrency when SCAN_THREADS is 0 or negative. An unset
// SCAN_THREADS keeps the configuration default of 2 and does not use
// this package.
package hardware

import (
	"bufio"
	"os"
	"runtime"
	"strings"
)

// CPUProfile is the subset of host CPU topology the scanner's default
// concurrency depends on.
type CPUProfile struct {
	Cores   int
	Threads int
}

// DetectCPU reads /proc/cpuinfo for physical core count, falling back
// to the logical CPU count (runtime.NumCPU) when that file is
// unavailable or unparsable — e.g. inside some containers.
func DetectCPU() CPUProfile {
	p := CPUProfile{Threads: runtime.NumCPU()}

	file, err := os.Open("/proc/cpuinfo")
	if err != nil {
		p.Cores = p.Threads
		return p
	}
	defer file.Close()

	coresMap := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "core id") {
			parts := strings.Split(line, ":")
			if len(parts) > 1 {
				coresMap[strings.TrimSpace(parts[1])] = true
			}
		}
	}

	p.Cores = len(coresMap)
	if p.Cores == 0 {
		p.Cores = p.Threads
	}
	return p
}

// RecommendedScanThreads maps CPU topology to a scanner concurrency
// that keeps the directory-walk fan-out from starving the rest of the
// daemon's single SQLite writer.
func RecommendedScanThreads(p CPUProfile) int {
	switch {
	case p.Cores >= 16:
		return 8
	case p.Cores >= 8:
		return 4
	case p.Cores >= 4:
		return 2
	default:
		return 1
	}
}
