package scanner

import (
	"encoding/json"
	"strings"

	"pbalanced/internal/cmdutil"
)

// BlockDevice is one entry from `lsblk -J`, including the mountpoint
// detail the setup-time disk list needs to suggest /mnt/diskN candidates.
type BlockDevice struct {
	Name       string        `json:"name"`
	Size       string        `json:"size"`
	Type       string        `json:"type"`
	MountPoint string        `json:"mountpoint"`
	Children   []BlockDevice `json:"children,omitempty"`
}

// DiscoverBlockDevices shells out to lsblk to list the host's block
// devices, the same JSON convention and timeout tier used for other
// fast status-check commands.
func DiscoverBlockDevices() ([]BlockDevice, error) {
	out, err := cmdutil.RunFast("lsblk", "-J", "-o", "NAME,SIZE,TYPE,MOUNTPOINT")
	if err != nil {
		return nil, err
	}

	var result struct {
		BlockDevices []BlockDevice `json:"blockdevices"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, err
	}
	return result.BlockDevices, nil
}

// MountedArrayDisks filters block devices down to the ones mounted
// under /mnt/disk* or /mnt/cache — candidates for the daemon's disk
// list, as opposed to the boot disk or unrelated mounts.
func MountedArrayDisks(devices []BlockDevice) []BlockDevice {
	var out []BlockDevice
	var walk func(BlockDevice)
	walk = func(dev BlockDevice) {
		if mp := strings.TrimSpace(dev.MountPoint); strings.HasPrefix(mp, "/mnt/disk") || mp == "/mnt/cache" {
			out = append(out, dev)
		}
		for _, child := range dev.Children {
			walk(child)
		}
	}
	for _, dev := range devices {
		walk(dev)
	}
	return out
}
