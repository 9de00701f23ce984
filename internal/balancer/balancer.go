// Package balancer computes a feasible, deterministic plan of
// single-file moves that brings a set of disks' utilisation within a
// configured tolerance of their mean, using a greedy largest-first
// bin-packing heuristic.
package balancer

import (
	"sort"

	"pbalanced/internal/catalog"
)

// Inputs bundles everything the balancer needs for one planning pass.
// Disks and Files are frozen snapshots — the balancer never touches
// the catalog directly, so callers decide what "latest scan" means.
type Inputs struct {
	Disks            []catalog.Disk
	FilesByDisk      map[int64][]catalog.File
	SliderAlpha      float64
	MaxTolerance     float64
	MinFreeHeadroom  int64
}

// Result is the balancer's output: a dense, ordered list of moves plus
// the plan-level metrics the catalog records alongside them.
type Result struct {
	Moves              []PlannedMove
	Tolerance          float64
	TargetUtilization  float64
	InitialImbalance   float64
	ProjectedImbalance float64
	TotalBytesToMove   int64
}

// PlannedMove is a single candidate move before it is given a catalog
// id and exec_order — Plan() assigns those in commit order.
type PlannedMove struct {
	FileID       int64
	SourceDiskID int64
	TargetDiskID int64
	FilePath     string
	FileSize     int64
	Phase        int
}

type diskState struct {
	disk          catalog.Disk
	surplus       int64 // bytes this donor must shed
	capacity      int64 // bytes this recipient can still accept
	projectedUsed int64 // used bytes after all moves committed so far
}

// Plan runs the greedy largest-first algorithm described in spec.md
// §4.4 separately over each pool of disks (same `pool` tag, or all
// included disks when no pool tags are set), in ascending pool-name
// order, and returns an ordered, feasible plan. It is a pure function:
// identical Inputs always produce byte-identical Moves, since every
// tie-break below is total.
func Plan(in Inputs) Result {
	pools := groupByPool(in.Disks)
	names := make([]string, 0, len(pools))
	for name := range pools {
		names = append(names, name)
	}
	sort.Strings(names)

	var all Result
	execOrder := 0
	var headlineTotal int64 = -1
	for _, name := range names {
		poolDisks := pools[name]
		r := planPool(poolDisks, in.FilesByDisk, in.SliderAlpha, in.MaxTolerance, in.MinFreeHeadroom)
		for i := range r.Moves {
			r.Moves[i].Phase = phaseFor(execOrder)
			execOrder++
		}
		all.Moves = append(all.Moves, r.Moves...)
		all.TotalBytesToMove += r.TotalBytesToMove
		// Imbalance and tolerance are reported for the pool with the
		// largest total capacity (the whole array when unpooled); on a tie
		// the pool whose name sorts first wins.
		var poolTotal int64
		for _, d := range poolDisks {
			poolTotal += d.TotalBytes
		}
		if poolTotal > headlineTotal {
			headlineTotal = poolTotal
			all.Tolerance = r.Tolerance
			all.TargetUtilization = r.TargetUtilization
			all.InitialImbalance = r.InitialImbalance
			all.ProjectedImbalance = r.ProjectedImbalance
		}
	}
	return all
}

// phaseFor assigns a coarse phase number so the executor knows when to
// re-validate free space against reality; a single pass of 64 moves is
// small enough to trust the in-memory projection, per spec.md §4.4.
func phaseFor(execOrder int) int {
	return execOrder / 64
}

func groupByPool(disks []catalog.Disk) map[string][]catalog.Disk {
	pools := make(map[string][]catalog.Disk)
	for _, d := range disks {
		if !d.Included {
			continue
		}
		pools[d.Pool] = append(pools[d.Pool], d)
	}
	return pools
}

func planPool(disks []catalog.Disk, filesByDisk map[int64][]catalog.File, sliderAlpha, maxTolerance float64, minFreeHeadroom int64) Result {
	if len(disks) == 0 {
		return Result{}
	}

	tolerance := maxTolerance * (1 - sliderAlpha)
	targetUtil := targetUtilization(disks)
	initialImbalance := imbalance(disks)

	states := make(map[int64]*diskState, len(disks))
	for _, d := range disks {
		st := &diskState{disk: d, projectedUsed: d.UsedBytes}
		total := float64(d.TotalBytes)
		surplusLine := (targetUtil + tolerance) * total
		capLine := (targetUtil - tolerance) * total

		if float64(d.UsedBytes) > surplusLine {
			st.surplus = d.UsedBytes - int64(surplusLine)
		}
		if capLine > float64(d.UsedBytes) {
			st.capacity = int64(capLine) - d.UsedBytes
		}
		st.capacity -= minFreeHeadroom
		if st.capacity < 0 {
			st.capacity = 0
		}
		states[d.ID] = st
	}

	donors := donorOrder(disks, states)

	var moves []PlannedMove
	var totalBytes int64

	for _, donorID := range donors {
		donor := states[donorID]
		if donor.surplus <= 0 {
			continue
		}

		candidates := candidateFiles(filesByDisk[donorID])
		for _, f := range candidates {
			if donor.surplus <= 0 {
				break
			}

			recipientID, ok := pickRecipient(disks, states, f.SizeBytes, donorID)
			if !ok {
				continue
			}

			recipient := states[recipientID]
			moves = append(moves, PlannedMove{
				FileID:       f.ID,
				SourceDiskID: donorID,
				TargetDiskID: recipientID,
				FilePath:     f.FilePath,
				FileSize:     f.SizeBytes,
			})
			donor.surplus -= f.SizeBytes
			donor.projectedUsed -= f.SizeBytes
			recipient.capacity -= f.SizeBytes
			recipient.projectedUsed += f.SizeBytes
			totalBytes += f.SizeBytes
		}
	}

	return Result{
		Moves:              moves,
		Tolerance:          tolerance,
		TargetUtilization:  targetUtil,
		InitialImbalance:   initialImbalance,
		ProjectedImbalance: projectedImbalance(disks, states),
		TotalBytesToMove:   totalBytes,
	}
}

func utilOf(d catalog.Disk) float64 {
	if d.TotalBytes == 0 {
		return 0
	}
	return float64(d.UsedBytes) / float64(d.TotalBytes)
}

func targetUtilization(disks []catalog.Disk) float64 {
	var usedSum, totalSum int64
	for _, d := range disks {
		usedSum += d.UsedBytes
		totalSum += d.TotalBytes
	}
	if totalSum == 0 {
		return 0
	}
	return float64(usedSum) / float64(totalSum)
}

func imbalance(disks []catalog.Disk) float64 {
	if len(disks) == 0 {
		return 0
	}
	min, max := utilOf(disks[0]), utilOf(disks[0])
	for _, d := range disks[1:] {
		u := utilOf(d)
		if u < min {
			min = u
		}
		if u > max {
			max = u
		}
	}
	return max - min
}

// projectedImbalance recomputes min/max util from each disk's
// projectedUsed, the running total maintained as moves commit during
// planning.
func projectedImbalance(disks []catalog.Disk, states map[int64]*diskState) float64 {
	if len(disks) == 0 {
		return 0
	}

	var min, max float64
	for i, d := range disks {
		st := states[d.ID]
		u := 0.0
		if d.TotalBytes != 0 {
			u = float64(st.projectedUsed) / float64(d.TotalBytes)
		}
		if i == 0 {
			min, max = u, u
			continue
		}
		if u < min {
			min = u
		}
		if u > max {
			max = u
		}
	}
	return max - min
}

func donorOrder(disks []catalog.Disk, states map[int64]*diskState) []int64 {
	ids := make([]int64, 0, len(disks))
	for _, d := range disks {
		ids = append(ids, d.ID)
	}
	sort.Slice(ids, func(i, j int) bool {
		si, sj := states[ids[i]].surplus, states[ids[j]].surplus
		if si != sj {
			return si > sj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// candidateFiles returns a donor's movable files (non-directories) in
// descending size, tie-broken lexicographically by path, per spec.md
// §4.4 step 2 — the ORDER BY in catalog.LatestFilesFor's query
// already matches this order, but balancer re-sorts so it never depends
// on that detail holding outside the catalog package.
func candidateFiles(files []catalog.File) []catalog.File {
	out := make([]catalog.File, 0, len(files))
	for _, f := range files {
		if !f.IsDir {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SizeBytes != out[j].SizeBytes {
			return out[i].SizeBytes > out[j].SizeBytes
		}
		return out[i].FilePath < out[j].FilePath
	})
	return out
}

// pickRecipient selects the disk with the largest remaining capacity
// that can still fit size bytes, excluding the donor itself; ties break
// by ascending disk id, per spec.md §4.4's determinism requirement.
func pickRecipient(disks []catalog.Disk, states map[int64]*diskState, size int64, donorID int64) (int64, bool) {
	var bestID int64
	var bestCap int64 = -1
	found := false

	for _, d := range disks {
		if d.ID == donorID {
			continue
		}
		st := states[d.ID]
		if st.capacity < size {
			continue
		}
		if !found || st.capacity > bestCap || (st.capacity == bestCap && d.ID < bestID) {
			bestID = d.ID
			bestCap = st.capacity
			found = true
		}
	}
	return bestID, found
}
