package mapgraph

import "math/bits"

// Descriptor is a fixed-width binary feature descriptor (e.g. a 256-bit ORB
// descriptor packed into 32 bytes). Its exact width is a matcher-service
// concern; this package only needs to compare two descriptors.
type Descriptor []byte

// HammingDistance returns the number of differing bits between two
// descriptors of equal length, mirroring ORBmatcher::DescriptorDistance's
// popcount-over-XOR approach.
func HammingDistance(a, b Descriptor) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	dist := 0
	for i := 0; i < n; i++ {
		dist += bits.OnesCount8(a[i] ^ b[i])
	}
	return dist
}

// medianDistanceDescriptor picks, among a set of candidate descriptors, the
// one whose median Hamming distance to all the others is smallest. This is
// the representative-descriptor selection MapPoint.ComputeDistinctiveDescriptors
// performs over a point's current observation set.
func medianDistanceDescriptor(candidates []Descriptor) Descriptor {
	n := len(candidates)
	if n == 0 {
		return nil
	}
	if n == 1 {
		return candidates[0]
	}

	distances := make([][]int, n)
	for i := range distances {
		distances[i] = make([]int, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := HammingDistance(candidates[i], candidates[j])
			distances[i][j] = d
			distances[j][i] = d
		}
	}

	bestIdx := 0
	bestMedian := int(^uint(0) >> 1) // max int
	for i := 0; i < n; i++ {
		row := append([]int(nil), distances[i]...)
		med := median(row)
		if med < bestMedian {
			bestMedian = med
			bestIdx = i
		}
	}
	return candidates[bestIdx]
}

// median returns the middle element of a sorted copy of vals (lower median
// for even lengths: the element at 0-based index (n-1)/2).
func median(vals []int) int {
	sorted := append([]int(nil), vals...)
	insertionSort(sorted)
	return sorted[(len(sorted)-1)/2]
}

// insertionSort is used instead of sort.Ints because the slices involved
// are tiny (bounded by a map point's observation count, rarely more than a
// few dozen keyframes).
func insertionSort(vals []int) {
	for i := 1; i < len(vals); i++ {
		v := vals[i]
		j := i - 1
		for j >= 0 && vals[j] > v {
			vals[j+1] = vals[j]
			j--
		}
		vals[j+1] = v
	}
}
