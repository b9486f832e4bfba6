package currency

import (
	"math/bits"
	"sort"
)

// NextDifficulty computes the difficulty for the block following the given
// history. timestamps and cumulativeDifficulties are parallel slices in
// ascending height order, holding at most DifficultyBlocksCount(majorVersion)
// trailing entries. Selection is keyed strictly by the major version of the
// block being validated, so a reorg across a fork boundary still applies
// the algorithm that block would have used.
func (c *Currency) NextDifficulty(majorVersion uint8, timestamps, cumulativeDifficulties []uint64) uint64 {
	switch {
	case majorVersion < BlockMajorVersion4:
		return c.NextDifficultyLegacy(timestamps, cumulativeDifficulties)
	case majorVersion < BlockMajorVersion8:
		return c.NextDifficultyLWMA3(timestamps, cumulativeDifficulties)
	default:
		return c.NextDifficultyLWMA1(timestamps, cumulativeDifficulties)
	}
}

// NextDifficultyLegacy is the original CryptoNote retarget: sort the window
// of timestamps, discard the outlying cut at both ends, and divide the work
// done in the remaining span by the time it took.
func (c *Currency) NextDifficultyLegacy(timestamps, cumulativeDifficulties []uint64) uint64 {
	window := int(c.DifficultyWindowLegacy)
	cut := int(c.DifficultyCut)

	// The caller hands in window+lag entries; dropping the newest lag
	// blocks here is what makes the lag effective.
	if len(timestamps) > window {
		timestamps = timestamps[:window]
		cumulativeDifficulties = cumulativeDifficulties[:window]
	}
	length := len(timestamps)
	if length <= 1 {
		return 1
	}

	sorted := make([]uint64, length)
	copy(sorted, timestamps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var cutBegin, cutEnd int
	if length <= window-2*cut {
		cutBegin, cutEnd = 0, length
	} else {
		cutBegin = (length - (window - 2*cut) + 1) / 2
		cutEnd = cutBegin + (window - 2*cut)
	}

	timeSpan := sorted[cutEnd-1] - sorted[cutBegin]
	if timeSpan == 0 {
		timeSpan = 1
	}
	totalWork := cumulativeDifficulties[cutEnd-1] - cumulativeDifficulties[cutBegin]

	// next = ceil(totalWork * target / timeSpan), in 128 bits.
	hi, lo := bits.Mul64(totalWork, c.DifficultyTarget)
	lo += timeSpan - 1
	if lo < timeSpan-1 {
		hi++
	}
	if hi >= timeSpan {
		// Overflow means the history is corrupt; the engine rejects a zero
		// difficulty.
		return 0
	}
	q, _ := bits.Div64(hi, lo, timeSpan)
	return q
}

// lwmaWindow trims the history for the LWMA algorithms and returns the
// effective window size N. The algorithms consume N+1 timestamps.
func (c *Currency) lwmaWindow(length int) int {
	n := int(c.DifficultyWindowLWMA)
	if length < n+1 {
		n = length - 1
	}
	return n
}

// NextDifficultyLWMA1 is zawy12's LWMA-1: a linearly weighted moving
// average of solve times over the window, with each solve time clamped to
// six targets in either direction.
func (c *Currency) NextDifficultyLWMA1(timestamps, cumulativeDifficulties []uint64) uint64 {
	t := int64(c.DifficultyTarget)
	n := c.lwmaWindow(len(timestamps))
	if n < 2 {
		return 1
	}
	timestamps = timestamps[len(timestamps)-(n+1):]
	cumulativeDifficulties = cumulativeDifficulties[len(cumulativeDifficulties)-(n+1):]

	var weightedSum int64
	for i := 1; i <= n; i++ {
		solveTime := int64(timestamps[i]) - int64(timestamps[i-1])
		if solveTime > 6*t {
			solveTime = 6 * t
		} else if solveTime < -6*t {
			solveTime = -6 * t
		}
		weightedSum += solveTime * int64(i)
	}
	// Floor the weighted sum so a run of negative solve times cannot zero
	// the denominator: the difficulty may rise at most ~10x per window.
	minSum := int64(n) * int64(n) * t / 20
	if weightedSum < minSum {
		weightedSum = minSum
	}

	avgDifficulty := (cumulativeDifficulties[n] - cumulativeDifficulties[0]) / uint64(n)
	next := mulDiv(avgDifficulty, uint64(n)*uint64(n+1)*uint64(t), 2*uint64(weightedSum))
	if next == 0 {
		next = 1
	}
	return next
}

// NextDifficultyLWMA3 is zawy12's LWMA-3: like LWMA-1 but with forwarded
// maximum timestamps (so out-of-order stamps count as one-second solves)
// and a jump rule that raises difficulty 8% when the last three solves were
// suspiciously fast.
func (c *Currency) NextDifficultyLWMA3(timestamps, cumulativeDifficulties []uint64) uint64 {
	t := int64(c.DifficultyTarget)
	n := c.lwmaWindow(len(timestamps))
	if n < 2 {
		return 1
	}
	timestamps = timestamps[len(timestamps)-(n+1):]
	cumulativeDifficulties = cumulativeDifficulties[len(cumulativeDifficulties)-(n+1):]

	var weightedSum, lastThree int64
	previousMax := timestamps[0]
	for i := 1; i <= n; i++ {
		var maxTS uint64
		if timestamps[i] > previousMax {
			maxTS = timestamps[i]
		} else {
			maxTS = previousMax + 1
		}
		solveTime := int64(maxTS - previousMax)
		if solveTime > 6*t {
			solveTime = 6 * t
		}
		previousMax = maxTS

		weightedSum += solveTime * int64(i)
		if i > n-3 {
			lastThree += solveTime
		}
	}
	minSum := int64(n) * int64(n) * t / 20
	if weightedSum < minSum {
		weightedSum = minSum
	}

	avgDifficulty := (cumulativeDifficulties[n] - cumulativeDifficulties[0]) / uint64(n)
	next := mulDiv(avgDifficulty, uint64(n)*uint64(n+1)*uint64(t), 2*uint64(weightedSum))

	previousDifficulty := cumulativeDifficulties[n] - cumulativeDifficulties[n-1]
	if lastThree < (8*t)/10 {
		if jump := previousDifficulty * 108 / 100; next < jump {
			next = jump
		}
	}
	if next == 0 {
		next = 1
	}
	return next
}
