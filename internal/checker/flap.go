package checker

import "github.com/oceanplexian/icingo/internal/objects"

const maxFlapHistoryEntries = objects.MaxFlapHistoryEntries // 21

// UpdateFlapHistory records a new state in the circular buffer and
// recalculates the weighted percent state change.
func UpdateFlapHistory(history *[maxFlapHistoryEntries]int, histIdx *int, percentChange *float64, newState int) {
	history[*histIdx] = newState
	*histIdx = (*histIdx + 1) % maxFlapHistoryEntries
	*percentChange = CalculateFlapPercent(history, *histIdx)
}

// CalculateFlapPercent computes the weighted percent state change
// across the 21-entry circular buffer. Recent transitions carry more
// weight (up to 1.2x), older ones less (down to 0.8x), on a linear
// ramp.
func CalculateFlapPercent(history *[maxFlapHistoryEntries]int, currentIdx int) float64 {
	var curvedChanges float64

	for x := 1; x < maxFlapHistoryEntries; x++ {
		thisIdx := (currentIdx + x) % maxFlapHistoryEntries
		prevIdx := (currentIdx + x - 1) % maxFlapHistoryEntries

		if history[thisIdx] != history[prevIdx] {
			weight := float64(x-1)*(1.2-0.8)/float64(maxFlapHistoryEntries-2) + 0.8
			curvedChanges += weight
		}
	}

	return (curvedChanges * 100.0) / float64(maxFlapHistoryEntries-1)
}

// CheckFlapping evaluates whether an object has started or stopped
// flapping based on the current percent state change and the high/low
// thresholds. Returns (isFlapping, stateChanged).
func CheckFlapping(currentlyFlapping bool, percentChange float64, lowThreshold, highThreshold float64) (bool, bool) {
	if lowThreshold <= 0 {
		lowThreshold = 20.0
	}
	if highThreshold <= 0 {
		highThreshold = 30.0
	}

	if !currentlyFlapping && percentChange >= highThreshold {
		return true, true // started flapping
	}
	if currentlyFlapping && percentChange < lowThreshold {
		return false, true // stopped flapping
	}
	return currentlyFlapping, false
}
