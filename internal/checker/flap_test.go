package checker

import (
	"math"
	"testing"
)

func TestCalculateFlapPercent_NoChanges(t *testing.T) {
	var history [maxFlapHistoryEntries]int
	// All same state -> 0% change
	pct := CalculateFlapPercent(&history, 0)
	if pct != 0 {
		t.Errorf("expected 0%%, got %.2f%%", pct)
	}
}

func TestCalculateFlapPercent_AllChanges(t *testing.T) {
	var history [maxFlapHistoryEntries]int
	// Alternating states: 0,1,0,1,...
	for i := 0; i < maxFlapHistoryEntries; i++ {
		history[i] = i % 2
	}
	pct := CalculateFlapPercent(&history, 0)
	// All 20 transitions are changes; sum the linear weight ramp
	// weight(x) = (x-1)*(1.2-0.8)/(21-2) + 0.8 for x=1..20
	var expectedCurved float64
	for x := 1; x < maxFlapHistoryEntries; x++ {
		weight := float64(x-1)*(1.2-0.8)/float64(maxFlapHistoryEntries-2) + 0.8
		expectedCurved += weight
	}
	expected := (expectedCurved * 100.0) / float64(maxFlapHistoryEntries-1)
	if math.Abs(pct-expected) > 0.01 {
		t.Errorf("expected %.2f%%, got %.2f%%", expected, pct)
	}
}

func TestCalculateFlapPercent_RecentChangesWeighMore(t *testing.T) {
	// One change in the oldest position vs one change in the newest:
	// the newest must score higher.
	var oldChange, newChange [maxFlapHistoryEntries]int
	oldChange[1] = 1
	for i := 2; i < maxFlapHistoryEntries; i++ {
		oldChange[i] = 1
	}
	newChange[maxFlapHistoryEntries-1] = 1

	oldPct := CalculateFlapPercent(&oldChange, 0)
	newPct := CalculateFlapPercent(&newChange, 0)
	if newPct <= oldPct {
		t.Errorf("recent change should weigh more: old %.2f, new %.2f", oldPct, newPct)
	}
}

func TestUpdateFlapHistory_Wraps(t *testing.T) {
	var history [maxFlapHistoryEntries]int
	idx := 0
	var pct float64
	for i := 0; i < maxFlapHistoryEntries+5; i++ {
		UpdateFlapHistory(&history, &idx, &pct, i%2)
	}
	if idx != 5 {
		t.Errorf("index should wrap to 5, got %d", idx)
	}
	if pct <= 0 {
		t.Error("alternating states should yield a positive percent")
	}
}

func TestCheckFlapping_Hysteresis(t *testing.T) {
	// Not flapping, below high threshold
	isFlap, changed := CheckFlapping(false, 25.0, 20.0, 30.0)
	if isFlap || changed {
		t.Error("should not start flapping in hysteresis zone")
	}

	// Not flapping, above high threshold
	isFlap, changed = CheckFlapping(false, 35.0, 20.0, 30.0)
	if !isFlap || !changed {
		t.Error("should start flapping above high threshold")
	}

	// Flapping, above low threshold (in hysteresis)
	isFlap, changed = CheckFlapping(true, 25.0, 20.0, 30.0)
	if !isFlap || changed {
		t.Error("should stay flapping in hysteresis zone")
	}

	// Flapping, below low threshold
	isFlap, changed = CheckFlapping(true, 15.0, 20.0, 30.0)
	if isFlap || !changed {
		t.Error("should stop flapping below low threshold")
	}
}

func TestCheckFlapping_DefaultThresholds(t *testing.T) {
	// Unset thresholds fall back to 20/30.
	isFlap, changed := CheckFlapping(false, 35.0, 0, 0)
	if !isFlap || !changed {
		t.Error("35%% should start flapping with default thresholds")
	}
	isFlap, changed = CheckFlapping(true, 15.0, 0, 0)
	if isFlap || !changed {
		t.Error("15%% should stop flapping with default thresholds")
	}
}
