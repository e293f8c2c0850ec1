package generator

// Confidence calibration: the base heuristic score is adjusted by observed
// interaction history so that commands users actually succeed with rise and
// commands that keep failing sink.

const (
	// usageBonusPerInteraction accrues for each recorded execution.
	usageBonusPerInteraction = 0.05
	// usageBonusCap bounds the accrual so history can never substitute for a
	// decent base score.
	usageBonusCap = 0.15
	// successRateSpan scales the success-rate adjustment. A perfect record
	// adds half the span; a fully failing one subtracts it.
	successRateSpan = 0.3
)

// Calibrate folds interaction history into a base confidence. successRate is
// nil when the element has no recorded history, in which case only the base
// score applies. The result is always clamped to [0, 1].
func Calibrate(base float64, interactionCount int, successRate *float64) float64 {
	score := base

	bonus := float64(interactionCount) * usageBonusPerInteraction
	if bonus > usageBonusCap {
		bonus = usageBonusCap
	}
	score += bonus

	if successRate != nil {
		score += (*successRate - 0.5) * successRateSpan
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
