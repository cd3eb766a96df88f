package kernel

import "math"

// Rating buckets a 0-100 score into a human-readable band
type Rating string

const (
	RatingExcellent    Rating = "excellent"
	RatingGood         Rating = "good"
	RatingSatisfactory Rating = "satisfactory"
	RatingFair         Rating = "fair"
	RatingPoor         Rating = "poor"
	RatingCritical     Rating = "critical"
)

// Component weights. They sum to 100 so the overall score lands on a 0-100
// scale without renormalizing.
const (
	weightSuccess        = 40.0
	weightResponsiveness = 30.0
	weightReliability    = 30.0

	// A task averaging a minute or more scores zero responsiveness.
	responsivenessCeilingMs = 60000.0

	// Each warning costs a tenth of reliability, capped at half.
	warningPenalty    = 0.1
	warningPenaltyCap = 0.5
)

// Score is a computed performance score with its component breakdown
type Score struct {
	Overall        int     `json:"overall"`
	Success        float64 `json:"success"`
	Responsiveness float64 `json:"responsiveness"`
	Reliability    float64 `json:"reliability"`
	Rating         Rating  `json:"rating"`
}

// ComputeScore folds an agent's counters into a 0-100 score. Agents with no
// history score perfect components rather than zero, so fresh agents are not
// election fodder.
func ComputeScore(m Metrics) Score {
	success := 1.0
	if total := m.TasksCompleted + m.TasksFailed; total > 0 {
		success = float64(m.TasksCompleted) / float64(total)
	}

	responsiveness := 1.0
	if m.TasksCompleted+m.TasksFailed > 0 {
		responsiveness = math.Max(0, 1-m.AvgTaskDurationMs/responsivenessCeilingMs)
	}

	reliability := 1.0
	if total := m.HeartbeatsResponded + m.HeartbeatsMissed; total > 0 {
		reliability = float64(m.HeartbeatsResponded) / float64(total)
	}
	reliability -= math.Min(warningPenaltyCap, warningPenalty*float64(m.WarningsReceived))

	sum := weightSuccess*success + weightResponsiveness*responsiveness + weightReliability*reliability
	overall := int(math.Round(sum))
	if overall < 0 {
		overall = 0
	}
	if overall > 100 {
		overall = 100
	}

	return Score{
		Overall:        overall,
		Success:        success,
		Responsiveness: responsiveness,
		Reliability:    reliability,
		Rating:         RatingFor(overall),
	}
}

// RatingFor maps a score to its band
func RatingFor(score int) Rating {
	switch {
	case score >= 90:
		return RatingExcellent
	case score >= 80:
		return RatingGood
	case score >= 70:
		return RatingSatisfactory
	case score >= 60:
		return RatingFair
	case score >= 40:
		return RatingPoor
	default:
		return RatingCritical
	}
}

// PromotionEligible reports whether the agent has earned a layer promotion
func PromotionEligible(m Metrics, score int) bool {
	return score >= 80 && m.TasksCompleted >= 10 && m.WarningsReceived == 0
}

// DemotionEligible reports whether the agent should be demoted
func DemotionEligible(m Metrics, score int) bool {
	return score < 60 || m.WarningsReceived >= 2
}

// DismissalEligible reports whether the agent should be dismissed
func DismissalEligible(m Metrics, score int) bool {
	return score < 40 || m.WarningsReceived >= 3
}
