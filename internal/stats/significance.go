package stats

import "math"

// MinSampleSize is the smallest per-arm participant count for which a
// significance claim is made.
const MinSampleSize = 30

// DefaultConfidenceLevel is used when callers do not ask for another level.
const DefaultConfidenceLevel = 0.95

// Interval is a closed range of plausible values.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// SignificanceResult is the outcome of comparing a treatment arm against control.
type SignificanceResult struct {
	ControlRate         float64  `json:"control_rate"`
	TreatmentRate       float64  `json:"treatment_rate"`
	RelativeImprovement float64  `json:"relative_improvement"` // percent vs control
	ZScore              float64  `json:"z_score"`
	PValue              float64  `json:"p_value"`
	ConfidenceLevel     float64  `json:"confidence_level"`
	ConfidenceInterval  Interval `json:"confidence_interval"` // on treatmentRate - controlRate
	IsSignificant       bool     `json:"is_significant"`

	// SampleSizeRecommendation is set only when either arm is below MinSampleSize.
	SampleSizeRecommendation int `json:"sample_size_recommendation,omitempty"`
}

// CalculateSignificance runs a two-sided pooled two-proportion z-test of the
// treatment arm against the control arm.
//
// Arms with fewer than MinSampleSize participants never produce a
// significant result; the p-value is reported as 1 and a sample size
// recommendation is returned instead.
func CalculateSignificance(controlConv, controlN, treatmentConv, treatmentN int, confidenceLevel float64) SignificanceResult {
	controlRate := rate(controlConv, controlN)
	treatmentRate := rate(treatmentConv, treatmentN)

	result := SignificanceResult{
		ControlRate:     controlRate,
		TreatmentRate:   treatmentRate,
		ConfidenceLevel: confidenceLevel,
		PValue:          1,
	}

	if controlRate != 0 {
		result.RelativeImprovement = (treatmentRate - controlRate) / controlRate * 100
	}

	if controlN < MinSampleSize || treatmentN < MinSampleSize {
		result.SampleSizeRecommendation = max(100, 2*controlN, 2*treatmentN)
		return result
	}

	// Pooled proportion under the null hypothesis that both rates are equal
	pooled := float64(controlConv+treatmentConv) / float64(controlN+treatmentN)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(controlN) + 1/float64(treatmentN)))

	diff := treatmentRate - controlRate
	if se > 0 {
		result.ZScore = diff / se
	}

	result.PValue = 2 * (1 - normalCDF(math.Abs(result.ZScore)))

	margin := ZCritical(confidenceLevel) * se
	result.ConfidenceInterval = Interval{Lower: diff - margin, Upper: diff + margin}
	result.IsSignificant = result.PValue < 1-confidenceLevel

	return result
}

// ZCritical returns the two-sided critical value for the common confidence
// levels 0.90, 0.95 and 0.99. Any other level falls back to the 0.95 value;
// there is no general inverse-normal routine.
func ZCritical(confidenceLevel float64) float64 {
	switch {
	case approxEqual(confidenceLevel, 0.90):
		return 1.645
	case approxEqual(confidenceLevel, 0.99):
		return 2.576
	default:
		return 1.96
	}
}

// normalCDF approximates the cumulative distribution function
// of the standard normal distribution.
//
// Abramowitz and Stegun, Handbook of Mathematical Functions, formula 7.1.26.
// Absolute error is bounded by about 1.5e-7.
func normalCDF(x float64) float64 {
	a1 := 0.254829592
	a2 := -0.284496736
	a3 := 1.421413741
	a4 := -1.453152027
	a5 := 1.061405429
	p := 0.3275911

	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	x = math.Abs(x) / math.Sqrt2

	t := 1.0 / (1.0 + p*x)
	y := 1.0 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)

	return 0.5 * (1.0 + sign*y)
}

func rate(conversions, participants int) float64 {
	if participants == 0 {
		return 0
	}
	return float64(conversions) / float64(participants)
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
