package irt

import "math"

// ProbabilityCorrect returns the probability of a correct response under the
// three-parameter logistic model:
//
//	P(θ) = c + (1 - c) / (1 + exp(-a(θ - b)))
//
// The result lies in (c, 1) and is strictly increasing in theta for a > 0.
// Parameters are assumed to be validated by the caller.
func ProbabilityCorrect(theta, difficulty, discrimination, guessing float64) float64 {
	return guessing + (1-guessing)*logistic(discrimination*(theta-difficulty))
}

// Probability evaluates ProbabilityCorrect with the item's parameters.
func (p ItemParameters) Probability(theta float64) float64 {
	return ProbabilityCorrect(theta, p.Difficulty, p.Discrimination, p.Guessing)
}

// Information returns the Fisher information of the item at theta:
//
//	I(θ) = a² · (q/p) · ((p - c) / (1 - c))²
func Information(theta float64, p ItemParameters) float64 {
	prob := p.Probability(theta)
	if prob <= 0 || prob >= 1 {
		return 0
	}
	q := 1 - prob
	r := (prob - p.Guessing) / (1 - p.Guessing)
	return p.Discrimination * p.Discrimination * (q / prob) * r * r
}

// logistic is the standard sigmoid, evaluated without overflow for large |x|.
func logistic(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
