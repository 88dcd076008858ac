package irt

import (
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

const (
	// DefaultMaxIterations caps the BFGS major iterations per estimate.
	DefaultMaxIterations = 100

	// DefaultThetaBound limits estimates to [-DefaultThetaBound, DefaultThetaBound].
	DefaultThetaBound = 8.0

	defaultGradientThreshold = 1e-8

	// scanPoints is the resolution of the grid used to check BFGS results.
	scanPoints = 65
	// scanTolerance is how much lower a grid point's NLL must be to trigger a restart.
	scanTolerance = 1e-6

	minProbability = 1e-10
	maxProbability = 1 - 1e-10
)

// Response is a single scored answer to an item.
type Response struct {
	ItemID  string `json:"item_id" yaml:"item_id"`
	Correct bool   `json:"is_correct" yaml:"is_correct"`
}

// EstimatorConfig configures an Estimator.
// Zero values are replaced with defaults.
type EstimatorConfig struct {
	MaxIterations     int     `json:"max_iterations"`     // default 100
	ThetaBound        float64 `json:"theta_bound"`        // default 8
	GradientThreshold float64 `json:"gradient_threshold"` // default 1e-8
}

// Estimator computes maximum likelihood ability estimates under the 3PL model.
// An Estimator holds no mutable state and may be shared between goroutines.
type Estimator struct {
	maxIterations     int
	thetaBound        float64
	gradientThreshold float64
}

// NewEstimator creates an Estimator with the given config.
func NewEstimator(cfg EstimatorConfig) *Estimator {
	e := &Estimator{
		maxIterations:     cfg.MaxIterations,
		thetaBound:        cfg.ThetaBound,
		gradientThreshold: cfg.GradientThreshold,
	}
	if e.maxIterations <= 0 {
		e.maxIterations = DefaultMaxIterations
	}
	if !(e.thetaBound > 0) {
		e.thetaBound = DefaultThetaBound
	}
	if !(e.gradientThreshold > 0) {
		e.gradientThreshold = defaultGradientThreshold
	}
	return e
}

// term is a response paired with its resolved item parameters.
type term struct {
	params  ItemParameters
	correct bool
}

func resolve(responses []Response, src ParameterSource) []term {
	terms := make([]term, len(responses))
	for i, r := range responses {
		terms[i] = term{params: src.Parameters(r.ItemID), correct: r.Correct}
	}
	return terms
}

// NegativeLogLikelihood returns
//
//	NLL(θ) = -Σ [u·ln p_i(θ) + (1-u)·ln(1-p_i(θ))]
//
// with each p_i clamped to [1e-10, 1-1e-10].
func NegativeLogLikelihood(theta float64, responses []Response, src ParameterSource) float64 {
	return nll(theta, resolve(responses, src))
}

func nll(theta float64, terms []term) float64 {
	var sum float64
	for _, t := range terms {
		p := clampProbability(t.params.Probability(theta))
		if t.correct {
			sum -= math.Log(p)
		} else {
			sum -= math.Log(1 - p)
		}
	}
	return sum
}

// nllGradient is dNLL/dθ of the unclamped likelihood, so responses whose
// probability sits at a clamp still pull θ toward the optimum. With
// 1-p = (1-c)(1-s) an incorrect response contributes a·s.
func nllGradient(theta float64, terms []term) float64 {
	var g float64
	for _, t := range terms {
		a, c := t.params.Discrimination, t.params.Guessing
		s := logistic(a * (theta - t.params.Difficulty))
		switch p := c + (1-c)*s; {
		case !t.correct:
			g += a * s
		case p > 0:
			g -= (1 - c) * a * s * (1 - s) / p
		default:
			// c = 0 and s underflowed: the limit of a·(1-s).
			g -= a
		}
	}
	return g
}

func clampProbability(p float64) float64 {
	return math.Min(math.Max(p, minProbability), maxProbability)
}

// Estimate returns the maximum likelihood ability for responses, starting the
// search at initialTheta. With no responses initialTheta is returned unchanged.
//
// Estimate never fails: if BFGS stops without converging, the best point it
// evaluated is returned. The result is clamped to the estimator's theta bound.
// A coarse scan of [-bound, bound] restarts the search when the warm start
// settled in a region the scan beats, e.g. a plateau of clamped terms.
func (e *Estimator) Estimate(responses []Response, src ParameterSource, initialTheta float64) float64 {
	if len(responses) == 0 {
		return initialTheta
	}
	terms := resolve(responses, src)

	best, bestF := e.minimize(terms, e.clampTheta(initialTheta))

	seed, seedF := e.scan(terms)
	if seedF < bestF-scanTolerance {
		slog.Debug("ability search restarted from scan", "from", best, "seed", seed, "responses", len(responses))
		if theta, f := e.minimize(terms, seed); f < bestF {
			best, bestF = theta, f
		}
		if seedF < bestF {
			best = seed
		}
	}
	return best
}

// minimize runs BFGS from start and returns the clamped best point with its NLL.
func (e *Estimator) minimize(terms []term, start float64) (theta, f float64) {
	best := start
	bestF := math.Inf(1)
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			v := nll(x[0], terms)
			if v < bestF {
				bestF = v
				best = x[0]
			}
			return v
		},
		Grad: func(grad, x []float64) {
			grad[0] = nllGradient(x[0], terms)
		},
	}
	settings := &optimize.Settings{
		MajorIterations:   e.maxIterations,
		GradientThreshold: e.gradientThreshold,
	}

	result, err := optimize.Minimize(problem, []float64{start}, settings, &optimize.BFGS{})
	if err != nil {
		slog.Debug("ability optimization stopped early", "error", err, "responses", len(terms))
	}
	if result != nil && len(result.X) == 1 && !math.IsNaN(result.X[0]) && result.F <= bestF {
		best = result.X[0]
	}
	best = e.clampTheta(best)
	return best, nll(best, terms)
}

// scan evaluates the NLL on an evenly spaced grid over the theta bound and
// returns the lowest point.
func (e *Estimator) scan(terms []term) (theta, f float64) {
	grid := floats.Span(make([]float64, scanPoints), -e.thetaBound, e.thetaBound)
	f = math.Inf(1)
	for _, x := range grid {
		if v := nll(x, terms); v < f {
			theta, f = x, v
		}
	}
	return theta, f
}

func (e *Estimator) clampTheta(theta float64) float64 {
	if math.IsNaN(theta) {
		return 0
	}
	return math.Min(math.Max(theta, -e.thetaBound), e.thetaBound)
}
