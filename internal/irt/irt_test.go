package irt

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbabilityCorrect(t *testing.T) {
	assert.InDelta(t, 0.625, ProbabilityCorrect(0, 0, 1, 0.25), 1e-12)
	assert.InDelta(t, 0.5, ProbabilityCorrect(1.5, 1.5, 2, 0), 1e-12)

	// Bounded by the guessing floor and one, even far from the difficulty.
	low := ProbabilityCorrect(-40, 0, 1, 0.2)
	high := ProbabilityCorrect(40, 0, 1, 0.2)
	assert.GreaterOrEqual(t, low, 0.2)
	assert.LessOrEqual(t, high, 1.0)
	assert.False(t, math.IsNaN(ProbabilityCorrect(-1000, 0, 3, 0.1)))
}

func TestProbabilityCorrectMonotonic(t *testing.T) {
	params := []ItemParameters{
		{ItemID: "a", Difficulty: 0, Discrimination: 1, Guessing: 0.25},
		{ItemID: "b", Difficulty: -1.5, Discrimination: 0.4, Guessing: 0},
		{ItemID: "c", Difficulty: 2, Discrimination: 2.5, Guessing: 0.1},
	}
	for _, p := range params {
		t.Run(p.ItemID, func(t *testing.T) {
			prev := p.Probability(-4)
			for theta := -3.9; theta <= 4; theta += 0.1 {
				cur := p.Probability(theta)
				require.Greater(t, cur, prev, "theta=%.1f", theta)
				require.Greater(t, cur, p.Guessing)
				require.Less(t, cur, 1.0)
				prev = cur
			}
		})
	}
}

func TestInformation(t *testing.T) {
	p := ItemParameters{ItemID: "x", Difficulty: 0, Discrimination: 1, Guessing: 0}
	// Without guessing the 2PL information a²·p·q peaks at θ = b.
	assert.InDelta(t, 0.25, Information(0, p), 1e-12)
	assert.Greater(t, Information(0, p), Information(1, p))
	assert.Greater(t, Information(0, p), Information(-1, p))

	withGuessing := ItemParameters{ItemID: "y", Difficulty: 0, Discrimination: 1, Guessing: 0.25}
	// p = 0.625, q = 0.375, (p-c)/(1-c) = 0.5
	assert.InDelta(t, (0.375/0.625)*0.25, Information(0, withGuessing), 1e-12)
}

func TestItemParametersValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  ItemParameters
		wantErr bool
	}{
		{"defaults", ItemParameters{ItemID: "q", Discrimination: 1, Guessing: 0.25}, false},
		{"zero guessing", ItemParameters{ItemID: "q", Discrimination: 0.5}, false},
		{"zero discrimination", ItemParameters{ItemID: "q", Discrimination: 0, Guessing: 0.2}, true},
		{"negative discrimination", ItemParameters{ItemID: "q", Discrimination: -1, Guessing: 0.2}, true},
		{"guessing one", ItemParameters{ItemID: "q", Discrimination: 1, Guessing: 1}, true},
		{"negative guessing", ItemParameters{ItemID: "q", Discrimination: 1, Guessing: -0.01}, true},
		{"nan difficulty", ItemParameters{ItemID: "q", Difficulty: math.NaN(), Discrimination: 1}, true},
		{"nan discrimination", ItemParameters{ItemID: "q", Discrimination: math.NaN()}, true},
		{"empty id", ItemParameters{Discrimination: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidParameter)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCatalogLazyDefaults(t *testing.T) {
	c := NewCatalog()
	assert.Equal(t, 0, c.Len())

	_, ok := c.Lookup("q1")
	assert.False(t, ok)

	p := c.Parameters("q1")
	assert.Equal(t, ItemParameters{ItemID: "q1", Difficulty: 0, Discrimination: 1, Guessing: 0.25}, p)
	assert.Equal(t, 1, c.Len())

	// Idempotent per id.
	assert.Equal(t, p, c.Parameters("q1"))
	assert.Equal(t, 1, c.Len())
}

func TestCatalogSet(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Set("q1", 1.2, 0.8, 0.2))
	assert.Equal(t, ItemParameters{ItemID: "q1", Difficulty: 1.2, Discrimination: 0.8, Guessing: 0.2}, c.Parameters("q1"))

	// Rejected values leave the existing entry untouched.
	assert.ErrorIs(t, c.Set("q1", 0, 0, 0.2), ErrInvalidParameter)
	assert.ErrorIs(t, c.Set("q1", 0, 1, 1), ErrInvalidParameter)
	assert.ErrorIs(t, c.Set("q1", 0, 1, -0.5), ErrInvalidParameter)
	assert.Equal(t, 1.2, c.Parameters("q1").Difficulty)

	require.NoError(t, c.Set("q0", 0, 1, 0))
	ids := []string{}
	for _, p := range c.Items() {
		ids = append(ids, p.ItemID)
	}
	assert.Equal(t, []string{"q1", "q0"}, ids)
}

func TestNewCatalogWithDefaults(t *testing.T) {
	c, err := NewCatalogWithDefaults(Defaults{Difficulty: 0.5, Discrimination: 1.7, Guessing: 0.2})
	require.NoError(t, err)
	assert.Equal(t, 1.7, c.Parameters("x").Discrimination)

	_, err = NewCatalogWithDefaults(Defaults{Discrimination: 0, Guessing: 0.25})
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestCatalogCalibrate(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Set("hard", 0, 2, 0.1))

	var records []CalibrationRecord
	// "hard": 1 of 4 correct, "easy": 3 of 4, "perfect": all correct, "zero": none.
	for i := 0; i < 4; i++ {
		records = append(records,
			CalibrationRecord{ItemID: "hard", Correct: i == 0},
			CalibrationRecord{ItemID: "easy", Correct: i != 0},
			CalibrationRecord{ItemID: "perfect", Correct: true},
			CalibrationRecord{ItemID: "zero", Correct: false},
		)
	}
	records = append(records, CalibrationRecord{ItemID: "", Correct: true})

	updated := c.Calibrate(records)
	require.Len(t, updated, 4)
	assert.Equal(t, "hard", updated[0].ItemID)
	assert.Equal(t, "zero", updated[3].ItemID)

	hard := c.Parameters("hard")
	assert.InDelta(t, math.Log(3), hard.Difficulty, 1e-12)
	// Discrimination and guessing fall back to the defaults.
	assert.Equal(t, 1.0, hard.Discrimination)
	assert.Equal(t, 0.25, hard.Guessing)

	assert.InDelta(t, -math.Log(3), c.Parameters("easy").Difficulty, 1e-12)
	assert.InDelta(t, -math.Log(99), c.Parameters("perfect").Difficulty, 1e-9)
	assert.InDelta(t, math.Log(99), c.Parameters("zero").Difficulty, 1e-9)
}

func TestSelect(t *testing.T) {
	c := NewCatalog()
	for i, b := range []float64{-2, -1, 0, 1, 2} {
		require.NoError(t, c.Set(fmt.Sprintf("q%d", i), b, 1, 0))
	}

	t.Run("nearest difficulty wins", func(t *testing.T) {
		id, err := Select(1.1, []string{"q0", "q1", "q2", "q3", "q4"}, c)
		require.NoError(t, err)
		assert.Equal(t, "q3", id)
	})

	t.Run("only candidates considered", func(t *testing.T) {
		id, err := Select(1.1, []string{"q0", "q1"}, c)
		require.NoError(t, err)
		assert.Equal(t, "q1", id)
	})

	t.Run("tie goes to first", func(t *testing.T) {
		require.NoError(t, c.Set("twin", 1, 1, 0))
		id, err := Select(1, []string{"twin", "q3"}, c)
		require.NoError(t, err)
		assert.Equal(t, "twin", id)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Select(0, nil, c)
		assert.ErrorIs(t, err, ErrNoItemsAvailable)
	})

	t.Run("zero information falls back to first", func(t *testing.T) {
		require.NoError(t, c.Set("far1", 500, 3, 0.2))
		require.NoError(t, c.Set("far2", 600, 3, 0.2))
		id, err := Select(0, []string{"far2", "far1"}, c)
		require.NoError(t, err)
		assert.Equal(t, "far2", id)
	})
}

func TestEstimateNoResponses(t *testing.T) {
	e := NewEstimator(EstimatorConfig{})
	assert.Equal(t, 0.7, e.Estimate(nil, NewCatalog(), 0.7))
}

func TestEstimateRecoversTheta(t *testing.T) {
	const trueTheta = 1.0
	c := NewCatalog()
	var items []string
	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("item-%02d", i)
		b := -2 + 4*float64(i)/29
		require.NoError(t, c.Set(id, b, 1, 0.25))
		items = append(items, id)
	}

	rng := rand.New(rand.NewPCG(42, 7))
	var responses []Response
	// A single pass over 30 items with guessing has a sampling error near
	// the tolerance itself, so the exact MLE misses θ ± 0.3 for a large
	// share of seeds. Pooling 40 passes checks recovery of the estimator,
	// not the luck of one draw.
	for rep := 0; rep < 40; rep++ {
		for _, id := range items {
			p := c.Parameters(id).Probability(trueTheta)
			responses = append(responses, Response{ItemID: id, Correct: rng.Float64() < p})
		}
	}

	e := NewEstimator(EstimatorConfig{})
	got := e.Estimate(responses, c, 0)
	assert.InDelta(t, trueTheta, got, 0.3)

	// Warm starting from elsewhere reaches the same optimum.
	assert.InDelta(t, got, e.Estimate(responses, c, -3), 1e-3)
}

func TestEstimateMinimizesNLL(t *testing.T) {
	c := NewCatalog()
	responses := []Response{
		{ItemID: "a", Correct: true},
		{ItemID: "b", Correct: false},
		{ItemID: "c", Correct: true},
	}
	require.NoError(t, c.Set("a", -1, 1.2, 0.2))
	require.NoError(t, c.Set("b", 0.5, 0.9, 0.2))
	require.NoError(t, c.Set("c", 0, 1.5, 0.2))

	e := NewEstimator(EstimatorConfig{})
	theta := e.Estimate(responses, c, 0)
	f := NegativeLogLikelihood(theta, responses, c)
	for _, d := range []float64{-0.1, 0.1} {
		assert.LessOrEqual(t, f, NegativeLogLikelihood(theta+d, responses, c))
	}
}

func TestEstimateAllCorrectStaysBounded(t *testing.T) {
	c := NewCatalog()
	responses := []Response{{ItemID: "a", Correct: true}, {ItemID: "b", Correct: true}}

	e := NewEstimator(EstimatorConfig{ThetaBound: 4})
	theta := e.Estimate(responses, c, 0)
	assert.Greater(t, theta, 1.0)
	assert.LessOrEqual(t, theta, 4.0)

	wrong := []Response{{ItemID: "a", Correct: false}, {ItemID: "b", Correct: false}}
	theta = e.Estimate(wrong, c, 0)
	assert.Less(t, theta, -1.0)
	assert.GreaterOrEqual(t, theta, -4.0)
}

// gridMLE returns the minimizer of the NLL over a fine grid of [-bound, bound].
func gridMLE(responses []Response, src ParameterSource, bound float64) float64 {
	best, bestF := 0.0, math.Inf(1)
	for theta := -bound; theta <= bound; theta += 1e-3 {
		if f := NegativeLogLikelihood(theta, responses, src); f < bestF {
			best, bestF = theta, f
		}
	}
	return best
}

func TestNLLGradient(t *testing.T) {
	terms := []term{
		{params: ItemParameters{ItemID: "a", Difficulty: -1, Discrimination: 1.2, Guessing: 0.2}, correct: true},
		{params: ItemParameters{ItemID: "b", Difficulty: 0.5, Discrimination: 0.9, Guessing: 0}, correct: false},
		{params: ItemParameters{ItemID: "c", Difficulty: 1, Discrimination: 2, Guessing: 0.25}, correct: true},
	}
	const h = 1e-6
	for _, theta := range []float64{-2, 0, 0.7, 2.5} {
		numeric := (nll(theta+h, terms) - nll(theta-h, terms)) / (2 * h)
		assert.InDelta(t, numeric, nllGradient(theta, terms), 1e-5, "theta=%v", theta)
	}

	// A miss on an easy, sharp item is clamped at θ = 8 but still pulls θ down.
	miss := []term{{params: ItemParameters{ItemID: "q", Difficulty: -1, Discrimination: 3, Guessing: 0.2}}}
	assert.Greater(t, nllGradient(8, miss), 1.0)

	hit := []term{{params: ItemParameters{ItemID: "q", Difficulty: 0, Discrimination: 50}, correct: true}}
	g := nllGradient(-100, hit)
	assert.False(t, math.IsNaN(g))
	assert.Less(t, g, 0.0)
}

func TestEstimateWarmStartAtBound(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Set("q1", 0, 1, 0.25))
	require.NoError(t, c.Set("q2", 0.5, 1, 0.25))
	require.NoError(t, c.Set("q3", -1, 3, 0.2))
	responses := []Response{
		{ItemID: "q1", Correct: true},
		{ItemID: "q2", Correct: true},
		{ItemID: "q3", Correct: false},
	}
	e := NewEstimator(EstimatorConfig{})
	want := gridMLE(responses, c, DefaultThetaBound)

	// At θ = 8 the miss on q3 sits at the probability clamp and its loss is flat.
	for _, start := range []float64{DefaultThetaBound, -DefaultThetaBound, 0} {
		got := e.Estimate(responses, c, start)
		assert.InDelta(t, want, got, 2e-3, "start=%v", start)
		assert.InDelta(t, NegativeLogLikelihood(want, responses, c), NegativeLogLikelihood(got, responses, c), 1e-5, "start=%v", start)
	}
	assert.Less(t, NegativeLogLikelihood(want, responses, c), 5.0)
}

func TestEstimateMatchesGrid(t *testing.T) {
	c := NewCatalog()
	rng := rand.New(rand.NewPCG(3, 11))
	for i := 0; i < 12; i++ {
		require.NoError(t, c.Set(fmt.Sprintf("g%d", i), rng.Float64()*6-3, 0.5+rng.Float64()*2, 0.1+rng.Float64()*0.2))
	}
	e := NewEstimator(EstimatorConfig{})
	for run := 0; run < 20; run++ {
		var responses []Response
		for n := 1 + rng.IntN(8); len(responses) < n; {
			responses = append(responses, Response{ItemID: fmt.Sprintf("g%d", rng.IntN(12)), Correct: rng.IntN(2) == 0})
		}
		want := NegativeLogLikelihood(gridMLE(responses, c, DefaultThetaBound), responses, c)
		for _, start := range []float64{-DefaultThetaBound, 0, DefaultThetaBound} {
			got := NegativeLogLikelihood(e.Estimate(responses, c, start), responses, c)
			assert.LessOrEqual(t, got, want+1e-4, "run=%d start=%v", run, start)
		}
	}
}

func TestNegativeLogLikelihoodClamped(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Set("a", 0, 50, 0))
	// p underflows to ~0 at θ = -100; the clamp keeps the loss finite.
	f := NegativeLogLikelihood(-100, []Response{{ItemID: "a", Correct: true}}, c)
	assert.False(t, math.IsInf(f, 0))
	assert.InDelta(t, -math.Log(1e-10), f, 1e-6)
}
