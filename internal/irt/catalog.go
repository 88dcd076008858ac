package irt

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Calibration clamps the observed proportion correct to this range so the
// logit stays finite.
const (
	minProportionCorrect = 0.01
	maxProportionCorrect = 0.99
)

// ItemParameters holds the 3PL parameters of a single item.
type ItemParameters struct {
	ItemID         string  `json:"item_id" yaml:"item_id"`
	Difficulty     float64 `json:"difficulty" yaml:"difficulty"`
	Discrimination float64 `json:"discrimination" yaml:"discrimination"`
	Guessing       float64 `json:"guessing" yaml:"guessing"`
}

// Validate checks discrimination > 0, guessing in [0, 1) and that every value is finite.
func (p ItemParameters) Validate() error {
	switch {
	case p.ItemID == "":
		return fmt.Errorf("%w: empty item id", ErrInvalidParameter)
	case math.IsNaN(p.Difficulty) || math.IsInf(p.Difficulty, 0):
		return fmt.Errorf("%w: item %s difficulty = %v", ErrInvalidParameter, p.ItemID, p.Difficulty)
	case !(p.Discrimination > 0) || math.IsInf(p.Discrimination, 0):
		return fmt.Errorf("%w: item %s discrimination = %v, must be > 0", ErrInvalidParameter, p.ItemID, p.Discrimination)
	case !(p.Guessing >= 0 && p.Guessing < 1):
		return fmt.Errorf("%w: item %s guessing = %v, must be in [0, 1)", ErrInvalidParameter, p.ItemID, p.Guessing)
	}
	return nil
}

// Defaults are the parameters assigned to an item the first time it is referenced.
type Defaults struct {
	Difficulty     float64 `json:"difficulty"`
	Discrimination float64 `json:"discrimination"`
	Guessing       float64 `json:"guessing"`
}

// DefaultParameters suit a four-option multiple choice item of average difficulty.
var DefaultParameters = Defaults{
	Difficulty:     0.0,
	Discrimination: 1.0,
	Guessing:       0.25,
}

// CalibrationRecord is one historical response used by Calibrate.
type CalibrationRecord struct {
	ItemID    string `json:"item_id" yaml:"item_id"`
	StudentID string `json:"student_id,omitempty" yaml:"student_id,omitempty"`
	Correct   bool   `json:"correct" yaml:"correct"`
}

// ParameterSource resolves the parameters of an item.
type ParameterSource interface {
	Parameters(itemID string) ItemParameters
}

// Catalog owns the parameters of every known item. It is safe for concurrent use.
type Catalog struct {
	mu       sync.RWMutex
	defaults Defaults
	items    map[string]ItemParameters
	order    []string
}

// NewCatalog creates an empty catalog using DefaultParameters.
func NewCatalog() *Catalog {
	c, _ := NewCatalogWithDefaults(DefaultParameters)
	return c
}

// NewCatalogWithDefaults creates an empty catalog whose lazily created entries use d.
func NewCatalogWithDefaults(d Defaults) (*Catalog, error) {
	probe := ItemParameters{ItemID: "defaults", Difficulty: d.Difficulty, Discrimination: d.Discrimination, Guessing: d.Guessing}
	if err := probe.Validate(); err != nil {
		return nil, err
	}
	return &Catalog{
		defaults: d,
		items:    make(map[string]ItemParameters),
	}, nil
}

// Defaults returns the parameters used for items that were never set.
func (c *Catalog) Defaults() Defaults {
	return c.defaults
}

// Parameters returns the stored parameters for itemID, creating defaults on
// first reference.
func (c *Catalog) Parameters(itemID string) ItemParameters {
	c.mu.RLock()
	p, ok := c.items[itemID]
	c.mu.RUnlock()
	if ok {
		return p
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.items[itemID]; ok {
		return p
	}
	p = ItemParameters{
		ItemID:         itemID,
		Difficulty:     c.defaults.Difficulty,
		Discrimination: c.defaults.Discrimination,
		Guessing:       c.defaults.Guessing,
	}
	c.putLocked(p)
	return p
}

// Lookup returns the parameters for itemID without creating defaults.
func (c *Catalog) Lookup(itemID string) (ItemParameters, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.items[itemID]
	return p, ok
}

// Set overwrites the parameters of itemID.
func (c *Catalog) Set(itemID string, difficulty, discrimination, guessing float64) error {
	return c.SetParameters(ItemParameters{
		ItemID:         itemID,
		Difficulty:     difficulty,
		Discrimination: discrimination,
		Guessing:       guessing,
	})
}

// SetParameters overwrites the parameters of p.ItemID after validating them.
func (c *Catalog) SetParameters(p ItemParameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.putLocked(p)
	c.mu.Unlock()
	return nil
}

// Items returns every entry in insertion order.
func (c *Catalog) Items() []ItemParameters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ItemParameters, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	return out
}

// Len returns the number of items in the catalog.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Calibrate estimates item difficulty from historical responses and stores
// the result. Difficulty is the negative logit of the proportion correct;
// discrimination and guessing are reset to the catalog defaults. This is a
// one-parameter simplification, not a joint 3PL fit.
//
// Items are processed in the order they first appear in records. The updated
// parameters are returned in that order.
func (c *Catalog) Calibrate(records []CalibrationRecord) []ItemParameters {
	var order []string
	outcomes := make(map[string][]float64)
	for _, r := range records {
		if r.ItemID == "" {
			continue
		}
		if _, ok := outcomes[r.ItemID]; !ok {
			order = append(order, r.ItemID)
		}
		v := 0.0
		if r.Correct {
			v = 1.0
		}
		outcomes[r.ItemID] = append(outcomes[r.ItemID], v)
	}

	updated := make([]ItemParameters, 0, len(order))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range order {
		p := stat.Mean(outcomes[id], nil)
		p = math.Min(math.Max(p, minProportionCorrect), maxProportionCorrect)
		params := ItemParameters{
			ItemID:         id,
			Difficulty:     -math.Log(p / (1 - p)),
			Discrimination: c.defaults.Discrimination,
			Guessing:       c.defaults.Guessing,
		}
		c.putLocked(params)
		updated = append(updated, params)
	}
	return updated
}

func (c *Catalog) putLocked(p ItemParameters) {
	if _, ok := c.items[p.ItemID]; !ok {
		c.order = append(c.order, p.ItemID)
	}
	c.items[p.ItemID] = p
}
