package domain

import "time"

// Dimension is one negotiable quantity of a product (price, volume, ...).
// Direction controls which side of the target counts as favorable.
type Dimension struct {
	ID        string  `json:"id" yaml:"id"`
	Name      string  `json:"name" yaml:"name"`
	Unit      string  `json:"unit,omitempty" yaml:"unit,omitempty"`
	Target    float64 `json:"target" yaml:"target"`
	Min       float64 `json:"min" yaml:"min"`
	Max       float64 `json:"max" yaml:"max"`
	Weight    float64 `json:"weight" yaml:"weight"`
	Direction string  `json:"direction,omitempty" yaml:"direction,omitempty"` // "higher" (default) or "lower"
}

// HigherIsBetter reports whether larger achieved values are favorable
func (d Dimension) HigherIsBetter() bool {
	return d.Direction != "lower"
}

// Product is one item under negotiation with its dimensions
type Product struct {
	ID         string      `json:"id" yaml:"id"`
	Name       string      `json:"name" yaml:"name"`
	Dimensions []Dimension `json:"dimensions" yaml:"dimensions"`
}

// Negotiation holds the business context every run of a queue shares:
// the products with their negotiable dimensions and the counterpart profile.
type Negotiation struct {
	ID          string         `json:"id" yaml:"id"`
	Title       string         `json:"title" yaml:"title"`
	Counterpart map[string]any `json:"counterpart,omitempty" yaml:"counterpart,omitempty"`
	Products    []Product      `json:"products" yaml:"products"`
	MaxRounds   int            `json:"maxRounds,omitempty" yaml:"maxRounds,omitempty"`
	CreatedAt   time.Time      `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt   time.Time      `json:"updatedAt,omitempty" yaml:"-"`
}

// Selection is the four selector sets a queue is expanded from.
// Each set must be non-empty; "all" sentinels are resolved by the caller
// before a Selection reaches the expander.
type Selection struct {
	Techniques    []string `json:"techniques"`
	Tactics       []string `json:"tactics"`
	Personalities []string `json:"personalities"`
	ZopaDistances []string `json:"zopaDistances"`
}

// Combinations returns |techniques|*|tactics|*|personalities|*|zopaDistances|
func (s Selection) Combinations() int {
	return len(s.Techniques) * len(s.Tactics) * len(s.Personalities) * len(s.ZopaDistances)
}

// Validate checks that every selector set is non-empty
func (s Selection) Validate() error {
	switch {
	case len(s.Techniques) == 0:
		return invalidConfiguration("techniques")
	case len(s.Tactics) == 0:
		return invalidConfiguration("tactics")
	case len(s.Personalities) == 0:
		return invalidConfiguration("personalities")
	case len(s.ZopaDistances) == 0:
		return invalidConfiguration("zopaDistances")
	}
	return nil
}
