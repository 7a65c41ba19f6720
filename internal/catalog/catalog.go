// Package catalog holds the weighted domain keyword catalog and the relevance
// scorer built on top of it. A Catalog is immutable after construction and safe
// for concurrent use without synchronization.
package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// Tier groups keywords by how specific they are to the product domain.
type Tier string

// Supported weight tiers.
const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// Weights maps each tier to the score contributed by one matching keyword.
type Weights struct {
	High   int `mapstructure:"high" yaml:"high"`
	Medium int `mapstructure:"medium" yaml:"medium"`
	Low    int `mapstructure:"low" yaml:"low"`
}

// DefaultWeights returns the stock tier policy.
func DefaultWeights() Weights {
	return Weights{High: 5, Medium: 3, Low: 2}
}

// Validate rejects non-positive weights; a zero weight would make a match
// indistinguishable from "not relevant".
func (w Weights) Validate() error {
	if w.High <= 0 || w.Medium <= 0 || w.Low <= 0 {
		return fmt.Errorf("catalog weights must be > 0 (high=%d medium=%d low=%d)", w.High, w.Medium, w.Low)
	}
	return nil
}

func (w Weights) of(t Tier) (int, error) {
	switch t {
	case TierHigh:
		return w.High, nil
	case TierMedium:
		return w.Medium, nil
	case TierLow, "":
		return w.Low, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", t)
	}
}

// Keyword is one catalog entry. An empty Tier means TierLow.
type Keyword struct {
	Term string `yaml:"term"`
	Tier Tier   `yaml:"tier"`
}

type entry struct {
	term   string
	tier   Tier
	weight int
}

// Catalog is an ordered, weighted keyword list.
type Catalog struct {
	entries []entry
	weights Weights
}

// New validates keywords and resolves their weights. Terms are case-folded and
// must be unique after folding.
func New(keywords []Keyword, weights Weights) (*Catalog, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if len(keywords) == 0 {
		return nil, errors.New("catalog requires at least one keyword")
	}
	seen := make(map[string]struct{}, len(keywords))
	entries := make([]entry, 0, len(keywords))
	for i, kw := range keywords {
		term := strings.ToLower(strings.TrimSpace(kw.Term))
		if term == "" {
			return nil, fmt.Errorf("keyword %d: term is required", i)
		}
		if _, dup := seen[term]; dup {
			return nil, fmt.Errorf("keyword %q listed more than once", term)
		}
		weight, err := weights.of(kw.Tier)
		if err != nil {
			return nil, fmt.Errorf("keyword %q: %w", term, err)
		}
		tier := kw.Tier
		if tier == "" {
			tier = TierLow
		}
		seen[term] = struct{}{}
		entries = append(entries, entry{term: term, tier: tier, weight: weight})
	}
	return &Catalog{entries: entries, weights: weights}, nil
}

// Score sums the weights of every catalog keyword contained in text after
// case folding. Matching is plain substring containment, so a keyword also
// matches inside longer words. Matched terms come back in catalog order.
func (c *Catalog) Score(text string) (int, []string) {
	matched := []string{}
	if c == nil || text == "" {
		return 0, matched
	}
	folded := strings.ToLower(text)
	score := 0
	for _, e := range c.entries {
		if strings.Contains(folded, e.term) {
			score += e.weight
			matched = append(matched, e.term)
		}
	}
	return score, matched
}

// Keywords returns a copy of the catalog entries in order.
func (c *Catalog) Keywords() []Keyword {
	out := make([]Keyword, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, Keyword{Term: e.term, Tier: e.tier})
	}
	return out
}

// Weights returns the tier policy in effect.
func (c *Catalog) Weights() Weights {
	return c.weights
}

// Len reports the number of keywords.
func (c *Catalog) Len() int {
	return len(c.entries)
}
