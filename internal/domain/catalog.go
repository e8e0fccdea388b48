package domain

// Built-in selector catalogs. The literal sentinel "all" in a selector
// set resolves to the matching catalog before a selection reaches the
// expander.
var (
	AllTechniques    = []string{"anchoring", "mirroring", "labeling", "framing", "reciprocity", "scarcity"}
	AllTactics       = []string{"collaborative", "competitive", "compromising", "accommodating", "avoiding"}
	AllPersonalities = []string{"analytical", "driver", "amiable", "expressive"}
	AllZopaDistances = []string{"overlap", "close", "medium", "far"}
)

// ResolveAll returns a copy of the selection with every "all" sentinel
// expanded into the full catalog for that set
func (s Selection) ResolveAll() Selection {
	return Selection{
		Techniques:    resolveSet(s.Techniques, AllTechniques),
		Tactics:       resolveSet(s.Tactics, AllTactics),
		Personalities: resolveSet(s.Personalities, AllPersonalities),
		ZopaDistances: resolveSet(s.ZopaDistances, AllZopaDistances),
	}
}

func resolveSet(set, catalog []string) []string {
	for _, v := range set {
		if v == "all" {
			return append([]string(nil), catalog...)
		}
	}
	return set
}
