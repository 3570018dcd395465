package displayname

import (
	"encoding/json"
	"sync"

	"github.com/w3f/challenger/identity"
)

// DefaultThreshold is the similarity cutoff below which a candidate display
// name is accepted (spec.md §4.2: "default 0.85").
const DefaultThreshold = 0.85

// Violation names one existing verified display name that a candidate is
// too similar to (spec.md §4.2 "Result shape": {display_name,
// context{address,chain}}).
type Violation struct {
	DisplayName string
	Address     string
	Chain       identity.Chain
}

// MarshalJSON nests Address/Chain under "context", matching spec.md
// §4.2's wire shape instead of the flat Go struct layout.
func (v Violation) MarshalJSON() ([]byte, error) {
	type wire struct {
		DisplayName string `json:"display_name"`
		Context     struct {
			Address string         `json:"address"`
			Chain   identity.Chain `json:"chain"`
		} `json:"context"`
	}
	var w wire
	w.DisplayName = v.DisplayName
	w.Context.Address = v.Address
	w.Context.Chain = v.Chain
	return json.Marshal(w)
}

// Index is C2: the in-memory, per-chain set of display names belonging to
// fully-verified identities, queried by the similarity guard in package
// verifier. It is the sole writer's (package verifier) private
// collaborator — callers never mutate it except through Insert/Remove.
type Index struct {
	mu        sync.RWMutex
	threshold float64
	// byChain maps chain -> normalized display name -> owning key.
	byChain map[identity.Chain]map[string]identity.Key
}

// NewIndex builds an empty Index with the given threshold. A threshold <=
// 0 falls back to DefaultThreshold.
func NewIndex(threshold float64) *Index {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Index{
		threshold: threshold,
		byChain:   make(map[identity.Chain]map[string]identity.Key),
	}
}

// Load seeds the index for chain from a store snapshot (spec.md §4.2
// "Index maintenance" — rebuilt at startup from C1).
func (idx *Index) Load(chain identity.Chain, names map[string]identity.Key) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	m := make(map[string]identity.Key, len(names))
	for name, key := range names {
		m[normalize(name)] = key
	}
	idx.byChain[chain] = m
}

// Insert adds displayName as belonging to key, once its identity becomes
// fully verified.
func (idx *Index) Insert(chain identity.Chain, displayName string, key identity.Key) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	m := idx.byChain[chain]
	if m == nil {
		m = make(map[string]identity.Key)
		idx.byChain[chain] = m
	}
	m[normalize(displayName)] = key
}

// Remove drops the entry for key from chain, on retraction or replacement.
func (idx *Index) Remove(chain identity.Chain, key identity.Key) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	m := idx.byChain[chain]
	for name, owner := range m {
		if owner == key {
			delete(m, name)
		}
	}
}

// Check evaluates candidate against every verified display name on chain,
// excluding self (spec.md §4.2). It returns the violating entries found;
// a nil result (no violations) means the candidate passes.
func (idx *Index) Check(chain identity.Chain, candidate string, self identity.Key) []Violation {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	norm := normalize(candidate)
	var violations []Violation
	for name, owner := range idx.byChain[chain] {
		if owner == self {
			continue
		}
		if jaroWinkler(norm, name) >= idx.threshold {
			violations = append(violations, Violation{
				DisplayName: name,
				Address:     owner.Address,
				Chain:       chain,
			})
		}
	}
	return violations
}

// Passed reports whether candidate has no violations on chain (strict
// `<` threshold: a similarity exactly equal to the threshold fails,
// matched by Check's `>=` rejection test above).
func (idx *Index) Passed(chain identity.Chain, candidate string, self identity.Key) bool {
	return len(idx.Check(chain, candidate, self)) == 0
}
