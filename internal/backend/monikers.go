package backend

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"codeintel/internal/dumps"
)

// defaultSchemeOrder ranks moniker schemes from most to least precise.
// Compiler-produced schemes outrank package-manager schemes because they
// carry exact symbol identities rather than published surface names.
var defaultSchemeOrder = []string{
	"tsc",
	"go",
	"npm",
	"gomod",
	"pip",
	"maven",
	"cargo",
}

// SchemePriorities is a total order over moniker schemes. Schemes absent
// from the table rank after all known schemes; remaining ties break on
// scheme then identifier so the order is deterministic for equal input.
type SchemePriorities struct {
	rank map[string]int
}

// NewSchemePriorities builds the order from an explicit scheme list.
func NewSchemePriorities(order []string) *SchemePriorities {
	rank := make(map[string]int, len(order))
	for i, scheme := range order {
		if _, ok := rank[scheme]; !ok {
			rank[scheme] = i
		}
	}
	return &SchemePriorities{rank: rank}
}

// LoadSchemePriorities reads a scheme list from a YAML file, falling back
// to the built-in order when path is empty or the file does not exist.
//
// The file is a plain sequence:
//
//	- tsc
//	- go
//	- npm
func LoadSchemePriorities(path string) (*SchemePriorities, error) {
	if path == "" {
		return NewSchemePriorities(defaultSchemeOrder), nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewSchemePriorities(defaultSchemeOrder), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scheme priority file: %w", err)
	}

	var order []string
	if err := yaml.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("failed to parse scheme priority file: %w", err)
	}
	if len(order) == 0 {
		return NewSchemePriorities(defaultSchemeOrder), nil
	}
	return NewSchemePriorities(order), nil
}

func (p *SchemePriorities) priority(scheme string) int {
	if r, ok := p.rank[scheme]; ok {
		return r
	}
	return len(p.rank)
}

// Sort orders monikers by scheme priority, then scheme, then identifier.
// The sort is total, so repeated requests walk candidates identically.
func (p *SchemePriorities) Sort(monikers []dumps.MonikerData) {
	sort.SliceStable(monikers, func(i, j int) bool {
		a, b := monikers[i], monikers[j]
		if pa, pb := p.priority(a.Scheme), p.priority(b.Scheme); pa != pb {
			return pa < pb
		}
		if a.Scheme != b.Scheme {
			return a.Scheme < b.Scheme
		}
		return a.Identifier < b.Identifier
	})
}
