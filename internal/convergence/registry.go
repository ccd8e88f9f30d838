package convergence

import (
	"fmt"
	"sort"
)

// factory builds a fresh strategy instance with the given parameters.
type factory func(Params) Strategy

// factories maps strategy identifiers to constructors. Built once at init
// and never mutated afterwards.
var factories = map[string]factory{
	"fixed":    newFixed,
	"hybrid":   newHybrid,
	"ralph":    newRalph,
	"manual":   newManual,
	"adaptive": newAdaptive,
}

// DefaultStrategy is used when a work order names no strategy.
const DefaultStrategy = "fixed"

// New builds the named strategy. An empty kind selects DefaultStrategy.
func New(kind string, p Params) (Strategy, error) {
	if kind == "" {
		kind = DefaultStrategy
	}
	build, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown convergence strategy %q (known: %v)", kind, Known())
	}
	return build(p), nil
}

// Known lists the registered strategy identifiers, sorted.
func Known() []string {
	out := make([]string, 0, len(factories))
	for kind := range factories {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}
