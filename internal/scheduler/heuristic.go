package scheduler

import (
	"strings"

	"github.com/pkg/errors"
)

// Heuristic is a scheduling strategy a segment can be compiled with.
type Heuristic int

const (
	None Heuristic = iota
	PointWise
	Reduction
	Normalization
)

var heuristicNames = map[Heuristic]string{
	None:          "none",
	PointWise:     "pointwise",
	Reduction:     "reduction",
	Normalization: "normalization",
}

func (h Heuristic) String() string {
	if s, ok := heuristicNames[h]; ok {
		return s
	}
	return "unknown"
}

func (h Heuristic) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Heuristic) UnmarshalText(text []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	for k, name := range heuristicNames {
		if name == s {
			*h = k
			return nil
		}
	}
	return errors.Errorf("unknown heuristic %q", s)
}

// InputMeta holds the concrete extents of fusion inputs, keyed by value name.
// Scalars need no entry.
type InputMeta map[string][]int64
