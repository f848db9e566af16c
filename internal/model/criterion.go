// Package model defines the model-execution capability the core consumes:
// forward/train-step probes over shapes, and the closed set of loss criteria
// usable in training-mode probes. The core never inspects tensor content.
package model

import (
	"fmt"
	"sort"
	"strings"
)

// Criterion is a resolved loss-criterion specification. Resolution happens
// once at session construction; unknown names fail immediately rather than
// on first use.
type Criterion struct {
	Name   string         `json:"name"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// criteria is the closed set of supported loss criteria.
var criteria = map[string]struct{}{
	"MSELoss":          {},
	"L1Loss":           {},
	"BCELoss":          {},
	"CrossEntropyLoss": {},
	"SmoothL1Loss":     {},
	"NLLLoss":          {},
}

// ResolveCriterion validates a criterion name against the supported set.
func ResolveCriterion(name string, kwargs map[string]any) (Criterion, error) {
	if name == "" {
		return Criterion{}, fmt.Errorf("loss criterion method is empty")
	}
	if _, ok := criteria[name]; !ok {
		return Criterion{}, fmt.Errorf("unknown loss criterion %q (supported: %s)", name, supportedCriteria())
	}
	return Criterion{Name: name, Kwargs: kwargs}, nil
}

func supportedCriteria() string {
	names := make([]string, 0, len(criteria))
	for n := range criteria {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
