package lifecycle

import (
	"fmt"
)

// Step names one callback of the release lifecycle.
type Step string

const (
	VerifyConditions Step = "verifyConditions"
	Prepare          Step = "prepare"
	Publish          Step = "publish"
	AddChannel       Step = "addChannel"
)

// Steps lists all lifecycle steps in the order a release runs them.
var Steps = []Step{VerifyConditions, Prepare, Publish, AddChannel}

func (s Step) String() string {
	return string(s)
}

// Valid reports whether s is one of the known lifecycle steps.
func (s Step) Valid() bool {
	for _, step := range Steps {
		if s == step {
			return true
		}
	}
	return false
}

// ParseStep converts a step name into a Step.
func ParseStep(name string) (Step, error) {
	s := Step(name)
	if !s.Valid() {
		return "", fmt.Errorf("unknown lifecycle step %q, expected one of %v", name, Steps)
	}
	return s, nil
}
