// ABOUTME: Stateless check engine evaluating scan targets against composable security rules.
// ABOUTME: Validates target data and collects findings from every registered rule.

package checks

import (
	"errors"
	"fmt"

	"github.com/jfeddern/KubeScan/internal/types"
	"k8s.io/apimachinery/pkg/api/resource"
)

// ErrMalformedTarget is returned when a target cannot be evaluated
var ErrMalformedTarget = errors.New("malformed scan target")

// Rule evaluates one target and emits zero or more findings.
// Implementations must be deterministic and free of I/O.
type Rule interface {
	ID() string
	Evaluate(target types.ScanTarget) []types.Finding
}

// Engine composes a fixed set of rules
type Engine struct {
	rules []Rule
}

// NewEngine creates an engine evaluating the given rules in order
func NewEngine(rules ...Rule) *Engine {
	return &Engine{rules: rules}
}

// NewDefaultEngine creates an engine with the built-in rule set
func NewDefaultEngine() *Engine {
	return NewEngine(DefaultRules()...)
}

// Rules returns the IDs of the registered rules
func (e *Engine) Rules() []string {
	ids := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		ids = append(ids, r.ID())
	}
	return ids
}

// Evaluate validates the target and runs every rule against it
func (e *Engine) Evaluate(target types.ScanTarget) ([]types.Finding, error) {
	if err := Validate(target); err != nil {
		return nil, err
	}

	var findings []types.Finding
	for _, rule := range e.rules {
		for _, f := range rule.Evaluate(target) {
			if f.RuleID == "" {
				f.RuleID = rule.ID()
			}
			findings = append(findings, f)
		}
	}
	return findings, nil
}

// Validate checks that the target carries enough data to be evaluated
func Validate(target types.ScanTarget) error {
	if target.Name == "" {
		return fmt.Errorf("%w: missing name", ErrMalformedTarget)
	}
	if len(target.Containers) == 0 {
		return fmt.Errorf("%w: %s has no containers", ErrMalformedTarget, target.Key())
	}
	for _, c := range target.Containers {
		if c.Image == "" {
			return fmt.Errorf("%w: container %q of %s has no image", ErrMalformedTarget, c.Name, target.Key())
		}
		for name, value := range c.Limits {
			if _, err := resource.ParseQuantity(value); err != nil {
				return fmt.Errorf("%w: container %q of %s has invalid %s limit %q: %v",
					ErrMalformedTarget, c.Name, target.Key(), name, value, err)
			}
		}
	}
	return nil
}
