package scoring

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/facilityops/vigil/internal/domain"
)

// Heuristic is the weighted CEL rule combination used when no model is
// available. Each rule yields a contribution in [0, 1]; the probability is
// the weight-normalized sum.
type Heuristic struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs []compiledRule
}

type compiledRule struct {
	rule    domain.HeuristicRule
	program cel.Program
}

// NewHeuristic compiles the rule set. Every feature name is exposed as a
// double variable.
func NewHeuristic(rules []domain.HeuristicRule) (*Heuristic, error) {
	opts := make([]cel.EnvOption, 0, len(domain.FeatureNames))
	for _, name := range domain.FeatureNames {
		opts = append(opts, cel.Variable(name, cel.DoubleType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	h := &Heuristic{env: env}
	if err := h.Load(rules); err != nil {
		return nil, err
	}
	return h, nil
}

// Load replaces the rule set; disabled rules are skipped.
func (h *Heuristic) Load(rules []domain.HeuristicRule) error {
	programs := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		ast, issues := h.env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("failed to compile heuristic rule %s: %w", rule.ID, issues.Err())
		}
		if t := ast.OutputType(); t != cel.DoubleType && t != cel.IntType && t != cel.BoolType {
			return fmt.Errorf("heuristic rule %s: expression must return bool, int, or double, got %s", rule.ID, t)
		}

		program, err := h.env.Program(ast)
		if err != nil {
			return fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
		}
		programs = append(programs, compiledRule{rule: rule, program: program})
	}

	h.mu.Lock()
	h.programs = programs
	h.mu.Unlock()
	return nil
}

// Score evaluates all rules against the named features and returns the
// combined probability. A rule that fails to evaluate contributes zero.
func (h *Heuristic) Score(features map[string]float64) float64 {
	h.mu.RLock()
	programs := h.programs
	h.mu.RUnlock()

	activation := make(map[string]any, len(domain.FeatureNames))
	for _, name := range domain.FeatureNames {
		activation[name] = features[name]
	}

	var weighted, totalWeight float64
	for _, cr := range programs {
		totalWeight += cr.rule.Weight

		out, _, err := cr.program.Eval(activation)
		if err != nil {
			continue
		}
		weighted += cr.rule.Weight * clamp01(toContribution(out))
	}

	if totalWeight == 0 {
		return 0
	}
	return weighted / totalWeight
}

// RuleCount returns the number of loaded rules.
func (h *Heuristic) RuleCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.programs)
}

func toContribution(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1
		}
		return 0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0
	}
}
