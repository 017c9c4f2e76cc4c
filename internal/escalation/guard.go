package escalation

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/facilityops/vigil/internal/domain"
)

// GuardInput is the trigger context guard rules evaluate over.
type GuardInput struct {
	TriggerType string
	SubjectID   string
	Severity    string
	RiskTier    string
	Probability float64
	At          time.Time
}

// Guard holds compiled suppression rules. A trigger matching any enabled
// rule does not escalate; typical uses are maintenance windows and known
// noisy subjects.
type Guard struct {
	programs []guardProgram
}

type guardProgram struct {
	rule    domain.HeuristicRule
	program cel.Program
}

// NewGuard compiles the guard rule set. Expressions must return bool.
func NewGuard(rules []domain.HeuristicRule) (*Guard, error) {
	env, err := cel.NewEnv(
		cel.Variable("trigger_type", cel.StringType),
		cel.Variable("subject_id", cel.StringType),
		cel.Variable("severity", cel.StringType),
		cel.Variable("risk_tier", cel.StringType),
		cel.Variable("probability", cel.DoubleType),
		cel.Variable("hour_of_day", cel.IntType),
		cel.Variable("day_of_week", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	g := &Guard{}
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		ast, issues := env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile guard rule %s: %w", rule.ID, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("guard rule %s: expression must return bool", rule.ID)
		}

		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to create program for guard rule %s: %w", rule.ID, err)
		}
		g.programs = append(g.programs, guardProgram{rule: rule, program: program})
	}
	return g, nil
}

// Suppressed reports whether any guard rule matches the trigger. Evaluation
// errors fail open: a broken rule never blocks an escalation.
func (g *Guard) Suppressed(in GuardInput) bool {
	if len(g.programs) == 0 {
		return false
	}

	activation := map[string]any{
		"trigger_type": in.TriggerType,
		"subject_id":   in.SubjectID,
		"severity":     in.Severity,
		"risk_tier":    in.RiskTier,
		"probability":  in.Probability,
		"hour_of_day":  in.At.Hour(),
		"day_of_week":  int(in.At.Weekday()),
	}

	for _, gp := range g.programs {
		out, _, err := gp.program.Eval(activation)
		if err != nil {
			continue
		}
		if b, ok := out.(types.Bool); ok && bool(b) {
			return true
		}
	}
	return false
}
