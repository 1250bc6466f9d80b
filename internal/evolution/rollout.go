package evolution

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/skillevo/skillevo/internal/config"
)

// rolloutGate evaluates one rollout stage's pass condition through a
// compiled CEL program. This decides spec §9's Open Question: the
// multi-stage rollout list is honored, not collapsed, and each stage's
// threshold comparison is a small declarative CEL expression rather than a
// hardcoded comparison, echoing the corpus's policy-condition idiom applied
// to rollout gating instead of action policies.
type rolloutGate struct {
	env *cel.Env
}

func newRolloutGate() (*rolloutGate, error) {
	env, err := cel.NewEnv(
		cel.Variable("error_rate", cel.DoubleType),
		cel.Variable("threshold", cel.DoubleType),
		cel.Variable("total_calls", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create rollout CEL environment: %w", err)
	}
	return &rolloutGate{env: env}, nil
}

// withinThreshold evaluates whether the given stage's error rate is within
// its acceptable bound. An empty stage.Condition uses the default program
// "error_rate <= threshold"; a non-empty one overrides it.
func (g *rolloutGate) withinThreshold(stage config.RolloutStage, errorRate float64, totalCalls int) (bool, error) {
	expr := stage.Condition
	if expr == "" {
		expr = "error_rate <= threshold"
	}

	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("compile rollout condition %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return false, fmt.Errorf("rollout condition %q must evaluate to bool", expr)
	}
	prg, err := g.env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("build rollout program %q: %w", expr, err)
	}

	out, _, err := prg.Eval(map[string]any{
		"error_rate":  errorRate,
		"threshold":   stage.ErrorRateThresh,
		"total_calls": int64(totalCalls),
	})
	if err != nil {
		return false, fmt.Errorf("evaluate rollout condition %q: %w", expr, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rollout condition %q returned non-bool", expr)
	}
	return result, nil
}
