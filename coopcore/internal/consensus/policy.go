package consensus

import (
	"context"
	"fmt"
	"math"

	"github.com/google/cel-go/cel"
)

// Policy decides how a peer votes on a proposal.
type Policy interface {
	Evaluate(ctx context.Context, voterID string, p Proposal) (bool, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, voterID string, p Proposal) (bool, error)

func (f PolicyFunc) Evaluate(ctx context.Context, voterID string, p Proposal) (bool, error) {
	return f(ctx, voterID, p)
}

// SafetyThresholdPolicy approves actions that stay inside fixed control limits.
type SafetyThresholdPolicy struct {
	MaxThrottle  float64
	MaxSteer     float64
	AllowReverse bool
}

// DefaultSafetyPolicy matches the limits used for intersection crossing.
func DefaultSafetyPolicy() SafetyThresholdPolicy {
	return SafetyThresholdPolicy{MaxThrottle: 0.6, MaxSteer: 0.5}
}

func (s SafetyThresholdPolicy) Evaluate(ctx context.Context, voterID string, p Proposal) (bool, error) {
	a := p.Action
	if math.IsNaN(a.Throttle) || math.IsNaN(a.Steer) || math.IsNaN(a.Brake) {
		return false, nil
	}
	if a.Throttle > s.MaxThrottle {
		return false, nil
	}
	if math.Abs(a.Steer) > s.MaxSteer {
		return false, nil
	}
	if a.Reverse && !s.AllowReverse {
		return false, nil
	}
	// throttle and brake at once is never a coherent command
	if a.Throttle > 0 && a.Brake > 0 {
		return false, nil
	}
	return true, nil
}

// CELPolicy evaluates a boolean CEL expression. The expression sees:
//
//	action        map: throttle, steer, brake, hand_brake, reverse
//	decision_type string
//	proposer      string
//	voter         string
type CELPolicy struct {
	expr string
	prg  cel.Program
}

// NewCELPolicy compiles expr once.
func NewCELPolicy(expr string) (*CELPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("decision_type", cel.StringType),
		cel.Variable("proposer", cel.StringType),
		cel.Variable("voter", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("compile: expression must be bool, got %v", out)
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return &CELPolicy{expr: expr, prg: prg}, nil
}

func (c *CELPolicy) Evaluate(ctx context.Context, voterID string, p Proposal) (bool, error) {
	input := map[string]any{
		"action": map[string]any{
			"throttle":   p.Action.Throttle,
			"steer":      p.Action.Steer,
			"brake":      p.Action.Brake,
			"hand_brake": p.Action.HandBrake,
			"reverse":    p.Action.Reverse,
		},
		"decision_type": p.DecisionType,
		"proposer":      p.ProposerID,
		"voter":         voterID,
	}
	out, _, err := c.prg.ContextEval(ctx, input)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", c.expr, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: result not bool", c.expr)
	}
	return val, nil
}
