package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// celEnv declares the variables an ActionRule's optional Condition may
// reference: the same (action, target, metadata) inputs the Scorer itself
// receives. This generalizes the teacher's richer CEL environment (which
// additionally exposed session/agent state and a dynamic windowed-count
// function) down to a closed-form, side-effect-free condition — the
// Scorer must stay pure, so action_count_in_window-style dynamic binding
// has no place here.
var celEnv *cel.Env

func init() {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("policy: building CEL environment: %v", err))
	}
	celEnv = env
}

// evalCondition compiles the rule's condition, caches the program on the
// rule once compilation succeeds, and evaluates it. A compile or
// evaluation error is returned; MatchRule treats it as "does not match":
// per spec §7 the Scorer cannot fail, and a matched action rule's
// Condition is part of the Scorer's matching step.
func (r *ActionRule) evalCondition(action, target string, metadata map[string]any) (bool, error) {
	if r.program == nil {
		ast, issues := celEnv.Compile(r.Condition)
		if issues != nil && issues.Err() != nil {
			return false, fmt.Errorf("compile condition %q: %w", r.Condition, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return false, fmt.Errorf("condition %q must evaluate to bool, got %s", r.Condition, ast.OutputType())
		}
		prg, err := celEnv.Program(ast)
		if err != nil {
			return false, fmt.Errorf("build program for %q: %w", r.Condition, err)
		}
		r.program = prg
	}

	meta := metadata
	if meta == nil {
		meta = map[string]any{}
	}
	out, _, err := r.program.Eval(map[string]any{
		"action":   action,
		"target":   target,
		"metadata": meta,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", r.Condition, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a bool", r.Condition)
	}
	return result, nil
}
