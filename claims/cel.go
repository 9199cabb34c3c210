package claims

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// CELChecker evaluates a CEL expression with the claims bound to `claims`.
// A bool result accepts or rejects with the default display name; a map
// result has the same shape a script returns.
//
//	has(claims.email) && claims.email.endsWith("@example.com")
type CELChecker struct {
	program cel.Program
}

// NewCELChecker compiles expr.
func NewCELChecker(expr string) (*CELChecker, error) {
	env, err := cel.NewEnv(
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile claims expression: %w", iss.Err())
	}
	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("claims expression program: %w", err)
	}
	return &CELChecker{program: prg}, nil
}

// Check implements Checker.
func (c *CELChecker) Check(ctx context.Context, claims map[string]any) (Result, error) {
	if claims == nil {
		claims = map[string]any{}
	}
	out, _, err := c.program.ContextEval(ctx, map[string]any{"claims": claims})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrScriptExecution, err)
	}

	if ok, isBool := out.Value().(bool); isBool {
		if !ok {
			return Result{Success: false, Error: "claims expression evaluated to false", Claims: claims}, nil
		}
		return derive(claims), nil
	}

	native, err := out.ConvertToNative(reflect.TypeOf(&structpb.Value{}))
	if err != nil {
		return Result{}, fmt.Errorf("%w: unexpected result type %s", ErrScriptExecution, out.Type())
	}
	raw, err := protojson.Marshal(native.(*structpb.Value))
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode result: %v", ErrScriptExecution, err)
	}
	return decodeResult(raw, claims)
}
