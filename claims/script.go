package claims

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/evanw/esbuild/pkg/api"
)

// ScriptChecker runs an operator TypeScript or JavaScript function. The
// source is transpiled once; each Check gets a fresh runtime with no host
// bindings, so a script can only compute over the claims it is given.
//
// The script either exports a default function, exports claimsCheck, or
// declares a top-level function named claimsCheck. The function may be async.
type ScriptChecker struct {
	name    string
	program *goja.Program
	timeout time.Duration
}

// NewScriptChecker transpiles and compiles source. name is used in error
// messages and selects the loader by extension.
func NewScriptChecker(name, source string, timeout time.Duration) (*ScriptChecker, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	loader := api.LoaderTS
	switch strings.ToLower(filepath.Ext(name)) {
	case ".js", ".mjs", ".cjs":
		loader = api.LoaderJS
	}

	out := api.Transform(source, api.TransformOptions{
		Loader:     loader,
		Format:     api.FormatCommonJS,
		Target:     api.ES2017,
		Sourcefile: name,
	})
	if len(out.Errors) > 0 {
		msg := out.Errors[0].Text
		if loc := out.Errors[0].Location; loc != nil {
			msg = fmt.Sprintf("%s:%d:%d: %s", loc.File, loc.Line, loc.Column, msg)
		}
		return nil, fmt.Errorf("transpile claims check: %s", msg)
	}

	wrapped := "(function (module, exports) {\n" + string(out.Code) +
		"\nreturn typeof claimsCheck === \"function\" ? claimsCheck : undefined;\n})"
	program, err := goja.Compile(name, wrapped, false)
	if err != nil {
		return nil, fmt.Errorf("compile claims check: %w", err)
	}
	return &ScriptChecker{name: name, program: program, timeout: timeout}, nil
}

// Check implements Checker.
func (c *ScriptChecker) Check(ctx context.Context, claims map[string]any) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	vm := goja.New()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt("claims check timed out") })
	defer stop()

	raw, err := c.run(vm, claims)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrScriptExecution, c.name, err)
	}
	return decodeResult([]byte(raw), claims)
}

func (c *ScriptChecker) run(vm *goja.Runtime, claims map[string]any) (string, error) {
	v, err := vm.RunProgram(c.program)
	if err != nil {
		return "", err
	}
	wrapper, ok := goja.AssertFunction(v)
	if !ok {
		return "", fmt.Errorf("module wrapper is not callable")
	}
	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return "", err
	}
	local, err := wrapper(goja.Undefined(), module, exports)
	if err != nil {
		return "", err
	}
	fn, err := entryPoint(vm, module, local)
	if err != nil {
		return "", err
	}

	jsonObj := vm.Get("JSON").ToObject(vm)
	parse, _ := goja.AssertFunction(jsonObj.Get("parse"))
	stringify, _ := goja.AssertFunction(jsonObj.Get("stringify"))

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	arg, err := parse(goja.Undefined(), vm.ToValue(string(payload)))
	if err != nil {
		return "", err
	}
	out, err := fn(goja.Undefined(), arg)
	if err != nil {
		return "", err
	}
	if out, err = settle(out); err != nil {
		return "", err
	}
	if goja.IsUndefined(out) || goja.IsNull(out) {
		return "", fmt.Errorf("check function returned %s", out)
	}
	s, err := stringify(goja.Undefined(), out)
	if err != nil {
		return "", err
	}
	return s.String(), nil
}

func entryPoint(vm *goja.Runtime, module *goja.Object, local goja.Value) (goja.Callable, error) {
	if exported := module.Get("exports"); exported != nil && !goja.IsUndefined(exported) && !goja.IsNull(exported) {
		obj := exported.ToObject(vm)
		for _, key := range []string{"default", "claimsCheck"} {
			if fn, ok := goja.AssertFunction(obj.Get(key)); ok {
				return fn, nil
			}
		}
		if fn, ok := goja.AssertFunction(exported); ok {
			return fn, nil
		}
	}
	if fn, ok := goja.AssertFunction(local); ok {
		return fn, nil
	}
	return nil, fmt.Errorf("no default export or claimsCheck function")
}

// settle unwraps a promise returned by an async check function.
func settle(v goja.Value) (goja.Value, error) {
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("promise rejected: %s", p.Result())
	default:
		return nil, fmt.Errorf("promise did not settle")
	}
}
