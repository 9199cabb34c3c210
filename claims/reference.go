package claims

import (
	_ "embed"
	"time"
)

// ReferenceScript is the TypeScript equivalent of Default, shipped as a
// starting point for operators.
//
//go:embed reference.ts
var ReferenceScript string

// NewReferenceChecker compiles ReferenceScript.
func NewReferenceChecker(timeout time.Duration) (*ScriptChecker, error) {
	return NewScriptChecker("reference.ts", ReferenceScript, timeout)
}
