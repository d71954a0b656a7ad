package events

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"

	"github.com/cloudrive/drivesdk"
)

// FilterEvaluator holds a compiled CEL expression evaluated against a node's
// attribute map. Subscribers may attach one to a node-change subscription in
// addition to the plain field predicate.
type FilterEvaluator struct {
	Expression string
	program    cel.Program
}

// NewFilterEvaluator compiles a CEL expression over the "node" variable, a
// map with the keys name, parentUid, volumeId, nodeType, trashed, shared and
// stale.
func NewFilterEvaluator(expression string) (*FilterEvaluator, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression can't be empty string")
	}
	env, err := cel.NewEnv(
		cel.Variable("node", cel.MapType(cel.StringType, cel.AnyType)),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling CEL expression: %v", issues.Err())
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %v", err)
	}
	return &FilterEvaluator{
		Expression: expression,
		program:    p,
	}, nil
}

// nodeAttributes flattens the node fields the filter language exposes.
func nodeAttributes(n *drivesdk.Node) map[string]any {
	name := n.Name.Value
	if !n.Name.OK {
		name = n.Name.Claimed
	}
	return map[string]any{
		"name":      name,
		"parentUid": n.ParentUID,
		"volumeId":  n.VolumeID,
		"nodeType":  string(n.Type),
		"trashed":   n.IsTrashed(),
		"shared":    n.IsShared,
		"stale":     n.IsStale,
	}
}

// Evaluate runs the expression against the node's attributes.
func (e *FilterEvaluator) Evaluate(n *drivesdk.Node) (bool, error) {
	out, _, err := e.program.Eval(map[string]any{
		"node": nodeAttributes(n),
	})
	if err != nil {
		return false, fmt.Errorf("error evaluating CEL expression: %v", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(false))
	if err != nil {
		return false, fmt.Errorf("error ConvertToNative, got err: %v", err)
	}
	v, ok := nv.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not evaluate to bool, got: %v", nv)
	}
	return v, nil
}
