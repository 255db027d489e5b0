package tf

import "fmt"

// Convenience constructors for the handful of operations the binding itself
// needs when assembling feed graphs. Anything beyond these goes through
// Graph.AddOperation directly.

// Const adds a constant operation holding value to the graph and returns its
// single output. An empty name defaults to "Const", subject to the graph's
// name-scope stack and uniquification.
func Const(g *Graph, name string, value *Tensor) (Output, error) {
	if value == nil || value.handle == 0 {
		return Output{}, fmt.Errorf("constant value tensor is nil or destroyed")
	}

	op, err := g.AddOperation(OpSpec{
		Type: "Const",
		Name: name,
		Attrs: map[string]any{
			"dtype": value.DataType(),
			"value": value,
		},
	})
	if err != nil {
		return Output{}, err
	}
	return op.Output(0), nil
}

// Placeholder adds a placeholder operation that must be fed at session run
// time. A nil shape leaves the shape unconstrained.
func Placeholder(g *Graph, name string, dtype DataType, shape Shape) (Output, error) {
	attrs := map[string]any{
		"dtype": dtype,
	}
	if shape != nil {
		attrs["shape"] = shape
	}

	op, err := g.AddOperation(OpSpec{
		Type:  "Placeholder",
		Name:  name,
		Attrs: attrs,
	})
	if err != nil {
		return Output{}, err
	}
	return op.Output(0), nil
}
