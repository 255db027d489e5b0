package tf

import (
	"fmt"
	"runtime"
	"sort"
	"unsafe"
)

// Operation is a proxy for a native TF_Operation. Operations are owned by
// their graph and become invalid when the graph is destroyed.
type Operation struct {
	handle uintptr // Pointer to TF_Operation
	graph  *Graph
}

// Input is the constraint for operation inputs: either a single Output or an
// OutputList.
type Input interface {
	isOperationInput()
}

// Output identifies one output of an operation (the tensor it produces).
type Output struct {
	// Op is the operation producing this output.
	Op *Operation
	// Index of the output within Op.
	Index int
}

func (Output) isOperationInput() {}

// OutputList represents multiple outputs feeding a single list input.
type OutputList []Output

func (OutputList) isOperationInput() {}

// OpSpec describes an operation to add to a graph, in the manner of the
// native TF_OperationDescription builder.
type OpSpec struct {
	// Type of the operation (for example "Const", "MatMul").
	Type string
	// Name for the operation. When empty the type is used. The final name
	// is prefixed by the graph's current name scope and uniquified.
	Name string
	// Input operands in op-definition order.
	Input []Input
	// ControlDependencies to add to the operation.
	ControlDependencies []*Operation
	// Device placement hint, for example "/device:GPU:0".
	Device string
	// Attrs are the operation attributes.
	Attrs map[string]any
}

// AddOperation builds and finalizes an operation in the graph, returning its
// proxy. The operation name is subject to the graph's name-scope stack and
// uniquification; the name actually used can be read back via Operation.Name.
func (g *Graph) AddOperation(spec OpSpec) (*Operation, error) {
	if g == nil || g.handle == 0 {
		return nil, fmt.Errorf("graph has been destroyed")
	}
	if spec.Type == "" {
		return nil, fmt.Errorf("operation type cannot be empty")
	}
	for i, input := range spec.Input {
		switch v := input.(type) {
		case Output:
			if v.Op == nil || v.Op.handle == 0 {
				return nil, fmt.Errorf("input %d has no producing operation", i)
			}
		case OutputList:
			for j, out := range v {
				if out.Op == nil || out.Op.handle == 0 {
					return nil, fmt.Errorf("input %d element %d has no producing operation", i, j)
				}
			}
		case nil:
			return nil, fmt.Errorf("input %d is nil", i)
		default:
			return nil, fmt.Errorf("input %d has unsupported type %T", i, input)
		}
	}

	name := g.makeName(spec.Name, spec.Type)

	callMu.RLock()
	defer callMu.RUnlock()

	mu.Lock()
	newOperation := tfNewOperationFunc
	addInput := tfAddInputFunc
	addInputList := tfAddInputListFunc
	addControlInput := tfAddControlInputFunc
	setDevice := tfSetDeviceFunc
	finish := tfFinishOperationFunc
	mu.Unlock()

	status := currentStatusFuncs()
	if newOperation == nil || addInput == nil || addInputList == nil ||
		addControlInput == nil || setDevice == nil || finish == nil || !status.valid() {
		return nil, fmt.Errorf("TensorFlow runtime not initialized")
	}

	typeBytes, typePtr := GoToCstring(spec.Type)
	nameBytes, namePtr := GoToCstring(name)
	desc := newOperation(g.handle, typePtr, namePtr)
	runtime.KeepAlive(typeBytes)
	runtime.KeepAlive(nameBytes)
	if desc == 0 {
		return nil, fmt.Errorf("failed to create operation %q of type %q", name, spec.Type)
	}

	for _, op := range spec.ControlDependencies {
		if op == nil || op.handle == 0 {
			return nil, fmt.Errorf("nil control dependency for operation %q", name)
		}
		addControlInput(desc, op.handle)
	}

	if spec.Device != "" {
		deviceBytes, devicePtr := GoToCstring(spec.Device)
		setDevice(desc, devicePtr)
		runtime.KeepAlive(deviceBytes)
	}

	for _, input := range spec.Input {
		switch v := input.(type) {
		case Output:
			addInput(desc, v.native())
		case OutputList:
			natives := make([]nativeOutput, len(v))
			for i, out := range v {
				natives[i] = out.native()
			}
			var ptr uintptr
			if len(natives) > 0 {
				ptr = uintptr(unsafe.Pointer(unsafe.SliceData(natives)))
			}
			// #nosec G115 -- list length bounded by input validation above.
			addInputList(desc, ptr, int32(len(natives)))
			runtime.KeepAlive(natives)
		}
	}

	statusHandle, err := status.alloc()
	if err != nil {
		return nil, err
	}
	defer status.release(statusHandle)

	// Deterministic attr order keeps error reporting stable across runs.
	attrNames := make([]string, 0, len(spec.Attrs))
	for attrName := range spec.Attrs {
		attrNames = append(attrNames, attrName)
	}
	sort.Strings(attrNames)

	for _, attrName := range attrNames {
		if err := setAttr(desc, attrName, spec.Attrs[attrName], status, statusHandle); err != nil {
			return nil, fmt.Errorf("failed to set attribute %q on operation %q: %w", attrName, name, err)
		}
	}

	handle := finish(desc, statusHandle)
	if err := status.err(statusHandle); err != nil {
		return nil, fmt.Errorf("failed to finish operation %q: %w", name, err)
	}
	if handle == 0 {
		return nil, fmt.Errorf("failed to finish operation %q", name)
	}

	return &Operation{handle: handle, graph: g}, nil
}

// setAttr forwards one attribute to the native operation description.
// Caller must hold callMu.RLock.
func setAttr(desc uintptr, name string, value any, status statusFuncs, statusHandle uintptr) error {
	mu.Lock()
	setString := tfSetAttrStringFunc
	setStringList := tfSetAttrStringListFunc
	setInt := tfSetAttrIntFunc
	setIntList := tfSetAttrIntListFunc
	setFloat := tfSetAttrFloatFunc
	setFloatList := tfSetAttrFloatListFunc
	setBool := tfSetAttrBoolFunc
	setBoolList := tfSetAttrBoolListFunc
	setType := tfSetAttrTypeFunc
	setTypeList := tfSetAttrTypeListFunc
	setShape := tfSetAttrShapeFunc
	setShapeList := tfSetAttrShapeListFunc
	setTensor := tfSetAttrTensorFunc
	mu.Unlock()

	nameBytes, namePtr := GoToCstring(name)
	defer runtime.KeepAlive(nameBytes)

	switch v := value.(type) {
	case string:
		valueBytes := []byte(v)
		var valuePtr uintptr
		if len(valueBytes) > 0 {
			valuePtr = uintptr(unsafe.Pointer(unsafe.SliceData(valueBytes)))
		}
		setString(desc, namePtr, valuePtr, uintptr(len(valueBytes)))
		runtime.KeepAlive(valueBytes)

	case []string:
		backing := make([][]byte, len(v))
		pointers := make([]uintptr, len(v))
		lengths := make([]uintptr, len(v))
		for i, s := range v {
			backing[i] = []byte(s)
			if len(backing[i]) > 0 {
				pointers[i] = uintptr(unsafe.Pointer(unsafe.SliceData(backing[i])))
			}
			lengths[i] = uintptr(len(backing[i]))
		}
		setStringList(desc, namePtr, slicePtr(pointers), slicePtr(lengths), int32(len(v)))
		runtime.KeepAlive(backing)
		runtime.KeepAlive(pointers)
		runtime.KeepAlive(lengths)

	case int64:
		setInt(desc, namePtr, v)

	case []int64:
		setIntList(desc, namePtr, slicePtr(v), int32(len(v)))
		runtime.KeepAlive(v)

	case float32:
		setFloat(desc, namePtr, v)

	case []float32:
		setFloatList(desc, namePtr, slicePtr(v), int32(len(v)))
		runtime.KeepAlive(v)

	case bool:
		setBool(desc, namePtr, boolByte(v))

	case []bool:
		bytes := make([]byte, len(v))
		for i, b := range v {
			bytes[i] = boolByte(b)
		}
		setBoolList(desc, namePtr, slicePtr(bytes), int32(len(v)))
		runtime.KeepAlive(bytes)

	case DataType:
		setType(desc, namePtr, int32(v))

	case []DataType:
		types := make([]int32, len(v))
		for i, dt := range v {
			types[i] = int32(dt)
		}
		setTypeList(desc, namePtr, slicePtr(types), int32(len(types)))
		runtime.KeepAlive(types)

	case Shape:
		setShape(desc, namePtr, slicePtr(v), int32(len(v)))
		runtime.KeepAlive(v)

	case []Shape:
		dimPtrs := make([]uintptr, len(v))
		ranks := make([]int32, len(v))
		for i, shape := range v {
			dimPtrs[i] = slicePtr(shape)
			ranks[i] = int32(len(shape))
		}
		setShapeList(desc, namePtr, slicePtr(dimPtrs), slicePtr(ranks), int32(len(v)))
		runtime.KeepAlive(v)
		runtime.KeepAlive(dimPtrs)
		runtime.KeepAlive(ranks)

	case *Tensor:
		if v == nil || v.handle == 0 {
			return fmt.Errorf("tensor attribute is nil or destroyed")
		}
		setTensor(desc, namePtr, v.handle, statusHandle)
		if err := status.err(statusHandle); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unsupported attribute value type %T", value)
	}

	return nil
}

// slicePtr returns the address of the first element, or 0 for empty slices.
func slicePtr[T any](s []T) uintptr {
	if len(s) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(s)))
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// Name returns the fully qualified operation name.
func (op *Operation) Name() string {
	return op.cstringAccessor(func() func(uintptr) uintptr {
		mu.Lock()
		defer mu.Unlock()
		return tfOperationNameFunc
	})
}

// Type returns the operation's op type, for example "Const".
func (op *Operation) Type() string {
	return op.cstringAccessor(func() func(uintptr) uintptr {
		mu.Lock()
		defer mu.Unlock()
		return tfOperationOpTypeFunc
	})
}

// Device returns the device placement recorded for the operation, if any.
func (op *Operation) Device() string {
	return op.cstringAccessor(func() func(uintptr) uintptr {
		mu.Lock()
		defer mu.Unlock()
		return tfOperationDeviceFunc
	})
}

func (op *Operation) cstringAccessor(snapshot func() func(uintptr) uintptr) string {
	if op == nil || op.handle == 0 {
		return ""
	}

	callMu.RLock()
	defer callMu.RUnlock()

	fn := snapshot()
	if fn == nil {
		return ""
	}
	return CstringToGo(fn(op.handle))
}

// NumOutputs returns the number of outputs of the operation.
func (op *Operation) NumOutputs() int {
	return op.intAccessor(func() func(uintptr) int32 {
		mu.Lock()
		defer mu.Unlock()
		return tfOperationNumOutputsFunc
	})
}

// NumInputs returns the number of inputs of the operation.
func (op *Operation) NumInputs() int {
	return op.intAccessor(func() func(uintptr) int32 {
		mu.Lock()
		defer mu.Unlock()
		return tfOperationNumInputsFunc
	})
}

func (op *Operation) intAccessor(snapshot func() func(uintptr) int32) int {
	if op == nil || op.handle == 0 {
		return 0
	}

	callMu.RLock()
	defer callMu.RUnlock()

	fn := snapshot()
	if fn == nil {
		return 0
	}
	return int(fn(op.handle))
}

// Output returns the i-th output of the operation.
func (op *Operation) Output(i int) Output {
	return Output{Op: op, Index: i}
}

func (o Output) native() nativeOutput {
	var oper uintptr
	if o.Op != nil {
		oper = o.Op.handle
	}
	// #nosec G115 -- output indices are small non-negative op-definition indices.
	return nativeOutput{Oper: oper, Index: int32(o.Index)}
}

// Name renders the output in the native "op_name:index" form, for example
// "scope1/scope2/Const:0".
func (o Output) Name() string {
	if o.Op == nil {
		return ""
	}
	return outputName(o.Op.Name(), o.Index)
}

func outputName(opName string, index int) string {
	return fmt.Sprintf("%s:%d", opName, index)
}

// DataType returns the element type of the tensor this output produces.
func (o Output) DataType() DataType {
	if o.Op == nil || o.Op.handle == 0 {
		return 0
	}

	callMu.RLock()
	defer callMu.RUnlock()

	mu.Lock()
	outputType := tfOperationOutputTypeFunc
	mu.Unlock()

	if outputType == nil {
		return 0
	}
	return DataType(outputType(o.native()))
}

// Shape returns the shape of the tensor this output produces, as inferred by
// the native shape inference. Returns a nil shape when the rank is unknown;
// unknown dimensions are reported as -1.
func (o Output) Shape() (Shape, error) {
	if o.Op == nil || o.Op.handle == 0 {
		return nil, fmt.Errorf("output has no producing operation")
	}
	graph := o.Op.graph
	if graph == nil || graph.handle == 0 {
		return nil, fmt.Errorf("graph has been destroyed")
	}

	callMu.RLock()
	defer callMu.RUnlock()

	mu.Lock()
	numDims := tfGraphGetTensorNumDimsFunc
	getShape := tfGraphGetTensorShapeFunc
	mu.Unlock()

	status := currentStatusFuncs()
	if numDims == nil || getShape == nil || !status.valid() {
		return nil, fmt.Errorf("TensorFlow runtime not initialized")
	}

	statusHandle, err := status.alloc()
	if err != nil {
		return nil, err
	}
	defer status.release(statusHandle)

	rank := numDims(graph.handle, o.native(), statusHandle)
	if err := status.err(statusHandle); err != nil {
		return nil, fmt.Errorf("failed to query output rank: %w", err)
	}
	if rank < 0 {
		// Unknown rank.
		return nil, nil
	}
	if rank == 0 {
		return Shape{}, nil
	}

	dims := make(Shape, rank)
	getShape(graph.handle, o.native(), slicePtr(dims), rank, statusHandle)
	if err := status.err(statusHandle); err != nil {
		return nil, fmt.Errorf("failed to query output shape: %w", err)
	}
	runtime.KeepAlive(dims)

	return dims, nil
}
