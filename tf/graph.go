package tf

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"
)

// Graph is a proxy for a native TF_Graph. Operation name bookkeeping (the
// name-scope stack and uniquification counters) lives on the managed side,
// mirroring the native library's naming convention; everything else is
// forwarded to the C API.
//
// Graph construction is not thread-safe: callers must not build operations on
// the same graph from multiple goroutines concurrently.
type Graph struct {
	handle uintptr // Pointer to TF_Graph

	nameMu    sync.Mutex
	scopes    []string
	usedNames map[string]int
}

// NewGraph creates an empty computation graph.
func NewGraph() (*Graph, error) {
	callMu.RLock()
	defer callMu.RUnlock()

	mu.Lock()
	newGraph := tfNewGraphFunc
	mu.Unlock()

	if newGraph == nil {
		return nil, fmt.Errorf("TensorFlow runtime not initialized")
	}

	handle := newGraph()
	if handle == 0 {
		return nil, fmt.Errorf("failed to create graph")
	}

	graph := &Graph{
		handle:    handle,
		usedNames: make(map[string]int),
	}

	// Finalizer is a safety net to avoid leaking the TF_Graph if callers
	// forget Destroy().
	runtime.SetFinalizer(graph, func(g *Graph) {
		_ = g.Destroy()
	})

	return graph, nil
}

// Destroy releases the native graph. The graph must outlive all sessions
// created from it.
func (g *Graph) Destroy() error {
	if g == nil {
		return nil
	}

	// Lock order here is callMu -> mu.
	callMu.Lock()
	defer callMu.Unlock()

	mu.Lock()
	handle := g.handle
	deleteGraph := tfDeleteGraphFunc
	g.handle = 0
	runtime.SetFinalizer(g, nil)
	mu.Unlock()

	g.nameMu.Lock()
	g.scopes = nil
	g.usedNames = nil
	g.nameMu.Unlock()

	if handle != 0 && deleteGraph != nil {
		deleteGraph(handle)
	}

	return nil
}

// Operation looks up an operation by its fully qualified name (including any
// name-scope prefixes). Returns nil if no such operation exists.
func (g *Graph) Operation(name string) *Operation {
	if g == nil || g.handle == 0 {
		return nil
	}

	callMu.RLock()
	defer callMu.RUnlock()

	mu.Lock()
	byName := tfGraphOperationByNameFunc
	mu.Unlock()

	if byName == nil {
		return nil
	}

	nameBytes, namePtr := GoToCstring(name)
	handle := byName(g.handle, namePtr)
	runtime.KeepAlive(nameBytes)
	if handle == 0 {
		return nil
	}

	return &Operation{handle: handle, graph: g}
}

// Operations returns every operation currently in the graph, in registration
// order.
func (g *Graph) Operations() ([]*Operation, error) {
	if g == nil || g.handle == 0 {
		return nil, fmt.Errorf("graph has been destroyed")
	}

	callMu.RLock()
	defer callMu.RUnlock()

	mu.Lock()
	next := tfGraphNextOperationFunc
	mu.Unlock()

	if next == nil {
		return nil, fmt.Errorf("TensorFlow runtime not initialized")
	}

	var operations []*Operation
	var pos uintptr
	for {
		handle := next(g.handle, uintptr(unsafe.Pointer(&pos)))
		if handle == 0 {
			break
		}
		operations = append(operations, &Operation{handle: handle, graph: g})
	}

	return operations, nil
}

// ImportGraphDef adds the operations of a serialized GraphDef to the graph.
// A non-empty prefix is prepended to every imported operation name.
func (g *Graph) ImportGraphDef(def []byte, prefix string) error {
	if g == nil || g.handle == 0 {
		return fmt.Errorf("graph has been destroyed")
	}
	if len(def) == 0 {
		return fmt.Errorf("GraphDef cannot be empty")
	}

	callMu.RLock()
	defer callMu.RUnlock()

	mu.Lock()
	newOpts := tfNewImportGraphDefOptionsFunc
	deleteOpts := tfDeleteImportGraphDefOptionsFunc
	setPrefix := tfImportGraphDefOptionsSetPrefixFunc
	importDef := tfGraphImportGraphDefFunc
	mu.Unlock()

	status := currentStatusFuncs()
	if newOpts == nil || deleteOpts == nil || setPrefix == nil || importDef == nil || !status.valid() {
		return fmt.Errorf("TensorFlow runtime not initialized")
	}

	buffer, err := newBufferFromBytes(def)
	if err != nil {
		return err
	}
	defer releaseBuffer(buffer)

	opts := newOpts()
	if opts == 0 {
		return fmt.Errorf("failed to create import options")
	}
	defer deleteOpts(opts)

	var prefixBytes []byte
	if prefix != "" {
		var prefixPtr uintptr
		prefixBytes, prefixPtr = GoToCstring(prefix)
		setPrefix(opts, prefixPtr)
	}

	statusHandle, err := status.alloc()
	if err != nil {
		return err
	}
	defer status.release(statusHandle)

	importDef(g.handle, buffer, opts, statusHandle)
	runtime.KeepAlive(prefixBytes)

	if err := status.err(statusHandle); err != nil {
		return fmt.Errorf("failed to import GraphDef: %w", err)
	}
	return nil
}

// ToGraphDef serializes the graph into GraphDef bytes.
func (g *Graph) ToGraphDef() ([]byte, error) {
	if g == nil || g.handle == 0 {
		return nil, fmt.Errorf("graph has been destroyed")
	}

	callMu.RLock()
	defer callMu.RUnlock()

	mu.Lock()
	newBuffer := tfNewBufferFunc
	toGraphDef := tfGraphToGraphDefFunc
	mu.Unlock()

	status := currentStatusFuncs()
	if newBuffer == nil || toGraphDef == nil || !status.valid() {
		return nil, fmt.Errorf("TensorFlow runtime not initialized")
	}

	buffer := newBuffer()
	if buffer == 0 {
		return nil, fmt.Errorf("failed to allocate output buffer")
	}
	defer releaseBuffer(buffer)

	statusHandle, err := status.alloc()
	if err != nil {
		return nil, err
	}
	defer status.release(statusHandle)

	toGraphDef(g.handle, buffer, statusHandle)
	if err := status.err(statusHandle); err != nil {
		return nil, fmt.Errorf("failed to serialize graph: %w", err)
	}

	return bufferBytes(buffer), nil
}
