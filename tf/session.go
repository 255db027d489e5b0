package tf

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// SessionOptions configures session creation. The zero value is a default
// in-process session.
type SessionOptions struct {
	// Target is the execution engine to connect to, for example
	// "grpc://host:port". Empty means in-process.
	Target string
	// Config is a serialized ConfigProto. The bytes are passed opaquely to
	// the native library; this binding does not interpret them.
	Config []byte
}

// Session is a proxy for a native TF_Session driving the execution of a
// graph. The native library allows concurrent Run calls; this proxy
// serializes Run against Close.
type Session struct {
	handle uintptr // Pointer to TF_Session
	graph  *Graph
	runMu  sync.Mutex
}

// NewSession creates a session executing the given graph. A nil options
// value selects the defaults. The graph must outlive the session.
func NewSession(graph *Graph, options *SessionOptions) (*Session, error) {
	if graph == nil || graph.handle == 0 {
		return nil, fmt.Errorf("graph is nil or destroyed")
	}

	callMu.RLock()
	defer callMu.RUnlock()

	mu.Lock()
	newSession := tfNewSessionFunc
	mu.Unlock()

	status := currentStatusFuncs()
	if newSession == nil || !status.valid() {
		return nil, fmt.Errorf("TensorFlow runtime not initialized")
	}

	statusHandle, err := status.alloc()
	if err != nil {
		return nil, err
	}
	defer status.release(statusHandle)

	nativeOptions, releaseOptions, err := buildNativeSessionOptions(options, status, statusHandle)
	if err != nil {
		return nil, err
	}
	defer releaseOptions()

	handle := newSession(graph.handle, nativeOptions, statusHandle)
	if err := status.err(statusHandle); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if handle == 0 {
		return nil, fmt.Errorf("failed to create session")
	}

	session := &Session{handle: handle, graph: graph}

	// Finalizer is a safety net to avoid leaking the TF_Session if callers
	// forget Close().
	runtime.SetFinalizer(session, func(s *Session) {
		_ = s.Close()
	})

	return session, nil
}

// buildNativeSessionOptions materializes a native TF_SessionOptions from the
// managed options. Caller must hold callMu.RLock and release via the
// returned cleanup.
func buildNativeSessionOptions(options *SessionOptions, status statusFuncs, statusHandle uintptr) (uintptr, func(), error) {
	mu.Lock()
	newOptions := tfNewSessionOptionsFunc
	deleteOptions := tfDeleteSessionOptionsFunc
	setTarget := tfSetTargetFunc
	setConfig := tfSetConfigFunc
	mu.Unlock()

	if newOptions == nil || deleteOptions == nil || setTarget == nil || setConfig == nil {
		return 0, nil, fmt.Errorf("TensorFlow runtime not initialized")
	}

	handle := newOptions()
	if handle == 0 {
		return 0, nil, fmt.Errorf("failed to create session options")
	}
	cleanup := func() { deleteOptions(handle) }

	if options == nil {
		return handle, cleanup, nil
	}

	if options.Target != "" {
		targetBytes, targetPtr := GoToCstring(options.Target)
		setTarget(handle, targetPtr)
		runtime.KeepAlive(targetBytes)
	}

	if len(options.Config) > 0 {
		setConfig(handle, slicePtr(options.Config), uintptr(len(options.Config)), statusHandle)
		runtime.KeepAlive(options.Config)
		if err := status.err(statusHandle); err != nil {
			cleanup()
			return 0, nil, fmt.Errorf("failed to set session config: %w", err)
		}
	}

	return handle, cleanup, nil
}

// Run executes one step of the graph: feeds are written into the given
// outputs, fetches are evaluated and returned as new tensors (owned by the
// caller), and targets are operations executed for effect only.
func (s *Session) Run(feeds map[Output]*Tensor, fetches []Output, targets []*Operation) ([]*Tensor, error) {
	if s == nil {
		return nil, fmt.Errorf("session is nil")
	}

	for output, tensor := range feeds {
		if output.Op == nil || output.Op.handle == 0 {
			return nil, fmt.Errorf("feed %q has no producing operation", output.Name())
		}
		if tensor == nil || tensor.handle == 0 {
			return nil, fmt.Errorf("feed %q has a nil or destroyed tensor", output.Name())
		}
	}
	for i, output := range fetches {
		if output.Op == nil || output.Op.handle == 0 {
			return nil, fmt.Errorf("fetch %d has no producing operation", i)
		}
	}
	for i, target := range targets {
		if target == nil || target.handle == 0 {
			return nil, fmt.Errorf("target %d is nil or destroyed", i)
		}
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	callMu.RLock()
	defer callMu.RUnlock()

	mu.Lock()
	sessionRun := tfSessionRunFunc
	handle := s.handle
	mu.Unlock()

	status := currentStatusFuncs()
	if sessionRun == nil || !status.valid() {
		return nil, fmt.Errorf("TensorFlow runtime not initialized")
	}
	if handle == 0 {
		return nil, fmt.Errorf("session has been closed")
	}

	feedOutputs := make([]nativeOutput, 0, len(feeds))
	feedValues := make([]uintptr, 0, len(feeds))
	for output, tensor := range feeds {
		feedOutputs = append(feedOutputs, output.native())
		feedValues = append(feedValues, tensor.handle)
	}

	fetchOutputs := make([]nativeOutput, len(fetches))
	for i, output := range fetches {
		fetchOutputs[i] = output.native()
	}
	fetchValues := make([]uintptr, len(fetches))

	targetHandles := make([]uintptr, len(targets))
	for i, target := range targets {
		targetHandles[i] = target.handle
	}

	statusHandle, err := status.alloc()
	if err != nil {
		return nil, err
	}
	defer status.release(statusHandle)

	sessionRun(
		handle,
		0, // run options
		slicePtr(feedOutputs), slicePtr(feedValues), int32(len(feedOutputs)),
		slicePtr(fetchOutputs), slicePtr(fetchValues), int32(len(fetchOutputs)),
		slicePtr(targetHandles), int32(len(targetHandles)),
		0, // run metadata
		statusHandle,
	)
	runtime.KeepAlive(feedOutputs)
	runtime.KeepAlive(feedValues)
	runtime.KeepAlive(fetchOutputs)
	runtime.KeepAlive(targetHandles)
	runtime.KeepAlive(feeds)

	if err := status.err(statusHandle); err != nil {
		return nil, fmt.Errorf("session run failed: %w", err)
	}

	results := make([]*Tensor, len(fetchValues))
	for i, valueHandle := range fetchValues {
		tensor, err := tensorFromHandle(valueHandle)
		if err != nil {
			for _, created := range results[:i] {
				_ = created.destroyLocked()
			}
			return nil, fmt.Errorf("failed to wrap fetched tensor %d: %w", i, err)
		}
		results[i] = tensor
	}

	return results, nil
}

// Close stops and releases the native session. Safe to call multiple times.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	// Lock order here is callMu -> mu.
	callMu.Lock()
	defer callMu.Unlock()

	mu.Lock()
	handle := s.handle
	closeSession := tfCloseSessionFunc
	deleteSession := tfDeleteSessionFunc
	s.handle = 0
	runtime.SetFinalizer(s, nil)
	mu.Unlock()

	if handle == 0 {
		return nil
	}
	if closeSession == nil || deleteSession == nil {
		return nil
	}

	status := currentStatusFuncs()
	if !status.valid() {
		return nil
	}

	statusHandle, err := status.alloc()
	if err != nil {
		return err
	}
	defer status.release(statusHandle)

	var closeErr error
	closeSession(handle, statusHandle)
	if err := status.err(statusHandle); err != nil {
		closeErr = fmt.Errorf("failed to close session: %w", err)
	}

	deleteSession(handle, statusHandle)
	if err := status.err(statusHandle); err != nil {
		closeErr = errors.Join(closeErr, fmt.Errorf("failed to delete session: %w", err))
	}

	return closeErr
}

// SavedModel bundles the session and graph loaded from a SavedModel export
// directory.
type SavedModel struct {
	Session *Session
	Graph   *Graph
}

// LoadSavedModel loads a SavedModel export (the directory produced by the
// native library's SavedModel builder) and returns a session ready to run it.
// tags select the MetaGraphDef to load, typically []string{"serve"}.
func LoadSavedModel(exportDir string, tags []string, options *SessionOptions) (*SavedModel, error) {
	if exportDir == "" {
		return nil, fmt.Errorf("export directory cannot be empty")
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("at least one tag is required")
	}

	graph, err := NewGraph()
	if err != nil {
		return nil, err
	}

	session, err := loadSavedModelSession(graph, exportDir, tags, options)
	if err != nil {
		_ = graph.Destroy()
		return nil, err
	}

	return &SavedModel{Session: session, Graph: graph}, nil
}

func loadSavedModelSession(graph *Graph, exportDir string, tags []string, options *SessionOptions) (*Session, error) {
	callMu.RLock()
	defer callMu.RUnlock()

	mu.Lock()
	loadSavedModel := tfLoadSessionFromSavedModelFunc
	mu.Unlock()

	status := currentStatusFuncs()
	if loadSavedModel == nil || !status.valid() {
		return nil, fmt.Errorf("TensorFlow runtime not initialized")
	}

	statusHandle, err := status.alloc()
	if err != nil {
		return nil, err
	}
	defer status.release(statusHandle)

	nativeOptions, releaseOptions, err := buildNativeSessionOptions(options, status, statusHandle)
	if err != nil {
		return nil, err
	}
	defer releaseOptions()

	dirBytes, dirPtr := GoToCstring(exportDir)
	tagBacking, tagPointers := goStringsToCstrings(tags)

	handle := loadSavedModel(
		nativeOptions,
		0, // run options
		dirPtr,
		slicePtr(tagPointers), int32(len(tagPointers)),
		graph.handle,
		0, // meta graph def output buffer
		statusHandle,
	)
	runtime.KeepAlive(dirBytes)
	runtime.KeepAlive(tagBacking)
	runtime.KeepAlive(tagPointers)

	if err := status.err(statusHandle); err != nil {
		return nil, fmt.Errorf("failed to load SavedModel from %q: %w", exportDir, err)
	}
	if handle == 0 {
		return nil, fmt.Errorf("failed to load SavedModel from %q", exportDir)
	}

	session := &Session{handle: handle, graph: graph}
	runtime.SetFinalizer(session, func(s *Session) {
		_ = s.Close()
	})

	return session, nil
}
