package tf

import (
	"fmt"
	"sync"
)

var (
	// mu guards all package-level binding state, including the registered
	// function variables in symbols.go.
	mu       sync.Mutex
	refCount int
	tfLib    uintptr
	libPath  string

	// callMu serializes environment teardown and proxy destruction against
	// in-flight native calls. Native calls hold the read lock; DestroyEnvironment
	// and Destroy/Close methods hold the write lock. Lock order is callMu -> mu.
	callMu sync.RWMutex
)

// SetSharedLibraryPath sets the path to the TensorFlow shared library
// (libtensorflow). Must be called before InitializeEnvironment and cannot be
// changed while the environment is initialized.
func SetSharedLibraryPath(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if refCount > 0 {
		return fmt.Errorf("cannot change library path after environment is initialized")
	}

	libPath = path
	return nil
}

// InitializeEnvironment loads the TensorFlow shared library and registers the
// C API entry points. Initialization is reference counted: each successful
// call must be paired with a DestroyEnvironment call, and the library is only
// unloaded when the count drops to zero.
func InitializeEnvironment() error {
	mu.Lock()
	defer mu.Unlock()

	if refCount > 0 {
		refCount++
		return nil
	}

	if libPath == "" {
		return fmt.Errorf("library path not set, call SetSharedLibraryPath first")
	}

	lib, err := loadLibrary(libPath)
	if err != nil || lib == 0 {
		if err != nil {
			return fmt.Errorf("failed to load TensorFlow library %q: %w", libPath, err)
		}
		return fmt.Errorf("failed to load TensorFlow library %q", libPath)
	}

	if err := registerSymbols(lib); err != nil {
		_ = closeLibrary(lib)
		return fmt.Errorf("failed to bind TensorFlow C API: %w", err)
	}

	tfLib = lib
	refCount = 1
	return nil
}

// DestroyEnvironment releases one reference to the environment. When the last
// reference is released, all registered entry points are cleared and the
// shared library is unloaded. Destroying a non-initialized environment is a
// no-op.
func DestroyEnvironment() error {
	callMu.Lock()
	defer callMu.Unlock()

	mu.Lock()
	defer mu.Unlock()

	if refCount == 0 {
		return nil
	}

	refCount--
	if refCount > 0 {
		return nil
	}

	clearSymbols()

	lib := tfLib
	tfLib = 0

	if lib != 0 {
		if err := closeLibrary(lib); err != nil {
			return fmt.Errorf("failed to unload TensorFlow library: %w", err)
		}
	}

	return nil
}

// IsInitialized returns true if the environment is initialized.
func IsInitialized() bool {
	mu.Lock()
	defer mu.Unlock()
	return refCount > 0
}

// GetVersionString returns the version string reported by the loaded
// TensorFlow library (TF_Version). Returns "0.0.0-dev" when the environment
// is not initialized.
func GetVersionString() string {
	callMu.RLock()
	defer callMu.RUnlock()

	mu.Lock()
	versionFn := tfVersionFunc
	mu.Unlock()

	if versionFn == nil {
		return "0.0.0-dev"
	}
	return CstringToGo(versionFn())
}
