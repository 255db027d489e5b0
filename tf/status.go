package tf

import "fmt"

// StatusError is a Go error carrying a native TF_Status code and message.
// The binding defines no error taxonomy of its own: every failing native
// call surfaces the library's own code and message unchanged.
type StatusError struct {
	Code    Code
	Message string
}

func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// newStatus allocates a native TF_Status. The registered function variables
// must be copied by the caller under mu before use.
func newStatus(newStatusFn func() uintptr) (uintptr, error) {
	if newStatusFn == nil {
		return 0, fmt.Errorf("TensorFlow runtime not initialized")
	}
	handle := newStatusFn()
	if handle == 0 {
		return 0, fmt.Errorf("failed to allocate TF_Status")
	}
	return handle, nil
}

// statusToError reads a native TF_Status and converts a non-OK code into a
// *StatusError. Returns nil when the status reports OK or the runtime is
// not initialized enough to inspect it.
func statusToError(handle uintptr, getCodeFn func(uintptr) int32, messageFn func(uintptr) uintptr) error {
	if handle == 0 || getCodeFn == nil {
		return nil
	}

	code := Code(getCodeFn(handle))
	if code == CodeOK {
		return nil
	}

	message := ""
	if messageFn != nil {
		message = CstringToGo(messageFn(handle))
	}

	return &StatusError{Code: code, Message: message}
}

// statusFuncs is the trio of native status entry points a call site needs.
// Copy it out under mu, then operate without holding the lock.
type statusFuncs struct {
	newStatus    func() uintptr
	deleteStatus func(uintptr)
	getCode      func(uintptr) int32
	message      func(uintptr) uintptr
}

func (f statusFuncs) valid() bool {
	return f.newStatus != nil && f.deleteStatus != nil && f.getCode != nil && f.message != nil
}

// alloc allocates a native status handle.
func (f statusFuncs) alloc() (uintptr, error) {
	return newStatus(f.newStatus)
}

// err converts the native status into a Go error.
func (f statusFuncs) err(handle uintptr) error {
	return statusToError(handle, f.getCode, f.message)
}

// release frees the native status handle.
func (f statusFuncs) release(handle uintptr) {
	if handle != 0 && f.deleteStatus != nil {
		f.deleteStatus(handle)
	}
}

// currentStatusFuncs snapshots the registered status functions under mu.
func currentStatusFuncs() statusFuncs {
	mu.Lock()
	defer mu.Unlock()
	return statusFuncs{
		newStatus:    tfNewStatusFunc,
		deleteStatus: tfDeleteStatusFunc,
		getCode:      tfGetCodeFunc,
		message:      tfMessageFunc,
	}
}
