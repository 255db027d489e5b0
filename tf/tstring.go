package tf

import (
	"fmt"
	"runtime"
)

// tstringSize is sizeof(TF_TString). String tensors hold one TF_TString
// struct per element; the payload lives behind the struct for strings longer
// than the small-string-optimization capacity, so elements must be filled and
// read through the TF_String* helpers rather than raw memory copies.
const tstringSize = 24

// fillStringTensor writes values into a freshly allocated DataTypeString
// tensor whose data region starts at dataPtr. Caller must hold callMu.RLock.
func fillStringTensor(dataPtr uintptr, values []string) error {
	mu.Lock()
	stringInit := tfStringInitFunc
	stringCopy := tfStringCopyFunc
	mu.Unlock()

	if stringInit == nil || stringCopy == nil {
		return fmt.Errorf("TensorFlow runtime not initialized")
	}

	for i, value := range values {
		dst := dataPtr + uintptr(i)*tstringSize
		stringInit(dst)

		if len(value) == 0 {
			continue
		}

		valueBytes, valuePtr := GoToCstring(value)
		// TF_StringCopy takes an explicit length; the terminator from
		// GoToCstring is not copied.
		stringCopy(dst, valuePtr, uintptr(len(value)))
		runtime.KeepAlive(valueBytes)
	}

	return nil
}

// readStringTensor decodes count TF_TString elements starting at dataPtr.
// Caller must hold callMu.RLock.
func readStringTensor(dataPtr uintptr, count int) ([]string, error) {
	mu.Lock()
	getDataPointer := tfStringGetDataPointerFunc
	getSize := tfStringGetSizeFunc
	mu.Unlock()

	if getDataPointer == nil || getSize == nil {
		return nil, fmt.Errorf("TensorFlow runtime not initialized")
	}

	values := make([]string, count)
	for i := 0; i < count; i++ {
		element := dataPtr + uintptr(i)*tstringSize
		size := getSize(element)
		if size == 0 {
			continue
		}
		values[i] = cstringToGoN(getDataPointer(element), size)
	}

	return values, nil
}

// deallocStringTensor releases the heap payloads of count TF_TString
// elements. Required before deleting a string tensor the binding filled
// itself; TF_DeleteTensor does not run TF_TString destructors for memory
// allocated through TF_AllocateTensor. Caller must hold callMu (read or
// write).
func deallocStringTensor(dataPtr uintptr, count int) {
	mu.Lock()
	stringDealloc := tfStringDeallocFunc
	mu.Unlock()

	if stringDealloc == nil {
		return
	}

	for i := 0; i < count; i++ {
		stringDealloc(dataPtr + uintptr(i)*tstringSize)
	}
}
