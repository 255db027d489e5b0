package tf

import (
	"fmt"
	"runtime"
	"unsafe"
)

// bufferHeader mirrors the TF_Buffer struct layout. Instances always live in
// native memory; the binding only reads the data/length fields through it.
type bufferHeader struct {
	data        uintptr
	length      uintptr
	deallocator uintptr
}

// newBufferFromBytes copies proto bytes into a native TF_Buffer owned by the
// library. Caller must hold callMu.RLock and release the buffer with
// releaseBuffer.
func newBufferFromBytes(proto []byte) (uintptr, error) {
	mu.Lock()
	newBufferFromString := tfNewBufferFromStringFunc
	newBuffer := tfNewBufferFunc
	mu.Unlock()

	if newBufferFromString == nil || newBuffer == nil {
		return 0, fmt.Errorf("TensorFlow runtime not initialized")
	}

	if len(proto) == 0 {
		handle := newBuffer()
		if handle == 0 {
			return 0, fmt.Errorf("failed to allocate TF_Buffer")
		}
		return handle, nil
	}

	dataPtr := uintptr(unsafe.Pointer(unsafe.SliceData(proto)))
	handle := newBufferFromString(dataPtr, uintptr(len(proto)))
	// TF_NewBufferFromString copies the input synchronously.
	runtime.KeepAlive(proto)
	if handle == 0 {
		return 0, fmt.Errorf("failed to allocate TF_Buffer of %d bytes", len(proto))
	}
	return handle, nil
}

// bufferBytes copies the contents of a native TF_Buffer into a Go slice.
func bufferBytes(handle uintptr) []byte {
	if handle == 0 {
		return nil
	}

	header := (*bufferHeader)(unsafe.Pointer(handle))
	if header.data == 0 || header.length == 0 {
		return []byte{}
	}

	out := make([]byte, header.length)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(header.data)), header.length))
	return out
}

// releaseBuffer frees a native TF_Buffer and its owned contents.
func releaseBuffer(handle uintptr) {
	if handle == 0 {
		return
	}

	mu.Lock()
	deleteBuffer := tfDeleteBufferFunc
	mu.Unlock()

	if deleteBuffer != nil {
		deleteBuffer(handle)
	}
}
