package tf

import (
	"fmt"
	"runtime"
	"unsafe"
)

// Tensor is a proxy for a native TF_Tensor. The element storage is owned by
// the native library (allocated via TF_AllocateTensor or returned from a
// session run); the proxy copies managed data in and out of that storage.
type Tensor struct {
	dtype       DataType
	shape       Shape
	handle      uintptr // Pointer to TF_Tensor
	ownsStrings bool    // True when the binding filled TF_TString elements itself.
}

func (t *Tensor) nativeHandle() uintptr {
	if t == nil {
		return 0
	}
	return t.handle
}

// NewTensor creates a tensor with the given shape, copying data into
// native-owned storage.
func NewTensor[T any](shape Shape, data []T) (*Tensor, error) {
	dtype, elementSize, err := tensorElementType[T]()
	if err != nil {
		return nil, err
	}

	shapeCopy := cloneShape(shape)
	elementCount, err := shapeElementCount(shapeCopy)
	if err != nil {
		return nil, err
	}
	if len(data) != elementCount {
		return nil, fmt.Errorf("data length mismatch: got %d elements, expected %d for shape %v", len(data), elementCount, shapeCopy)
	}

	callMu.RLock()
	defer callMu.RUnlock()

	tensor, dataPtr, err := allocateTensor(dtype, shapeCopy, elementCount, elementSize)
	if err != nil {
		return nil, err
	}

	if len(data) > 0 {
		src := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), uintptr(len(data))*elementSize)
		dst := unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), len(src))
		copy(dst, src)
		runtime.KeepAlive(data)
	}

	return tensor, nil
}

// NewEmptyTensor creates a zero-filled tensor with the given shape.
func NewEmptyTensor[T any](shape Shape) (*Tensor, error) {
	dtype, elementSize, err := tensorElementType[T]()
	if err != nil {
		return nil, err
	}

	shapeCopy := cloneShape(shape)
	elementCount, err := shapeElementCount(shapeCopy)
	if err != nil {
		return nil, err
	}

	callMu.RLock()
	defer callMu.RUnlock()

	tensor, dataPtr, err := allocateTensor(dtype, shapeCopy, elementCount, elementSize)
	if err != nil {
		return nil, err
	}

	if elementCount > 0 {
		// TF_AllocateTensor does not zero its storage.
		dst := unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), uintptr(elementCount)*elementSize)
		clear(dst)
	}

	return tensor, nil
}

// NewStringTensor creates a DataTypeString tensor from values, encoding each
// element with the native TF_TString helpers.
func NewStringTensor(shape Shape, values []string) (*Tensor, error) {
	shapeCopy := cloneShape(shape)
	elementCount, err := shapeElementCount(shapeCopy)
	if err != nil {
		return nil, err
	}
	if len(values) != elementCount {
		return nil, fmt.Errorf("data length mismatch: got %d strings, expected %d for shape %v", len(values), elementCount, shapeCopy)
	}

	callMu.RLock()
	defer callMu.RUnlock()

	tensor, dataPtr, err := allocateTensor(DataTypeString, shapeCopy, elementCount, tstringSize)
	if err != nil {
		return nil, err
	}

	if err := fillStringTensor(dataPtr, values); err != nil {
		_ = tensor.destroyLocked()
		return nil, err
	}
	tensor.ownsStrings = true

	return tensor, nil
}

// allocateTensor allocates native tensor storage and wraps it in a proxy.
// Caller must hold callMu.RLock.
func allocateTensor(dtype DataType, shape Shape, elementCount int, elementSize uintptr) (*Tensor, uintptr, error) {
	byteLen, err := tensorDataByteSize(elementCount, elementSize)
	if err != nil {
		return nil, 0, err
	}

	mu.Lock()
	allocate := tfAllocateTensorFunc
	tensorData := tfTensorDataFunc
	mu.Unlock()

	if allocate == nil || tensorData == nil {
		return nil, 0, fmt.Errorf("TensorFlow runtime not initialized")
	}

	dimsPtr := uintptr(unsafe.Pointer(shapePtr(shape)))
	// #nosec G115 -- rank is bounded by shapeElementCount validation.
	handle := allocate(int32(dtype), dimsPtr, int32(len(shape)), byteLen)
	// libtensorflow reads the dims array synchronously during TF_AllocateTensor.
	runtime.KeepAlive(shape)
	if handle == 0 {
		return nil, 0, fmt.Errorf("failed to allocate tensor with shape %v", shape)
	}

	dataPtr := tensorData(handle)
	if dataPtr == 0 && elementCount > 0 {
		releaseTensorHandle(handle)
		return nil, 0, fmt.Errorf("allocated tensor has no data pointer")
	}

	tensor := &Tensor{
		dtype:  dtype,
		shape:  shape,
		handle: handle,
	}

	// Finalizer is a safety net to avoid leaking the TF_Tensor if callers
	// forget Destroy().
	runtime.SetFinalizer(tensor, func(t *Tensor) {
		_ = t.Destroy()
	})

	return tensor, dataPtr, nil
}

// tensorFromHandle wraps a native TF_Tensor produced by the library (for
// example a session fetch) in a proxy. Caller must hold callMu.RLock.
func tensorFromHandle(handle uintptr) (*Tensor, error) {
	if handle == 0 {
		return nil, fmt.Errorf("nil tensor handle")
	}

	mu.Lock()
	tensorType := tfTensorTypeFunc
	numDims := tfNumDimsFunc
	dim := tfDimFunc
	mu.Unlock()

	if tensorType == nil || numDims == nil || dim == nil {
		return nil, fmt.Errorf("TensorFlow runtime not initialized")
	}

	rank := numDims(handle)
	if rank < 0 {
		return nil, fmt.Errorf("tensor reports negative rank %d", rank)
	}

	shape := make(Shape, rank)
	for i := int32(0); i < rank; i++ {
		shape[i] = dim(handle, i)
	}

	tensor := &Tensor{
		dtype:  DataType(tensorType(handle)),
		shape:  shape,
		handle: handle,
	}
	runtime.SetFinalizer(tensor, func(t *Tensor) {
		_ = t.Destroy()
	})

	return tensor, nil
}

// DataType returns the element type of the tensor.
func (t *Tensor) DataType() DataType {
	if t == nil {
		return 0
	}
	return t.dtype
}

// Shape returns the tensor shape.
func (t *Tensor) Shape() Shape {
	if t == nil {
		return nil
	}
	return t.shape
}

// NumBytes returns the size of the native tensor storage in bytes.
// Returns 0 after Destroy().
func (t *Tensor) NumBytes() uintptr {
	if t == nil {
		return 0
	}

	callMu.RLock()
	defer callMu.RUnlock()

	mu.Lock()
	byteSize := tfTensorByteSizeFunc
	handle := t.handle
	mu.Unlock()

	if handle == 0 || byteSize == nil {
		return 0
	}
	return byteSize(handle)
}

// TensorData copies the tensor's elements out of native storage into a new
// Go slice. The requested element type must match the tensor's dtype.
func TensorData[T any](t *Tensor) ([]T, error) {
	if t == nil {
		return nil, fmt.Errorf("tensor is nil")
	}

	dtype, elementSize, err := tensorElementType[T]()
	if err != nil {
		return nil, err
	}
	if dtype != t.dtype {
		return nil, fmt.Errorf("tensor element type mismatch: tensor holds dtype %d, requested dtype %d", t.dtype, dtype)
	}

	elementCount, err := shapeElementCount(t.shape)
	if err != nil {
		return nil, err
	}

	callMu.RLock()
	defer callMu.RUnlock()

	mu.Lock()
	tensorData := tfTensorDataFunc
	handle := t.handle
	mu.Unlock()

	if handle == 0 {
		return nil, fmt.Errorf("tensor has been destroyed")
	}
	if tensorData == nil {
		return nil, fmt.Errorf("TensorFlow runtime not initialized")
	}

	out := make([]T, elementCount)
	if elementCount == 0 {
		return out, nil
	}

	dataPtr := tensorData(handle)
	if dataPtr == 0 {
		return nil, fmt.Errorf("tensor has no data pointer")
	}

	byteLen := uintptr(elementCount) * elementSize
	src := unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), byteLen)
	dst := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(out))), byteLen)
	copy(dst, src)

	return out, nil
}

// StringValues decodes a DataTypeString tensor into Go strings.
func (t *Tensor) StringValues() ([]string, error) {
	if t == nil {
		return nil, fmt.Errorf("tensor is nil")
	}
	if t.dtype != DataTypeString {
		return nil, fmt.Errorf("tensor holds dtype %d, not a string tensor", t.dtype)
	}

	elementCount, err := shapeElementCount(t.shape)
	if err != nil {
		return nil, err
	}

	callMu.RLock()
	defer callMu.RUnlock()

	mu.Lock()
	tensorData := tfTensorDataFunc
	handle := t.handle
	mu.Unlock()

	if handle == 0 {
		return nil, fmt.Errorf("tensor has been destroyed")
	}
	if tensorData == nil {
		return nil, fmt.Errorf("TensorFlow runtime not initialized")
	}

	if elementCount == 0 {
		return []string{}, nil
	}

	dataPtr := tensorData(handle)
	if dataPtr == 0 {
		return nil, fmt.Errorf("tensor has no data pointer")
	}

	return readStringTensor(dataPtr, elementCount)
}

// Destroy releases the native tensor. Safe to call multiple times and on a
// nil receiver.
func (t *Tensor) Destroy() error {
	if t == nil {
		return nil
	}

	// Lock order here is callMu -> mu.
	callMu.Lock()
	defer callMu.Unlock()

	return t.destroyLocked()
}

// destroyLocked releases the tensor while the caller holds callMu (read or
// write side).
func (t *Tensor) destroyLocked() error {
	mu.Lock()
	handle := t.handle
	ownsStrings := t.ownsStrings
	shape := t.shape
	tensorData := tfTensorDataFunc
	t.handle = 0
	t.shape = nil
	t.ownsStrings = false
	runtime.SetFinalizer(t, nil)
	mu.Unlock()

	if handle == 0 {
		return nil
	}

	if ownsStrings && tensorData != nil {
		if count, err := shapeElementCount(shape); err == nil && count > 0 {
			if dataPtr := tensorData(handle); dataPtr != 0 {
				deallocStringTensor(dataPtr, count)
			}
		}
	}

	releaseTensorHandle(handle)
	return nil
}

func releaseTensorHandle(handle uintptr) {
	mu.Lock()
	deleteTensor := tfDeleteTensorFunc
	mu.Unlock()

	if handle != 0 && deleteTensor != nil {
		deleteTensor(handle)
	}
}

func tensorDataByteSize(elementCount int, elementSize uintptr) (uintptr, error) {
	if elementCount < 0 {
		return 0, fmt.Errorf("element count cannot be negative: %d", elementCount)
	}
	if elementCount == 0 {
		return 0, nil
	}
	if elementSize == 0 {
		return 0, fmt.Errorf("element size cannot be zero")
	}

	count := uintptr(elementCount)
	if count > ^uintptr(0)/elementSize {
		return 0, fmt.Errorf("tensor data size overflow: %d elements with element size %d", elementCount, elementSize)
	}

	return count * elementSize, nil
}

// tensorElementType maps a Go element type to its TF_DataType and size.
// String tensors are handled separately via NewStringTensor because their
// elements are TF_TString structs, not flat bytes.
func tensorElementType[T any]() (DataType, uintptr, error) {
	var zero T

	switch any(zero).(type) {
	case float32:
		return DataTypeFloat, unsafe.Sizeof(zero), nil
	case float64:
		return DataTypeDouble, unsafe.Sizeof(zero), nil
	case int32:
		return DataTypeInt32, unsafe.Sizeof(zero), nil
	case int64:
		return DataTypeInt64, unsafe.Sizeof(zero), nil
	case int16:
		return DataTypeInt16, unsafe.Sizeof(zero), nil
	case int8:
		return DataTypeInt8, unsafe.Sizeof(zero), nil
	case uint8:
		return DataTypeUint8, unsafe.Sizeof(zero), nil
	case uint16:
		return DataTypeUint16, unsafe.Sizeof(zero), nil
	case uint32:
		return DataTypeUint32, unsafe.Sizeof(zero), nil
	case uint64:
		return DataTypeUint64, unsafe.Sizeof(zero), nil
	case bool:
		return DataTypeBool, unsafe.Sizeof(zero), nil
	default:
		return 0, 0, fmt.Errorf("unsupported tensor element type %T", zero)
	}
}
