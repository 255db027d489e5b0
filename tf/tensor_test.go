package tf

import (
	"strings"
	"testing"
)

func TestTensorElementType(t *testing.T) {
	check := func(t *testing.T, got DataType, gotSize uintptr, err error, want DataType, wantSize uintptr) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Errorf("expected dtype %d, got %d", want, got)
		}
		if gotSize != wantSize {
			t.Errorf("expected element size %d, got %d", wantSize, gotSize)
		}
	}

	t.Run("float32", func(t *testing.T) {
		dtype, size, err := tensorElementType[float32]()
		check(t, dtype, size, err, DataTypeFloat, 4)
	})
	t.Run("float64", func(t *testing.T) {
		dtype, size, err := tensorElementType[float64]()
		check(t, dtype, size, err, DataTypeDouble, 8)
	})
	t.Run("int32", func(t *testing.T) {
		dtype, size, err := tensorElementType[int32]()
		check(t, dtype, size, err, DataTypeInt32, 4)
	})
	t.Run("int64", func(t *testing.T) {
		dtype, size, err := tensorElementType[int64]()
		check(t, dtype, size, err, DataTypeInt64, 8)
	})
	t.Run("int16", func(t *testing.T) {
		dtype, size, err := tensorElementType[int16]()
		check(t, dtype, size, err, DataTypeInt16, 2)
	})
	t.Run("int8", func(t *testing.T) {
		dtype, size, err := tensorElementType[int8]()
		check(t, dtype, size, err, DataTypeInt8, 1)
	})
	t.Run("uint8", func(t *testing.T) {
		dtype, size, err := tensorElementType[uint8]()
		check(t, dtype, size, err, DataTypeUint8, 1)
	})
	t.Run("uint16", func(t *testing.T) {
		dtype, size, err := tensorElementType[uint16]()
		check(t, dtype, size, err, DataTypeUint16, 2)
	})
	t.Run("uint32", func(t *testing.T) {
		dtype, size, err := tensorElementType[uint32]()
		check(t, dtype, size, err, DataTypeUint32, 4)
	})
	t.Run("uint64", func(t *testing.T) {
		dtype, size, err := tensorElementType[uint64]()
		check(t, dtype, size, err, DataTypeUint64, 8)
	})
	t.Run("bool", func(t *testing.T) {
		dtype, size, err := tensorElementType[bool]()
		check(t, dtype, size, err, DataTypeBool, 1)
	})
}

func TestTensorElementTypeUnsupported(t *testing.T) {
	_, _, err := tensorElementType[string]()
	if err == nil {
		t.Fatal("expected error for string element type")
	}
	if !strings.Contains(err.Error(), "unsupported tensor element type") {
		t.Errorf("unexpected error message: %v", err)
	}

	_, _, err = tensorElementType[complex64]()
	if err == nil {
		t.Error("expected error for complex64 element type")
	}

	type custom struct{ X int }
	_, _, err = tensorElementType[custom]()
	if err == nil {
		t.Error("expected error for struct element type")
	}
}

func TestTensorDataByteSize(t *testing.T) {
	tests := []struct {
		name         string
		elementCount int
		elementSize  uintptr
		want         uintptr
		wantErr      bool
	}{
		{"zero elements", 0, 4, 0, false},
		{"simple", 6, 4, 24, false},
		{"single byte elements", 10, 1, 10, false},
		{"negative count", -1, 4, 0, true},
		{"zero element size", 5, 0, 0, true},
		{"overflow", 1 << 62, 1 << 10, 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tensorDataByteSize(tc.elementCount, tc.elementSize)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %d", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected %d bytes, got %d", tc.want, got)
			}
		})
	}
}

func TestNewTensorDataLengthMismatch(t *testing.T) {
	resetEnvironmentState()

	_, err := NewTensor[float32](NewShape(2, 3), []float32{1, 2, 3})
	if err == nil {
		t.Fatal("expected error for data length mismatch")
	}
	if !strings.Contains(err.Error(), "data length mismatch") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestNewTensorInvalidShape(t *testing.T) {
	resetEnvironmentState()

	_, err := NewTensor[float32](NewShape(-1, 3), []float32{1, 2, 3})
	if err == nil {
		t.Fatal("expected error for negative dimension")
	}
}

func TestNewTensorWhenNotInitialized(t *testing.T) {
	resetEnvironmentState()

	_, err := NewTensor[float32](NewShape(2), []float32{1, 2})
	if err == nil {
		t.Fatal("expected error when runtime not initialized")
	}
	if !strings.Contains(err.Error(), "TensorFlow runtime not initialized") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestNewEmptyTensorWhenNotInitialized(t *testing.T) {
	resetEnvironmentState()

	_, err := NewEmptyTensor[int64](NewShape(4))
	if err == nil {
		t.Fatal("expected error when runtime not initialized")
	}
	if !strings.Contains(err.Error(), "TensorFlow runtime not initialized") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestNewStringTensorLengthMismatch(t *testing.T) {
	resetEnvironmentState()

	_, err := NewStringTensor(NewShape(3), []string{"only", "two"})
	if err == nil {
		t.Fatal("expected error for data length mismatch")
	}
	if !strings.Contains(err.Error(), "data length mismatch") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestTensorAccessorsOnNil(t *testing.T) {
	var tensor *Tensor

	if tensor.DataType() != 0 {
		t.Error("expected zero dtype for nil tensor")
	}
	if tensor.Shape() != nil {
		t.Error("expected nil shape for nil tensor")
	}
	if tensor.NumBytes() != 0 {
		t.Error("expected zero byte size for nil tensor")
	}
	if err := tensor.Destroy(); err != nil {
		t.Errorf("expected Destroy on nil tensor to be a no-op, got %v", err)
	}

	if _, err := TensorData[float32](tensor); err == nil {
		t.Error("expected error reading data from nil tensor")
	}
	if _, err := tensor.StringValues(); err == nil {
		t.Error("expected error reading strings from nil tensor")
	}
}

func TestTensorDataTypeMismatch(t *testing.T) {
	tensor := &Tensor{dtype: DataTypeFloat, shape: NewShape(2), handle: 1}
	defer func() { tensor.handle = 0 }()

	_, err := TensorData[int64](tensor)
	if err == nil {
		t.Fatal("expected error for element type mismatch")
	}
	if !strings.Contains(err.Error(), "element type mismatch") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestStringValuesOnNonStringTensor(t *testing.T) {
	tensor := &Tensor{dtype: DataTypeFloat, shape: NewShape(2), handle: 1}
	defer func() { tensor.handle = 0 }()

	_, err := tensor.StringValues()
	if err == nil {
		t.Fatal("expected error for non-string tensor")
	}
	if !strings.Contains(err.Error(), "not a string tensor") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestTensorDataOnDestroyedTensor(t *testing.T) {
	resetEnvironmentState()

	tensor := &Tensor{dtype: DataTypeFloat, shape: NewShape(2)}
	_, err := TensorData[float32](tensor)
	if err == nil {
		t.Fatal("expected error for destroyed tensor")
	}
	if !strings.Contains(err.Error(), "destroyed") {
		t.Errorf("unexpected error message: %v", err)
	}
}
