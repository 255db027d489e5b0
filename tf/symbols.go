package tf

import (
	"fmt"
	"reflect"

	"github.com/ebitengine/purego"
)

// nativeOutput mirrors TF_Output: a producing operation plus an output index.
// Layout must match the C struct exactly; it is passed to (and inside arrays
// handed to) libtensorflow by value.
type nativeOutput struct {
	Oper  uintptr
	Index int32
}

// Registered entry points of the TensorFlow C API. Each variable is bound to
// its TF_* symbol by registerSymbols during InitializeEnvironment and reset
// to nil when the environment is torn down. All reads/writes happen under mu;
// call sites copy the variables into locals before invoking them.
var (
	// Status and version.
	tfVersionFunc      func() uintptr
	tfNewStatusFunc    func() uintptr
	tfDeleteStatusFunc func(uintptr)
	tfGetCodeFunc      func(uintptr) int32
	tfMessageFunc      func(uintptr) uintptr

	// Buffers.
	tfNewBufferFunc           func() uintptr
	tfNewBufferFromStringFunc func(uintptr, uintptr) uintptr
	tfDeleteBufferFunc        func(uintptr)

	// Tensors.
	tfAllocateTensorFunc func(int32, uintptr, int32, uintptr) uintptr
	tfDeleteTensorFunc   func(uintptr)
	tfTensorDataFunc     func(uintptr) uintptr
	tfTensorByteSizeFunc func(uintptr) uintptr
	tfTensorTypeFunc     func(uintptr) int32
	tfNumDimsFunc        func(uintptr) int32
	tfDimFunc            func(uintptr, int32) int64

	// TF_TString helpers for string tensors.
	tfStringInitFunc           func(uintptr)
	tfStringCopyFunc           func(uintptr, uintptr, uintptr)
	tfStringGetDataPointerFunc func(uintptr) uintptr
	tfStringGetSizeFunc        func(uintptr) uintptr
	tfStringDeallocFunc        func(uintptr)

	// Graphs.
	tfNewGraphFunc                       func() uintptr
	tfDeleteGraphFunc                    func(uintptr)
	tfGraphOperationByNameFunc           func(uintptr, uintptr) uintptr
	tfGraphNextOperationFunc             func(uintptr, uintptr) uintptr
	tfGraphGetTensorNumDimsFunc          func(uintptr, nativeOutput, uintptr) int32
	tfGraphGetTensorShapeFunc            func(uintptr, nativeOutput, uintptr, int32, uintptr)
	tfGraphToGraphDefFunc                func(uintptr, uintptr, uintptr)
	tfGraphImportGraphDefFunc            func(uintptr, uintptr, uintptr, uintptr)
	tfNewImportGraphDefOptionsFunc       func() uintptr
	tfDeleteImportGraphDefOptionsFunc    func(uintptr)
	tfImportGraphDefOptionsSetPrefixFunc func(uintptr, uintptr)

	// Operation construction.
	tfNewOperationFunc      func(uintptr, uintptr, uintptr) uintptr
	tfAddInputFunc          func(uintptr, nativeOutput)
	tfAddInputListFunc      func(uintptr, uintptr, int32)
	tfAddControlInputFunc   func(uintptr, uintptr)
	tfSetDeviceFunc         func(uintptr, uintptr)
	tfSetAttrStringFunc     func(uintptr, uintptr, uintptr, uintptr)
	tfSetAttrStringListFunc func(uintptr, uintptr, uintptr, uintptr, int32)
	tfSetAttrIntFunc        func(uintptr, uintptr, int64)
	tfSetAttrIntListFunc    func(uintptr, uintptr, uintptr, int32)
	tfSetAttrFloatFunc      func(uintptr, uintptr, float32)
	tfSetAttrFloatListFunc  func(uintptr, uintptr, uintptr, int32)
	tfSetAttrBoolFunc       func(uintptr, uintptr, uint8)
	tfSetAttrBoolListFunc   func(uintptr, uintptr, uintptr, int32)
	tfSetAttrTypeFunc       func(uintptr, uintptr, int32)
	tfSetAttrTypeListFunc   func(uintptr, uintptr, uintptr, int32)
	tfSetAttrShapeFunc      func(uintptr, uintptr, uintptr, int32)
	tfSetAttrShapeListFunc  func(uintptr, uintptr, uintptr, uintptr, int32)
	tfSetAttrTensorFunc     func(uintptr, uintptr, uintptr, uintptr)
	tfFinishOperationFunc   func(uintptr, uintptr) uintptr

	// Operation introspection.
	tfOperationNameFunc       func(uintptr) uintptr
	tfOperationOpTypeFunc     func(uintptr) uintptr
	tfOperationDeviceFunc     func(uintptr) uintptr
	tfOperationNumOutputsFunc func(uintptr) int32
	tfOperationNumInputsFunc  func(uintptr) int32
	tfOperationOutputTypeFunc func(nativeOutput) int32

	// Sessions.
	tfNewSessionOptionsFunc       func() uintptr
	tfDeleteSessionOptionsFunc    func(uintptr)
	tfSetTargetFunc               func(uintptr, uintptr)
	tfSetConfigFunc               func(uintptr, uintptr, uintptr, uintptr)
	tfNewSessionFunc              func(uintptr, uintptr, uintptr) uintptr
	tfCloseSessionFunc            func(uintptr, uintptr)
	tfDeleteSessionFunc           func(uintptr, uintptr)
	tfSessionRunFunc              func(uintptr, uintptr, uintptr, uintptr, int32, uintptr, uintptr, int32, uintptr, int32, uintptr, uintptr)
	tfLoadSessionFromSavedModelFunc func(uintptr, uintptr, uintptr, uintptr, int32, uintptr, uintptr, uintptr) uintptr

	// Devices.
	tfSessionListDevicesFunc    func(uintptr, uintptr) uintptr
	tfDeleteDeviceListFunc      func(uintptr)
	tfDeviceListCountFunc       func(uintptr) int32
	tfDeviceListNameFunc        func(uintptr, int32, uintptr) uintptr
	tfDeviceListTypeFunc        func(uintptr, int32, uintptr) uintptr
	tfDeviceListMemoryBytesFunc func(uintptr, int32, uintptr) int64
)

// symbolBinding ties an exported C symbol to the Go function variable it is
// registered into. The table is the single source of truth for what the
// binding requires from the shared library.
type symbolBinding struct {
	name string
	fptr any
}

// boundSymbols lists every TF_* entry point the binding registers.
// Generated initially from tensorflow/c/c_api.h (see tools/gen_symbols.go)
// and maintained by hand since.
func boundSymbols() []symbolBinding {
	return []symbolBinding{
		{"TF_Version", &tfVersionFunc},
		{"TF_NewStatus", &tfNewStatusFunc},
		{"TF_DeleteStatus", &tfDeleteStatusFunc},
		{"TF_GetCode", &tfGetCodeFunc},
		{"TF_Message", &tfMessageFunc},

		{"TF_NewBuffer", &tfNewBufferFunc},
		{"TF_NewBufferFromString", &tfNewBufferFromStringFunc},
		{"TF_DeleteBuffer", &tfDeleteBufferFunc},

		{"TF_AllocateTensor", &tfAllocateTensorFunc},
		{"TF_DeleteTensor", &tfDeleteTensorFunc},
		{"TF_TensorData", &tfTensorDataFunc},
		{"TF_TensorByteSize", &tfTensorByteSizeFunc},
		{"TF_TensorType", &tfTensorTypeFunc},
		{"TF_NumDims", &tfNumDimsFunc},
		{"TF_Dim", &tfDimFunc},

		{"TF_StringInit", &tfStringInitFunc},
		{"TF_StringCopy", &tfStringCopyFunc},
		{"TF_StringGetDataPointer", &tfStringGetDataPointerFunc},
		{"TF_StringGetSize", &tfStringGetSizeFunc},
		{"TF_StringDealloc", &tfStringDeallocFunc},

		{"TF_NewGraph", &tfNewGraphFunc},
		{"TF_DeleteGraph", &tfDeleteGraphFunc},
		{"TF_GraphOperationByName", &tfGraphOperationByNameFunc},
		{"TF_GraphNextOperation", &tfGraphNextOperationFunc},
		{"TF_GraphGetTensorNumDims", &tfGraphGetTensorNumDimsFunc},
		{"TF_GraphGetTensorShape", &tfGraphGetTensorShapeFunc},
		{"TF_GraphToGraphDef", &tfGraphToGraphDefFunc},
		{"TF_GraphImportGraphDef", &tfGraphImportGraphDefFunc},
		{"TF_NewImportGraphDefOptions", &tfNewImportGraphDefOptionsFunc},
		{"TF_DeleteImportGraphDefOptions", &tfDeleteImportGraphDefOptionsFunc},
		{"TF_ImportGraphDefOptionsSetPrefix", &tfImportGraphDefOptionsSetPrefixFunc},

		{"TF_NewOperation", &tfNewOperationFunc},
		{"TF_AddInput", &tfAddInputFunc},
		{"TF_AddInputList", &tfAddInputListFunc},
		{"TF_AddControlInput", &tfAddControlInputFunc},
		{"TF_SetDevice", &tfSetDeviceFunc},
		{"TF_SetAttrString", &tfSetAttrStringFunc},
		{"TF_SetAttrStringList", &tfSetAttrStringListFunc},
		{"TF_SetAttrInt", &tfSetAttrIntFunc},
		{"TF_SetAttrIntList", &tfSetAttrIntListFunc},
		{"TF_SetAttrFloat", &tfSetAttrFloatFunc},
		{"TF_SetAttrFloatList", &tfSetAttrFloatListFunc},
		{"TF_SetAttrBool", &tfSetAttrBoolFunc},
		{"TF_SetAttrBoolList", &tfSetAttrBoolListFunc},
		{"TF_SetAttrType", &tfSetAttrTypeFunc},
		{"TF_SetAttrTypeList", &tfSetAttrTypeListFunc},
		{"TF_SetAttrShape", &tfSetAttrShapeFunc},
		{"TF_SetAttrShapeList", &tfSetAttrShapeListFunc},
		{"TF_SetAttrTensor", &tfSetAttrTensorFunc},
		{"TF_FinishOperation", &tfFinishOperationFunc},

		{"TF_OperationName", &tfOperationNameFunc},
		{"TF_OperationOpType", &tfOperationOpTypeFunc},
		{"TF_OperationDevice", &tfOperationDeviceFunc},
		{"TF_OperationNumOutputs", &tfOperationNumOutputsFunc},
		{"TF_OperationNumInputs", &tfOperationNumInputsFunc},
		{"TF_OperationOutputType", &tfOperationOutputTypeFunc},

		{"TF_NewSessionOptions", &tfNewSessionOptionsFunc},
		{"TF_DeleteSessionOptions", &tfDeleteSessionOptionsFunc},
		{"TF_SetTarget", &tfSetTargetFunc},
		{"TF_SetConfig", &tfSetConfigFunc},
		{"TF_NewSession", &tfNewSessionFunc},
		{"TF_CloseSession", &tfCloseSessionFunc},
		{"TF_DeleteSession", &tfDeleteSessionFunc},
		{"TF_SessionRun", &tfSessionRunFunc},
		{"TF_LoadSessionFromSavedModel", &tfLoadSessionFromSavedModelFunc},

		{"TF_SessionListDevices", &tfSessionListDevicesFunc},
		{"TF_DeleteDeviceList", &tfDeleteDeviceListFunc},
		{"TF_DeviceListCount", &tfDeviceListCountFunc},
		{"TF_DeviceListName", &tfDeviceListNameFunc},
		{"TF_DeviceListType", &tfDeviceListTypeFunc},
		{"TF_DeviceListMemoryBytes", &tfDeviceListMemoryBytesFunc},
	}
}

// registerSymbols resolves and registers every bound symbol from the loaded
// shared library. On any failure all registered variables are cleared so the
// package never runs with a partially bound API. Must be called with mu held.
func registerSymbols(lib uintptr) error {
	for _, binding := range boundSymbols() {
		addr, err := getSymbol(lib, binding.name)
		if err != nil || addr == 0 {
			clearSymbols()
			if err != nil {
				return fmt.Errorf("failed to resolve symbol %s: %w", binding.name, err)
			}
			return fmt.Errorf("failed to resolve symbol %s", binding.name)
		}
		if err := registerFunc(binding.fptr, addr); err != nil {
			clearSymbols()
			return fmt.Errorf("failed to register symbol %s: %w", binding.name, err)
		}
	}
	return nil
}

// registerFunc binds a resolved symbol address to a typed Go function
// variable. purego panics on unsupported signatures; surface that as an
// error instead of tearing down the caller.
func registerFunc(fptr any, addr uintptr) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("purego registration panic: %v", r)
		}
	}()
	purego.RegisterFunc(fptr, addr)
	return nil
}

// clearSymbols resets every registered function variable to nil.
// Must be called with mu held.
func clearSymbols() {
	for _, binding := range boundSymbols() {
		value := reflect.ValueOf(binding.fptr).Elem()
		value.Set(reflect.Zero(value.Type()))
	}
}
