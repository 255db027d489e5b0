package tf

// DataType mirrors TF_DataType from the TensorFlow C API.
// Values must match tensorflow/c/tf_datatype.h exactly.
type DataType int

const (
	DataTypeFloat      DataType = 1
	DataTypeDouble     DataType = 2
	DataTypeInt32      DataType = 3
	DataTypeUint8      DataType = 4
	DataTypeInt16      DataType = 5
	DataTypeInt8       DataType = 6
	DataTypeString     DataType = 7
	DataTypeComplex64  DataType = 8
	DataTypeInt64      DataType = 9
	DataTypeBool       DataType = 10
	DataTypeQint8      DataType = 11
	DataTypeQuint8     DataType = 12
	DataTypeQint32     DataType = 13
	DataTypeBfloat16   DataType = 14
	DataTypeQint16     DataType = 15
	DataTypeQuint16    DataType = 16
	DataTypeUint16     DataType = 17
	DataTypeComplex128 DataType = 18
	DataTypeHalf       DataType = 19
	DataTypeResource   DataType = 20
	DataTypeVariant    DataType = 21
	DataTypeUint32     DataType = 22
	DataTypeUint64     DataType = 23
)

// Code mirrors TF_Code from the TensorFlow C API.
// Values must match tensorflow/c/tf_status.h exactly.
type Code int

const (
	CodeOK                 Code = 0
	CodeCancelled          Code = 1
	CodeUnknown            Code = 2
	CodeInvalidArgument    Code = 3
	CodeDeadlineExceeded   Code = 4
	CodeNotFound           Code = 5
	CodeAlreadyExists      Code = 6
	CodePermissionDenied   Code = 7
	CodeUnauthenticated    Code = 16
	CodeResourceExhausted  Code = 8
	CodeFailedPrecondition Code = 9
	CodeAborted            Code = 10
	CodeOutOfRange         Code = 11
	CodeUnimplemented      Code = 12
	CodeInternal           Code = 13
	CodeUnavailable        Code = 14
	CodeDataLoss           Code = 15
)

// String returns the canonical status code name.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeCancelled:
		return "CANCELLED"
	case CodeUnknown:
		return "UNKNOWN"
	case CodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case CodeDeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeAlreadyExists:
		return "ALREADY_EXISTS"
	case CodePermissionDenied:
		return "PERMISSION_DENIED"
	case CodeUnauthenticated:
		return "UNAUTHENTICATED"
	case CodeResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case CodeFailedPrecondition:
		return "FAILED_PRECONDITION"
	case CodeAborted:
		return "ABORTED"
	case CodeOutOfRange:
		return "OUT_OF_RANGE"
	case CodeUnimplemented:
		return "UNIMPLEMENTED"
	case CodeInternal:
		return "INTERNAL"
	case CodeUnavailable:
		return "UNAVAILABLE"
	case CodeDataLoss:
		return "DATA_LOSS"
	default:
		return "UNRECOGNIZED"
	}
}
