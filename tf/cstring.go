package tf

import "unsafe"

// CstringToGo converts a C null-terminated string pointer to a Go string.
// The pointer must point to a valid null-terminated string in memory.
// Returns empty string if ptr is 0 (null).
func CstringToGo(ptr uintptr) string {
	// Reject null and implausibly low addresses (first page is never mapped).
	if ptr < 4096 {
		return ""
	}

	// Find the null terminator using a large but valid slice.
	// A conservative max length (1MB) avoids checkptr issues when scanning
	// C-allocated memory. Only bytes up to the terminator are read, and
	// libtensorflow strings (version, status messages, op names) are far
	// below this bound; anything longer indicates memory corruption.
	const maxStringLen = 1 << 20
	bytes := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), maxStringLen)

	var length int
	for i := 0; i < maxStringLen; i++ {
		if bytes[i] == 0 {
			length = i
			break
		}
	}

	return string(bytes[:length])
}

// cstringToGoN copies exactly n bytes from a C pointer into a Go string.
// Used for length-prefixed native strings (TF_TString payloads, TF_Buffer
// contents) that are not null-terminated.
func cstringToGoN(ptr uintptr, n uintptr) string {
	if ptr == 0 || n == 0 {
		return ""
	}
	bytes := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n)
	return string(bytes)
}

// GoToCstring converts a Go string to a null-terminated byte slice suitable
// for passing to C functions. Returns the byte slice (which must be kept
// alive by the caller to prevent GC) and a uintptr to its first byte.
//
// The caller MUST keep the returned []byte alive for as long as the C
// function might access it:
//
//	nameBytes, namePtr := GoToCstring("MatMul")
//	status := cFunction(namePtr) // nameBytes must stay in scope here
//	runtime.KeepAlive(nameBytes)
func GoToCstring(s string) ([]byte, uintptr) {
	b := append([]byte(s), 0)
	return b, uintptr(unsafe.Pointer(&b[0]))
}

// goStringsToCstrings converts a slice of Go strings into null-terminated
// backing buffers plus a pointer array suitable for passing as a C
// `const char* const*`. Both returned slices must be kept alive across the
// native call.
func goStringsToCstrings(values []string) ([][]byte, []uintptr) {
	if len(values) == 0 {
		return nil, nil
	}

	backing := make([][]byte, len(values))
	pointers := make([]uintptr, len(values))
	for i, value := range values {
		backing[i], pointers[i] = GoToCstring(value)
	}
	return backing, pointers
}
