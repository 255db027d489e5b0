package tf

import "fmt"

// Device describes one device visible to a session, as reported by the
// native library.
type Device struct {
	// Name is the fully qualified device name, for example
	// "/job:localhost/replica:0/task:0/device:CPU:0".
	Name string
	// Type is the device type, for example "CPU" or "GPU".
	Type string
	// MemoryLimitBytes is the amount of memory associated with the device.
	// -1 when the native library reports no limit.
	MemoryLimitBytes int64
}

// ListDevices returns the devices available to the session.
func (s *Session) ListDevices() ([]Device, error) {
	if s == nil {
		return nil, fmt.Errorf("session is nil")
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	callMu.RLock()
	defer callMu.RUnlock()

	mu.Lock()
	listDevices := tfSessionListDevicesFunc
	deleteDeviceList := tfDeleteDeviceListFunc
	deviceCount := tfDeviceListCountFunc
	deviceName := tfDeviceListNameFunc
	deviceType := tfDeviceListTypeFunc
	deviceMemory := tfDeviceListMemoryBytesFunc
	handle := s.handle
	mu.Unlock()

	status := currentStatusFuncs()
	if listDevices == nil || deleteDeviceList == nil || deviceCount == nil ||
		deviceName == nil || deviceType == nil || deviceMemory == nil || !status.valid() {
		return nil, fmt.Errorf("TensorFlow runtime not initialized")
	}
	if handle == 0 {
		return nil, fmt.Errorf("session has been closed")
	}

	statusHandle, err := status.alloc()
	if err != nil {
		return nil, err
	}
	defer status.release(statusHandle)

	list := listDevices(handle, statusHandle)
	if err := status.err(statusHandle); err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	if list == 0 {
		return nil, fmt.Errorf("failed to list devices")
	}
	defer deleteDeviceList(list)

	count := deviceCount(list)
	devices := make([]Device, 0, count)
	for i := int32(0); i < count; i++ {
		name := CstringToGo(deviceName(list, i, statusHandle))
		if err := status.err(statusHandle); err != nil {
			return nil, fmt.Errorf("failed to read device %d name: %w", i, err)
		}

		deviceTypeName := CstringToGo(deviceType(list, i, statusHandle))
		if err := status.err(statusHandle); err != nil {
			return nil, fmt.Errorf("failed to read device %d type: %w", i, err)
		}

		memory := deviceMemory(list, i, statusHandle)
		if err := status.err(statusHandle); err != nil {
			return nil, fmt.Errorf("failed to read device %d memory: %w", i, err)
		}

		devices = append(devices, Device{
			Name:             name,
			Type:             deviceTypeName,
			MemoryLimitBytes: memory,
		})
	}

	return devices, nil
}
