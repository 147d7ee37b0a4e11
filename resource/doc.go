// Package resource governs the device resources shared by every allocator
// created on one device.
//
//   - Memory: a budget for arena backing memory (weighted semaphore)
//   - Maintenance: slots for defragment and shrink jobs, which stall the GPU
//   - Upload: a token bucket throttling staging uploads
//
// A nil *Controller is valid and imposes no limits.
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes:  512 << 20,
//	    UploadBytesPerSec: 256 << 20,
//	})
//	dev := device.NewHostDevice(device.HostConfig{Controller: rc})
package resource
