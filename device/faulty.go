package device

import (
	"context"
	"errors"
	"sync"
)

// ErrInjected is the default error returned by FaultyDevice.
var ErrInjected = errors.New("device: injected fault")

// Fault defines which operations of a FaultyDevice fail.
type Fault struct {
	// FailCreateAfter lets this many CreateArena calls succeed, then fails
	// the rest. -1 to disable.
	FailCreateAfter int
	// FailCopyAfter lets this many Copy calls succeed, then fails the rest.
	// -1 to disable.
	FailCopyAfter int
	FailWaitIdle  bool
	FailDestroy   bool
	Err           error
}

// FaultyDevice wraps a Device and injects errors. Arenas are passed through
// unchanged, so the wrapped device still owns them.
type FaultyDevice struct {
	Device

	mu      sync.Mutex
	fault   Fault
	creates int
	copies  int
}

var _ Device = (*FaultyDevice)(nil)

// NewFaultyDevice wraps dev with all faults disabled.
func NewFaultyDevice(dev Device) *FaultyDevice {
	return &FaultyDevice{
		Device: dev,
		fault:  Fault{FailCreateAfter: -1, FailCopyAfter: -1},
	}
}

// SetFault replaces the active fault and resets the call counters.
func (f *FaultyDevice) SetFault(fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fault = fault
	f.creates, f.copies = 0, 0
}

func (f *FaultyDevice) err() error {
	if f.fault.Err != nil {
		return f.fault.Err
	}
	return ErrInjected
}

// CreateArena implements Device.
func (f *FaultyDevice) CreateArena(ctx context.Context, size uint64, residency Residency) (Arena, error) {
	f.mu.Lock()
	fail := f.fault.FailCreateAfter >= 0 && f.creates >= f.fault.FailCreateAfter
	f.creates++
	f.mu.Unlock()
	if fail {
		return nil, f.err()
	}
	return f.Device.CreateArena(ctx, size, residency)
}

// DestroyArena implements Device. A failing destroy still releases the arena.
func (f *FaultyDevice) DestroyArena(a Arena) error {
	f.mu.Lock()
	fail := f.fault.FailDestroy
	f.mu.Unlock()
	if err := f.Device.DestroyArena(a); err != nil {
		return err
	}
	if fail {
		return f.err()
	}
	return nil
}

// Copy implements Device.
func (f *FaultyDevice) Copy(ctx context.Context, dst Arena, dstOffset uint64, src Arena, srcOffset, size uint64) error {
	f.mu.Lock()
	fail := f.fault.FailCopyAfter >= 0 && f.copies >= f.fault.FailCopyAfter
	f.copies++
	f.mu.Unlock()
	if fail {
		return f.err()
	}
	return f.Device.Copy(ctx, dst, dstOffset, src, srcOffset, size)
}

// WaitIdle implements Device.
func (f *FaultyDevice) WaitIdle(ctx context.Context) error {
	f.mu.Lock()
	fail := f.fault.FailWaitIdle
	f.mu.Unlock()
	if fail {
		return f.err()
	}
	return f.Device.WaitIdle(ctx)
}
