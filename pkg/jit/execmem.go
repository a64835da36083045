//go:build linux && amd64

package jit

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ExecutableMemory is a single RWX mapping carved into code pages. All pages
// come from the one mapping, so a rel32 branch reaches any of them.
type ExecutableMemory struct {
	buffer []byte
	used   int
	mu     sync.Mutex
}

// NewExecutableMemory allocates executable memory via mmap
func NewExecutableMemory(size int) (*ExecutableMemory, error) {
	if size <= 0 {
		size = DefaultCodeSize
	}
	if size > 1<<31 {
		return nil, fmt.Errorf("executable memory of %d bytes is out of rel32 reach", size)
	}

	buffer, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap executable memory: %w", err)
	}

	return &ExecutableMemory{buffer: buffer}, nil
}

// Allocate hands out the next size bytes, 16-byte aligned.
func (em *ExecutableMemory) Allocate(size int) (uintptr, []byte, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	start := (em.used + 15) &^ 15
	if em.buffer == nil || start+size > len(em.buffer) {
		return 0, nil, fmt.Errorf("out of executable memory: need %d, have %d", size, len(em.buffer)-start)
	}

	slice := em.buffer[start : start+size : start+size]
	addr := uintptr(start) + em.BaseAddress()
	em.used = start + size

	return addr, slice, nil
}

// BaseAddress returns the base address of the executable memory region
func (em *ExecutableMemory) BaseAddress() uintptr {
	if len(em.buffer) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&em.buffer[0]))
}

// Free releases the executable memory
func (em *ExecutableMemory) Free() error {
	em.mu.Lock()
	defer em.mu.Unlock()

	if em.buffer == nil {
		return nil
	}

	err := unix.Munmap(em.buffer)
	em.buffer = nil
	em.used = 0
	return err
}

// Used returns the amount of memory currently in use
func (em *ExecutableMemory) Used() int {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.used
}

// Capacity returns the total capacity
func (em *ExecutableMemory) Capacity() int {
	return len(em.buffer)
}

// Contains reports whether addr lies inside the mapping.
func (em *ExecutableMemory) Contains(addr uintptr) bool {
	start := em.BaseAddress()
	return start != 0 && addr >= start && addr < start+uintptr(len(em.buffer))
}

// mapData maps size bytes of zeroed read-write memory.
func mapData(size int) ([]byte, error) {
	page := unix.Getpagesize()
	size = (size + page - 1) &^ (page - 1)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %d bytes: %w", size, err)
	}
	return mem, nil
}

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func unmapData(b []byte) error {
	return unix.Munmap(b)
}
