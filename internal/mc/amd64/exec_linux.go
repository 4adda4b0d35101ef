//go:build linux && amd64

package amd64

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Func is a block of machine code mapped into executable memory.
type Func struct {
	entry uintptr
	mem   []byte
}

// Entry returns the address of the first byte of the mapped code.
func (fn Func) Entry() uintptr {
	return fn.entry
}

// Call jumps to the mapped code and returns the value it leaves in rax.
// The code must be position independent, end with a ret instruction and
// preserve callee-saved registers.
func (fn Func) Call() uintptr {
	if fn.entry == 0 {
		panic("amd64.Func: call on zero value")
	}
	entry := fn.entry
	p := unsafe.Pointer(&entry)
	return (*(*func() uintptr)(unsafe.Pointer(&p)))()
}

// Load copies code into an anonymous mapping and marks it executable. The
// returned release function unmaps the region; the Func must not be called
// after release.
func Load(code []byte) (Func, func(), error) {
	if len(code) == 0 {
		return Func{}, nil, fmt.Errorf("empty code")
	}

	pageSize := unix.Getpagesize()
	allocSize := ((len(code) + pageSize - 1) / pageSize) * pageSize

	mem, err := unix.Mmap(-1, 0, allocSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return Func{}, nil, fmt.Errorf("mmap code region: %w", err)
	}

	copy(mem, code)

	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return Func{}, nil, fmt.Errorf("mprotect code region: %w", err)
	}

	fn := Func{
		entry: uintptr(unsafe.Pointer(&mem[0])),
		mem:   mem,
	}

	return fn, func() {
		_ = unix.Munmap(mem)
	}, nil
}
