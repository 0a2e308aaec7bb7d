//go:build unix

// Package exec hosts compiled code in executable memory and calls it.
package exec

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

var ErrReleased = errors.New("exec: function already released")

// Func is a compiled buffer mapped read+execute. The code is entered with
// the frame pointer in RAX, which is how the Go register ABI passes the
// first pointer argument on amd64.
type Func struct {
	mem  []byte
	size int
	call func(frame unsafe.Pointer)
}

func pageAlign(n int) int {
	page := unix.Getpagesize()
	return (n + page - 1) &^ (page - 1)
}

// Load maps a writable buffer, copies code into it and seals it as
// read+execute.
func Load(code []byte) (*Func, error) {
	if len(code) == 0 { return nil, errors.New("exec: empty code buffer") }
	n := pageAlign(len(code))
	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil { return nil, fmt.Errorf("exec: mmap %d bytes: %w", n, err) }
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("exec: mprotect: %w", err)
	}
	f := &Func{mem: mem, size: len(code)}
	// a func value points at a word holding the entry address
	entry := unsafe.Pointer(&struct{ *byte }{&mem[0]})
	f.call = *(*func(unsafe.Pointer))(unsafe.Pointer(&entry))
	return f, nil
}

// Call runs the code on frame, which must be at least the program's
// FrameSize bytes.
func (f *Func) Call(frame []byte) error {
	if f.mem == nil { return ErrReleased }
	if runtime.GOARCH != "amd64" { return fmt.Errorf("exec: cannot run amd64 code on %s", runtime.GOARCH) }
	if len(frame) == 0 { return errors.New("exec: empty frame") }
	f.call(unsafe.Pointer(&frame[0]))
	runtime.KeepAlive(frame)
	return nil
}

// Size is the number of code bytes loaded, without page padding.
func (f *Func) Size() int { return f.size }

// Release unmaps the code. Calling a released Func fails with ErrReleased.
func (f *Func) Release() error {
	if f.mem == nil { return ErrReleased }
	err := unix.Munmap(f.mem)
	f.mem, f.call = nil, nil
	return err
}
