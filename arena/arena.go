// Package arena owns the guest address space: one block of memory seen
// through two mappings. The protected view is what guest code runs against
// and carries page protections; the privileged view aliases the same pages
// and is never protected, so the fault handler can complete accesses on it
// without faulting again.
package arena

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/colorfulnotion/guestfault/log"
)

const (
	// GuestSpace is the size of the 32-bit guest address space.
	GuestSpace = uint64(1) << 32
	// DefaultPageSize is the guest page size used for protection and block splits.
	DefaultPageSize = uint64(0x1000)
)

// Prot is the access allowed through the protected view.
type Prot int

const (
	ProtNone Prot = iota
	ProtRead
	ProtReadWrite
)

func (p Prot) String() string {
	switch p {
	case ProtNone:
		return "none"
	case ProtRead:
		return "r"
	case ProtReadWrite:
		return "rw"
	}
	return fmt.Sprintf("prot(%d)", int(p))
}

// Config sizes the arena.
type Config struct {
	Size     uint64 // bytes of guest memory, at most GuestSpace
	PageSize uint64 // host page multiple used for protection
}

// DefaultConfig maps the whole 32-bit guest space.
func DefaultConfig() Config {
	return Config{Size: GuestSpace, PageSize: DefaultPageSize}
}

func (c *Config) validate() error {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("arena: page size %#x is not a power of two", c.PageSize)
	}
	if c.Size == 0 || c.Size > GuestSpace {
		return fmt.Errorf("arena: size %#x outside (0, %#x]", c.Size, GuestSpace)
	}
	if !IsAligned(c.Size, c.PageSize) {
		return fmt.Errorf("arena: size %#x is not a multiple of page size %#x", c.Size, c.PageSize)
	}
	return nil
}

// Arena is the dual-mapped guest memory.
type Arena struct {
	cfg        Config
	protected  []byte
	privileged []byte
	enforced   bool // protections are backed by the host MMU
	unmap      func() error

	split sync.Mutex // misaligned locked operations crossing an 8-byte word
}

// New maps a fresh zeroed arena.
func New(cfg Config) (*Arena, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	a := &Arena{cfg: cfg}
	if err := a.mapViews(); err != nil {
		return nil, err
	}
	log.Debug(log.ReservationMonitoring, "arena: mapped", "size", cfg.Size, "base", fmt.Sprintf("%#x", a.Base()),
		"priv", fmt.Sprintf("%#x", a.PrivilegedBase()), "enforced", a.enforced)
	return a, nil
}

func (a *Arena) Size() uint64     { return a.cfg.Size }
func (a *Arena) PageSize() uint64 { return a.cfg.PageSize }

// Enforced reports whether Protect changes real host page protections.
func (a *Arena) Enforced() bool { return a.enforced }

// Protected is the guest-facing view.
func (a *Arena) Protected() []byte { return a.protected }

// Privileged is the never-protected alias of the same memory. Only the fault
// path and the reservation manager write through it.
func (a *Arena) Privileged() []byte { return a.privileged }

// Base is the host address of guest address 0 in the protected view.
func (a *Arena) Base() uintptr { return uintptr(unsafe.Pointer(unsafe.SliceData(a.protected))) }

// PrivilegedBase is the host address of guest address 0 in the privileged view.
func (a *Arena) PrivilegedBase() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(a.privileged)))
}

// GuestAddr translates a protected-view host address.
func (a *Arena) GuestAddr(host uintptr) (uint32, bool) {
	base := a.Base()
	if host < base || uint64(host-base) >= a.cfg.Size {
		return 0, false
	}
	return uint32(host - base), true
}

// HostAddr is the protected-view host address of a guest address.
func (a *Arena) HostAddr(addr uint32) uintptr {
	return a.Base() + uintptr(addr)
}

// Contains reports whether [addr, addr+n) lies inside the arena.
func (a *Arena) Contains(addr uint32, n uint64) bool {
	return uint64(addr)+n <= a.cfg.Size
}

// Protect sets the protected-view access for every page overlapping [addr, addr+n).
func (a *Arena) Protect(addr uint32, n uint64, p Prot) error {
	if n == 0 {
		return nil
	}
	start := AlignDown(uint64(addr), a.cfg.PageSize)
	end := AlignUp(uint64(addr)+n, a.cfg.PageSize)
	if end > a.cfg.Size {
		return fmt.Errorf("arena: protect [%#x, %#x) outside arena", start, end)
	}
	log.Trace(log.ReservationMonitoring, "arena: protect", "start", fmt.Sprintf("%#x", start), "end", fmt.Sprintf("%#x", end), "prot", p)
	return a.protect(a.protected[start:end], p)
}

// Close unmaps both views.
func (a *Arena) Close() error {
	if a.unmap == nil {
		return nil
	}
	err := a.unmap()
	a.unmap = nil
	a.protected, a.privileged = nil, nil
	return err
}
