//go:build linux

package arena

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapViews backs the arena with a memfd and maps it twice, MAP_SHARED, so
// both views see the same physical pages.
func (a *Arena) mapViews() error {
	fd, err := unix.MemfdCreate("guestfault-arena", unix.MFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("arena: memfd_create: %w", err)
	}
	defer unix.Close(fd)
	if err := unix.Ftruncate(fd, int64(a.cfg.Size)); err != nil {
		return fmt.Errorf("arena: ftruncate %#x: %w", a.cfg.Size, err)
	}
	rw := unix.PROT_READ | unix.PROT_WRITE
	protected, err := unix.Mmap(fd, 0, int(a.cfg.Size), rw, unix.MAP_SHARED|unix.MAP_NORESERVE)
	if err != nil {
		return fmt.Errorf("arena: mmap protected view: %w", err)
	}
	privileged, err := unix.Mmap(fd, 0, int(a.cfg.Size), rw, unix.MAP_SHARED|unix.MAP_NORESERVE)
	if err != nil {
		unix.Munmap(protected)
		return fmt.Errorf("arena: mmap privileged view: %w", err)
	}
	a.protected, a.privileged = protected, privileged
	a.enforced = true
	a.unmap = func() error {
		err1 := unix.Munmap(protected)
		err2 := unix.Munmap(privileged)
		if err1 != nil {
			return err1
		}
		return err2
	}
	return nil
}

func (a *Arena) protect(b []byte, p Prot) error {
	var prot int
	switch p {
	case ProtNone:
		prot = unix.PROT_NONE
	case ProtRead:
		prot = unix.PROT_READ
	case ProtReadWrite:
		prot = unix.PROT_READ | unix.PROT_WRITE
	default:
		return fmt.Errorf("arena: bad protection %v", p)
	}
	if err := unix.Mprotect(b, prot); err != nil {
		return fmt.Errorf("arena: mprotect: %w", err)
	}
	return nil
}
