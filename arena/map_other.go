//go:build !linux

package arena

import "fmt"

// mapViews falls back to one heap buffer seen through both views. Protect
// only validates its arguments, so nothing ever faults; the reservation and
// MMIO logic can still be driven directly.
func (a *Arena) mapViews() error {
	buf := make([]byte, a.cfg.Size)
	a.protected, a.privileged = buf, buf
	a.unmap = func() error { return nil }
	return nil
}

func (a *Arena) protect(_ []byte, p Prot) error {
	if p < ProtNone || p > ProtReadWrite {
		return fmt.Errorf("arena: bad protection %v", p)
	}
	return nil
}
