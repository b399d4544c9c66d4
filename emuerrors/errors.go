package emuerrors

import (
	"errors"
	"strings"
)

// Fault path (F) Errors. None of these are recoverable: the fault is never
// reported as handled.
var (
	ErrNotOurFault                 = errors.New("F1|NotOurFault: Fault address is outside the guest arena or no guest thread is bound.")
	ErrDecodeUnsupported           = errors.New("F2|DecodeUnsupported: Faulting host instruction is not a supported load/store/atomic form.")
	ErrMmioShapeUnsupported        = errors.New("F3|MmioShapeUnsupported: Co-processor register access is not a 4-byte load or store.")
	ErrReservationShapeUnsupported = errors.New("F4|ReservationShapeUnsupported: Access width or form cannot be emulated on the privileged view.")
	ErrReversedDirection           = errors.New("F5|ReversedDirection: String instruction executed with the direction flag set.")
	ErrNestedFault                 = errors.New("F6|NestedFault: Fault raised while the same host thread was handling a fault.")
	ErrMmioRegister                = errors.New("F7|MmioRegister: Co-processor rejected the register access.")
	ErrHostPointer                 = errors.New("F8|HostPointer: String instruction pointer register is outside the guest arena.")
	ErrOperandUnsupported          = errors.New("F9|OperandUnsupported: Operand class cannot be accessed at the decoded width.")
)

// Lightweight sync (S) Errors. Returned to guest callers.
var (
	ErrSyncInvalid           = errors.New("S1|Invalid: Operation on a destroyed primitive or invalid attribute.")
	ErrSyncDeadlock          = errors.New("S2|Deadlock: Non-recursive mutex locked again by its owner.")
	ErrSyncResourceExhausted = errors.New("S3|ResourceExhausted: Recursion counter saturated.")
	ErrSyncTimeout           = errors.New("S4|Timeout: Wait timed out.")
	ErrSyncPermission        = errors.New("S5|Permission: Caller does not own the mutex.")
	ErrSyncBusy              = errors.New("S6|Busy: Mutex is owned by another thread.")
	ErrSyncDestroyed         = errors.New("S7|Destroyed: Kernel object was destroyed while waiting.")
	ErrSyncNotFound          = errors.New("S8|NotFound: No waiter matched the request.")
	ErrSyncNoMemory          = errors.New("S9|NoMemory: Kernel object table exhausted.")
)

// Guest status words returned to the guest kernel-emulation layer.
const (
	CellOK         uint32 = 0
	CellEINVAL     uint32 = 0x80010002
	CellENOMEM     uint32 = 0x80010004
	CellESRCH      uint32 = 0x80010005
	CellENOENT     uint32 = 0x80010006
	CellEDEADLK    uint32 = 0x80010008
	CellEPERM      uint32 = 0x80010009
	CellEBUSY      uint32 = 0x8001000A
	CellETIMEDOUT  uint32 = 0x8001000B
	CellEKRESOURCE uint32 = 0x80010011
)

var guestCodes = []struct {
	err  error
	code uint32
}{
	{ErrSyncInvalid, CellEINVAL},
	{ErrSyncDeadlock, CellEDEADLK},
	{ErrSyncResourceExhausted, CellEKRESOURCE},
	{ErrSyncTimeout, CellETIMEDOUT},
	{ErrSyncPermission, CellEPERM},
	{ErrSyncBusy, CellEBUSY},
	{ErrSyncDestroyed, CellESRCH},
	{ErrSyncNotFound, CellENOENT},
	{ErrSyncNoMemory, CellENOMEM},
}

// GuestCode maps a sync error to the status word a guest caller expects.
// Unknown errors map to EINVAL.
func GuestCode(err error) uint32 {
	if err == nil {
		return CellOK
	}
	for _, gc := range guestCodes {
		if errors.Is(err, gc.err) {
			return gc.code
		}
	}
	return CellEINVAL
}

var fatalErrors = []error{ErrNotOurFault, ErrDecodeUnsupported, ErrMmioShapeUnsupported,
	ErrReservationShapeUnsupported, ErrReversedDirection, ErrNestedFault, ErrMmioRegister,
	ErrHostPointer, ErrOperandUnsupported}

// IsFatal reports whether err belongs to the fault-path class.
func IsFatal(err error) bool {
	for _, e := range fatalErrors {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

func sentinel(err error) error {
	for _, e := range fatalErrors {
		if errors.Is(err, e) {
			return e
		}
	}
	for _, gc := range guestCodes {
		if errors.Is(err, gc.err) {
			return gc.err
		}
	}
	return err
}

// GetErrorName returns the name part of the taxonomy error err wraps, or the
// full message for errors outside the taxonomy.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	msg := sentinel(err).Error()
	_, rest, ok := strings.Cut(msg, "|")
	if !ok {
		return msg
	}
	name, _, ok := strings.Cut(rest, ":")
	if !ok {
		return msg
	}
	return strings.TrimSpace(name)
}

// GetErrorCode returns the short code ("F3", "S6") of the taxonomy error err
// wraps, or "".
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	code, _, ok := strings.Cut(sentinel(err).Error(), "|")
	if !ok {
		return ""
	}
	return strings.TrimSpace(code)
}

// GetErrorCodeWithName returns "Code_Name", e.g. "F5_ReversedDirection".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	if code == "" {
		return ""
	}
	return code + "_" + GetErrorName(err)
}
