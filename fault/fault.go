// Package fault is the process-wide entry point for host memory-protection
// faults raised by guest code. It resolves the guest address and thread,
// decodes the faulting instruction and routes it to the co-processor
// register windows or the reservation manager.
package fault

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/guestfault/arena"
	"github.com/colorfulnotion/guestfault/emuerrors"
	"github.com/colorfulnotion/guestfault/hostctx"
	"github.com/colorfulnotion/guestfault/log"
	"github.com/colorfulnotion/guestfault/mmio"
	"github.com/colorfulnotion/guestfault/reservation"
	"github.com/colorfulnotion/guestfault/x64"
)

// Result tells the process trap whether execution may resume.
type Result int

const (
	NotOurs Result = iota
	Handled
)

func (r Result) String() string {
	if r == Handled {
		return "handled"
	}
	return "not ours"
}

// Fatal describes a fault that must not resume.
type Fatal struct {
	Report log.FaultReport
	Err    error
}

type Config struct {
	// OnFatal runs after a fatal fault is logged. The default logs at
	// critical level, which exits the process.
	OnFatal func(Fatal)
}

func DefaultConfig() Config {
	return Config{OnFatal: crit}
}

func crit(f Fatal) {
	log.Crit(log.FaultMonitoring, "fatal guest fault", "kind", f.Report.Kind, "guest", fmt.Sprintf("%#x", f.Report.GuestAddr), "err", f.Err)
}

// Stats counts fault outcomes.
type Stats struct {
	Faults      uint64
	MMIO        uint64
	Reservation uint64
	NotOurs     uint64
	Fatal       uint64
}

type counters struct {
	faults, mmio, reservation, notOurs, fatal atomic.Uint64
}

// Interceptor services faults for one guest arena.
type Interceptor struct {
	arena   *arena.Arena
	resv    *reservation.Manager
	mmio    *mmio.Dispatcher
	threads *Registry
	onFatal func(Fatal)

	active sync.Map // hostctx.ThreadHandle currently inside HandleGuestFault
	stats  counters
}

// NewInterceptor wires the collaborators. d may be nil when the guest has no
// co-processor windows.
func NewInterceptor(resv *reservation.Manager, d *mmio.Dispatcher, threads *Registry, cfg Config) (*Interceptor, error) {
	if resv == nil || threads == nil {
		return nil, errors.New("fault: reservation manager and thread registry are required")
	}
	if cfg.OnFatal == nil {
		cfg.OnFatal = crit
	}
	return &Interceptor{
		arena:   resv.Arena(),
		resv:    resv,
		mmio:    d,
		threads: threads,
		onFatal: cfg.OnFatal,
	}, nil
}

func (i *Interceptor) Arena() *arena.Arena                { return i.arena }
func (i *Interceptor) Reservations() *reservation.Manager { return i.resv }
func (i *Interceptor) Threads() *Registry                 { return i.threads }

func (i *Interceptor) Stats() Stats {
	return Stats{
		Faults:      i.stats.faults.Load(),
		MMIO:        i.stats.mmio.Load(),
		Reservation: i.stats.reservation.Load(),
		NotOurs:     i.stats.notOurs.Load(),
		Fatal:       i.stats.fatal.Load(),
	}
}

// HandleGuestFault services a protection fault at hostAddr raised by the
// thread whose registers are ctx. Handled means ctx was updated and the
// instruction completed; NotOurs sends the fault to default handling.
// Fatal faults are never Handled.
func (i *Interceptor) HandleGuestFault(hostAddr uintptr, isWrite bool, ctx hostctx.Context) Result {
	i.stats.faults.Add(1)
	guest, ok := i.arena.GuestAddr(hostAddr)
	if !ok {
		i.stats.notOurs.Add(1)
		log.Trace(log.FaultMonitoring, "fault outside arena", "host", fmt.Sprintf("%#x", hostAddr))
		return NotOurs
	}

	f := faultInfo{hostAddr: hostAddr, guest: guest, isWrite: isWrite, ctx: ctx}
	h := ctx.HostThread()
	if _, nested := i.active.LoadOrStore(h, struct{}{}); nested {
		return i.fatal(f, "nested", fmt.Errorf("%w: host thread %d", emuerrors.ErrNestedFault, h))
	}
	defer i.active.Delete(h)

	th, ok := i.threads.Lookup(h)
	if !ok {
		i.stats.notOurs.Add(1)
		log.Error(log.FaultMonitoring, "guest fault on unbound host thread", "thread", h, "guest", fmt.Sprintf("%#x", guest))
		return NotOurs
	}
	f.thread = th

	op := x64.Decode(ctx.InstructionBytes())
	f.op = op
	if isWrite != op.Writes() && op.Supported() {
		log.Debug(log.FaultMonitoring, "fault direction differs from decode", "op", op, "write", isWrite)
	}

	if i.mmio != nil && i.mmio.Contains(guest) {
		if !op.Supported() {
			return i.fatal(f, "mmio", emuerrors.ErrDecodeUnsupported)
		}
		if err := i.mmio.Handle(guest, op, ctx); err != nil {
			return i.fatal(f, "mmio", err)
		}
		i.stats.mmio.Add(1)
		return Handled
	}

	handled, err := i.resv.Handle(th.ReservationID(), guest, op, ctx)
	if err != nil {
		return i.fatal(f, "reservation", err)
	}
	if !handled {
		i.stats.notOurs.Add(1)
		log.Debug(log.FaultMonitoring, "fault on unmanaged page", "guest", fmt.Sprintf("%#x", guest), "thread", th)
		return NotOurs
	}
	i.stats.reservation.Add(1)
	log.Trace(log.FaultMonitoring, "fault handled", "guest", fmt.Sprintf("%#x", guest), "op", op, "thread", th)
	return Handled
}

type faultInfo struct {
	hostAddr uintptr
	guest    uint32
	isWrite  bool
	ctx      hostctx.Context
	thread   *GuestThread
	op       x64.Op
}

func (i *Interceptor) fatal(f faultInfo, kind string, err error) Result {
	i.stats.fatal.Add(1)
	code := f.ctx.InstructionBytes()
	r := log.NewFaultReport(kind, code, err)
	r.HostAddr = uint64(f.hostAddr)
	r.GuestAddr = f.guest
	r.IsWrite = f.isWrite
	r.Disasm = disassemble(code, f.ctx.RIP())
	if f.thread != nil {
		r.Thread = f.thread.ID
	}
	log.Error(log.FaultMonitoring, "fatal guest fault", "kind", kind, "code", r.Code, "disasm", r.Disasm, "op", f.op, "errcode", emuerrors.GetErrorCodeWithName(err), "err", err)
	log.Report(log.FaultMonitoring, r)
	i.onFatal(Fatal{Report: r, Err: err})
	return NotOurs
}

var installed atomic.Pointer[Interceptor]

var ErrAlreadyInstalled = errors.New("fault: an interceptor is already installed")

// Install makes i the process-wide interceptor used by HandleGuestFault.
func Install(i *Interceptor) error {
	if !installed.CompareAndSwap(nil, i) {
		return ErrAlreadyInstalled
	}
	log.Info(log.FaultMonitoring, "fault interceptor installed", "arena", fmt.Sprintf("%#x", i.arena.Base()), "size", i.arena.Size())
	return nil
}

// Uninstall removes the process-wide interceptor.
func Uninstall() {
	if installed.Swap(nil) != nil {
		log.Info(log.FaultMonitoring, "fault interceptor uninstalled")
	}
}

func Installed() *Interceptor { return installed.Load() }

// HandleGuestFault is the process trap entry point. Without an installed
// interceptor every fault is NotOurs.
func HandleGuestFault(hostAddr uintptr, isWrite bool, ctx hostctx.Context) Result {
	i := installed.Load()
	if i == nil {
		return NotOurs
	}
	return i.HandleGuestFault(hostAddr, isWrite, ctx)
}
