package main

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/colorfulnotion/guestfault/arena"
	"github.com/colorfulnotion/guestfault/emuerrors"
	"github.com/colorfulnotion/guestfault/fault"
	"github.com/colorfulnotion/guestfault/hostctx"
	"github.com/colorfulnotion/guestfault/kernel"
	"github.com/colorfulnotion/guestfault/lwsync"
	"github.com/colorfulnotion/guestfault/reservation"
	"github.com/colorfulnotion/guestfault/x64"
	"golang.org/x/exp/rand"
)

// Guest layout used by every scenario.
const (
	mutexAddr   = 0x1000
	condAddr    = 0x1100
	counterAddr = 0x2000
	insideAddr  = 0x2004
	queueAddr   = 0x2008
	casAddr     = 0x3000
)

type config struct {
	Threads    int
	Iterations int
	Protocol   kernel.Protocol
	Seed       uint64
	Timeout    time.Duration
}

type result struct {
	Name       string
	Ops        uint64
	Violations uint64
	Elapsed    time.Duration
	Stats      *fault.Stats
}

func (r result) String() string {
	s := fmt.Sprintf("%-8s ops=%d violations=%d elapsed=%v", r.Name, r.Ops, r.Violations, r.Elapsed.Round(time.Millisecond))
	if r.Stats != nil {
		s += fmt.Sprintf(" faults=%d reservation=%d not_ours=%d fatal=%d",
			r.Stats.Faults, r.Stats.Reservation, r.Stats.NotOurs, r.Stats.Fatal)
	}
	return s
}

type env struct {
	a   *arena.Arena
	rm  *reservation.Manager
	mem *reservation.Memory
	k   *kernel.Kernel
	s   *lwsync.Sync
}

func newEnv() (*env, error) {
	a, err := arena.New(arena.Config{Size: 1 << 20})
	if err != nil {
		return nil, err
	}
	rm := reservation.NewManager(a)
	mem := rm.Memory()
	k := kernel.New(kernel.DefaultConfig())
	return &env{a: a, rm: rm, mem: mem, k: k, s: lwsync.New(mem, k, lwsync.DefaultConfig())}, nil
}

func (e *env) close() { e.a.Close() }

func thread(i int) kernel.Thread {
	return kernel.Thread{ID: uint32(0x100 + i), Priority: i % 4}
}

// run starts one worker per thread and collects the first error.
func run(n int, worker func(i int) error) error {
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := worker(i); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// runMutex has every thread increment a guest counter under the mutex and
// checks that no two threads are ever inside at once.
func runMutex(cfg config) (result, error) {
	e, err := newEnv()
	if err != nil {
		return result{}, err
	}
	defer e.close()
	m, err := e.s.CreateMutex(mutexAddr, lwsync.MutexAttr{Protocol: cfg.Protocol, Recursive: lwsync.NotRecursive})
	if err != nil {
		return result{}, err
	}

	var violations uint64
	var vmu sync.Mutex
	start := time.Now()
	err = run(cfg.Threads, func(i int) error {
		th := thread(i)
		r := rand.New(rand.NewSource(cfg.Seed + uint64(i)))
		for n := 0; n < cfg.Iterations; n++ {
			if err := m.Lock(th, cfg.Timeout); err != nil {
				return fmt.Errorf("thread %#x lock: %w", th.ID, err)
			}
			if old, _ := e.mem.Swap32(insideAddr, th.ID); old != 0 {
				vmu.Lock()
				violations++
				vmu.Unlock()
			}
			v, err := e.mem.Load32(counterAddr)
			if err != nil {
				return err
			}
			for spin := r.Intn(8); spin > 0; spin-- {
				arena.CPURelax()
			}
			if err := e.mem.Store32(counterAddr, v+1); err != nil {
				return err
			}
			e.mem.Store32(insideAddr, 0)
			if err := m.Unlock(th); err != nil {
				return fmt.Errorf("thread %#x unlock: %w", th.ID, err)
			}
		}
		return nil
	})
	res := result{Name: "mutex", Violations: violations, Elapsed: time.Since(start)}
	if err != nil {
		return res, err
	}
	v, err := e.mem.Load32(counterAddr)
	res.Ops = uint64(v)
	if want := uint64(cfg.Threads * cfg.Iterations); res.Ops != want {
		res.Violations += want - res.Ops
	}
	return res, err
}

// runCond is a producer/consumer exchange through a guest word: half the
// threads produce items and signal, the other half wait for them.
func runCond(cfg config) (result, error) {
	e, err := newEnv()
	if err != nil {
		return result{}, err
	}
	defer e.close()
	m, err := e.s.CreateMutex(mutexAddr, lwsync.MutexAttr{Protocol: cfg.Protocol, Recursive: lwsync.Recursive})
	if err != nil {
		return result{}, err
	}
	c, err := e.s.CreateCond(condAddr, mutexAddr, [8]byte{'q', 'u', 'e', 'u', 'e'})
	if err != nil {
		return result{}, err
	}

	producers := cfg.Threads / 2
	if producers == 0 {
		producers = 1
	}
	consumers := cfg.Threads - producers
	if consumers == 0 {
		consumers = 1
	}
	total := producers * cfg.Iterations
	var consumed uint64
	var cmu sync.Mutex

	start := time.Now()
	err = run(producers+consumers, func(i int) error {
		th := thread(i)
		if i < producers {
			for n := 0; n < cfg.Iterations; n++ {
				if err := m.Lock(th, 0); err != nil {
					return err
				}
				q, _ := e.mem.Load32(queueAddr)
				e.mem.Store32(queueAddr, q+1)
				if err := c.Signal(th); err != nil {
					m.Unlock(th)
					return fmt.Errorf("producer %#x signal: %w", th.ID, err)
				}
				if err := m.Unlock(th); err != nil {
					return err
				}
			}
			return nil
		}
		for {
			if err := m.Lock(th, 0); err != nil {
				return err
			}
			for {
				cmu.Lock()
				done := consumed >= uint64(total)
				cmu.Unlock()
				q, _ := e.mem.Load32(queueAddr)
				if q > 0 {
					e.mem.Store32(queueAddr, q-1)
					cmu.Lock()
					consumed++
					cmu.Unlock()
					break
				}
				if done {
					return m.Unlock(th)
				}
				// a short timeout lets idle consumers notice the end
				err := c.Wait(th, 10*time.Millisecond)
				if err != nil && !errors.Is(err, emuerrors.ErrSyncTimeout) {
					m.Unlock(th)
					return fmt.Errorf("consumer %#x wait: %w", th.ID, err)
				}
			}
			if err := m.Unlock(th); err != nil {
				return err
			}
		}
	})
	res := result{Name: "cond", Ops: consumed, Elapsed: time.Since(start)}
	if err != nil {
		return res, err
	}
	q, err := e.mem.Load32(queueAddr)
	if consumed != uint64(total) || q != 0 {
		res.Violations = uint64(total) - consumed + uint64(q)
	}
	return res, err
}

// runFaults drives the fault interceptor: one thread keeps a reservation on
// a guest word with load-reserve / store-conditional increments while the
// others increment the same word with faulting LOCK CMPXCHG instructions.
func runFaults(cfg config) (result, error) {
	e, err := newEnv()
	if err != nil {
		return result{}, err
	}
	defer e.close()
	threads := fault.NewRegistry()
	ic, err := fault.NewInterceptor(e.rm, nil, threads, fault.Config{
		OnFatal: func(f fault.Fatal) { panic(f.Err) },
	})
	if err != nil {
		return result{}, err
	}
	cmpxchg := []byte{0xF0, 0x0F, 0xB1, 0x0B} // lock cmpxchg [rbx], ecx

	// place the word's page under management before anyone faults on it
	if _, err := e.rm.Reserve(reservation.NoThread-1, casAddr, 4); err != nil {
		return result{}, err
	}
	if err := e.rm.Release(reservation.NoThread - 1); err != nil {
		return result{}, err
	}

	var successes, scSuccesses uint64
	var smu sync.Mutex
	start := time.Now()
	err = run(cfg.Threads, func(i int) error {
		gt := &fault.GuestThread{ID: thread(i).ID}
		h := hostctx.ThreadHandle(1000 + i)
		if err := threads.Bind(h, gt); err != nil {
			return err
		}
		defer threads.Unbind(h)

		if i == 0 {
			// the reserving thread
			for n := 0; n < cfg.Iterations; n++ {
				b, err := e.rm.Reserve(gt.ReservationID(), casAddr, 4)
				if err != nil {
					return err
				}
				next := []byte{b[0], b[1], b[2], b[3]}
				incrementLE(next)
				ok, err := e.rm.StoreConditional(gt.ReservationID(), casAddr, next)
				if err != nil {
					return err
				}
				if ok {
					smu.Lock()
					scSuccesses++
					smu.Unlock()
				}
			}
			return e.rm.Release(gt.ReservationID())
		}
		for n := 0; n < cfg.Iterations; {
			cur, err := e.a.Load(casAddr, 4)
			if err != nil {
				return err
			}
			ctx := &hostctx.RegFile{Rip: 0x7000, Text: cmpxchg, Thread: h}
			ctx.Regs[x64.RAX] = cur
			ctx.Regs[x64.RCX] = uint64(uint32(cur) + 1)
			if ic.HandleGuestFault(e.a.HostAddr(casAddr), true, ctx) != fault.Handled {
				return fmt.Errorf("thread %#x: fault on managed page not handled", gt.ID)
			}
			if ctx.Rflags&hostctx.FlagZF == 0 {
				continue
			}
			smu.Lock()
			successes++
			smu.Unlock()
			n++
		}
		return nil
	})
	stats := ic.Stats()
	res := result{Name: "faults", Ops: successes + scSuccesses, Elapsed: time.Since(start), Stats: &stats}
	if err != nil {
		return res, err
	}
	v, err := e.a.Load(casAddr, 4)
	if v != res.Ops {
		res.Violations = 1
	}
	return res, err
}

func incrementLE(b []byte) {
	for i := range b {
		b[i]++
		if b[i] != 0 {
			return
		}
	}
}
