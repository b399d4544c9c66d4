// Package kernel is an in-process implementation of the kernel objects that
// back lightweight mutexes and conditions: sleep queues, signal counters and
// timed waits. Statuses are the emuerrors sync errors; nil is success.
package kernel

import (
	"fmt"
	"sync"

	"github.com/colorfulnotion/guestfault/emuerrors"
	"github.com/colorfulnotion/guestfault/log"
)

// Protocol is the queueing discipline of a sleep queue.
type Protocol uint32

const (
	FIFO     Protocol = 1
	Priority Protocol = 2
	Retry    Protocol = 4
)

func (p Protocol) Valid() bool {
	return p == FIFO || p == Priority || p == Retry
}

func (p Protocol) String() string {
	switch p {
	case FIFO:
		return "fifo"
	case Priority:
		return "priority"
	case Retry:
		return "retry"
	}
	return fmt.Sprintf("protocol(%d)", uint32(p))
}

// AnyThread selects the next waiter by protocol in Signal.
const AnyThread = ^uint32(0)

// Thread identifies a guest thread to the kernel. Lower Priority values are
// served first under the Priority protocol.
type Thread struct {
	ID       uint32
	Priority int
}

const (
	mutexIDBase = 0x95000000
	condIDBase  = 0x97000000
)

type Config struct {
	MaxObjects int // per object kind
}

func DefaultConfig() Config {
	return Config{MaxObjects: 8192}
}

// Kernel owns all lightweight kernel objects. One mutex serialises every
// object; waits happen outside it.
type Kernel struct {
	cfg Config

	mu      sync.Mutex
	nextID  [2]uint32
	mutexes map[uint32]*lwMutex
	conds   map[uint32]*lwCond
}

func New(cfg Config) *Kernel {
	if cfg.MaxObjects <= 0 {
		cfg.MaxObjects = DefaultConfig().MaxObjects
	}
	return &Kernel{
		cfg:     cfg,
		nextID:  [2]uint32{mutexIDBase, condIDBase},
		mutexes: make(map[uint32]*lwMutex),
		conds:   make(map[uint32]*lwCond),
	}
}

func (k *Kernel) allocID(kind int, live int) (uint32, error) {
	if live >= k.cfg.MaxObjects {
		return 0, emuerrors.ErrSyncNoMemory
	}
	k.nextID[kind]++
	return k.nextID[kind], nil
}

func (k *Kernel) mutex(id uint32) (*lwMutex, error) {
	m, ok := k.mutexes[id]
	if !ok {
		return nil, fmt.Errorf("%w: lwmutex %#x", emuerrors.ErrSyncDestroyed, id)
	}
	return m, nil
}

func (k *Kernel) cond(id uint32) (*lwCond, error) {
	c, ok := k.conds[id]
	if !ok {
		return nil, fmt.Errorf("%w: lwcond %#x", emuerrors.ErrSyncDestroyed, id)
	}
	return c, nil
}

// Objects returns the number of live mutex and condition objects.
func (k *Kernel) Objects() (mutexes, conds int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.mutexes), len(k.conds)
}

func trace(msg string, args ...interface{}) {
	log.Trace(log.KernelMonitoring, msg, args...)
}
