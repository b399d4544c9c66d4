package kernel

import (
	"testing"
	"time"

	"github.com/colorfulnotion/guestfault/emuerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func sleepers(t *testing.T, k *Kernel, id uint32, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return k.MutexSleepers(id) == n }, waitFor, time.Millisecond)
}

func condWaiters(t *testing.T, k *Kernel, id uint32, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return k.CondWaiters(id) == n }, waitFor, time.Millisecond)
}

func lockAsync(k *Kernel, id uint32, th Thread, timeout time.Duration) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- k.Lock(id, th, timeout) }()
	return ch
}

func recv(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(waitFor):
		t.Fatal("no wake")
	}
	return nil
}

func TestCreateValidation(t *testing.T) {
	k := New(Config{MaxObjects: 1})
	_, err := k.CreateMutex(3, 0, 0)
	assert.ErrorIs(t, err, emuerrors.ErrSyncInvalid)
	id, err := k.CreateMutex(FIFO, 0x100, 0)
	require.NoError(t, err)
	_, err = k.CreateMutex(FIFO, 0x200, 0)
	assert.ErrorIs(t, err, emuerrors.ErrSyncNoMemory)
	_, err = k.CreateCond(id+1, 0, 0)
	assert.ErrorIs(t, err, emuerrors.ErrSyncDestroyed)
	require.NoError(t, k.DestroyMutex(id))
	assert.ErrorIs(t, k.DestroyMutex(id), emuerrors.ErrSyncDestroyed)
}

func TestSignalCounter(t *testing.T) {
	k := New(DefaultConfig())
	id, err := k.CreateMutex(FIFO, 0, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, k.TryLock(id), emuerrors.ErrSyncBusy)
	require.NoError(t, k.Unlock(id))
	require.NoError(t, k.TryLock(id))
	require.NoError(t, k.Unlock(id))
	require.NoError(t, k.Lock(id, Thread{ID: 1}, 0))
	assert.ErrorIs(t, k.Lock(id, Thread{ID: 1}, 10*time.Millisecond), emuerrors.ErrSyncTimeout)
	assert.Zero(t, k.MutexSleepers(id))
}

func TestUnlockHandsOff(t *testing.T) {
	k := New(DefaultConfig())
	id, err := k.CreateMutex(FIFO, 0, 0)
	require.NoError(t, err)
	ch := lockAsync(k, id, Thread{ID: 1}, 0)
	sleepers(t, k, id, 1)
	require.NoError(t, k.Unlock(id))
	assert.NoError(t, recv(t, ch))
	// the wake went to the sleeper, nothing is left over
	assert.ErrorIs(t, k.TryLock(id), emuerrors.ErrSyncBusy)
}

func TestUnlock2WakesBusy(t *testing.T) {
	k := New(DefaultConfig())
	id, err := k.CreateMutex(Retry, 0, 0)
	require.NoError(t, err)
	ch := lockAsync(k, id, Thread{ID: 1}, 0)
	sleepers(t, k, id, 1)
	require.NoError(t, k.Unlock2(id))
	assert.ErrorIs(t, recv(t, ch), emuerrors.ErrSyncBusy)

	require.NoError(t, k.Unlock2(id))
	assert.ErrorIs(t, k.Lock(id, Thread{ID: 2}, 0), emuerrors.ErrSyncBusy)
}

func TestPriorityOrder(t *testing.T) {
	k := New(DefaultConfig())
	id, err := k.CreateMutex(Priority, 0, 0)
	require.NoError(t, err)
	low := lockAsync(k, id, Thread{ID: 1, Priority: 3000}, 0)
	sleepers(t, k, id, 1)
	high := lockAsync(k, id, Thread{ID: 2, Priority: 100}, 0)
	sleepers(t, k, id, 2)

	require.NoError(t, k.Unlock(id))
	assert.NoError(t, recv(t, high))
	select {
	case <-low:
		t.Fatal("low priority thread woke first")
	default:
	}
	require.NoError(t, k.Unlock(id))
	assert.NoError(t, recv(t, low))
}

func TestDestroyWakesSleepers(t *testing.T) {
	k := New(DefaultConfig())
	id, err := k.CreateMutex(FIFO, 0, 0)
	require.NoError(t, err)
	ch := lockAsync(k, id, Thread{ID: 1}, 0)
	sleepers(t, k, id, 1)
	require.NoError(t, k.DestroyMutex(id))
	assert.ErrorIs(t, recv(t, ch), emuerrors.ErrSyncDestroyed)
	assert.ErrorIs(t, k.Unlock(id), emuerrors.ErrSyncDestroyed)
}

func newPair(t *testing.T, p Protocol) (*Kernel, uint32, uint32) {
	t.Helper()
	k := New(DefaultConfig())
	mid, err := k.CreateMutex(p, 0, 0)
	require.NoError(t, err)
	cid, err := k.CreateCond(mid, 0, 0)
	require.NoError(t, err)
	return k, mid, cid
}

func waitAsync(k *Kernel, cid, mid uint32, th Thread, timeout time.Duration) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- k.QueueWait(cid, mid, th, timeout) }()
	return ch
}

func TestQueueWaitReleasesMutex(t *testing.T) {
	k, mid, cid := newPair(t, FIFO)
	ch := waitAsync(k, cid, mid, Thread{ID: 1}, 0)
	condWaiters(t, k, cid, 1)
	// the release posted a wake for the next locker
	require.NoError(t, k.TryLock(mid))

	assert.ErrorIs(t, k.DestroyCond(cid), emuerrors.ErrSyncBusy)
	assert.ErrorIs(t, k.DestroyMutex(mid), emuerrors.ErrSyncBusy)
	require.NoError(t, k.Signal(cid, mid, AnyThread, ModeNoMutex))
	assert.ErrorIs(t, recv(t, ch), emuerrors.ErrSyncBusy)
}

func TestSignalTransfer(t *testing.T) {
	k, mid, cid := newPair(t, FIFO)
	ch := waitAsync(k, cid, mid, Thread{ID: 1}, 250*time.Millisecond)
	condWaiters(t, k, cid, 1)
	require.NoError(t, k.TryLock(mid))

	require.NoError(t, k.Signal(cid, mid, AnyThread, ModeTransfer))
	assert.Equal(t, 0, k.CondWaiters(cid))
	assert.Equal(t, 1, k.MutexSleepers(mid))

	// past the timeout the transferred waiter still waits for the mutex
	time.Sleep(400 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("transferred waiter returned before unlock")
	default:
	}
	require.NoError(t, k.Unlock(mid))
	assert.NoError(t, recv(t, ch))
}

func TestSignalHandoffKeepsMutexOrder(t *testing.T) {
	k, mid, cid := newPair(t, FIFO)
	waiter := waitAsync(k, cid, mid, Thread{ID: 1}, 0)
	condWaiters(t, k, cid, 1)
	require.NoError(t, k.TryLock(mid))
	locker := lockAsync(k, mid, Thread{ID: 2}, 0)
	sleepers(t, k, mid, 1)

	require.NoError(t, k.Signal(cid, mid, AnyThread, ModeHandoff))
	assert.NoError(t, recv(t, locker))
	sleepers(t, k, mid, 1)
	require.NoError(t, k.Unlock(mid))
	assert.NoError(t, recv(t, waiter))
}

func TestSignalNoWaiter(t *testing.T) {
	k, mid, cid := newPair(t, FIFO)
	assert.ErrorIs(t, k.Signal(cid, mid, AnyThread, ModeTransfer), emuerrors.ErrSyncPermission)
	assert.NoError(t, k.Signal(cid, mid, AnyThread, ModeNoMutex))
	assert.ErrorIs(t, k.Signal(cid, mid, AnyThread, ModeHandoff), emuerrors.ErrSyncNotFound)
	assert.ErrorIs(t, k.Signal(cid, mid, 42, ModeNoMutex), emuerrors.ErrSyncNotFound)
	assert.ErrorIs(t, k.Signal(cid, mid, AnyThread, 7), emuerrors.ErrSyncInvalid)
}

func TestSignalTarget(t *testing.T) {
	k, mid, cid := newPair(t, FIFO)
	first := waitAsync(k, cid, mid, Thread{ID: 1}, 0)
	condWaiters(t, k, cid, 1)
	second := waitAsync(k, cid, mid, Thread{ID: 2}, 0)
	condWaiters(t, k, cid, 2)

	require.NoError(t, k.Signal(cid, mid, 2, ModeNoMutex))
	assert.ErrorIs(t, recv(t, second), emuerrors.ErrSyncBusy)
	n, err := k.SignalAll(cid, mid, ModeNoMutex)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, recv(t, first), emuerrors.ErrSyncBusy)
}

func TestQueueWaitTimeout(t *testing.T) {
	k, mid, cid := newPair(t, FIFO)
	err := k.QueueWait(cid, mid, Thread{ID: 1}, 10*time.Millisecond)
	assert.ErrorIs(t, err, emuerrors.ErrSyncTimeout)
	assert.Zero(t, k.CondWaiters(cid))
}

func TestSignalAllTransfer(t *testing.T) {
	k, mid, cid := newPair(t, FIFO)
	var chans []<-chan error
	for i := uint32(1); i <= 3; i++ {
		chans = append(chans, waitAsync(k, cid, mid, Thread{ID: i}, 0))
		condWaiters(t, k, cid, int(i))
	}
	// drain the wakes posted by the three releases
	for i := 0; i < 3; i++ {
		require.NoError(t, k.TryLock(mid))
	}
	n, err := k.SignalAll(cid, mid, ModeTransfer)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, k.MutexSleepers(mid))
	for _, ch := range chans {
		require.NoError(t, k.Unlock(mid))
		assert.NoError(t, recv(t, ch))
	}
}
