//go:build linux

package hostctx

import "golang.org/x/sys/unix"

// CurrentThread returns the OS thread id of the caller. Callers that bind
// state to it must hold runtime.LockOSThread.
func CurrentThread() ThreadHandle {
	return ThreadHandle(unix.Gettid())
}
