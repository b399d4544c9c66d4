//go:build !linux

package hostctx

import (
	"bytes"
	"runtime"
	"strconv"
)

// CurrentThread falls back to the goroutine id where no OS thread id is
// exposed; callers lock the goroutine to its thread anyway.
func CurrentThread() ThreadHandle {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return ThreadHandle(id)
}
