//go:build linux

package main

import "syscall"

// bumpMemlockRlimit raises RLIMIT_MEMLOCK to its hard limit, best-effort.
// Older kernels (pre-5.11) account BPF map memory against RLIMIT_MEMLOCK;
// a low default limit can make map creation fail for the ring buffer and
// the two side maps.
func bumpMemlockRlimit() error {
	var rlim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_MEMLOCK, &rlim); err != nil {
		return err
	}
	rlim.Cur = rlim.Max
	return syscall.Setrlimit(syscall.RLIMIT_MEMLOCK, &rlim)
}
