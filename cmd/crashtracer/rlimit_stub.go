//go:build !linux

package main

// bumpMemlockRlimit is a no-op on non-Linux platforms: RLIMIT_MEMLOCK only
// matters for the BPF map accounting this tracer's kernel capture plane
// needs, and that plane never loads outside Linux.
func bumpMemlockRlimit() error {
	return nil
}
