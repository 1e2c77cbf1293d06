package procstate

import (
	"os"
	"testing"
)

func TestDetectRuntime(t *testing.T) {
	cases := []struct {
		name string
		maps []string
		want Runtime
	}{
		{
			name: "native, no signatures",
			maps: []string{
				"00400000-00401000 r-xp 00000000 08:01 1234 /usr/bin/nullderef",
				"7f0000000000-7f0000021000 rw-p 00000000 00:00 0",
			},
			want: Native,
		},
		{
			name: "jvm",
			maps: []string{
				"7f1000000000-7f1000800000 r-xp 00000000 08:01 555 /opt/jdk/lib/server/libjvm.so",
			},
			want: Jvm,
		},
		{
			name: "node/v8 via libnode",
			maps: []string{"7f2000000000-7f2000800000 r-xp 00000000 08:01 555 /usr/lib/libnode.so.108"},
			want: V8,
		},
		{
			name: "v8 via libv8",
			maps: []string{"7f2000000000-7f2000800000 r-xp 00000000 08:01 555 /usr/lib/libv8.so"},
			want: V8,
		},
		{
			name: "il2cpp",
			maps: []string{"... /game/GameAssembly_il2cpp.so libil2cpp.so"},
			want: Il2Cpp,
		},
		{
			name: "coreclr",
			maps: []string{"7f3000000000-7f3000800000 r-xp 00000000 08:01 555 /usr/share/dotnet/shared/libcoreclr.so"},
			want: CoreClr,
		},
		{
			name: "mono",
			maps: []string{"7f4000000000-7f4000800000 r-xp 00000000 08:01 555 /usr/lib/libmonosgen-2.0.so"},
			want: Mono,
		},
		{
			name: "python",
			maps: []string{"7f5000000000-7f5000800000 r-xp 00000000 08:01 555 /usr/lib/libpython3.11.so.1.0"},
			want: Python,
		},
		{
			name: "first match wins",
			maps: []string{
				"7f1000000000-7f1000800000 r-xp 00000000 08:01 555 /opt/jdk/lib/server/libjvm.so",
				"7f5000000000-7f5000800000 r-xp 00000000 08:01 555 /usr/lib/libpython3.11.so",
			},
			want: Jvm,
		},
		{
			name: "empty maps",
			maps: nil,
			want: Native,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := detectRuntime(c.maps); got != c.want {
				t.Errorf("detectRuntime(%v) = %v, want %v", c.maps, got, c.want)
			}
		})
	}
}

func TestCacheInsertGetRemove(t *testing.T) {
	c := New(nil)
	key := Key{PID: uint32(os.Getpid()), Boottime: 99}

	// This test only needs *some* real maps file to read. The test
	// process's own /proc/self maps is always readable, whereas another
	// process's maps (e.g. pid 1) needs ptrace-read access.
	if err := c.Insert(key); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	entry, ok := c.Get(key)
	if !ok {
		t.Fatal("Get: entry not found after Insert")
	}
	if entry.Runtime == "" {
		t.Error("Runtime should always be set, even to Native")
	}

	c.Remove(key)
	if _, ok := c.Get(key); ok {
		t.Error("entry still present after Remove")
	}
}

func TestCacheInsertMissingPidFails(t *testing.T) {
	c := New(nil)
	// A PID that (almost certainly) does not exist.
	err := c.Insert(Key{PID: 1 << 30, Boottime: 1})
	if err == nil {
		t.Fatal("expected error inserting a nonexistent pid")
	}
	if c.Len() != 0 {
		t.Errorf("cache should stay empty on failed insert, got len=%d", c.Len())
	}
}
