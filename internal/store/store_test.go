package store

import (
	"context"
	"errors"
	"testing"

	"github.com/surno/crashtracer/internal/abi"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertProcessUpsertsAndReplacesMaps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.InsertProcess(ctx, ProcessInfo{
		PID: 100, Boottime: 5, Runtime: "Native", Cwd: "/tmp", Cmdline: "a",
		Maps: []string{"line1", "line2"},
	})
	if err != nil {
		t.Fatalf("InsertProcess: %v", err)
	}

	id2, err := s.InsertProcess(ctx, ProcessInfo{
		PID: 100, Boottime: 5, Runtime: "Jvm", Cwd: "/home", Cmdline: "b",
		Maps: []string{"new-line"},
	})
	if err != nil {
		t.Fatalf("InsertProcess (upsert): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected upsert to reuse process id, got %d then %d", id1, id2)
	}

	data, err := s.GetCrashReportData(ctx, 9999)
	if !errors.Is(err, ErrNoRecord) {
		t.Fatalf("GetCrashReportData on missing crash = %v, want ErrNoRecord", err)
	}
	_ = data
}

func TestInsertCrashWithoutProcessReturnsNoRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertCrash(ctx, 42, 7, abi.SignalDeliverEvent{PID: 42, Boottime: 7, Signal: abi.SIGSEGV}, nil, nil)
	if !errors.Is(err, ErrNoRecord) {
		t.Fatalf("InsertCrash on orphan = %v, want ErrNoRecord", err)
	}
}

func TestCrashLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const pid, boottime = 200, 10

	if _, err := s.InsertProcess(ctx, ProcessInfo{
		PID: pid, Boottime: boottime, Runtime: "Native", Maps: []string{"00400000-00401000 r-xp 0 0:0 0 /bin/x"},
	}); err != nil {
		t.Fatalf("InsertProcess: %v", err)
	}

	payload := abi.SignalDeliverEvent{
		PID: pid, TID: pid, Boottime: boottime,
		Signal: abi.SIGSEGV, SiCode: 1, FaultAddr: 0xdeadbeef,
		TimestampNS: 123456789,
		Registers:  abi.Registers{RIP: 0x401000, RSP: 0x7ffee0},
		KernelStackID: -1, UserStackID: 7,
	}
	frames := []StackFrame{{Index: 0, IP: 0x401000}, {Index: 1, IP: 0x401100}, {Index: 2, IP: 0}}
	dump := &abi.StackDump{RSP: 0x7ffee0, Len: 4}
	copy(dump.Data[:4], []byte{1, 2, 3, 4})

	crashID, err := s.InsertCrash(ctx, pid, boottime, payload, frames, dump)
	if err != nil {
		t.Fatalf("InsertCrash: %v", err)
	}

	completedID, err := s.CompleteCrash(ctx, pid, boottime, 139) // WIFSIGNALED(SIGSEGV)
	if err != nil {
		t.Fatalf("CompleteCrash: %v", err)
	}
	if completedID != crashID {
		t.Fatalf("CompleteCrash returned id %d, want %d", completedID, crashID)
	}

	if err := s.InsertArtifact(ctx, pid, boottime, "core.200", "/tmp/core.200", []byte("coredata")); err != nil {
		t.Fatalf("InsertArtifact: %v", err)
	}

	data, err := s.GetCrashReportData(ctx, crashID)
	if err != nil {
		t.Fatalf("GetCrashReportData: %v", err)
	}
	if data.Process.PID != pid || data.Process.Boottime != boottime {
		t.Errorf("process identity mismatch: %+v", data.Process)
	}
	if len(data.Process.Maps) != 1 {
		t.Errorf("maps = %v, want 1 line", data.Process.Maps)
	}
	if data.Signal != abi.SIGSEGV || data.FaultAddr != 0xdeadbeef {
		t.Errorf("crash fields mismatch: %+v", data)
	}
	if data.ExitCode == nil || *data.ExitCode != 139 {
		t.Errorf("ExitCode = %v, want 139", data.ExitCode)
	}
	if len(data.Frames) != 3 || data.Frames[2].IP != 0 {
		t.Errorf("frames = %+v", data.Frames)
	}
	if data.Dump == nil || data.Dump.Len != 4 {
		t.Errorf("dump = %+v", data.Dump)
	}
	if len(data.Artifacts) != 1 || data.Artifacts[0].Filename != "core.200" {
		t.Errorf("artifacts = %+v", data.Artifacts)
	}

	// A second CompleteCrash call finds no pending crash left: ErrNoRecord.
	if _, err := s.CompleteCrash(ctx, pid, boottime, 0); !errors.Is(err, ErrNoRecord) {
		t.Errorf("second CompleteCrash = %v, want ErrNoRecord", err)
	}

	if err := s.CleanupProcess(ctx, pid, boottime); err != nil {
		t.Fatalf("CleanupProcess: %v", err)
	}
	if _, err := s.GetCrashReportData(ctx, crashID); !errors.Is(err, ErrNoRecord) {
		t.Errorf("GetCrashReportData after cleanup = %v, want ErrNoRecord", err)
	}
}

func TestCompleteCrashNoRecordWhenProcessMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.CompleteCrash(context.Background(), 1, 1, 0); !errors.Is(err, ErrNoRecord) {
		t.Errorf("CompleteCrash on missing process = %v, want ErrNoRecord", err)
	}
}

func TestCleanupProcessNoRecord(t *testing.T) {
	s := openTestStore(t)
	if err := s.CleanupProcess(context.Background(), 1, 1); !errors.Is(err, ErrNoRecord) {
		t.Errorf("CleanupProcess on missing process = %v, want ErrNoRecord", err)
	}
}
