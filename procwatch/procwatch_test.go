package procwatch

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func writeFakeProcess(t *testing.T, procfs string, pid int, comm string) {
	dir := filepath.Join(procfs, strconv.Itoa(pid))
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestFindByNameMatchesExactComm(t *testing.T) {
	procfs := t.TempDir()
	writeFakeProcess(t, procfs, 100, "target-proc")
	writeFakeProcess(t, procfs, 200, "other-proc")
	os.MkdirAll(filepath.Join(procfs, "not-a-pid"), 0755)

	pids, err := FindByName(procfs, "target-proc")
	if err != nil {
		t.Fatalf("FindByName failed: %v", err)
	}
	if len(pids) != 1 || pids[0] != 100 {
		t.Errorf("got %v, want [100]", pids)
	}
}

func TestFindByNameNoMatches(t *testing.T) {
	procfs := t.TempDir()
	writeFakeProcess(t, procfs, 100, "unrelated")

	pids, err := FindByName(procfs, "target-proc")
	if err != nil {
		t.Fatalf("FindByName failed: %v", err)
	}
	if len(pids) != 0 {
		t.Errorf("got %v, want none", pids)
	}
}

func TestFindByNameMissingProcfs(t *testing.T) {
	if _, err := FindByName("/does/not/exist", "anything"); err != ErrCantReadProc {
		t.Errorf("got %v, want ErrCantReadProc", err)
	}
}

func TestTruncatedName(t *testing.T) {
	long := "this-name-is-way-too-long-for-task-comm"
	got := TruncatedName(long)
	if len(got) != 15 {
		t.Errorf("got length %d, want 15", len(got))
	}
	if got != long[:15] {
		t.Errorf("got %q, want prefix %q", got, long[:15])
	}
	short := "short"
	if TruncatedName(short) != short {
		t.Errorf("short name should be unchanged, got %q", TruncatedName(short))
	}
}

func TestWatchDetectsAppearAndDisappear(t *testing.T) {
	procfs := t.TempDir()
	foundChan := make(chan int, 10)
	lostChan := make(chan int, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, procfs, "target-proc", foundChan, lostChan)
	}()

	writeFakeProcess(t, procfs, 300, "target-proc")

	select {
	case pid := <-foundChan:
		if pid != 300 {
			t.Errorf("got pid %d, want 300", pid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("did not observe the process appearing")
	}

	os.RemoveAll(filepath.Join(procfs, "300"))

	select {
	case pid := <-lostChan:
		if pid != 300 {
			t.Errorf("got pid %d, want 300", pid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("did not observe the process disappearing")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after context cancellation")
	}
}
